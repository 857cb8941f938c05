package wire

import (
	"fmt"
	"strconv"
	"strings"
)

// semver is a minimal MAJOR.MINOR.PATCH parse, sufficient for the link
// handshake's version compatibility check (§3.4.1, §6 of the spec).
type semver struct {
	major, minor int
	patch        string
}

func parseSemver(v string) (semver, error) {
	parts := strings.SplitN(v, ".", 3)
	if len(parts) != 3 {
		return semver{}, fmt.Errorf("wire: malformed version %q", v)
	}
	major, err := strconv.Atoi(parts[0])
	if err != nil {
		return semver{}, fmt.Errorf("wire: malformed version %q: %w", v, err)
	}
	minor, err := strconv.Atoi(parts[1])
	if err != nil {
		return semver{}, fmt.Errorf("wire: malformed version %q: %w", v, err)
	}
	return semver{major: major, minor: minor, patch: parts[2]}, nil
}

// VersionMismatchReason checks a client-supplied version against the
// server's version and, if MAJOR.MINOR differ, returns the canonical
// rejection reason string along with ok=false. PATCH differences are
// always accepted.
func VersionMismatchReason(serverVersion, clientVersion string) (reason string, ok bool) {
	server, err := parseSemver(serverVersion)
	if err != nil {
		// A malformed server version is a programming error, not a client
		// fault; treat as compatible rather than rejecting every client.
		return "", true
	}
	client, err := parseSemver(clientVersion)
	if err != nil {
		return fmt.Sprintf("krmx server version mismatch (server=%d.%d.*,client=%s)", server.major, server.minor, clientVersion), false
	}
	if client.major != server.major || client.minor != server.minor {
		return fmt.Sprintf("krmx server version mismatch (server=%d.%d.*,client=%s)", server.major, server.minor, clientVersion), false
	}
	return "", true
}
