package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionMismatchReason_PatchSkewAccepted(t *testing.T) {
	reason, ok := VersionMismatchReason("1.2.3", "1.2.9")
	assert.True(t, ok)
	assert.Empty(t, reason)
}

func TestVersionMismatchReason_MinorMismatchRejected(t *testing.T) {
	reason, ok := VersionMismatchReason("1.2.3", "1.3.0")
	assert.False(t, ok)
	assert.Equal(t, "krmx server version mismatch (server=1.2.*,client=1.3.0)", reason)
}

func TestVersionMismatchReason_MajorMismatchRejected(t *testing.T) {
	_, ok := VersionMismatchReason("2.0.0", "1.9.9")
	assert.False(t, ok)
}

func TestVersionMismatchReason_MalformedClientRejected(t *testing.T) {
	reason, ok := VersionMismatchReason("1.2.3", "garbage")
	assert.False(t, ok)
	assert.Contains(t, reason, "server=1.2.*")
}

func TestVersionMismatchReason_MalformedServerToleratesClient(t *testing.T) {
	_, ok := VersionMismatchReason("not-a-version", "1.2.3")
	assert.True(t, ok)
}
