package broker

import (
	"net/http"
	"net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/relaykit/sessionbroker/internal/logger"
)

// UsernameValidator decides whether a candidate username may be used to
// link or join. Implementations should be pure and side-effect free.
type UsernameValidator func(username string) bool

var defaultUsernamePattern = regexp.MustCompile(`^[a-z0-9]{3,20}$`)

// DefaultUsernameValidator implements the spec's default: lowercase
// alphanumeric, length 3-20.
func DefaultUsernameValidator(username string) bool {
	return defaultUsernamePattern.MatchString(username)
}

var strictUsernamePattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9]*([.\-@_][A-Za-z0-9]+)*$`)

// StrictUsernameValidator implements the spec's stricter reference
// predicate: starts with a letter, ends with a letter or digit, allows
// ". - @ _" as interior separators with no two consecutive specials,
// length 2-32 overall.
func StrictUsernameValidator(username string) bool {
	if len(username) < 2 || len(username) > 32 {
		return false
	}
	return strictUsernamePattern.MatchString(username)
}

// ParamConstraint describes one accept-gate rule evaluated against a single
// WebSocket upgrade request's query parameters.
type ParamConstraint struct {
	mustBePresent bool
	mustBeAbsent  bool
	equals        *string
	predicate     func(value string) bool
}

// ParamPresent requires the query parameter to be present (any value).
func ParamPresent() ParamConstraint { return ParamConstraint{mustBePresent: true} }

// ParamAbsent requires the query parameter to be absent.
func ParamAbsent() ParamConstraint { return ParamConstraint{mustBeAbsent: true} }

// ParamEquals requires the query parameter to be present and equal to want.
func ParamEquals(want string) ParamConstraint { return ParamConstraint{equals: &want} }

// ParamSatisfies requires the query parameter to be present and to satisfy
// an arbitrary predicate.
func ParamSatisfies(fn func(value string) bool) ParamConstraint {
	return ParamConstraint{predicate: fn}
}

func (c ParamConstraint) allows(values url.Values, key string) bool {
	vals, present := values[key]
	var value string
	if present && len(vals) > 0 {
		value = vals[0]
	}
	switch {
	case c.mustBePresent:
		return present
	case c.mustBeAbsent:
		return !present
	case c.equals != nil:
		return present && value == *c.equals
	case c.predicate != nil:
		return present && c.predicate(value)
	default:
		return true
	}
}

// Config holds every knob enumerated in the spec's §6 "Server
// configuration" table.
type Config struct {
	Logger            zerolog.Logger
	Metadata          bool
	AcceptNewUsers    bool
	IsValidUsername   UsernameValidator
	HTTPServer        *http.Server
	HTTPPath          string
	HTTPQueryParams   map[string]ParamConstraint
	ProtocolVersion   string
	PingInterval      int // seconds; 0 disables transport-level keepalive pings
}

// Option configures a Config. Mirrors the functional-options style used
// throughout this codebase's sibling packages (e.g. internal/presence).
type Option func(*Config)

// WithLogger overrides the component logger; defaults to logger.Broker().
func WithLogger(l zerolog.Logger) Option { return func(c *Config) { c.Logger = l } }

// WithMetadata enables {isBroadcast,timestamp} decoration on every
// outbound frame.
func WithMetadata(enabled bool) Option { return func(c *Config) { c.Metadata = enabled } }

// WithAcceptNewUsers toggles whether krmx/link may create a user that does
// not already exist in the registry.
func WithAcceptNewUsers(enabled bool) Option { return func(c *Config) { c.AcceptNewUsers = enabled } }

// WithUsernameValidator overrides the username-acceptance predicate.
func WithUsernameValidator(v UsernameValidator) Option {
	return func(c *Config) { c.IsValidUsername = v }
}

// WithHTTPServer supplies an already-managed HTTP host for the broker to
// mount its WebSocket endpoint onto, instead of binding its own listener.
func WithHTTPServer(s *http.Server) Option { return func(c *Config) { c.HTTPServer = s } }

// WithPath sets the WebSocket endpoint path (leading slash optional).
func WithPath(path string) Option {
	return func(c *Config) {
		if !strings.HasPrefix(path, "/") {
			path = "/" + path
		}
		c.HTTPPath = path
	}
}

// WithQueryParams installs the accept-gate evaluated on every upgrade.
func WithQueryParams(params map[string]ParamConstraint) Option {
	return func(c *Config) { c.HTTPQueryParams = params }
}

// WithProtocolVersion overrides the server's own MAJOR.MINOR.PATCH used
// for the krmx/link version-skew check. Defaults to "1.0.0".
func WithProtocolVersion(v string) Option { return func(c *Config) { c.ProtocolVersion = v } }

// WithPingInterval overrides the transport keepalive interval in seconds.
func WithPingInterval(seconds int) Option { return func(c *Config) { c.PingInterval = seconds } }

func defaultConfig() Config {
	return Config{
		Logger:          *logger.Broker(),
		Metadata:        false,
		AcceptNewUsers:  true,
		IsValidUsername: DefaultUsernameValidator,
		HTTPPath:        "/",
		HTTPQueryParams: map[string]ParamConstraint{},
		ProtocolVersion: "1.0.0",
		PingInterval:    54,
	}
}

func newConfig(opts ...Option) Config {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	return cfg
}

func (c Config) acceptGate(values url.Values) bool {
	for key, constraint := range c.HTTPQueryParams {
		if !constraint.allows(values, key) {
			return false
		}
	}
	return true
}
