package broker

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDefaultUsernameValidator(t *testing.T) {
	assert.True(t, DefaultUsernameValidator("simon"))
	assert.True(t, DefaultUsernameValidator("a1b2c3"))
	assert.False(t, DefaultUsernameValidator("Simon"))
	assert.False(t, DefaultUsernameValidator("ab"))
	assert.False(t, DefaultUsernameValidator("this-has-dashes"))
}

func TestStrictUsernameValidator(t *testing.T) {
	assert.True(t, StrictUsernameValidator("Simon"))
	assert.True(t, StrictUsernameValidator("simon.peters"))
	assert.True(t, StrictUsernameValidator("a1"))
	assert.False(t, StrictUsernameValidator("1simon"))
	assert.False(t, StrictUsernameValidator("simon--peters"))
	assert.False(t, StrictUsernameValidator("simon."))
	assert.False(t, StrictUsernameValidator("a"))
}

func TestParamConstraints(t *testing.T) {
	values := url.Values{"token": []string{"abc"}}

	assert.True(t, ParamPresent().allows(values, "token"))
	assert.False(t, ParamPresent().allows(values, "missing"))

	assert.True(t, ParamAbsent().allows(values, "missing"))
	assert.False(t, ParamAbsent().allows(values, "token"))

	assert.True(t, ParamEquals("abc").allows(values, "token"))
	assert.False(t, ParamEquals("xyz").allows(values, "token"))

	assert.True(t, ParamSatisfies(func(v string) bool { return len(v) == 3 }).allows(values, "token"))
	assert.False(t, ParamSatisfies(func(v string) bool { return len(v) == 3 }).allows(values, "missing"))
}

func TestConfig_AcceptGate(t *testing.T) {
	cfg := newConfig(WithQueryParams(map[string]ParamConstraint{
		"room": ParamPresent(),
	}))
	assert.True(t, cfg.acceptGate(url.Values{"room": []string{"1"}}))
	assert.False(t, cfg.acceptGate(url.Values{}))
}

func TestNewConfig_Defaults(t *testing.T) {
	cfg := newConfig()
	assert.True(t, cfg.AcceptNewUsers)
	assert.False(t, cfg.Metadata)
	assert.Equal(t, "/", cfg.HTTPPath)
	assert.Equal(t, "1.0.0", cfg.ProtocolVersion)
}

func TestWithPath_AddsLeadingSlash(t *testing.T) {
	cfg := newConfig(WithPath("ws"))
	assert.Equal(t, "/ws", cfg.HTTPPath)
}
