// Package config loads the broker's server configuration from a YAML
// manifest, the way the teacher's internal/plugins loads plugin
// manifests, and turns it into a slice of broker.Option values ready to
// hand to broker.NewServer.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/relaykit/sessionbroker/internal/broker"
)

// ParamRule is the YAML shape of one entry in queryParams.
type ParamRule struct {
	Present *bool  `yaml:"present,omitempty"`
	Absent  *bool  `yaml:"absent,omitempty"`
	Equals  string `yaml:"equals,omitempty"`
}

// File is the on-disk shape of a broker configuration manifest. Any
// field left zero-valued/omitted falls back to broker's own default.
type File struct {
	Metadata        *bool                `yaml:"metadata,omitempty"`
	AcceptNewUsers  *bool                `yaml:"acceptNewUsers,omitempty"`
	UsernameValidator string             `yaml:"usernameValidator,omitempty"` // "default" | "strict"
	HTTPPath        string               `yaml:"httpPath,omitempty"`
	ProtocolVersion string               `yaml:"protocolVersion,omitempty"`
	PingInterval    *int                 `yaml:"pingInterval,omitempty"`
	QueryParams     map[string]ParamRule `yaml:"queryParams,omitempty"`
}

// Load reads and parses a YAML manifest at path into a slice of
// broker.Option values.
func Load(path string) ([]broker.Option, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return f.toOptions()
}

func (f File) toOptions() ([]broker.Option, error) {
	var opts []broker.Option

	if f.Metadata != nil {
		opts = append(opts, broker.WithMetadata(*f.Metadata))
	}
	if f.AcceptNewUsers != nil {
		opts = append(opts, broker.WithAcceptNewUsers(*f.AcceptNewUsers))
	}
	switch f.UsernameValidator {
	case "", "default":
	case "strict":
		opts = append(opts, broker.WithUsernameValidator(broker.StrictUsernameValidator))
	default:
		return nil, fmt.Errorf("config: unknown usernameValidator %q", f.UsernameValidator)
	}
	if f.HTTPPath != "" {
		opts = append(opts, broker.WithPath(f.HTTPPath))
	}
	if f.ProtocolVersion != "" {
		opts = append(opts, broker.WithProtocolVersion(f.ProtocolVersion))
	}
	if f.PingInterval != nil {
		opts = append(opts, broker.WithPingInterval(*f.PingInterval))
	}
	if len(f.QueryParams) > 0 {
		params := make(map[string]broker.ParamConstraint, len(f.QueryParams))
		for key, rule := range f.QueryParams {
			switch {
			case rule.Present != nil && *rule.Present:
				params[key] = broker.ParamPresent()
			case rule.Absent != nil && *rule.Absent:
				params[key] = broker.ParamAbsent()
			case rule.Equals != "":
				params[key] = broker.ParamEquals(rule.Equals)
			default:
				return nil, fmt.Errorf("config: queryParams[%q] has no recognized rule", key)
			}
		}
		opts = append(opts, broker.WithQueryParams(params))
	}
	return opts, nil
}
