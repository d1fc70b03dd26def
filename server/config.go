package server

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"goa.design/agentbridge/protocol/aguiproto"
	"goa.design/agentbridge/protocol/openaiproto"
)

// Config holds the server assembly configuration. Zero value plus
// ApplyDefaults yields a server with both protocols enabled on their
// default prefixes.
type Config struct {
	// Addr is the listen address, host:port.
	Addr string `yaml:"addr"`
	// Debug mounts pprof and the debug log enabler and logs request
	// and response bodies.
	Debug bool `yaml:"debug"`
	// SerializeToolCalls forces strict one-at-a-time tool call
	// ordering on the wire.
	SerializeToolCalls bool `yaml:"serialize_tool_calls"`
	// CORSOrigins is the origin allow-list. "*" allows any origin.
	// Empty disables CORS headers entirely.
	CORSOrigins []string `yaml:"cors_origins"`

	OpenAI ProtocolConfig `yaml:"openai"`
	AGUI   ProtocolConfig `yaml:"agui"`
}

// ProtocolConfig configures one protocol surface.
type ProtocolConfig struct {
	// Disable removes the protocol's routes from the muxer.
	Disable bool `yaml:"disable"`
	// Prefix overrides the default route prefix.
	Prefix string `yaml:"prefix"`
	// Model is the model name advertised on the OpenAI surface.
	// Ignored by the AG-UI surface.
	Model string `yaml:"model"`
}

// DefaultModel is the model name reported when none is configured.
const DefaultModel = "agentbridge"

// ApplyDefaults fills unset fields in place.
func (c *Config) ApplyDefaults() {
	if c.Addr == "" {
		c.Addr = ":8000"
	}
	if c.OpenAI.Prefix == "" {
		c.OpenAI.Prefix = openaiproto.DefaultPrefix
	}
	if c.OpenAI.Model == "" {
		c.OpenAI.Model = DefaultModel
	}
	if c.AGUI.Prefix == "" {
		c.AGUI.Prefix = aguiproto.DefaultPrefix
	}
}

// LoadConfig reads a YAML config file and applies defaults. A missing
// path returns the default configuration.
func LoadConfig(path string) (*Config, error) {
	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path) // #nosec G304 -- path comes from the operator
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}
	cfg.ApplyDefaults()
	return &cfg, nil
}
