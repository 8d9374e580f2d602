// Package config loads the daemon's TOML configuration file, mirroring
// the node/edges/control/transport-rdma layout the engine runtime's
// dataflow graph is constructed from.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/pelletier/go-toml/v2"
)

// EngineType names a plugin-provided engine kind, e.g. "mrpc" or
// "rdma_transport". Validated against the loaded plugin registry at
// startup, not by the config package itself.
type EngineType string

// Node is one vertex of the dataflow graph as declared in config.
type Node struct {
	ID         string     `toml:"id"`
	EngineType EngineType `toml:"type"`
}

// Edges lists egress/ingress id paths connecting declared nodes.
type Edges struct {
	Egress  [][]string `toml:"egress"`
	Ingress [][]string `toml:"ingress"`
}

// Control configures the daemon's control socket.
type Control struct {
	Prefix string `toml:"prefix"`
	Path   string `toml:"path"`
}

// RdmaTransport configures the optional RDMA transport engine. A nil
// *RdmaTransport means the daemon runs with the loopback transport
// provider only (see internal/transport).
type RdmaTransport struct {
	Prefix               string `toml:"prefix"`
	EngineBasename       string `toml:"engine_basename"`
	DatapathWQDepth      int    `toml:"datapath_wq_depth"`
	DatapathCQDepth      int    `toml:"datapath_cq_depth"`
	CommandMaxIntervalMS uint32 `toml:"command_max_interval_ms"`
}

// Config is the root of the daemon's TOML configuration file.
type Config struct {
	LogEnv           string         `toml:"log_env"`
	DefaultLogLevel  string         `toml:"default_log_level"`
	Modules          []string       `toml:"modules"`
	Control          Control        `toml:"control"`
	TransportRDMA    *RdmaTransport `toml:"transport-rdma"`
	Node             []Node         `toml:"node"`
	Edges            Edges          `toml:"edges"`
}

// FromPath reads and strictly decodes a TOML config file. Unknown
// fields are rejected, matching the original's #[serde(deny_unknown_fields)].
func FromPath(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	return FromBytes(b)
}

// FromBytes decodes raw TOML content with strict unknown-field checking.
func FromBytes(b []byte) (*Config, error) {
	dec := toml.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()

	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the cross-reference invariants spec.md §6 names:
// node ids are unique, and every id referenced in edges is declared.
func (c *Config) Validate() error {
	seen := make(map[string]struct{}, len(c.Node))
	for _, n := range c.Node {
		if n.ID == "" {
			return fmt.Errorf("config: node with empty id")
		}
		if _, dup := seen[n.ID]; dup {
			return fmt.Errorf("config: duplicate node id %q", n.ID)
		}
		seen[n.ID] = struct{}{}
	}

	checkPaths := func(kind string, paths [][]string) error {
		for _, path := range paths {
			for _, id := range path {
				if _, ok := seen[id]; !ok {
					return fmt.Errorf("config: edges.%s references undeclared node %q", kind, id)
				}
			}
		}
		return nil
	}
	if err := checkPaths("egress", c.Edges.Egress); err != nil {
		return err
	}
	if err := checkPaths("ingress", c.Edges.Ingress); err != nil {
		return err
	}
	return nil
}
