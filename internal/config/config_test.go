package config_test

import (
	"testing"

	"github.com/flowmesh/enginerpc/internal/config"
)

const validTOML = `
log_env = "RUST_LOG"
default_log_level = "info"
modules = ["mrpc"]

[control]
prefix = "/tmp/enginerpc"
path = "control.sock"

[[node]]
id = "head"
type = "mrpc"

[[node]]
id = "tail"
type = "rdma_transport"

[edges]
egress = [["head", "tail"]]
ingress = [["tail", "head"]]
`

func TestFromBytesValid(t *testing.T) {
	cfg, err := config.FromBytes([]byte(validTOML))
	if err != nil {
		t.Fatalf("FromBytes: %v", err)
	}
	if len(cfg.Node) != 2 {
		t.Fatalf("expected 2 nodes, got %d", len(cfg.Node))
	}
	if cfg.Control.Path != "control.sock" {
		t.Fatalf("unexpected control path %q", cfg.Control.Path)
	}
}

func TestFromBytesRejectsUnknownField(t *testing.T) {
	bad := validTOML + "\nbogus_field = 1\n"
	if _, err := config.FromBytes([]byte(bad)); err == nil {
		t.Fatal("expected error for unknown field")
	}
}

func TestFromBytesRejectsUndeclaredEdgeNode(t *testing.T) {
	bad := `
log_env = "x"
default_log_level = "info"
modules = []

[control]
prefix = "/tmp"
path = "c.sock"

[[node]]
id = "head"
type = "mrpc"

[edges]
egress = [["head", "ghost"]]
ingress = []
`
	if _, err := config.FromBytes([]byte(bad)); err == nil {
		t.Fatal("expected error for edge referencing undeclared node")
	}
}

func TestFromBytesRejectsDuplicateNodeID(t *testing.T) {
	bad := `
log_env = "x"
default_log_level = "info"
modules = []

[control]
prefix = "/tmp"
path = "c.sock"

[[node]]
id = "head"
type = "mrpc"

[[node]]
id = "head"
type = "rdma_transport"

[edges]
egress = []
ingress = []
`
	if _, err := config.FromBytes([]byte(bad)); err == nil {
		t.Fatal("expected error for duplicate node id")
	}
}
