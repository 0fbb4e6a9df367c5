package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/jrife/grouse/config"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := config.Load("")

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	expected := config.Config{
		Backend: "bbolt",
		Bbolt:   config.BboltConfig{Path: "grouse.db"},
		Etcd:    config.EtcdConfig{Endpoints: []string{}, DialTimeout: 5 * time.Second, MaxTxnOps: 128},
		Engine:  config.EngineConfig{UniqueChecks: "immediate"},
		Schema:  config.SchemaConfig{ReclaimInterval: time.Minute, Workers: 2},
		Bulk:    config.BulkConfig{BatchSize: 1000},
		Session: config.SessionConfig{MaxRetries: 10},
		Log:     config.LogConfig{Level: "info"},
	}

	if diff := cmp.Diff(expected, cfg, cmpopts.EquateEmpty()); diff != "" {
		t.Fatal(diff)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grouse.yaml")
	contents := `
backend: memory
engine:
  unique_checks: deferred
  row_format: protobuf
schema:
  reclaim_interval: 10s
bulk:
  batch_size: 50
`

	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	t.Setenv("GROUSE_BULK_BATCH_SIZE", "75")
	t.Setenv("GROUSE_LOG_LEVEL", "debug")

	cfg, err := config.Load(path)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff("memory", cfg.Backend); diff != "" {
		t.Fatal(diff)
	}

	if diff := cmp.Diff(config.EngineConfig{UniqueChecks: "deferred", RowFormat: "protobuf"}, cfg.Engine); diff != "" {
		t.Fatal(diff)
	}

	if diff := cmp.Diff(config.SchemaConfig{ReclaimInterval: 10 * time.Second, Workers: 2}, cfg.Schema); diff != "" {
		t.Fatal(diff)
	}

	if cfg.Bulk.BatchSize != 75 {
		t.Fatalf("expected the environment to override bulk.batch_size, got %d", cfg.Bulk.BatchSize)
	}

	if cfg.Log.Level != "debug" {
		t.Fatalf("expected log.level to be debug, got %s", cfg.Log.Level)
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected an error for a missing file")
	}
}

func TestValidate(t *testing.T) {
	valid := config.Config{Backend: "memory"}

	testCases := map[string]struct {
		mutate func(cfg *config.Config)
		valid  bool
	}{
		"memory": {
			mutate: func(cfg *config.Config) {},
			valid:  true,
		},
		"unknown-backend": {
			mutate: func(cfg *config.Config) { cfg.Backend = "leveldb" },
		},
		"bbolt-without-path": {
			mutate: func(cfg *config.Config) { cfg.Backend = "bbolt" },
		},
		"etcd-without-endpoints": {
			mutate: func(cfg *config.Config) { cfg.Backend = "etcd" },
		},
		"etcd": {
			mutate: func(cfg *config.Config) {
				cfg.Backend = "etcd"
				cfg.Etcd.Endpoints = []string{"localhost:2379"}
			},
			valid: true,
		},
		"deferred-checks": {
			mutate: func(cfg *config.Config) { cfg.Engine.UniqueChecks = "DEFERRED" },
			valid:  true,
		},
		"unknown-checks": {
			mutate: func(cfg *config.Config) { cfg.Engine.UniqueChecks = "never" },
		},
		"unknown-row-format": {
			mutate: func(cfg *config.Config) { cfg.Engine.RowFormat = "json" },
		},
		"negative-batch": {
			mutate: func(cfg *config.Config) { cfg.Bulk.BatchSize = -1 },
		},
		"negative-txn-ops": {
			mutate: func(cfg *config.Config) { cfg.Etcd.MaxTxnOps = -1 },
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			cfg := valid
			testCase.mutate(&cfg)
			err := cfg.Validate()

			if testCase.valid && err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			} else if !testCase.valid && err == nil {
				t.Fatalf("expected an error")
			}
		})
	}
}
