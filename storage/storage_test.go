package storage_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/config"
	"github.com/jrife/grouse/schema"
	"github.com/jrife/grouse/schema/schematest"
	"github.com/jrife/grouse/storage"
	"github.com/jrife/grouse/storage/row"
	"github.com/jrife/grouse/storage/session"
	"github.com/prometheus/client_golang/prometheus"
)

func open(t *testing.T, cfg config.Config) *storage.Core {
	t.Helper()

	core, err := storage.Open(context.Background(), cfg, prometheus.NewRegistry())

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	return core
}

func TestOpen(t *testing.T) {
	testCases := map[string]struct {
		cfg config.Config
	}{
		"memory": {
			cfg: config.Config{Backend: "memory", Engine: config.EngineConfig{UniqueChecks: "deferred"}},
		},
		"bbolt": {
			cfg: config.Config{Backend: "bbolt", Bbolt: config.BboltConfig{Path: filepath.Join(t.TempDir(), "grouse.db")}},
		},
	}

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			core := open(t, testCase.cfg)
			defer core.Close()

			var items *schema.Table

			err := core.Sessions().Run(context.Background(), true, func(txn *session.Txn) error {
				snapshot, _, err := core.Schema().Change(txn.Context(), txn, schematest.OrdersItemsDefs)

				if err != nil {
					return err
				}

				items = snapshot.Table("items")
				_, err = core.Engine().WriteRow(txn.Context(), txn, row.Must(items, 1, 10, "a", 2))

				return err
			})

			if err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			if err := core.RebuildIndexes(context.Background(), items.Index("sku")); err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			err = core.Sessions().Run(context.Background(), false, func(txn *session.Txn) error {
				r, _, err := core.Engine().Lookup(txn.Context(), txn, items, 10)

				if err != nil {
					return err
				}

				if diff := cmp.Diff(`items(1, 10, "a", 2)`, r.String()); diff != "" {
					t.Fatal(diff)
				}

				return nil
			})

			if err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}
		})
	}
}

func TestOpenInvalid(t *testing.T) {
	if _, err := storage.Open(context.Background(), config.Config{Backend: "leveldb"}, nil); err == nil {
		t.Fatalf("expected an error for an unknown backend")
	}
}
