//go:build integration

package engine_test

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/schema/schematest"
	"github.com/jrife/grouse/storage/engine"
	"github.com/jrife/grouse/storage/kv/plugins/etcd"
	"github.com/jrife/grouse/storage/session"
	"go.etcd.io/etcd/server/v3/embed"
)

// TestMain starts an etcd server with the default operation limits so
// every plugin matrix test in this package also runs against etcd
func TestMain(m *testing.M) {
	dir, err := os.MkdirTemp("", "grouse-engine-etcd")

	if err != nil {
		fmt.Fprintf(os.Stderr, "could not create etcd data dir: %s\n", err)
		os.Exit(1)
	}

	config := embed.NewConfig()
	config.Dir = dir
	config.LogLevel = "error"

	clientURL, _ := url.Parse("http://127.0.0.1:23890")
	peerURL, _ := url.Parse("http://127.0.0.1:23900")
	config.ListenClientUrls = []url.URL{*clientURL}
	config.AdvertiseClientUrls = []url.URL{*clientURL}
	config.ListenPeerUrls = []url.URL{*peerURL}
	config.AdvertisePeerUrls = []url.URL{*peerURL}
	config.InitialCluster = config.InitialClusterFromName(config.Name)

	server, err := embed.StartEtcd(config)

	if err != nil {
		fmt.Fprintf(os.Stderr, "could not start etcd: %s\n", err)
		os.RemoveAll(dir)
		os.Exit(1)
	}

	select {
	case <-server.Server.ReadyNotify():
	case <-time.After(30 * time.Second):
		server.Server.Stop()
		fmt.Fprintln(os.Stderr, "etcd took too long to start")
		os.RemoveAll(dir)
		os.Exit(1)
	}

	os.Setenv(etcd.EndpointsEnv, clientURL.String())
	code := m.Run()

	server.Close()
	os.RemoveAll(dir)
	os.Exit(code)
}

func TestEtcdDisjointInserts(t *testing.T) {
	h := newHarness(t, &etcd.Plugin{}, schematest.OrdersItems(t), engine.Config{})
	ctx := context.Background()
	txns := make([]*session.Txn, 2)

	for i := range txns {
		txn, err := h.sessions.Begin(ctx, true)

		if err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		defer txn.Rollback()

		txns[i] = txn
	}

	for i, txn := range txns {
		if _, err := h.engine.WriteRow(ctx, txn, h.row("orders", i+1, "open")); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}
	}

	for _, txn := range txns {
		if err := txn.Commit(); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}
	}

	var status engine.TableStatus

	h.mustRun(func(ctx context.Context, txn *session.Txn) error {
		var err error

		status, err = h.engine.TableStatus(ctx, txn, h.snapshot.Table("orders"))

		return err
	})

	if diff := cmp.Diff(engine.TableStatus{RowCount: 2}, status); diff != "" {
		t.Fatal(diff)
	}

	if diff := cmp.Diff([]string{`{1,(1)} orders(1, "open")`, `{1,(2)} orders(2, "open")`}, h.rows("orders")); diff != "" {
		t.Fatal(diff)
	}
}

func TestEtcdRebuildIndexesDefaultLimit(t *testing.T) {
	h := newHarness(t, &etcd.Plugin{}, schematest.OrdersItems(t), engine.Config{})
	expected := []string{}
	rows := [][]interface{}{}

	for i := 0; i < 3*etcd.DefaultMaxTxnOps/2; i++ {
		sku := fmt.Sprintf("sku-%03d", i)
		rows = append(rows, []interface{}{nil, i, sku, 1})
		expected = append(expected, fmt.Sprintf(`("%s") -> {1,(NULL)}/{2,(%d)}`, sku, i))

		if len(rows) == 10 {
			h.writeWithout(rows...)
			rows = nil
		}
	}

	h.writeWithout(rows...)

	sku := h.snapshot.Table("items").Index("sku")
	statusSku := h.snapshot.Group("orders").Index("status_sku")

	for i := 0; i < 2; i++ {
		if err := h.engine.RebuildIndexes(context.Background(), h.sessions, engine.RebuildOptions{BatchSize: engine.DefaultBatchSize}, sku, statusSku); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		if diff := cmp.Diff(expected, h.tableIndex("items", "sku")); diff != "" {
			t.Fatal(diff)
		}

		if n := len(h.groupIndex("orders", "status_sku")); n != len(expected) {
			t.Fatalf("expected %d group index entries, got %d", len(expected), n)
		}
	}
}
