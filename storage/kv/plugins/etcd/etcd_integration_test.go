//go:build integration

package etcd_test

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/kv/keys"
	"github.com/jrife/grouse/storage/kv/kvtest"
	"github.com/jrife/grouse/storage/kv/plugins/etcd"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/server/v3/embed"
)

func startEtcd(t *testing.T) string {
	config := embed.NewConfig()
	config.Dir = t.TempDir()
	config.LogLevel = "error"

	clientURL, _ := url.Parse("http://127.0.0.1:23790")
	peerURL, _ := url.Parse("http://127.0.0.1:23800")
	config.ListenClientUrls = []url.URL{*clientURL}
	config.AdvertiseClientUrls = []url.URL{*clientURL}
	config.ListenPeerUrls = []url.URL{*peerURL}
	config.AdvertisePeerUrls = []url.URL{*peerURL}
	config.InitialCluster = config.InitialClusterFromName(config.Name)

	server, err := embed.StartEtcd(config)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	t.Cleanup(server.Close)

	select {
	case <-server.Server.ReadyNotify():
	case <-time.After(30 * time.Second):
		server.Server.Stop()
		t.Fatalf("etcd took too long to start")
	}

	return clientURL.String()
}

func TestEtcd(t *testing.T) {
	t.Setenv(etcd.EndpointsEnv, startEtcd(t))

	t.Run("driver", func(t *testing.T) {
		kvtest.TestDriver(t, kvtest.Builder(&etcd.Plugin{}))
	})

	t.Run("conflict", func(t *testing.T) {
		store := kvtest.Builder(&etcd.Plugin{})(t, kvtest.StoreModel{"a": []byte("1")})
		defer store.Delete()

		first, err := store.Begin(context.Background(), true)

		if err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		defer first.Rollback()

		second, err := store.Begin(context.Background(), true)

		if err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		defer second.Rollback()

		for _, txn := range []kv.Transaction{first, second} {
			if _, err := txn.Get([]byte("a")); err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			if err := txn.Put([]byte("a"), []byte("2")); err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}
		}

		if err := first.Commit(); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		if err := second.Commit(); err != kv.ErrConflict {
			t.Fatalf("expected err to be %#v, got %#v", kv.ErrConflict, err)
		}
	})

	t.Run("phantom", func(t *testing.T) {
		store := kvtest.Builder(&etcd.Plugin{})(t, nil)
		defer store.Delete()

		scanner, err := store.Begin(context.Background(), true)

		if err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		defer scanner.Rollback()

		iter, err := scanner.Keys(keys.All().HasPrefix([]byte("p")), kv.SortOrderAsc)

		if err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		for iter.Next() {
		}

		if err := kvtest.WriteStore(store, kvtest.StoreModel{"p1": []byte("x")}); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		if err := scanner.Put([]byte("q"), []byte("y")); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		if err := scanner.Commit(); err != kv.ErrConflict {
			t.Fatalf("expected err to be %#v, got %#v", kv.ErrConflict, err)
		}
	})

	t.Run("paged-scan", func(t *testing.T) {
		store := kvtest.Builder(&etcd.Plugin{})(t, nil)
		defer store.Delete()

		// seed in chunks that each fit in one etcd transaction
		for chunk := 0; chunk < 3; chunk++ {
			model := kvtest.StoreModel{}

			for i := 0; i < etcd.DefaultMaxTxnOps; i++ {
				model[fmt.Sprintf("k%04d", chunk*etcd.DefaultMaxTxnOps+i)] = []byte("v")
			}

			if err := kvtest.WriteStore(store, model); err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}
		}

		if n := store.(kv.BatchLimiter).MaxBatchSize(); n != etcd.DefaultMaxTxnOps/4 {
			t.Fatalf("expected max batch size to be %d, got %d", etcd.DefaultMaxTxnOps/4, n)
		}

		testCases := map[string]struct {
			order    kv.SortOrder
			expected []string
		}{
			"asc": {
				order:    kv.SortOrderAsc,
				expected: []string{"k0000", "k0001", "k0002"},
			},
			"desc": {
				order:    kv.SortOrderDesc,
				expected: []string{"k0383", "k0382", "k0381"},
			},
		}

		for name, testCase := range testCases {
			t.Run(name, func(t *testing.T) {
				txn, err := store.Begin(context.Background(), true)

				if err != nil {
					t.Fatalf("expected err to be nil, got %#v", err)
				}

				defer txn.Rollback()

				iter, err := txn.Keys(keys.All().HasPrefix([]byte("k")), testCase.order)

				if err != nil {
					t.Fatalf("expected err to be nil, got %#v", err)
				}

				scanned := []string{}

				for len(scanned) < len(testCase.expected) && iter.Next() {
					scanned = append(scanned, string(iter.Key()))
				}

				if diff := cmp.Diff(testCase.expected, scanned); diff != "" {
					t.Fatal(diff)
				}

				if err := txn.Put([]byte("marker-"+name), []byte("x")); err != nil {
					t.Fatalf("expected err to be nil, got %#v", err)
				}

				// only the first page is guarded, which keeps the
				// commit under the server's operation limit
				if err := txn.Commit(); err != nil {
					t.Fatalf("expected err to be nil, got %#v", err)
				}
			})
		}

		txn, err := store.Begin(context.Background(), false)

		if err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		defer txn.Rollback()

		if err := txn.Delete([]byte("k0001")); err != kv.ErrReadOnly {
			t.Fatalf("expected err to be %#v, got %#v", kv.ErrReadOnly, err)
		}

		iter, err := txn.Keys(keys.All().HasPrefix([]byte("k")), kv.SortOrderAsc)

		if err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		n := 0

		for iter.Next() {
			n++
		}

		if err := iter.Error(); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		if n != 3*etcd.DefaultMaxTxnOps {
			t.Fatalf("expected to scan %d keys across pages, got %d", 3*etcd.DefaultMaxTxnOps, n)
		}
	})

	t.Run("paged-scan-overlay", func(t *testing.T) {
		model := kvtest.StoreModel{}

		for i := 0; i < 100; i++ {
			model[fmt.Sprintf("k%04d", i)] = []byte("v")
		}

		store := kvtest.Builder(&etcd.Plugin{})(t, model)
		defer store.Delete()

		txn, err := store.Begin(context.Background(), true)

		if err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		defer txn.Rollback()

		for _, key := range []string{"k0000", "k0040", "k0099"} {
			if err := txn.Delete([]byte(key)); err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}
		}

		if err := txn.Put([]byte("k0040a"), []byte("w")); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		for _, order := range []kv.SortOrder{kv.SortOrderAsc, kv.SortOrderDesc} {
			iter, err := txn.Keys(keys.All(), order)

			if err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			scanned := []string{}

			for iter.Next() {
				scanned = append(scanned, string(iter.Key()))
			}

			if len(scanned) != 98 {
				t.Fatalf("expected 98 keys, got %d", len(scanned))
			}

			first, last := "k0001", "k0098"

			if order == kv.SortOrderDesc {
				first, last = last, first
			}

			if scanned[0] != first || scanned[len(scanned)-1] != last {
				t.Fatalf("expected scan to run from %s to %s, got %s to %s", first, last, scanned[0], scanned[len(scanned)-1])
			}
		}
	})

	t.Run("lock", func(t *testing.T) {
		client, err := clientv3.New(clientv3.Config{Endpoints: []string{os.Getenv(etcd.EndpointsEnv)}, DialTimeout: 5 * time.Second})

		if err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		defer client.Close()

		store := etcd.NewFromClient(client, "lock-test/")
		defer store.Delete()

		first, err := store.Begin(context.Background(), true)

		if err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		defer first.Rollback()

		second, err := store.Begin(context.Background(), true)

		if err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		defer second.Rollback()

		for _, txn := range []kv.Transaction{first, second} {
			if err := txn.Lock([]byte("row")); err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}
		}

		if err := first.Commit(); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		if err := second.Commit(); err != kv.ErrConflict {
			t.Fatalf("expected err to be %#v, got %#v", kv.ErrConflict, err)
		}
	})
}
