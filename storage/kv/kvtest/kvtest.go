// Package kvtest is a conformance suite for kv.Store implementations
package kvtest

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/kv/keys"
)

// StoreModel describes the contents of a store
type StoreModel map[string][]byte

// WriteStore writes every key in model to store in one transaction
func WriteStore(store kv.Store, model StoreModel) error {
	transaction, err := store.Begin(context.Background(), true)

	if err != nil {
		return err
	}

	defer transaction.Rollback()

	for key, value := range model {
		if err := transaction.Put([]byte(key), value); err != nil {
			return err
		}
	}

	return transaction.Commit()
}

// ReadStore reads the full contents of store
func ReadStore(store kv.Store) (StoreModel, error) {
	transaction, err := store.Begin(context.Background(), false)

	if err != nil {
		return nil, err
	}

	defer transaction.Rollback()

	return readModel(transaction, keys.All())
}

func readModel(reader kv.MapReader, keyRange keys.Range) (StoreModel, error) {
	iter, err := reader.Keys(keyRange, kv.SortOrderAsc)

	if err != nil {
		return nil, err
	}

	model := StoreModel{}

	for iter.Next() {
		model[string(iter.Key())] = iter.Value()
	}

	return model, iter.Error()
}

func readKeys(reader kv.MapReader, keyRange keys.Range, order kv.SortOrder) ([]string, error) {
	iter, err := reader.Keys(keyRange, order)

	if err != nil {
		return nil, err
	}

	result := []string{}

	for iter.Next() {
		result = append(result, string(iter.Key()))
	}

	return result, iter.Error()
}

// TempStoreBuilder creates an empty temporary store, then
// populates it with model
type TempStoreBuilder func(t *testing.T, model StoreModel) kv.Store

// Builder returns a TempStoreBuilder for plugin. Tests using it are
// skipped when the plugin is not available in this environment.
func Builder(plugin kv.Plugin) TempStoreBuilder {
	return func(t *testing.T, model StoreModel) kv.Store {
		store, err := plugin.NewTempStore()

		if errors.Is(err, kv.ErrPluginUnavailable) {
			t.Skipf("%s store is not available: %s", plugin.Name(), err.Error())
		}

		if err != nil {
			t.Fatalf("Could not build a %s store: %s", plugin.Name(), err.Error())
		}

		if model != nil {
			if err := WriteStore(store, model); err != nil {
				store.Delete()
				t.Fatalf("Could not populate %s store: %s", plugin.Name(), err.Error())
			}
		}

		return store
	}
}

// TestDriver runs the conformance suite against stores made by builder
func TestDriver(t *testing.T, builder TempStoreBuilder) {
	t.Run("get-put-delete", func(t *testing.T) { testGetPutDelete(t, builder) })
	t.Run("keys", func(t *testing.T) { testKeys(t, builder) })
	t.Run("read-your-writes", func(t *testing.T) { testReadYourWrites(t, builder) })
	t.Run("snapshot-isolation", func(t *testing.T) { testSnapshotIsolation(t, builder) })
	t.Run("rollback", func(t *testing.T) { testRollback(t, builder) })
	t.Run("read-only", func(t *testing.T) { testReadOnly(t, builder) })
	t.Run("empty-key", func(t *testing.T) { testEmptyKey(t, builder) })
	t.Run("futures", func(t *testing.T) { testFutures(t, builder) })
	t.Run("handle", func(t *testing.T) { testHandle(t, builder) })
	t.Run("closed", func(t *testing.T) { testClosed(t, builder) })
}

func begin(t *testing.T, store kv.Store, writable bool) kv.Transaction {
	transaction, err := store.Begin(context.Background(), writable)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	return transaction
}

func testGetPutDelete(t *testing.T, builder TempStoreBuilder) {
	store := builder(t, StoreModel{"a": []byte("1"), "b": []byte("2")})
	defer store.Delete()

	transaction := begin(t, store, true)

	if err := transaction.Put([]byte("c"), []byte("3")); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := transaction.Delete([]byte("a")); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := transaction.Delete([]byte("zzz")); err != nil {
		t.Fatalf("expected deleting a missing key to succeed, got %#v", err)
	}

	if err := transaction.Commit(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	model, err := ReadStore(store)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff(StoreModel{"b": []byte("2"), "c": []byte("3")}, model); diff != "" {
		t.Fatal(diff)
	}

	transaction = begin(t, store, false)
	defer transaction.Rollback()

	value, err := transaction.Get([]byte("a"))

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if value != nil {
		t.Fatalf("expected deleted key to read as nil, got %#v", value)
	}
}

func testKeys(t *testing.T, builder TempStoreBuilder) {
	store := builder(t, StoreModel{
		"a":    []byte("a"),
		"ab":   []byte("ab"),
		"abc":  []byte("abc"),
		"b":    []byte("b"),
		"ba":   []byte("ba"),
		"c":    []byte("c"),
		"\xff": []byte("ff"),
	})
	defer store.Delete()

	testCases := map[string]struct {
		keyRange keys.Range
		order    kv.SortOrder
		result   []string
	}{
		"all-asc": {
			keyRange: keys.All(),
			order:    kv.SortOrderAsc,
			result:   []string{"a", "ab", "abc", "b", "ba", "c", "\xff"},
		},
		"all-desc": {
			keyRange: keys.All(),
			order:    kv.SortOrderDesc,
			result:   []string{"\xff", "c", "ba", "b", "abc", "ab", "a"},
		},
		"gte-lt": {
			keyRange: keys.All().Gte([]byte("ab")).Lt([]byte("ba")),
			order:    kv.SortOrderAsc,
			result:   []string{"ab", "abc", "b"},
		},
		"gt-lte-desc": {
			keyRange: keys.All().Gt([]byte("ab")).Lte([]byte("ba")),
			order:    kv.SortOrderDesc,
			result:   []string{"ba", "b", "abc"},
		},
		"prefix": {
			keyRange: keys.All().Prefix([]byte("a")),
			order:    kv.SortOrderAsc,
			result:   []string{"ab", "abc"},
		},
		"has-prefix-desc": {
			keyRange: keys.All().HasPrefix([]byte("a")),
			order:    kv.SortOrderDesc,
			result:   []string{"abc", "ab", "a"},
		},
		"eq": {
			keyRange: keys.All().Eq([]byte("b")),
			order:    kv.SortOrderAsc,
			result:   []string{"b"},
		},
		"empty": {
			keyRange: keys.All().Gt([]byte("c")).Lt([]byte("d")),
			order:    kv.SortOrderAsc,
			result:   []string{},
		},
	}

	transaction := begin(t, store, false)
	defer transaction.Rollback()

	for name, testCase := range testCases {
		t.Run(name, func(t *testing.T) {
			result, err := readKeys(transaction, testCase.keyRange, testCase.order)

			if err != nil {
				t.Fatalf("expected err to be nil, got %#v", err)
			}

			if diff := cmp.Diff(testCase.result, result); diff != "" {
				t.Fatal(diff)
			}
		})
	}
}

func testReadYourWrites(t *testing.T, builder TempStoreBuilder) {
	store := builder(t, StoreModel{"a": []byte("1"), "b": []byte("2"), "c": []byte("3")})
	defer store.Delete()

	transaction := begin(t, store, true)
	defer transaction.Rollback()

	if err := transaction.Put([]byte("b"), []byte("20")); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := transaction.Put([]byte("bb"), []byte("22")); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := transaction.Delete([]byte("c")); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	value, err := transaction.Get([]byte("b"))

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff([]byte("20"), value); diff != "" {
		t.Fatal(diff)
	}

	model, err := readModel(transaction, keys.All())

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff(StoreModel{"a": []byte("1"), "b": []byte("20"), "bb": []byte("22")}, model); diff != "" {
		t.Fatal(diff)
	}
}

func testSnapshotIsolation(t *testing.T, builder TempStoreBuilder) {
	store := builder(t, StoreModel{"a": []byte("1")})
	defer store.Delete()

	reader := begin(t, store, false)
	defer reader.Rollback()

	if err := WriteStore(store, StoreModel{"a": []byte("2"), "b": []byte("3")}); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	model, err := readModel(reader, keys.All())

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff(StoreModel{"a": []byte("1")}, model); diff != "" {
		t.Fatal(diff)
	}
}

func testRollback(t *testing.T, builder TempStoreBuilder) {
	store := builder(t, StoreModel{"a": []byte("1")})
	defer store.Delete()

	transaction := begin(t, store, true)

	if err := transaction.Put([]byte("b"), []byte("2")); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if err := transaction.Rollback(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	model, err := ReadStore(store)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if diff := cmp.Diff(StoreModel{"a": []byte("1")}, model); diff != "" {
		t.Fatal(diff)
	}
}

func testReadOnly(t *testing.T, builder TempStoreBuilder) {
	store := builder(t, nil)
	defer store.Delete()

	transaction := begin(t, store, false)
	defer transaction.Rollback()

	if err := transaction.Put([]byte("a"), []byte("1")); err == nil {
		t.Fatalf("expected put in a read-only transaction to fail")
	}

	if err := transaction.Delete([]byte("a")); err == nil {
		t.Fatalf("expected delete in a read-only transaction to fail")
	}
}

func testEmptyKey(t *testing.T, builder TempStoreBuilder) {
	store := builder(t, nil)
	defer store.Delete()

	transaction := begin(t, store, true)
	defer transaction.Rollback()

	if err := transaction.Put(nil, []byte("1")); err != kv.ErrEmptyKey {
		t.Fatalf("expected err to be %#v, got %#v", kv.ErrEmptyKey, err)
	}

	if _, err := transaction.Get([]byte{}); err != kv.ErrEmptyKey {
		t.Fatalf("expected err to be %#v, got %#v", kv.ErrEmptyKey, err)
	}

	if err := transaction.Delete(nil); err != kv.ErrEmptyKey {
		t.Fatalf("expected err to be %#v, got %#v", kv.ErrEmptyKey, err)
	}
}

func testFutures(t *testing.T, builder TempStoreBuilder) {
	store := builder(t, StoreModel{"a": []byte("1"), "b": []byte("2")})
	defer store.Delete()

	transaction := begin(t, store, true)
	defer transaction.Rollback()

	if err := transaction.Put([]byte("c"), []byte("3")); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	futures := map[string]kv.Future{
		"a": transaction.GetFuture([]byte("a")),
		"c": transaction.GetFuture([]byte("c")),
		"d": transaction.GetFuture([]byte("d")),
	}

	// the futures reflect the state at the time they were issued
	if err := transaction.Put([]byte("d"), []byte("4")); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	expected := map[string][]byte{"a": []byte("1"), "c": []byte("3"), "d": nil}

	for key, future := range futures {
		value, err := future.Get()

		if err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		if !future.Ready() {
			t.Fatalf("expected future for %s to be ready after Get", key)
		}

		if diff := cmp.Diff(expected[key], value); diff != "" {
			t.Fatalf("%s: %s", key, diff)
		}
	}
}

func testHandle(t *testing.T, builder TempStoreBuilder) {
	store := builder(t, nil)
	defer store.Delete()

	transaction := begin(t, store, true)
	defer transaction.Rollback()

	tree7 := kv.AcquireHandle(transaction, kv.SpaceIndex, 7)
	defer kv.ReleaseHandle(tree7)
	tree8 := kv.AcquireHandle(transaction, kv.SpaceIndex, 8)
	defer kv.ReleaseHandle(tree8)

	for _, key := range []string{"a", "ab", "b"} {
		if err := tree7.Put([]byte(key), []byte("7"+key)); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}

		if err := tree8.Put([]byte(key), []byte("8"+key)); err != nil {
			t.Fatalf("expected err to be nil, got %#v", err)
		}
	}

	existed, err := tree8.Remove([]byte("b"))

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if !existed {
		t.Fatalf("expected b to exist in tree 8")
	}

	existed, err = tree8.Remove([]byte("b"))

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if existed {
		t.Fatalf("expected b to be gone from tree 8")
	}

	iter, err := tree7.ScanPrefix([]byte("a"), kv.SortOrderAsc)

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	model := StoreModel{}

	for iter.Next() {
		model[string(iter.Key())] = iter.Value()
	}

	if diff := cmp.Diff(StoreModel{"a": []byte("7a"), "ab": []byte("7ab")}, model); diff != "" {
		t.Fatal(diff)
	}

	model, err = readModel(transaction, keys.All().HasPrefix(tree8.Prefix()))

	if err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if len(model) != 2 {
		t.Fatalf("expected 2 keys in tree 8, got %d", len(model))
	}
}

func testClosed(t *testing.T, builder TempStoreBuilder) {
	store := builder(t, nil)
	defer store.Delete()

	if err := store.Close(); err != nil {
		t.Fatalf("expected err to be nil, got %#v", err)
	}

	if _, err := store.Begin(context.Background(), false); err != kv.ErrClosed {
		t.Fatalf("expected err to be %#v, got %#v", kv.ErrClosed, err)
	}
}
