package schemacache

import (
	"fmt"

	proto "github.com/gogo/protobuf/proto"
	"github.com/jrife/grouse/schema"
	"github.com/jrife/grouse/schema/schemapb"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/kv/keys"
)

// Trees of the schema keyspace
const (
	treeCatalog  uint32 = 0
	treeTables   uint32 = 1
	treeGroups   uint32 = 2
	treeVersions uint32 = 3
)

var (
	generationKey = []byte("generation")
	catalogKey    = []byte("catalog")
)

func tableKey(id int32) []byte {
	k := keys.Uint32ToKey(uint32(id))

	return k[:]
}

func readInt64(handle *kv.Handle, key []byte) (int64, error) {
	value, err := handle.Get(key)

	if err != nil || value == nil {
		return 0, err
	}

	if len(value) != 8 {
		return 0, fmt.Errorf("counter %q has %d bytes", key, len(value))
	}

	var b [8]byte
	copy(b[:], value)

	return keys.KeyToInt64(b), nil
}

func writeInt64(handle *kv.Handle, key []byte, n int64) error {
	b := keys.Int64ToKey(n)

	return handle.Put(key, b[:])
}

// readGeneration returns the durable generation visible to txn.
// A store that never saw a schema change is at generation 0.
func readGeneration(txn kv.Transaction) (int64, error) {
	handle := kv.AcquireHandle(txn, kv.SpaceSchema, treeCatalog)
	defer kv.ReleaseHandle(handle)

	return readInt64(handle, generationKey)
}

// readVersion returns the durable version of a table
// or 0 if the table does not exist
func readVersion(txn kv.Transaction, tableID int32) (int64, error) {
	handle := kv.AcquireHandle(txn, kv.SpaceSchema, treeVersions)
	defer kv.ReleaseHandle(handle)

	return readInt64(handle, tableKey(tableID))
}

// load reads the schema image persisted in txn's view of the store
func load(txn kv.Transaction) (*schema.Snapshot, error) {
	catalog := kv.AcquireHandle(txn, kv.SpaceSchema, treeCatalog)
	defer kv.ReleaseHandle(catalog)

	value, err := catalog.Get(catalogKey)

	if err != nil {
		return nil, err
	}

	if value == nil {
		return schema.Empty(), nil
	}

	image := &schemapb.Schema{Catalog: &schemapb.Catalog{}}

	if err := proto.Unmarshal(value, image.Catalog); err != nil {
		return nil, fmt.Errorf("could not decode catalog: %w", err)
	}

	if err := scanImages(txn, treeTables, func(value []byte) error {
		table := &schemapb.Table{}
		image.Tables = append(image.Tables, table)

		return proto.Unmarshal(value, table)
	}); err != nil {
		return nil, fmt.Errorf("could not read tables: %w", err)
	}

	if err := scanImages(txn, treeGroups, func(value []byte) error {
		group := &schemapb.Group{}
		image.Groups = append(image.Groups, group)

		return proto.Unmarshal(value, group)
	}); err != nil {
		return nil, fmt.Errorf("could not read groups: %w", err)
	}

	snapshot, err := schema.Compile(image)

	if err != nil {
		return nil, err
	}

	snapshot.Freeze()

	return snapshot, nil
}

func scanImages(txn kv.Transaction, tree uint32, fn func(value []byte) error) error {
	handle := kv.AcquireHandle(txn, kv.SpaceSchema, tree)
	defer kv.ReleaseHandle(handle)

	iter, err := handle.Scan(keys.All(), kv.SortOrderAsc)

	if err != nil {
		return err
	}

	for iter.Next() {
		if err := fn(iter.Value()); err != nil {
			return err
		}
	}

	return iter.Error()
}

// bumpVersions advances the durable version of every changed table
// from the value its previous generation recorded. A version that
// already moved means another change was installed concurrently.
func bumpVersions(txn kv.Transaction, snapshot *schema.Snapshot, changes *schema.Changes) error {
	handle := kv.AcquireHandle(txn, kv.SpaceSchema, treeVersions)
	defer kv.ReleaseHandle(handle)

	for _, id := range changes.Tables {
		table := snapshot.TableByID(id)
		current, err := readInt64(handle, tableKey(id))

		if err != nil {
			return err
		}

		if current != table.Version-1 {
			return fmt.Errorf("%w: table %s is at version %d, expected %d", ErrVersionRace, table.Name, current, table.Version-1)
		}

		if err := writeInt64(handle, tableKey(id), table.Version); err != nil {
			return err
		}
	}

	for _, id := range changes.DroppedTables {
		if _, err := handle.Remove(tableKey(id)); err != nil {
			return err
		}
	}

	return nil
}

// persist writes the generation counter, the catalog and the images
// of the tables and groups named by changes
func persist(txn kv.Transaction, snapshot *schema.Snapshot, changes *schema.Changes) error {
	image := snapshot.Image()
	catalog := kv.AcquireHandle(txn, kv.SpaceSchema, treeCatalog)
	defer kv.ReleaseHandle(catalog)

	if err := writeInt64(catalog, generationKey, snapshot.Generation()); err != nil {
		return err
	}

	if err := putImage(catalog, catalogKey, image.Catalog); err != nil {
		return err
	}

	tables := kv.AcquireHandle(txn, kv.SpaceSchema, treeTables)
	defer kv.ReleaseHandle(tables)

	changed := map[int32]bool{}

	for _, id := range changes.Tables {
		changed[id] = true
	}

	for _, table := range image.Tables {
		if !changed[table.Id] {
			continue
		}

		if err := putImage(tables, tableKey(table.Id), table); err != nil {
			return err
		}
	}

	for _, id := range changes.DroppedTables {
		if _, err := tables.Remove(tableKey(id)); err != nil {
			return err
		}
	}

	groups := kv.AcquireHandle(txn, kv.SpaceSchema, treeGroups)
	defer kv.ReleaseHandle(groups)

	changedGroups := map[string]bool{}

	for _, name := range changes.Groups {
		changedGroups[name] = true
	}

	for _, group := range image.Groups {
		if !changedGroups[group.Name] {
			continue
		}

		if err := putImage(groups, []byte(group.Name), group); err != nil {
			return err
		}
	}

	for _, name := range changes.DroppedGroups {
		if _, err := groups.Remove([]byte(name)); err != nil {
			return err
		}
	}

	return nil
}

func putImage(handle *kv.Handle, key []byte, message proto.Message) error {
	value, err := proto.Marshal(message)

	if err != nil {
		return fmt.Errorf("could not encode %T: %w", message, err)
	}

	return handle.Put(key, value)
}
