package schema

import (
	"fmt"
	"sort"

	"github.com/jrife/grouse/schema/schemapb"
)

// PrimaryKeyName is the name given to every primary key index
const PrimaryKeyName = "PRIMARY"

// ColumnDef defines a column
type ColumnDef struct {
	Name          string
	Type          Type
	Nullable      bool
	AutoIncrement bool
}

// TableDef defines a table. Parent is empty for a root table.
// JoinColumns lists the child columns referencing the parent's
// primary key columns in order.
type TableDef struct {
	Name        string
	Columns     []ColumnDef
	PrimaryKey  []string
	Parent      string
	JoinColumns []string
}

// SpatialDef defines the coordinate run of a spatial index
type SpatialDef struct {
	First      int
	Dimensions int
	Min        []float64
	Max        []float64
}

// IndexDef defines a table index
type IndexDef struct {
	Name    string
	Table   string
	Columns []string
	Unique  bool
	Spatial *SpatialDef
}

// ColumnRef names a column of a table
type ColumnRef struct {
	Table  string
	Column string
}

// GroupIndexDef defines a group index
type GroupIndexDef struct {
	Name    string
	Group   string
	Columns []ColumnRef
	Spatial *SpatialDef
}

// Changes summarizes what a builder touched
type Changes struct {
	// Tables lists every table whose version was bumped,
	// including new ones
	Tables []int32
	// DroppedTables lists tables that no longer exist
	DroppedTables []int32
	// Groups lists every group whose image changed
	Groups []string
	// DroppedGroups lists groups that no longer exist
	DroppedGroups []string
}

// Builder derives a new snapshot from a frozen one. Operations
// are applied to a private copy of the base image; nothing
// is validated until Build.
type Builder struct {
	base          *Snapshot
	image         *schemapb.Schema
	changed       map[int32]bool
	created       map[int32]bool
	dropped       map[int32]bool
	groupsChanged map[string]bool
	groupsDropped map[string]bool
	built         bool
}

// NewBuilder returns a builder for the generation after base
func NewBuilder(base *Snapshot) (*Builder, error) {
	if !base.Frozen() {
		return nil, fmt.Errorf("cannot derive a schema from an unfrozen snapshot")
	}

	return &Builder{
		base:          base,
		image:         base.Image(),
		changed:       map[int32]bool{},
		created:       map[int32]bool{},
		dropped:       map[int32]bool{},
		groupsChanged: map[string]bool{},
		groupsDropped: map[string]bool{},
	}, nil
}

// Base returns the snapshot this builder derives from
func (builder *Builder) Base() *Snapshot {
	return builder.base
}

func (builder *Builder) table(name string) *schemapb.Table {
	for _, table := range builder.image.Tables {
		if table.Name == name {
			return table
		}
	}

	return nil
}

func (builder *Builder) group(name string) *schemapb.Group {
	for _, group := range builder.image.Groups {
		if group.Name == name {
			return group
		}
	}

	return nil
}

func (builder *Builder) groupOf(table *schemapb.Table) *schemapb.Group {
	for table.Parent != "" {
		table = builder.table(table.Parent)
	}

	for _, group := range builder.image.Groups {
		if group.Root == table.Name {
			return group
		}
	}

	return nil
}

func (builder *Builder) children(name string) []*schemapb.Table {
	var children []*schemapb.Table

	for _, table := range builder.image.Tables {
		if table.Parent == name {
			children = append(children, table)
		}
	}

	return children
}

func (builder *Builder) subtree(name string) []*schemapb.Table {
	queue := []*schemapb.Table{builder.table(name)}

	for i := 0; i < len(queue); i++ {
		queue = append(queue, builder.children(queue[i].Name)...)
	}

	return queue
}

func (builder *Builder) nextTree() uint32 {
	id := builder.image.Catalog.NextTreeId
	builder.image.Catalog.NextTreeId++

	return id
}

func (builder *Builder) nextIndex() int32 {
	id := builder.image.Catalog.NextIndexId
	builder.image.Catalog.NextIndexId++

	return id
}

func (builder *Builder) touch(table *schemapb.Table) {
	builder.changed[table.Id] = true
}

func spatialImage(def *SpatialDef) *schemapb.Spatial {
	if def == nil {
		return nil
	}

	return &schemapb.Spatial{
		First:      int32(def.First),
		Dimensions: int32(def.Dimensions),
		Min:        append([]float64(nil), def.Min...),
		Max:        append([]float64(nil), def.Max...),
	}
}

// CreateTable adds a table. A table with a parent joins the parent's
// group and receives the next free ordinal in it. A root table
// starts a new group named after itself.
func (builder *Builder) CreateTable(def TableDef) error {
	if builder.table(def.Name) != nil {
		return fmt.Errorf("%w: table %s already exists", ErrInvalid, def.Name)
	}

	table := &schemapb.Table{
		Id:          builder.image.Catalog.NextTableId,
		Name:        def.Name,
		Parent:      def.Parent,
		JoinColumns: append([]string(nil), def.JoinColumns...),
	}

	builder.image.Catalog.NextTableId++

	for _, column := range def.Columns {
		table.Columns = append(table.Columns, &schemapb.Column{
			Name:          column.Name,
			Type:          int32(column.Type),
			Nullable:      column.Nullable,
			AutoIncrement: column.AutoIncrement,
		})
	}

	pk := &schemapb.Index{Id: builder.nextIndex(), Name: PrimaryKeyName, Primary: true, Unique: true, TreeId: builder.nextTree()}

	for _, column := range def.PrimaryKey {
		pk.Columns = append(pk.Columns, &schemapb.ColumnRef{Table: def.Name, Column: column})
	}

	table.Indexes = append(table.Indexes, pk)

	if def.Parent == "" {
		if builder.group(def.Name) != nil {
			return fmt.Errorf("%w: group %s already exists", ErrInvalid, def.Name)
		}

		table.Ordinal = 1
		builder.image.Groups = append(builder.image.Groups, &schemapb.Group{Name: def.Name, Root: def.Name, TreeId: builder.nextTree()})
		builder.groupsChanged[def.Name] = true
	} else {
		parent := builder.table(def.Parent)

		if parent == nil {
			return fmt.Errorf("%w: parent table %s does not exist", ErrInvalid, def.Parent)
		}

		group := builder.groupOf(parent)
		ordinal := int32(0)

		for _, member := range builder.subtree(group.Root) {
			if member.Ordinal > ordinal {
				ordinal = member.Ordinal
			}
		}

		table.Ordinal = ordinal + 1
		builder.touch(parent)
		builder.groupsChanged[group.Name] = true
	}

	table.Version = 1
	builder.image.Tables = append(builder.image.Tables, table)
	builder.created[table.Id] = true
	builder.touch(table)

	return nil
}

// DropTable removes a table that has no children along with its
// indexes and every group index spanning it
func (builder *Builder) DropTable(name string) error {
	table := builder.table(name)

	if table == nil {
		return fmt.Errorf("%w: table %s does not exist", ErrInvalid, name)
	}

	if len(builder.children(name)) > 0 {
		return fmt.Errorf("%w: table %s has child tables", ErrInvalid, name)
	}

	group := builder.groupOf(table)

	var indexes []*schemapb.Index

	for _, index := range group.Indexes {
		spans := false

		for _, ref := range index.Columns {
			if ref.Table == name {
				spans = true
			}
		}

		if !spans {
			indexes = append(indexes, index)
		}
	}

	group.Indexes = indexes

	if table.Parent == "" {
		var groups []*schemapb.Group

		for _, g := range builder.image.Groups {
			if g != group {
				groups = append(groups, g)
			}
		}

		builder.image.Groups = groups
		builder.groupsDropped[group.Name] = true
		delete(builder.groupsChanged, group.Name)
	} else {
		builder.touch(builder.table(table.Parent))
		builder.groupsChanged[group.Name] = true
	}

	var tables []*schemapb.Table

	for _, t := range builder.image.Tables {
		if t != table {
			tables = append(tables, t)
		}
	}

	builder.image.Tables = tables
	builder.dropped[table.Id] = true
	delete(builder.changed, table.Id)
	delete(builder.created, table.Id)

	return nil
}

// CreateIndex adds a table index
func (builder *Builder) CreateIndex(def IndexDef) error {
	table := builder.table(def.Table)

	if table == nil {
		return fmt.Errorf("%w: table %s does not exist", ErrInvalid, def.Table)
	}

	index := &schemapb.Index{
		Id:      builder.nextIndex(),
		Name:    def.Name,
		Unique:  def.Unique,
		Spatial: spatialImage(def.Spatial),
		TreeId:  builder.nextTree(),
	}

	for _, column := range def.Columns {
		index.Columns = append(index.Columns, &schemapb.ColumnRef{Table: def.Table, Column: column})
	}

	table.Indexes = append(table.Indexes, index)
	builder.touch(table)

	return nil
}

// CreateGroupIndex adds a group index
func (builder *Builder) CreateGroupIndex(def GroupIndexDef) error {
	group := builder.group(def.Group)

	if group == nil {
		return fmt.Errorf("%w: group %s does not exist", ErrInvalid, def.Group)
	}

	index := &schemapb.Index{
		Id:      builder.nextIndex(),
		Name:    def.Name,
		Spatial: spatialImage(def.Spatial),
		TreeId:  builder.nextTree(),
	}

	for _, ref := range def.Columns {
		index.Columns = append(index.Columns, &schemapb.ColumnRef{Table: ref.Table, Column: ref.Column})

		if table := builder.table(ref.Table); table != nil {
			builder.touch(table)
		}
	}

	group.Indexes = append(group.Indexes, index)
	builder.groupsChanged[group.Name] = true

	return nil
}

// DropIndex removes a table index. The primary key cannot be dropped.
func (builder *Builder) DropIndex(tableName, name string) error {
	table := builder.table(tableName)

	if table == nil {
		return fmt.Errorf("%w: table %s does not exist", ErrInvalid, tableName)
	}

	var indexes []*schemapb.Index

	found := false

	for _, index := range table.Indexes {
		if index.Name != name {
			indexes = append(indexes, index)

			continue
		}

		if index.Primary {
			return fmt.Errorf("%w: cannot drop the primary key of %s", ErrInvalid, tableName)
		}

		found = true
	}

	if !found {
		return fmt.Errorf("%w: index %s.%s does not exist", ErrInvalid, tableName, name)
	}

	table.Indexes = indexes
	builder.touch(table)

	return nil
}

// DropGroupIndex removes a group index
func (builder *Builder) DropGroupIndex(groupName, name string) error {
	group := builder.group(groupName)

	if group == nil {
		return fmt.Errorf("%w: group %s does not exist", ErrInvalid, groupName)
	}

	var indexes []*schemapb.Index

	found := false

	for _, index := range group.Indexes {
		if index.Name != name {
			indexes = append(indexes, index)

			continue
		}

		found = true

		for _, ref := range index.Columns {
			if table := builder.table(ref.Table); table != nil {
				builder.touch(table)
			}
		}
	}

	if !found {
		return fmt.Errorf("%w: group index %s.%s does not exist", ErrInvalid, groupName, name)
	}

	group.Indexes = indexes
	builder.groupsChanged[group.Name] = true

	return nil
}

// Ungroup detaches a table from its parent. The table and its
// descendants become a new group named after the table and every
// table in it receives a freshly assigned ordinal, breadth-first
// from the new root. Group indexes spanning the cut must be dropped
// first. Moving the subtree's stored rows is the caller's concern.
func (builder *Builder) Ungroup(name string) error {
	table := builder.table(name)

	if table == nil {
		return fmt.Errorf("%w: table %s does not exist", ErrInvalid, name)
	}

	if table.Parent == "" {
		return fmt.Errorf("%w: table %s is already a group root", ErrInvalid, name)
	}

	if builder.group(name) != nil {
		return fmt.Errorf("%w: group %s already exists", ErrInvalid, name)
	}

	old := builder.groupOf(table)
	subtree := builder.subtree(name)
	members := map[string]bool{}

	for _, member := range subtree {
		members[member.Name] = true
	}

	newGroup := &schemapb.Group{Name: name, Root: name, TreeId: builder.nextTree()}

	var kept []*schemapb.Index

	for _, index := range old.Indexes {
		inside, outside := 0, 0

		for _, ref := range index.Columns {
			if members[ref.Table] {
				inside++
			} else {
				outside++
			}
		}

		switch {
		case inside > 0 && outside > 0:
			return fmt.Errorf("%w: group index %s.%s spans the ungrouped table %s", ErrInvalid, old.Name, index.Name, name)
		case inside > 0:
			newGroup.Indexes = append(newGroup.Indexes, index)
		default:
			kept = append(kept, index)
		}
	}

	old.Indexes = kept
	builder.touch(builder.table(table.Parent))

	table.Parent = ""
	table.JoinColumns = nil

	for i, member := range subtree {
		member.Ordinal = int32(i + 1)
		builder.touch(member)
	}

	builder.image.Groups = append(builder.image.Groups, newGroup)
	builder.groupsChanged[old.Name] = true
	builder.groupsChanged[newGroup.Name] = true

	return nil
}

// Build validates the accumulated changes and returns the
// snapshot for the next generation. The snapshot is not yet
// frozen; it is frozen when it is installed.
func (builder *Builder) Build() (*Snapshot, *Changes, error) {
	if builder.built {
		return nil, nil, ErrFrozen
	}

	builder.built = true
	builder.image.Catalog.Generation = builder.base.Generation() + 1

	changes := &Changes{}

	for _, table := range builder.image.Tables {
		if !builder.changed[table.Id] {
			continue
		}

		if !builder.created[table.Id] {
			table.Version++
		}

		changes.Tables = append(changes.Tables, table.Id)
	}

	for id := range builder.dropped {
		changes.DroppedTables = append(changes.DroppedTables, id)
	}

	for name := range builder.groupsChanged {
		changes.Groups = append(changes.Groups, name)
	}

	for name := range builder.groupsDropped {
		changes.DroppedGroups = append(changes.DroppedGroups, name)
	}

	sort.Slice(changes.Tables, func(i, j int) bool { return changes.Tables[i] < changes.Tables[j] })
	sort.Slice(changes.DroppedTables, func(i, j int) bool { return changes.DroppedTables[i] < changes.DroppedTables[j] })
	sort.Strings(changes.Groups)
	sort.Strings(changes.DroppedGroups)

	snapshot, err := Compile(builder.image)

	if err != nil {
		return nil, nil, err
	}

	return snapshot, changes, nil
}
