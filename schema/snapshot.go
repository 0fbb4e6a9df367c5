package schema

import (
	"errors"
	"fmt"
	"sort"

	proto "github.com/gogo/protobuf/proto"
	"github.com/jrife/grouse/schema/schemapb"
)

var (
	// ErrInvalid indicates a schema that fails validation
	ErrInvalid = errors.New("invalid schema")
	// ErrFrozen is returned when something tries to reuse a
	// builder whose snapshot was already built
	ErrFrozen = errors.New("schema snapshot is frozen")
)

// Snapshot is an immutable, generation-numbered view of the
// schema plus its derived physical layout. A snapshot is built
// once and never modified afterwards.
type Snapshot struct {
	image      *schemapb.Schema
	tables     map[string]*Table
	tablesByID map[int32]*Table
	groups     map[string]*Group
	frozen     bool
}

// Empty returns the generation zero snapshot
func Empty() *Snapshot {
	snapshot, err := Compile(&schemapb.Schema{
		Catalog: &schemapb.Catalog{NextTableId: 1, NextTreeId: 1, NextIndexId: 1},
	})

	if err != nil {
		panic(err)
	}

	snapshot.Freeze()

	return snapshot
}

// Generation returns the generation number of this snapshot
func (snapshot *Snapshot) Generation() int64 {
	return snapshot.image.Catalog.Generation
}

// Freeze marks the snapshot as installed. Builders
// only derive new snapshots from frozen ones.
func (snapshot *Snapshot) Freeze() {
	snapshot.frozen = true
}

// Frozen returns true if Freeze was called
func (snapshot *Snapshot) Frozen() bool {
	return snapshot.frozen
}

// Image returns a copy of the durable image of this snapshot
func (snapshot *Snapshot) Image() *schemapb.Schema {
	return proto.Clone(snapshot.image).(*schemapb.Schema)
}

// Table returns the table with this name or nil
func (snapshot *Snapshot) Table(name string) *Table {
	return snapshot.tables[name]
}

// TableByID returns the table with this id or nil
func (snapshot *Snapshot) TableByID(id int32) *Table {
	return snapshot.tablesByID[id]
}

// Tables returns every table ordered by id
func (snapshot *Snapshot) Tables() []*Table {
	tables := make([]*Table, 0, len(snapshot.tablesByID))

	for _, table := range snapshot.tablesByID {
		tables = append(tables, table)
	}

	sort.Slice(tables, func(i, j int) bool { return tables[i].ID < tables[j].ID })

	return tables
}

// Group returns the group with this name or nil
func (snapshot *Snapshot) Group(name string) *Group {
	return snapshot.groups[name]
}

// Groups returns every group ordered by name
func (snapshot *Snapshot) Groups() []*Group {
	groups := make([]*Group, 0, len(snapshot.groups))

	for _, group := range snapshot.groups {
		groups = append(groups, group)
	}

	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })

	return groups
}

// Compile validates a durable image and links it into a snapshot.
// The snapshot holds its own copy of the image.
func Compile(image *schemapb.Schema) (*Snapshot, error) {
	if image.Catalog == nil {
		return nil, fmt.Errorf("%w: missing catalog", ErrInvalid)
	}

	snapshot := &Snapshot{
		image:      proto.Clone(image).(*schemapb.Schema),
		tables:     map[string]*Table{},
		tablesByID: map[int32]*Table{},
		groups:     map[string]*Group{},
	}

	trees := map[uint32]string{}

	claimTree := func(id uint32, owner string) error {
		if id == 0 {
			return fmt.Errorf("%w: %s has no tree id", ErrInvalid, owner)
		}

		if other, ok := trees[id]; ok {
			return fmt.Errorf("%w: tree id %d is used by both %s and %s", ErrInvalid, id, other, owner)
		}

		trees[id] = owner

		return nil
	}

	for _, tableImage := range snapshot.image.Tables {
		table, err := compileTable(tableImage)

		if err != nil {
			return nil, err
		}

		if _, ok := snapshot.tables[table.Name]; ok {
			return nil, fmt.Errorf("%w: duplicate table %s", ErrInvalid, table.Name)
		}

		if _, ok := snapshot.tablesByID[table.ID]; ok {
			return nil, fmt.Errorf("%w: duplicate table id %d", ErrInvalid, table.ID)
		}

		for _, index := range table.Indexes {
			if err := claimTree(index.TreeID, index.String()); err != nil {
				return nil, err
			}
		}

		snapshot.tables[table.Name] = table
		snapshot.tablesByID[table.ID] = table
	}

	for _, tableImage := range snapshot.image.Tables {
		if err := snapshot.linkParent(tableImage); err != nil {
			return nil, err
		}
	}

	for _, table := range snapshot.tables {
		if err := checkAcyclic(table); err != nil {
			return nil, err
		}
	}

	for _, table := range snapshot.tables {
		sort.Slice(table.children, func(i, j int) bool { return table.children[i].ordinal < table.children[j].ordinal })
	}

	for _, groupImage := range snapshot.image.Groups {
		group, err := snapshot.compileGroup(groupImage)

		if err != nil {
			return nil, err
		}

		if err := claimTree(group.TreeID, "group "+group.Name); err != nil {
			return nil, err
		}

		for _, index := range group.Indexes {
			if err := claimTree(index.TreeID, index.String()); err != nil {
				return nil, err
			}
		}
	}

	for _, table := range snapshot.tables {
		if table.group == nil {
			return nil, fmt.Errorf("%w: table %s does not belong to any group", ErrInvalid, table.Name)
		}
	}

	return snapshot, nil
}

func compileTable(image *schemapb.Table) (*Table, error) {
	if image.Name == "" {
		return nil, fmt.Errorf("%w: table name is empty", ErrInvalid)
	}

	table := &Table{
		ID:      image.Id,
		Name:    image.Name,
		Version: image.Version,
		ordinal: image.Ordinal,
	}

	autoIncrement := 0

	for i, columnImage := range image.Columns {
		column := &Column{
			Name:          columnImage.Name,
			Position:      i,
			Type:          Type(columnImage.Type),
			Nullable:      columnImage.Nullable,
			AutoIncrement: columnImage.AutoIncrement,
			table:         table,
		}

		if column.Name == "" {
			return nil, fmt.Errorf("%w: table %s has a column without a name", ErrInvalid, table.Name)
		}

		if table.Column(column.Name) != nil {
			return nil, fmt.Errorf("%w: duplicate column %s", ErrInvalid, column)
		}

		if !column.Type.valid() {
			return nil, fmt.Errorf("%w: column %s has unknown type %d", ErrInvalid, column, columnImage.Type)
		}

		if column.AutoIncrement {
			autoIncrement++

			if column.Type != TypeInt {
				return nil, fmt.Errorf("%w: auto-increment column %s must be an int", ErrInvalid, column)
			}
		}

		table.Columns = append(table.Columns, column)
	}

	if autoIncrement > 1 {
		return nil, fmt.Errorf("%w: table %s has more than one auto-increment column", ErrInvalid, table.Name)
	}

	for _, indexImage := range image.Indexes {
		index := &Index{
			ID:      indexImage.Id,
			Name:    indexImage.Name,
			Table:   table,
			Unique:  indexImage.Unique || indexImage.Primary,
			Primary: indexImage.Primary,
			TreeID:  indexImage.TreeId,
		}

		if index.Name == "" {
			return nil, fmt.Errorf("%w: table %s has an index without a name", ErrInvalid, table.Name)
		}

		if table.Index(index.Name) != nil {
			return nil, fmt.Errorf("%w: duplicate index %s", ErrInvalid, index)
		}

		if len(indexImage.Columns) == 0 {
			return nil, fmt.Errorf("%w: index %s has no columns", ErrInvalid, index)
		}

		for _, ref := range indexImage.Columns {
			if ref.Table != "" && ref.Table != table.Name {
				return nil, fmt.Errorf("%w: index %s references column of table %s", ErrInvalid, index, ref.Table)
			}

			column := table.Column(ref.Column)

			if column == nil {
				return nil, fmt.Errorf("%w: index %s references unknown column %s", ErrInvalid, index, ref.Column)
			}

			index.Columns = append(index.Columns, column)
		}

		spatial, err := compileSpatial(indexImage.Spatial, index.Columns, index.String())

		if err != nil {
			return nil, err
		}

		index.Spatial = spatial

		if index.Primary {
			if table.PrimaryKey != nil {
				return nil, fmt.Errorf("%w: table %s has more than one primary key", ErrInvalid, table.Name)
			}

			if index.Spatial != nil {
				return nil, fmt.Errorf("%w: primary key of %s cannot be spatial", ErrInvalid, table.Name)
			}

			for _, column := range index.Columns {
				if column.Nullable {
					return nil, fmt.Errorf("%w: primary key column %s is nullable", ErrInvalid, column)
				}
			}

			table.PrimaryKey = index
		}

		table.Indexes = append(table.Indexes, index)
	}

	if table.PrimaryKey == nil {
		return nil, fmt.Errorf("%w: table %s has no primary key", ErrInvalid, table.Name)
	}

	return table, nil
}

func compileSpatial(image *schemapb.Spatial, columns []*Column, owner string) (*Spatial, error) {
	if image == nil {
		return nil, nil
	}

	spatial := &Spatial{
		First:      int(image.First),
		Dimensions: int(image.Dimensions),
		Min:        image.Min,
		Max:        image.Max,
	}

	if spatial.Dimensions < 1 || spatial.First < 0 || spatial.First+spatial.Dimensions > len(columns) {
		return nil, fmt.Errorf("%w: spatial index %s has coordinates outside its columns", ErrInvalid, owner)
	}

	if len(spatial.Min) != spatial.Dimensions || len(spatial.Max) != spatial.Dimensions {
		return nil, fmt.Errorf("%w: spatial index %s needs bounds for %d dimensions", ErrInvalid, owner, spatial.Dimensions)
	}

	for d := 0; d < spatial.Dimensions; d++ {
		if !(spatial.Min[d] < spatial.Max[d]) {
			return nil, fmt.Errorf("%w: spatial index %s has empty bounds in dimension %d", ErrInvalid, owner, d)
		}

		column := columns[spatial.First+d]

		if column.Type != TypeFloat && column.Type != TypeInt {
			return nil, fmt.Errorf("%w: spatial coordinate %s must be numeric", ErrInvalid, column)
		}
	}

	return spatial, nil
}

func (snapshot *Snapshot) linkParent(image *schemapb.Table) error {
	table := snapshot.tables[image.Name]

	if image.Parent == "" {
		if len(image.JoinColumns) != 0 {
			return fmt.Errorf("%w: root table %s has join columns", ErrInvalid, table.Name)
		}

		return nil
	}

	parent := snapshot.tables[image.Parent]

	if parent == nil {
		return fmt.Errorf("%w: table %s references unknown parent %s", ErrInvalid, table.Name, image.Parent)
	}

	if len(image.JoinColumns) != len(parent.PrimaryKey.Columns) {
		return fmt.Errorf("%w: join from %s to %s must cover the parent primary key", ErrInvalid, table.Name, parent.Name)
	}

	join := &Join{Parent: parent, ParentColumns: parent.PrimaryKey.Columns}

	for i, name := range image.JoinColumns {
		column := table.Column(name)

		if column == nil {
			return fmt.Errorf("%w: join column %s.%s does not exist", ErrInvalid, table.Name, name)
		}

		if column.Type != join.ParentColumns[i].Type {
			return fmt.Errorf("%w: join column %s has type %s but %s has type %s", ErrInvalid, column, column.Type, join.ParentColumns[i], join.ParentColumns[i].Type)
		}

		join.ChildColumns = append(join.ChildColumns, column)
	}

	table.join = join
	parent.children = append(parent.children, table)

	return nil
}

func checkAcyclic(table *Table) error {
	seen := map[*Table]bool{table: true}

	for t := table.Parent(); t != nil; t = t.Parent() {
		if seen[t] {
			return fmt.Errorf("%w: table %s is its own ancestor", ErrInvalid, table.Name)
		}

		seen[t] = true
	}

	return nil
}

func (snapshot *Snapshot) compileGroup(image *schemapb.Group) (*Group, error) {
	root := snapshot.tables[image.Root]

	if root == nil {
		return nil, fmt.Errorf("%w: group %s has unknown root %s", ErrInvalid, image.Name, image.Root)
	}

	if root.Parent() != nil {
		return nil, fmt.Errorf("%w: group %s root %s has a parent", ErrInvalid, image.Name, root.Name)
	}

	if _, ok := snapshot.groups[image.Name]; ok {
		return nil, fmt.Errorf("%w: duplicate group %s", ErrInvalid, image.Name)
	}

	group := &Group{
		Name:     image.Name,
		Root:     root,
		TreeID:   image.TreeId,
		ordinals: map[int32]*Table{},
	}

	group.Tables = append([]*Table{root}, root.Descendants()...)

	for _, table := range group.Tables {
		if table.group != nil {
			return nil, fmt.Errorf("%w: table %s belongs to groups %s and %s", ErrInvalid, table.Name, table.group.Name, group.Name)
		}

		if table.ordinal <= 0 {
			return nil, fmt.Errorf("%w: table %s has no ordinal", ErrInvalid, table.Name)
		}

		if other, ok := group.ordinals[table.ordinal]; ok {
			return nil, fmt.Errorf("%w: tables %s and %s share ordinal %d in group %s", ErrInvalid, other.Name, table.Name, table.ordinal, group.Name)
		}

		table.group = group
		group.ordinals[table.ordinal] = table

		var ancestors []*Table

		for t := table; t != nil; t = t.Parent() {
			ancestors = append([]*Table{t}, ancestors...)
		}

		table.depth = len(ancestors) - 1
		table.hkey = make([]Segment, len(ancestors))

		for i, ancestor := range ancestors {
			table.hkey[i] = Segment{Table: ancestor, Columns: ancestor.PrimaryKey.Columns}
		}
	}

	for _, indexImage := range image.Indexes {
		index, err := group.compileIndex(indexImage)

		if err != nil {
			return nil, err
		}

		if group.Index(index.Name) != nil {
			return nil, fmt.Errorf("%w: duplicate group index %s", ErrInvalid, index)
		}

		group.Indexes = append(group.Indexes, index)

		for _, table := range index.Chain {
			table.groupIndexes = append(table.groupIndexes, index)
		}
	}

	snapshot.groups[group.Name] = group

	return group, nil
}

func (group *Group) compileIndex(image *schemapb.Index) (*GroupIndex, error) {
	index := &GroupIndex{
		ID:     image.Id,
		Name:   image.Name,
		Group:  group,
		TreeID: image.TreeId,
	}

	if index.Name == "" {
		return nil, fmt.Errorf("%w: group %s has an index without a name", ErrInvalid, group.Name)
	}

	if image.Unique || image.Primary {
		return nil, fmt.Errorf("%w: group index %s cannot be unique", ErrInvalid, index)
	}

	if len(image.Columns) == 0 {
		return nil, fmt.Errorf("%w: group index %s has no columns", ErrInvalid, index)
	}

	var leaf, rootmost *Table

	for _, ref := range image.Columns {
		var table *Table

		for _, t := range group.Tables {
			if t.Name == ref.Table {
				table = t
			}
		}

		if table == nil {
			return nil, fmt.Errorf("%w: group index %s references table %s outside the group", ErrInvalid, index, ref.Table)
		}

		column := table.Column(ref.Column)

		if column == nil {
			return nil, fmt.Errorf("%w: group index %s references unknown column %s.%s", ErrInvalid, index, ref.Table, ref.Column)
		}

		index.Columns = append(index.Columns, column)

		if leaf == nil || table.depth > leaf.depth {
			leaf = table
		}

		if rootmost == nil || table.depth < rootmost.depth {
			rootmost = table
		}
	}

	for t := leaf; ; t = t.Parent() {
		index.Chain = append([]*Table{t}, index.Chain...)

		if t == rootmost {
			break
		}

		if t.Parent() == nil {
			return nil, fmt.Errorf("%w: group index %s does not span a single ancestor chain", ErrInvalid, index)
		}
	}

	for _, column := range index.Columns {
		if index.ChainPosition(column.table) < 0 {
			return nil, fmt.Errorf("%w: group index %s does not span a single ancestor chain", ErrInvalid, index)
		}
	}

	if len(index.Chain) < 2 {
		return nil, fmt.Errorf("%w: group index %s must span more than one table", ErrInvalid, index)
	}

	spatial, err := compileSpatial(image.Spatial, index.Columns, index.String())

	if err != nil {
		return nil, err
	}

	index.Spatial = spatial

	return index, nil
}
