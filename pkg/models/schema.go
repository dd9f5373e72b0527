package models

// ForeignKey describes a nullable foreign key column on an entity table
type ForeignKey struct {
	Column string
	Target EntityType
	// Required marks keys whose absence is reported as unresolved
	Required bool
}

// Association describes an array-of-ids column
type Association struct {
	Column string
	Target EntityType
	// Required marks associations counted by the verifier as "fully linked"
	Required bool
}

// TableSchema is the relational layout of one entity type
type TableSchema struct {
	Type         EntityType
	Table        string
	ForeignKeys  []ForeignKey
	Associations []Association
}

// InboundRef is a column on another table that points at a given entity type
type InboundRef struct {
	From   EntityType
	Column string
}

var schemas = map[EntityType]TableSchema{
	Organization: {Type: Organization, Table: "organizations"},
	Location:     {Type: Location, Table: "locations"},
	Project: {
		Type:  Project,
		Table: "projects",
		ForeignKeys: []ForeignKey{
			{Column: "organization_id", Target: Organization},
			{Column: "location_id", Target: Location},
		},
		Associations: []Association{
			{Column: "linked_storytellers", Target: Storyteller},
		},
	},
	Storyteller: {
		Type:  Storyteller,
		Table: "storytellers",
		ForeignKeys: []ForeignKey{
			{Column: "organization_id", Target: Organization},
			{Column: "project_id", Target: Project},
			{Column: "location_id", Target: Location},
		},
		Associations: []Association{
			{Column: "linked_stories", Target: Story},
			{Column: "linked_themes", Target: Theme},
		},
	},
	Story: {
		Type:  Story,
		Table: "stories",
		ForeignKeys: []ForeignKey{
			{Column: "storyteller_id", Target: Storyteller, Required: true},
			{Column: "project_id", Target: Project},
		},
		Associations: []Association{
			{Column: "linked_storytellers", Target: Storyteller, Required: true},
			{Column: "linked_themes", Target: Theme},
			{Column: "linked_quotes", Target: Quote},
			{Column: "linked_media", Target: Media},
		},
	},
	Theme: {
		Type:  Theme,
		Table: "themes",
		Associations: []Association{
			{Column: "linked_storytellers", Target: Storyteller},
			{Column: "linked_stories", Target: Story},
			{Column: "linked_quotes", Target: Quote},
			{Column: "linked_media", Target: Media},
		},
	},
	Quote: {
		Type:  Quote,
		Table: "quotes",
		ForeignKeys: []ForeignKey{
			{Column: "storyteller_id", Target: Storyteller},
		},
		Associations: []Association{
			{Column: "linked_stories", Target: Story},
			{Column: "linked_themes", Target: Theme},
		},
	},
	Media: {
		Type:  Media,
		Table: "media",
		ForeignKeys: []ForeignKey{
			{Column: "storyteller_id", Target: Storyteller},
		},
		Associations: []Association{
			{Column: "linked_stories", Target: Story},
			{Column: "linked_themes", Target: Theme},
		},
	},
}

// levels lists entity types by foreign-key depth. Types in one level never
// reference each other through a foreign key.
var levels = [][]EntityType{
	{Organization, Location},
	{Project},
	{Storyteller},
	{Story, Theme, Quote, Media},
}

// SchemaFor returns the table layout for an entity type
func SchemaFor(t EntityType) (TableSchema, bool) {
	s, ok := schemas[t]
	return s, ok
}

// Levels returns the dependency levels, independent tables first
func Levels() [][]EntityType {
	out := make([][]EntityType, len(levels))
	for i, l := range levels {
		out[i] = append([]EntityType(nil), l...)
	}
	return out
}

// LevelOf returns the dependency level index of t, or -1
func LevelOf(t EntityType) int {
	for i, l := range levels {
		for _, lt := range l {
			if lt == t {
				return i
			}
		}
	}
	return -1
}

// DependencyOrder returns every entity type, independent tables first
func DependencyOrder() []EntityType {
	var out []EntityType
	for _, l := range levels {
		out = append(out, l...)
	}
	return out
}

// ReverseDependencyOrder returns every entity type, dependent tables first
func ReverseDependencyOrder() []EntityType {
	order := DependencyOrder()
	for i, j := 0, len(order)-1; i < j; i, j = i+1, j-1 {
		order[i], order[j] = order[j], order[i]
	}
	return order
}

// SortByDependency orders types by dependency level, keeping the canonical
// order inside a level
func SortByDependency(types []EntityType) []EntityType {
	want := make(map[EntityType]bool, len(types))
	for _, t := range types {
		want[t] = true
	}
	var out []EntityType
	for _, t := range DependencyOrder() {
		if want[t] {
			out = append(out, t)
		}
	}
	return out
}

// ForeignKeyFor returns the foreign key definition for a column
func (s TableSchema) ForeignKeyFor(column string) (ForeignKey, bool) {
	for _, fk := range s.ForeignKeys {
		if fk.Column == column {
			return fk, true
		}
	}
	return ForeignKey{}, false
}

// AssociationFor returns the association definition for a column
func (s TableSchema) AssociationFor(column string) (Association, bool) {
	for _, a := range s.Associations {
		if a.Column == column {
			return a, true
		}
	}
	return Association{}, false
}

// InboundForeignKeys lists the foreign key columns of other tables that reference t
func InboundForeignKeys(t EntityType) []InboundRef {
	var out []InboundRef
	for _, from := range DependencyOrder() {
		for _, fk := range schemas[from].ForeignKeys {
			if fk.Target == t {
				out = append(out, InboundRef{From: from, Column: fk.Column})
			}
		}
	}
	return out
}

// InboundAssociations lists association columns of other tables that hold ids of t
func InboundAssociations(t EntityType) []InboundRef {
	var out []InboundRef
	for _, from := range DependencyOrder() {
		for _, a := range schemas[from].Associations {
			if a.Target == t {
				out = append(out, InboundRef{From: from, Column: a.Column})
			}
		}
	}
	return out
}
