package relational

// Entity describes one relational table under orchestration.
type Entity struct {
	Name      string   // logical name, matches the table name
	Table     string   // physical table in the public schema
	PKColumns []string // primary key columns (ordered)
	// SerialPK marks a single integer identity key whose sequence must be
	// reset after a load so future inserts never collide.
	SerialPK bool
}

// LoadOrder returns the entities in dependency order: every table appears
// after all tables it references, so loading in this order never violates a
// foreign key, and purging in reverse never does either.
//
// Hand-maintained from the Veridoc schema; validated against the live FK
// graph by ValidateAgainstSchema before any destructive operation.
func LoadOrder() []Entity {
	return []Entity{
		{Name: "users", Table: "users", PKColumns: []string{"id"}, SerialPK: true},
		{Name: "templates", Table: "templates", PKColumns: []string{"id"}, SerialPK: true},
		{Name: "requirements", Table: "requirements", PKColumns: []string{"id"}, SerialPK: true},
		{Name: "training_courses", Table: "training_courses", PKColumns: []string{"id"}, SerialPK: true},
		{Name: "documents", Table: "documents", PKColumns: []string{"id"}, SerialPK: true},
		{Name: "document_revisions", Table: "document_revisions", PKColumns: []string{"id"}, SerialPK: true},
		{Name: "audits", Table: "audits", PKColumns: []string{"id"}, SerialPK: true},
		{Name: "audit_findings", Table: "audit_findings", PKColumns: []string{"id"}, SerialPK: true},
		{Name: "training_records", Table: "training_records", PKColumns: []string{"user_id", "course_id"}},
		{Name: "uploads", Table: "uploads", PKColumns: []string{"id"}, SerialPK: true},
	}
}

// PurgeOrder is LoadOrder reversed: dependents before the tables they
// reference.
func PurgeOrder() []Entity {
	fwd := LoadOrder()
	out := make([]Entity, len(fwd))
	for i, e := range fwd {
		out[len(fwd)-1-i] = e
	}
	return out
}

// ExcludedTables are system tables never captured, purged, or restored.
func ExcludedTables() map[string]bool {
	return map[string]bool{
		"schema_migrations": true,
	}
}
