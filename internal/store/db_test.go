package store

import (
	"testing"
)

func testDB(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMemory()
	if err != nil {
		t.Fatalf("OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestOpenMemory(t *testing.T) {
	db := testDB(t)
	if db.Path != ":memory:" {
		t.Errorf("Path = %q, want :memory:", db.Path)
	}
}

func TestSchemaVersion(t *testing.T) {
	db := testDB(t)

	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatalf("SchemaVersion: %v", err)
	}
	if v != 4 {
		t.Errorf("SchemaVersion = %d, want 4", v)
	}
}

func TestTablesExist(t *testing.T) {
	db := testDB(t)

	tables := []string{"schema_versions", "claims", "sources", "derivations", "derivation_sources", "retrieval_index"}
	for _, table := range tables {
		var name string
		err := db.QueryRow(
			"SELECT name FROM sqlite_master WHERE type='table' AND name=?", table,
		).Scan(&name)
		if err != nil {
			t.Errorf("table %q not found: %v", table, err)
		}
	}
}

func TestMigrateIdempotent(t *testing.T) {
	db := testDB(t)

	if err := db.migrate(); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
	v, err := db.SchemaVersion()
	if err != nil {
		t.Fatal(err)
	}
	if v != 4 {
		t.Errorf("SchemaVersion after re-migrate = %d, want 4", v)
	}
}

func TestClaimsConstraints(t *testing.T) {
	db := testDB(t)

	// Confidence outside [0,1]
	_, err := db.Exec(`
		INSERT INTO claims (id, tenant_id, access, subject_type, subject_id, predicate, value, value_key, value_text,
			confidence, valid_from, approval_status, lifecycle_status, created_at, updated_at)
		VALUES ('c1', 't1', '{}', 'USER', 'u1', 'profile.lives_in', '{}', 'k', 'x', 1.5, 1, 'auto', 'active', 1, 1)
	`)
	if err == nil {
		t.Error("confidence > 1 accepted")
	}

	// Invalid lifecycle status
	_, err = db.Exec(`
		INSERT INTO claims (id, tenant_id, access, subject_type, subject_id, predicate, value, value_key, value_text,
			confidence, valid_from, approval_status, lifecycle_status, created_at, updated_at)
		VALUES ('c2', 't1', '{}', 'USER', 'u1', 'profile.lives_in', '{}', 'k', 'x', 0.5, 1, 'auto', 'paused', 1, 1)
	`)
	if err == nil {
		t.Error("invalid lifecycle_status accepted")
	}
}
