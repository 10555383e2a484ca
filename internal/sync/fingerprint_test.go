package sync

import (
	"strings"
	"testing"
)

func TestFingerprint_IgnoresOrderAndCase(t *testing.T) {
	a := []TableDef{
		{Name: "students", Columns: []ColumnDef{{Name: "id", Type: "TEXT", PrimaryKey: true}, {Name: "name", Type: "text"}}},
		{Name: "fees", Columns: []ColumnDef{{Name: "id", Type: "TEXT", PrimaryKey: true}}},
	}
	b := []TableDef{
		{Name: "fees", Columns: []ColumnDef{{Name: "ID", Type: "TEXT", PrimaryKey: true}}},
		{Name: "Students", Columns: []ColumnDef{{Name: "name", Type: "TEXT"}, {Name: "id", Type: "TEXT", PrimaryKey: true}}},
	}

	if Fingerprint(a) != Fingerprint(b) {
		t.Errorf("Fingerprint differs for equivalent schemas: %s vs %s", Fingerprint(a), Fingerprint(b))
	}
	if !strings.HasPrefix(Fingerprint(a), "sha256:") {
		t.Errorf("Fingerprint = %q, want sha256: prefix", Fingerprint(a))
	}
}

func TestFingerprint_ChangesWithShape(t *testing.T) {
	base := []TableDef{{Name: "students", Columns: []ColumnDef{{Name: "id", Type: "TEXT", PrimaryKey: true}}}}
	added := []TableDef{{Name: "students", Columns: []ColumnDef{{Name: "id", Type: "TEXT", PrimaryKey: true}, {Name: "grade", Type: "INTEGER"}}}}
	retyped := []TableDef{{Name: "students", Columns: []ColumnDef{{Name: "id", Type: "INTEGER", PrimaryKey: true}}}}

	if Fingerprint(base) == Fingerprint(added) {
		t.Error("adding a column did not change the fingerprint")
	}
	if Fingerprint(base) == Fingerprint(retyped) {
		t.Error("changing a type did not change the fingerprint")
	}
}
