package factory

import "testing"

func TestSQLitePathDSN(t *testing.T) {
	st, err := NewFromDSN(t.TempDir() + "/state.db")
	if err != nil {
		t.Fatalf("bare path should select sqlite: %v", err)
	}
	defer func() { _ = st.Close() }()
}

func TestSQLiteSchemeDSN(t *testing.T) {
	st, err := NewFromDSN("sqlite://" + t.TempDir() + "/state.db")
	if err != nil {
		t.Fatalf("sqlite scheme failed: %v", err)
	}
	defer func() { _ = st.Close() }()
}

func TestEmptyDSNRejected(t *testing.T) {
	if _, err := NewFromDSN("  "); err == nil {
		t.Fatalf("expected error for empty DSN")
	}
}

func TestUnknownSchemeRejected(t *testing.T) {
	if _, err := NewFromDSN("redis://localhost:6379/0"); err == nil {
		t.Fatalf("expected error for unsupported scheme")
	}
}
