package storage

import "testing"

// newTestStore opens a fresh store in a temp dir and closes it on cleanup.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, _, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		if err := store.Close(); err != nil {
			t.Errorf("close test store: %v", err)
		}
	})
	return store
}

func mustPut(t *testing.T, store *Store, name string, data []byte) string {
	t.Helper()
	id, err := store.Put(name, data)
	if err != nil {
		t.Fatalf("Put(%q): %v", name, err)
	}
	return id
}
