package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreWatcher_FiltersToStoreFiles(t *testing.T) {
	dir := t.TempDir()
	store := filepath.Join(dir, "ledger.db")

	w, err := NewStoreWatcher(store)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	assert.Error(t, w.Start(), "second Start must fail")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o600))
	require.NoError(t, os.WriteFile(store+"-wal", []byte("x"), 0o600))

	select {
	case name := <-w.Events():
		assert.Equal(t, "ledger.db-wal", filepath.Base(name))
	case <-time.After(2 * time.Second):
		t.Fatal("no event for store write")
	}

	require.NoError(t, w.Stop())
	assert.False(t, w.IsRunning())
	for range w.Events() {
		// Drains until the channel is closed by Stop.
	}
}
