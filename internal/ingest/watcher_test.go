package ingest

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thebtf/recall/pkg/models"
)

// waitForDocuments polls until n documents land in the collection. The
// watcher debounces for at least half a second before ingesting, so the
// deadline is generous.
func waitForDocuments(t *testing.T, svc *Service, collection string, n int) []models.Document {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		docs, err := svc.store.ListDocuments(context.Background(), collection)
		require.NoError(t, err)
		if len(docs) >= n {
			return docs
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatalf("collection %s never reached %d documents", collection, n)
	return nil
}

func TestWatcherIngestsCreatedFiles(t *testing.T) {
	svc, _, _ := newTestService(t)
	dir := filepath.Join(t.TempDir(), "inbox")

	w, err := NewWatcher(svc, dir, "watched")
	require.NoError(t, err)
	defer w.Close()

	// NewWatcher creates the directory it watches.
	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())

	path := filepath.Join(dir, "dropped.txt")
	require.NoError(t, os.WriteFile(path, []byte("Content dropped into the watched folder."), 0o644))

	docs := waitForDocuments(t, svc, "watched", 1)
	assert.Equal(t, "dropped.txt", docs[0].Filename)

	// The watched file itself is left in place.
	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestWatcherIgnoresUnsupportedFiles(t *testing.T) {
	svc, _, _ := newTestService(t)
	dir := filepath.Join(t.TempDir(), "inbox")

	w, err := NewWatcher(svc, dir, "watched")
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "setup.exe"), []byte("binary"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ok.txt"), []byte("Supported file beside it."), 0o644))

	docs := waitForDocuments(t, svc, "watched", 1)
	require.Len(t, docs, 1)
	assert.Equal(t, "ok.txt", docs[0].Filename)
}
