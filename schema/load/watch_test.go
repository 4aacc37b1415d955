package load

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/guardrail/schema"
)

func TestWatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(bookingYAML), 0o600))

	loaded := make(chan *schema.Schema, 4)
	failed := make(chan error, 4)
	w, err := Watch(path,
		func(sch *schema.Schema) { loaded <- sch },
		func(err error) { failed <- err },
	)
	require.NoError(t, err)
	defer w.Close()

	// A valid rewrite reaches onLoad.
	require.NoError(t, os.WriteFile(path, []byte(bookingYAML), 0o600))
	select {
	case sch := <-loaded:
		_, ok := sch.Model("Booking")
		assert.True(t, ok)
	case err := <-failed:
		t.Fatalf("unexpected parse error: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for reload")
	}

	// A broken rewrite reaches onError and never onLoad.
	require.NoError(t, os.WriteFile(path, []byte("models: ["), 0o600))
	select {
	case err := <-failed:
		require.Error(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for parse error")
	}
}

func TestWatchIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "schema.yaml")
	require.NoError(t, os.WriteFile(path, []byte(bookingYAML), 0o600))

	loaded := make(chan *schema.Schema, 1)
	w, err := Watch(path, func(sch *schema.Schema) { loaded <- sch }, nil)
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.yaml"), []byte("x"), 0o600))
	select {
	case <-loaded:
		t.Fatal("reload triggered by unrelated file")
	case <-time.After(300 * time.Millisecond):
	}
}
