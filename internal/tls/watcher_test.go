package tls

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChangeWatcher_ReportsChange(t *testing.T) {
	t.Parallel()

	pki, paths := writeBundle(t)

	changed := make(chan string, 4)
	w := NewChangeWatcher(paths,
		WithDebounceDelay(10*time.Millisecond),
		WithOnChange(func(path string) { changed <- path }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, w.Start(ctx))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(paths.CertFile, pki.Server.CertPEM, 0o600))

	select {
	case path := <-changed:
		assert.Equal(t, paths.CertFile, path)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for change notification")
	}
}

func TestChangeWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	t.Parallel()

	_, paths := writeBundle(t)

	changed := make(chan string, 1)
	w := NewChangeWatcher(paths,
		WithDebounceDelay(10*time.Millisecond),
		WithOnChange(func(path string) { changed <- path }),
	)

	require.NoError(t, w.Start(context.Background()))
	defer func() { _ = w.Stop() }()

	require.NoError(t, os.WriteFile(paths.CertFile+".bak", []byte("x"), 0o600))

	select {
	case path := <-changed:
		t.Fatalf("unexpected change notification for %s", path)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestChangeWatcher_StopIdempotent(t *testing.T) {
	t.Parallel()

	_, paths := writeBundle(t)
	w := NewChangeWatcher(paths)

	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Stop())
	assert.NoError(t, w.Start(context.Background()))
}

func TestChangeWatcher_MissingDirectory(t *testing.T) {
	t.Parallel()

	_, paths := writeBundle(t)
	paths.CAFile = "/nonexistent-dir-for-watcher/ca.crt"

	w := NewChangeWatcher(paths)
	err := w.Start(context.Background())
	require.Error(t, err)

	var certErr *CertificateError
	assert.ErrorAs(t, err, &certErr)
}
