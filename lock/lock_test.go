package lock_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/frobware/go-pktcount/lock"
)

func TestRunProvidesScope(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")

	err := lock.Run(context.Background(), path, func(ctx context.Context, scope lock.WriterScope) error {
		assert.Equal(t, path, scope.Path())
		assert.Positive(t, scope.FD())
		return nil
	})
	require.NoError(t, err)
}

func TestRunPropagatesError(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")
	sentinel := errors.New("sentinel")

	err := lock.Run(context.Background(), path, func(context.Context, lock.WriterScope) error {
		return sentinel
	})
	assert.ErrorIs(t, err, sentinel)
}

func TestRunExcludesConcurrentWriter(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".lock")

	held := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- lock.Run(context.Background(), path, func(context.Context, lock.WriterScope) error {
			close(held)
			<-release
			return nil
		})
	}()
	<-held

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	err := lock.Run(ctx, path, func(context.Context, lock.WriterScope) error {
		t.Fatal("second writer must not acquire the lock")
		return nil
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	close(release)
	require.NoError(t, <-done)

	// Released: a new writer gets in.
	require.NoError(t, lock.Run(context.Background(), path, func(context.Context, lock.WriterScope) error { return nil }))
}

func TestRunMissingDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", ".lock")
	err := lock.Run(context.Background(), path, func(context.Context, lock.WriterScope) error { return nil })
	assert.Error(t, err)
}
