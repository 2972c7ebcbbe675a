package tasks_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loftshare/loft/tasks"
)

func TestRunnerWait(t *testing.T) {
	r := tasks.NewRunnerWithErrors(4)
	defer r.Close()

	var done atomic.Int32
	for i := 0; i < 10; i++ {
		r.Go(context.Background(), "work", func(context.Context) error {
			done.Add(1)
			return nil
		})
	}
	r.Wait()
	assert.Equal(t, int32(10), done.Load())
}

func TestRunnerReportsErrors(t *testing.T) {
	r := tasks.NewRunnerWithErrors(4)

	boom := errors.New("boom")
	r.Go(context.Background(), "failing", func(context.Context) error {
		return boom
	})
	r.Close()

	te, ok := <-r.Errors()
	require.True(t, ok)
	assert.Equal(t, "failing", te.Task)
	assert.ErrorIs(t, te, boom)
	assert.Contains(t, te.Error(), "task failing")
}

func TestRunnerRecoversPanics(t *testing.T) {
	r := tasks.NewRunnerWithErrors(4)

	r.Go(context.Background(), "panicking", func(context.Context) error {
		panic("oh no")
	})
	r.Close()

	te, ok := <-r.Errors()
	require.True(t, ok)
	assert.Equal(t, "panicking", te.Task)
	assert.Contains(t, te.Err.Error(), "oh no")
}

func TestRunnerDropsWhenBufferFull(t *testing.T) {
	r := tasks.NewRunnerWithErrors(1)

	for i := 0; i < 5; i++ {
		r.Go(context.Background(), "failing", func(context.Context) error {
			return errors.New("x")
		})
	}
	r.Close()

	var n int
	for range r.Errors() {
		n++
	}
	assert.Equal(t, 1, n, "overflow errors are dropped, tasks never block")
}

func TestInlineRunsSynchronously(t *testing.T) {
	var ran bool
	tasks.Inline{}.Go(context.Background(), "sync", func(context.Context) error {
		ran = true
		return nil
	})
	assert.True(t, ran)
}
