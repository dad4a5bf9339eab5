package jobstore

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/clipforge/pkg/job"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), Config{Path: filepath.Join(t.TempDir(), "jobs.db")})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newPendingJob(id, owner string) *job.Job {
	now := time.Now().UTC()
	return &job.Job{
		ID:        id,
		Type:      job.TypeCrop,
		Source:    job.SourceRef{Key: "videos/" + owner + "/in.mp4"},
		Params:    job.Params{Start: 1, End: 4, AspectRatio: "9:16"},
		Owner:     job.Owner{UserID: owner},
		State:     job.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func intPtr(v int) *int { return &v }

func TestOpen(t *testing.T) {
	ctx := context.Background()

	t.Run("memory", func(t *testing.T) {
		s, err := Open(ctx, Config{Path: ":memory:"})
		require.NoError(t, err)
		defer func() { _ = s.Close() }()
		assert.NoError(t, s.Ping(ctx))
	})

	t.Run("creates parent directory", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "nested", "dir", "jobs.db")
		s, err := Open(ctx, Config{Path: path})
		require.NoError(t, err)
		defer func() { _ = s.Close() }()
		assert.Equal(t, path, s.Path())
	})

	t.Run("empty path", func(t *testing.T) {
		_, err := Open(ctx, Config{})
		assert.Error(t, err)
	})

	t.Run("reopen keeps records", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "jobs.db")
		s, err := Open(ctx, Config{Path: path})
		require.NoError(t, err)
		require.NoError(t, s.Create(ctx, newPendingJob("j1", "alice")))
		require.NoError(t, s.Close())

		s, err = Open(ctx, Config{Path: path})
		require.NoError(t, err)
		defer func() { _ = s.Close() }()
		got, err := s.Get(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, job.StatePending, got.State)
	})
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	in := newPendingJob("j1", "alice")
	require.NoError(t, s.Create(ctx, in))

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "j1", got.ID)
	assert.Equal(t, job.TypeCrop, got.Type)
	assert.Equal(t, "videos/alice/in.mp4", got.Source.Key)
	assert.Empty(t, got.Source.URL)
	assert.Equal(t, 1.0, got.Params.Start)
	assert.Equal(t, 4.0, got.Params.End)
	assert.Equal(t, "9:16", got.Params.AspectRatio)
	assert.Equal(t, "alice", got.Owner.UserID)
	assert.Equal(t, job.StatePending, got.State)
	assert.Equal(t, 0, got.Progress)
	assert.Nil(t, got.Result)
	assert.Empty(t, got.Error)
	assert.WithinDuration(t, in.CreatedAt, got.CreatedAt, time.Millisecond)

	t.Run("duplicate id", func(t *testing.T) {
		assert.Error(t, s.Create(ctx, newPendingJob("j1", "bob")))
	})

	t.Run("missing", func(t *testing.T) {
		_, err := s.Get(ctx, "nope")
		assert.True(t, errors.Is(err, job.ErrNotFound))
	})
}

func TestCompareAndSwapState(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Create(ctx, newPendingJob("j1", "alice")))

	got, err := s.CompareAndSwapState(ctx, "j1", job.StatePending, Update{To: job.StateProcessing, Progress: intPtr(0)})
	require.NoError(t, err)
	assert.Equal(t, job.StateProcessing, got.State)

	t.Run("stale expected state conflicts", func(t *testing.T) {
		got, err := s.CompareAndSwapState(ctx, "j1", job.StatePending, Update{To: job.StateProcessing})
		require.Error(t, err)
		assert.True(t, job.IsConflict(err))

		var cerr *job.ConflictError
		require.True(t, errors.As(err, &cerr))
		assert.Equal(t, job.StateProcessing, cerr.Actual)
		assert.Equal(t, job.StateProcessing, got.State)
	})

	t.Run("illegal transition rejected before write", func(t *testing.T) {
		_, err := s.CompareAndSwapState(ctx, "j1", job.StatePending, Update{To: job.StateCompleted})
		assert.True(t, errors.Is(err, job.ErrInvalidTransition))
	})

	t.Run("completion stores result", func(t *testing.T) {
		got, err := s.CompareAndSwapState(ctx, "j1", job.StateProcessing, Update{
			To:       job.StateCompleted,
			Progress: intPtr(100),
			Result:   &job.ResultRef{Key: "out/alice/j1.mp4", URL: "https://cdn/out/alice/j1.mp4"},
			Error:    "ignored",
		})
		require.NoError(t, err)
		assert.Equal(t, job.StateCompleted, got.State)
		assert.Equal(t, 100, got.Progress)
		require.NotNil(t, got.Result)
		assert.Equal(t, "out/alice/j1.mp4", got.Result.Key)
		assert.Empty(t, got.Error)
	})

	t.Run("terminal job does not change", func(t *testing.T) {
		_, err := s.CompareAndSwapState(ctx, "j1", job.StateProcessing, Update{To: job.StateFailed, Error: "late"})
		assert.True(t, job.IsConflict(err))

		got, err := s.Get(ctx, "j1")
		require.NoError(t, err)
		assert.Equal(t, job.StateCompleted, got.State)
		assert.Empty(t, got.Error)
	})

	t.Run("missing job", func(t *testing.T) {
		_, err := s.CompareAndSwapState(ctx, "nope", job.StatePending, Update{To: job.StateProcessing})
		assert.True(t, job.IsNotFound(err))
	})
}

func TestCompareAndSwapState_ConcurrentTerminalWriters(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Create(ctx, newPendingJob("j1", "alice")))
	_, err := s.CompareAndSwapState(ctx, "j1", job.StatePending, Update{To: job.StateProcessing})
	require.NoError(t, err)

	const writers = 16
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			upd := Update{To: job.StateFailed, Error: "boom"}
			if i%2 == 0 {
				upd = Update{To: job.StateCompleted, Result: &job.ResultRef{Key: "k"}}
			}
			if _, err := s.CompareAndSwapState(ctx, "j1", job.StateProcessing, upd); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, success)
	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, got.State.IsTerminal())
}

func TestUpdateProgress(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Create(ctx, newPendingJob("j1", "alice")))

	changed, err := s.UpdateProgress(ctx, "j1", 10, time.Time{})
	require.NoError(t, err)
	assert.False(t, changed, "pending jobs ignore progress")

	_, err = s.CompareAndSwapState(ctx, "j1", job.StatePending, Update{To: job.StateProcessing})
	require.NoError(t, err)

	changed, err = s.UpdateProgress(ctx, "j1", 40, time.Time{})
	require.NoError(t, err)
	assert.True(t, changed)

	changed, err = s.UpdateProgress(ctx, "j1", 20, time.Time{})
	require.NoError(t, err)
	assert.False(t, changed, "progress never moves backwards")

	changed, err = s.UpdateProgress(ctx, "j1", 250, time.Time{})
	require.NoError(t, err)
	assert.True(t, changed)

	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)

	_, err = s.CompareAndSwapState(ctx, "j1", job.StateProcessing, Update{To: job.StateFailed, Error: "x"})
	require.NoError(t, err)
	changed, err = s.UpdateProgress(ctx, "j1", 100, time.Time{})
	require.NoError(t, err)
	assert.False(t, changed, "terminal jobs ignore progress")
}

func TestList(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	base := time.Now().UTC().Add(-time.Hour)
	for i, spec := range []struct{ id, owner string }{
		{"a1", "alice"}, {"b1", "bob"}, {"a2", "alice"}, {"a3", "alice"},
	} {
		j := newPendingJob(spec.id, spec.owner)
		j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		j.UpdatedAt = j.CreatedAt
		require.NoError(t, s.Create(ctx, j))
	}
	_, err := s.CompareAndSwapState(ctx, "a2", job.StatePending, Update{To: job.StateCancelled, Error: "user cancelled"})
	require.NoError(t, err)

	t.Run("owner newest first", func(t *testing.T) {
		jobs, err := s.List(ctx, ListOptions{OwnerID: "alice"})
		require.NoError(t, err)
		require.Len(t, jobs, 3)
		assert.Equal(t, []string{"a3", "a2", "a1"}, ids(jobs))
	})

	t.Run("state filter", func(t *testing.T) {
		jobs, err := s.List(ctx, ListOptions{State: job.StateCancelled})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, "user cancelled", jobs[0].Error)
	})

	t.Run("limit", func(t *testing.T) {
		jobs, err := s.List(ctx, ListOptions{Limit: 2})
		require.NoError(t, err)
		assert.Len(t, jobs, 2)
	})

	t.Run("by state oldest first", func(t *testing.T) {
		jobs, err := s.ListByState(ctx, job.StatePending, Cursor{}, 0)
		require.NoError(t, err)
		assert.Equal(t, []string{"a1", "b1", "a3"}, ids(jobs))
	})
}

func TestListByState_Pages(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	// p2..p4 share a creation time so the id breaks the tie.
	base := time.Now().UTC().Add(-time.Hour)
	for i, id := range []string{"p1", "p3", "p2", "p4", "p5"} {
		j := newPendingJob(id, "alice")
		j.CreatedAt = base
		if id == "p1" {
			j.CreatedAt = base.Add(-time.Minute)
		}
		if id == "p5" {
			j.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		}
		require.NoError(t, s.Create(ctx, j))
	}

	var got []string
	cursor := Cursor{}
	for {
		page, err := s.ListByState(ctx, job.StatePending, cursor, 2)
		require.NoError(t, err)
		if len(page) == 0 {
			break
		}
		got = append(got, ids(page)...)
		cursor = CursorAfter(page[len(page)-1])
	}
	assert.Equal(t, []string{"p1", "p2", "p3", "p4", "p5"}, got)
}

func TestUpdates_UseCallerTimestamp(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Create(ctx, newPendingJob("j1", "alice")))

	at := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	got, err := s.CompareAndSwapState(ctx, "j1", job.StatePending, Update{To: job.StateProcessing, At: at})
	require.NoError(t, err)
	assert.True(t, at.Equal(got.UpdatedAt), "got %s", got.UpdatedAt)

	later := at.Add(time.Hour)
	changed, err := s.UpdateProgress(ctx, "j1", 30, later)
	require.NoError(t, err)
	require.True(t, changed)
	got, err = s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.True(t, later.Equal(got.UpdatedAt), "got %s", got.UpdatedAt)

	stale, err := s.ListStale(ctx, job.StateProcessing, later.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, ids(stale))
}

func TestListStale(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)

	require.NoError(t, s.Create(ctx, newPendingJob("j1", "alice")))
	_, err := s.CompareAndSwapState(ctx, "j1", job.StatePending, Update{To: job.StateProcessing})
	require.NoError(t, err)

	stale, err := s.ListStale(ctx, job.StateProcessing, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Empty(t, stale)

	stale, err = s.ListStale(ctx, job.StateProcessing, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, []string{"j1"}, ids(stale))
}

func TestDeleteByResultKey(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Create(ctx, newPendingJob("j1", "alice")))
	_, err := s.CompareAndSwapState(ctx, "j1", job.StatePending, Update{To: job.StateProcessing})
	require.NoError(t, err)
	_, err = s.CompareAndSwapState(ctx, "j1", job.StateProcessing, Update{
		To:     job.StateCompleted,
		Result: &job.ResultRef{Key: "out/alice/j1.mp4"},
	})
	require.NoError(t, err)

	n, err := s.DeleteByResultKey(ctx, "out/alice/j1.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.Get(ctx, "j1")
	assert.True(t, job.IsNotFound(err))

	n, err = s.DeleteByResultKey(ctx, "out/alice/j1.mp4")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)

	n, err = s.DeleteByResultKey(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(0), n)
}

func TestSetUsernameAndDelete(t *testing.T) {
	ctx := context.Background()
	s := openTestStore(t)
	require.NoError(t, s.Create(ctx, newPendingJob("j1", "alice")))

	require.NoError(t, s.SetUsername(ctx, "j1", "Alice A."))
	got, err := s.Get(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, "Alice A.", got.Owner.Username)

	assert.True(t, job.IsNotFound(s.SetUsername(ctx, "nope", "x")))

	n, err := s.Delete(ctx, "j1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func ids(jobs []job.Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}
