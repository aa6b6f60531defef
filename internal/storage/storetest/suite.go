// Package storetest is the conformance suite every storage backend must pass.
package storetest

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secretariat/internal/recurrence"
	"secretariat/internal/storage"
	"secretariat/internal/task"
)

// Putter is implemented by backends that can store rows verbatim.
type Putter interface {
	Put(ctx context.Context, t *task.Task) error
}

// Suite runs the contract against stores built by Open.
type Suite struct {
	Lease time.Duration
	Open  func(t *testing.T) storage.Store
}

// NewTask returns a valid daily task due at next.
func NewTask(owner string, next time.Time) *task.Task {
	return &task.Task{
		OwnerRef:    owner,
		Description: "stretch",
		ChannelRef:  "log:test",
		Rule: recurrence.Rule{
			Unit:      recurrence.Day,
			Interval:  1,
			TimeOfDay: recurrence.TimeOfDay{Hour: next.UTC().Hour(), Minute: next.UTC().Minute()},
			Timezone:  "UTC",
			StartAt:   next.Add(-48 * time.Hour),
		},
		NextFireAt: task.TimePtr(next),
	}
}

func (s Suite) Run(t *testing.T) {
	t.Run("CreateAndGet", s.testCreateAndGet)
	t.Run("ClaimExclusive", s.testClaimExclusive)
	t.Run("ClaimConcurrent", s.testClaimConcurrent)
	t.Run("LeaseExpiry", s.testLeaseExpiry)
	t.Run("StaleClaimant", s.testStaleClaimant)
	t.Run("AdvanceOnce", s.testAdvanceOnce)
	t.Run("AdvanceCompletes", s.testAdvanceCompletes)
	t.Run("ReleaseCountsAttempts", s.testRelease)
	t.Run("MarkFailed", s.testMarkFailed)
	t.Run("CancelMidDelivery", s.testCancelMidDelivery)
	t.Run("Transitions", s.testTransitions)
	t.Run("ListActive", s.testListActive)
	t.Run("ExpireClaims", s.testExpireClaims)
	t.Run("RepairAndBroken", s.testRepair)
	t.Run("PurgeTerminal", s.testPurge)
}

func now() time.Time { return time.Now().UTC().Truncate(time.Second) }

func (s Suite) create(t *testing.T, st storage.Store, tk *task.Task) string {
	t.Helper()
	id, err := st.Create(context.Background(), tk)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func (s Suite) testCreateAndGet(t *testing.T) {
	ctx := context.Background()
	st := s.Open(t)
	due := now().Add(time.Hour)

	bad := NewTask("", due)
	_, err := st.Create(ctx, bad)
	require.Error(t, err)
	assert.True(t, errors.Is(err, task.ErrValidation))
	all, err := st.ListActive(ctx, "")
	require.NoError(t, err)
	assert.Empty(t, all, "rejected task must not be persisted")

	noNext := NewTask("alice", due)
	noNext.NextFireAt = nil
	_, err = st.Create(ctx, noNext)
	assert.True(t, task.IsValidation(err))

	in := NewTask("alice", due)
	in.Interactive = true
	id := s.create(t, st, in)

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, got.ID)
	assert.Equal(t, "alice", got.OwnerRef)
	assert.Equal(t, task.StatusActive, got.Status)
	assert.True(t, got.Interactive)
	require.NotNil(t, got.NextFireAt)
	assert.True(t, due.Equal(*got.NextFireAt))
	assert.Equal(t, in.Rule.Describe(), got.Rule.Describe())
	assert.Nil(t, got.ClaimedAt)
	assert.Zero(t, got.OccurrencesFired)

	_, err = st.Get(ctx, "missing")
	assert.ErrorIs(t, err, task.ErrNotFound)

	dup := NewTask("alice", due)
	dup.ID = id
	_, err = st.Create(ctx, dup)
	var ve *task.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "id", ve.Field)
	assert.False(t, errors.Is(err, task.ErrStoreUnavailable))
}

func (s Suite) testClaimExclusive(t *testing.T) {
	ctx := context.Background()
	st := s.Open(t)
	base := now()

	late := s.create(t, st, NewTask("a", base.Add(-time.Minute)))
	early := s.create(t, st, NewTask("a", base.Add(-time.Hour)))
	s.create(t, st, NewTask("a", base.Add(time.Hour)))

	claimed, err := st.ClaimDue(ctx, base, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, early, claimed[0].ID)
	assert.Equal(t, late, claimed[1].ID)
	for _, c := range claimed {
		require.NotNil(t, c.ClaimedAt)
		assert.True(t, base.Equal(*c.ClaimedAt))
	}

	again, err := st.ClaimDue(ctx, base.Add(time.Second), 10)
	require.NoError(t, err)
	assert.Empty(t, again)

	none, err := st.ClaimDue(ctx, base, 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func (s Suite) testClaimConcurrent(t *testing.T) {
	ctx := context.Background()
	st := s.Open(t)
	base := now()
	const n = 6
	for i := 0; i < n; i++ {
		s.create(t, st, NewTask("a", base.Add(-time.Duration(i+1)*time.Minute)))
	}

	var (
		mu   sync.Mutex
		seen = map[string]int{}
		wg   sync.WaitGroup
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := 0; k < 3; k++ {
				got, err := st.ClaimDue(ctx, base, 1)
				if err != nil {
					t.Errorf("claim: %v", err)
					return
				}
				mu.Lock()
				for _, c := range got {
					seen[c.ID]++
				}
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, n)
	for id, c := range seen {
		assert.Equal(t, 1, c, "task %s claimed more than once", id)
	}
}

func (s Suite) testLeaseExpiry(t *testing.T) {
	ctx := context.Background()
	st := s.Open(t)
	base := now()
	id := s.create(t, st, NewTask("a", base.Add(-time.Minute)))

	got, err := st.ClaimDue(ctx, base, 5)
	require.NoError(t, err)
	require.Len(t, got, 1)

	got, err = st.ClaimDue(ctx, base.Add(s.Lease-time.Second), 5)
	require.NoError(t, err)
	assert.Empty(t, got, "claim still within lease")

	got, err = st.ClaimDue(ctx, base.Add(s.Lease+time.Second), 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, id, got[0].ID)
}

// A worker whose lease ran out must not resolve the claim of the worker that
// took the task over.
func (s Suite) testStaleClaimant(t *testing.T) {
	ctx := context.Background()
	st := s.Open(t)
	base := now()
	due := base.Add(-time.Minute)
	id := s.create(t, st, NewTask("a", due))

	stale := storage.ClaimOf(s.claimOne(t, st, base))
	retake := base.Add(s.Lease + time.Minute)
	live := storage.ClaimOf(s.claimOne(t, st, retake))
	require.False(t, stale.At.Equal(live.At))

	next := base.Add(24 * time.Hour)
	assert.ErrorIs(t, st.Release(ctx, stale, errors.New("late")), task.ErrClaimConflict)
	assert.ErrorIs(t, st.MarkFailed(ctx, stale, errors.New("late")), task.ErrClaimConflict)
	assert.ErrorIs(t, st.Advance(ctx, stale, &next, base), task.ErrClaimConflict)

	again, err := st.ClaimDue(ctx, retake.Add(time.Second), 5)
	require.NoError(t, err)
	assert.Empty(t, again, "live claim must survive the stale writes")

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.ClaimedAt)
	assert.True(t, live.At.Equal(*got.ClaimedAt))
	assert.Zero(t, got.DeliveryAttempts)
	assert.Zero(t, got.OccurrencesFired)
	require.NotNil(t, got.NextFireAt)
	assert.True(t, due.Equal(*got.NextFireAt))

	require.NoError(t, st.Advance(ctx, live, &next, retake))
	got, err = st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.OccurrencesFired)
	assert.Nil(t, got.ClaimedAt)
}

func (s Suite) claimOne(t *testing.T, st storage.Store, at time.Time) *task.Task {
	t.Helper()
	got, err := st.ClaimDue(context.Background(), at, 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
	return got[0]
}

func (s Suite) testAdvanceOnce(t *testing.T) {
	ctx := context.Background()
	st := s.Open(t)
	base := now()
	id := s.create(t, st, NewTask("a", base.Add(-time.Minute)))
	first := s.claimOne(t, st, base)
	require.NoError(t, st.Release(ctx, storage.ClaimOf(first), errors.New("flaky")))
	c := storage.ClaimOf(s.claimOne(t, st, base))

	next := base.Add(24 * time.Hour)
	require.NoError(t, st.Advance(ctx, c, &next, base))
	err := st.Advance(ctx, c, &next, base)
	assert.ErrorIs(t, err, task.ErrClaimConflict, "second advance must be a no-op")

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.OccurrencesFired)
	assert.Equal(t, 0, got.DeliveryAttempts)
	assert.Empty(t, got.LastError)
	assert.Nil(t, got.ClaimedAt)
	require.NotNil(t, got.LastFiredAt)
	assert.True(t, base.Equal(*got.LastFiredAt))
	require.NotNil(t, got.NextFireAt)
	assert.True(t, next.Equal(*got.NextFireAt))
	assert.Equal(t, task.StatusActive, got.Status)

	assert.ErrorIs(t, st.Advance(ctx, storage.Claim{ID: "missing", At: base}, &next, base), task.ErrNotFound)
}

func (s Suite) testAdvanceCompletes(t *testing.T) {
	ctx := context.Background()
	st := s.Open(t)
	base := now()
	id := s.create(t, st, NewTask("a", base.Add(-time.Minute)))
	c := storage.ClaimOf(s.claimOne(t, st, base))

	require.NoError(t, st.Advance(ctx, c, nil, base))
	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCompleted, got.Status)
	assert.Nil(t, got.NextFireAt)

	active, err := st.ListActive(ctx, "a")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func (s Suite) testRelease(t *testing.T) {
	ctx := context.Background()
	st := s.Open(t)
	base := now()
	due := base.Add(-time.Minute)
	id := s.create(t, st, NewTask("a", due))
	c := storage.ClaimOf(s.claimOne(t, st, base))

	require.NoError(t, st.Release(ctx, c, errors.New("telegram: 502")))
	assert.ErrorIs(t, st.Release(ctx, c, errors.New("again")), task.ErrClaimConflict)

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 1, got.DeliveryAttempts)
	assert.Equal(t, "telegram: 502", got.LastError)
	assert.Nil(t, got.ClaimedAt)
	require.NotNil(t, got.NextFireAt)
	assert.True(t, due.Equal(*got.NextFireAt), "release never touches the schedule")
	assert.Zero(t, got.OccurrencesFired)

	// Released tasks are immediately claimable again.
	s.claimOne(t, st, base)
}

func (s Suite) testMarkFailed(t *testing.T) {
	ctx := context.Background()
	st := s.Open(t)
	base := now()
	id := s.create(t, st, NewTask("a", base.Add(-time.Minute)))

	assert.ErrorIs(t, st.MarkFailed(ctx, storage.Claim{ID: id, At: base}, errors.New("x")), task.ErrClaimConflict)

	c := storage.ClaimOf(s.claimOne(t, st, base))
	require.NoError(t, st.MarkFailed(ctx, c, errors.New("unknown channel")))
	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusDeliveryFailed, got.Status)
	assert.Nil(t, got.NextFireAt)
	assert.Nil(t, got.ClaimedAt)
	assert.Equal(t, "unknown channel", got.LastError)
	assert.Equal(t, 1, got.DeliveryAttempts)

	// Failed tasks stay listed and can be resumed.
	listed, err := st.ListActive(ctx, "a")
	require.NoError(t, err)
	require.Len(t, listed, 1)
	next := base.Add(time.Hour)
	require.NoError(t, st.UpsertStatus(ctx, id, task.StatusActive, &next))
	got, err = st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusActive, got.Status)
	assert.Zero(t, got.DeliveryAttempts)
	assert.Empty(t, got.LastError)
}

func (s Suite) testCancelMidDelivery(t *testing.T) {
	ctx := context.Background()
	st := s.Open(t)
	base := now()
	id := s.create(t, st, NewTask("a", base.Add(-time.Minute)))
	c := storage.ClaimOf(s.claimOne(t, st, base))

	require.NoError(t, st.UpsertStatus(ctx, id, task.StatusCancelled, nil))

	next := base.Add(24 * time.Hour)
	require.NoError(t, st.Advance(ctx, c, &next, base))

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusCancelled, got.Status)
	assert.Nil(t, got.NextFireAt)
	assert.Equal(t, 1, got.OccurrencesFired)
	assert.Nil(t, got.ClaimedAt)
}

func (s Suite) testTransitions(t *testing.T) {
	ctx := context.Background()
	st := s.Open(t)
	base := now()
	id := s.create(t, st, NewTask("a", base.Add(time.Hour)))
	next := base.Add(2 * time.Hour)

	assert.True(t, task.IsValidation(st.UpsertStatus(ctx, id, task.StatusPaused, &next)))
	require.NoError(t, st.UpsertStatus(ctx, id, task.StatusPaused, nil))

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, task.StatusPaused, got.Status)
	assert.Nil(t, got.NextFireAt)

	assert.ErrorIs(t, st.UpsertStatus(ctx, id, task.StatusCompleted, nil), task.ErrInvalidTransition)
	assert.True(t, task.IsValidation(st.UpsertStatus(ctx, id, task.StatusActive, nil)))

	require.NoError(t, st.UpsertStatus(ctx, id, task.StatusActive, &next))
	got, err = st.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, got.NextFireAt)
	assert.True(t, next.Equal(*got.NextFireAt))

	require.NoError(t, st.UpsertStatus(ctx, id, task.StatusCancelled, nil))
	var te *task.TransitionError
	require.ErrorAs(t, st.UpsertStatus(ctx, id, task.StatusActive, &next), &te)
	assert.Equal(t, task.StatusCancelled, te.From)

	assert.ErrorIs(t, st.UpsertStatus(ctx, "missing", task.StatusPaused, nil), task.ErrNotFound)
}

func (s Suite) testListActive(t *testing.T) {
	ctx := context.Background()
	st := s.Open(t)
	base := now()

	third := s.create(t, st, NewTask("alice", base.Add(3*time.Hour)))
	first := s.create(t, st, NewTask("alice", base.Add(1*time.Hour)))
	paused := s.create(t, st, NewTask("alice", base.Add(2*time.Hour)))
	gone := s.create(t, st, NewTask("alice", base.Add(4*time.Hour)))
	other := s.create(t, st, NewTask("bob", base.Add(30*time.Minute)))

	require.NoError(t, st.UpsertStatus(ctx, paused, task.StatusPaused, nil))
	require.NoError(t, st.UpsertStatus(ctx, gone, task.StatusCancelled, nil))

	list, err := st.ListActive(ctx, "alice")
	require.NoError(t, err)
	ids := make([]string, 0, len(list))
	for _, tk := range list {
		ids = append(ids, tk.ID)
	}
	assert.Equal(t, []string{first, third, paused}, ids)

	everyone, err := st.ListActive(ctx, "")
	require.NoError(t, err)
	require.Len(t, everyone, 4)
	assert.Equal(t, other, everyone[0].ID)
}

func (s Suite) testExpireClaims(t *testing.T) {
	ctx := context.Background()
	st := s.Open(t)
	base := now()
	id := s.create(t, st, NewTask("a", base.Add(-time.Minute)))
	s.claimOne(t, st, base)

	n, err := st.ExpireClaims(ctx, base.Add(-time.Second))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = st.ExpireClaims(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.Get(ctx, id)
	require.NoError(t, err)
	assert.Nil(t, got.ClaimedAt)
	s.claimOne(t, st, base)
}

func (s Suite) testRepair(t *testing.T) {
	ctx := context.Background()
	st := s.Open(t)
	p, ok := st.(Putter)
	if !ok {
		t.Skip("backend cannot store rows verbatim")
	}
	base := now()

	stale := NewTask("a", base.Add(time.Hour))
	stale.ID = "paused-with-next"
	stale.Status = task.StatusPaused
	stale.CreatedAt, stale.UpdatedAt = base, base
	require.NoError(t, p.Put(ctx, stale))

	broken := NewTask("a", base)
	broken.ID = "active-without-next"
	broken.Status = task.StatusActive
	broken.NextFireAt = nil
	broken.CreatedAt, broken.UpdatedAt = base, base
	require.NoError(t, p.Put(ctx, broken))

	n, err := st.Repair(ctx, base)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := st.Get(ctx, stale.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextFireAt)

	list, err := st.ListBroken(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, broken.ID, list[0].ID)

	next := base.Add(time.Hour)
	require.NoError(t, st.UpsertStatus(ctx, broken.ID, task.StatusActive, &next))
	list, err = st.ListBroken(ctx)
	require.NoError(t, err)
	assert.Empty(t, list)
}

func (s Suite) testPurge(t *testing.T) {
	ctx := context.Background()
	st := s.Open(t)
	base := now()
	done := s.create(t, st, NewTask("a", base.Add(time.Hour)))
	keep := s.create(t, st, NewTask("a", base.Add(time.Hour)))
	require.NoError(t, st.UpsertStatus(ctx, done, task.StatusCancelled, nil))

	n, err := st.PurgeTerminal(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n, "recent rows are kept")

	n, err = st.PurgeTerminal(ctx, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = st.Get(ctx, done)
	assert.ErrorIs(t, err, task.ErrNotFound)
	_, err = st.Get(ctx, keep)
	assert.NoError(t, err)
}
