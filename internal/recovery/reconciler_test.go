package recovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"secretariat/internal/channel"
	"secretariat/internal/eventbus"
	"secretariat/internal/fireloop"
	"secretariat/internal/recurrence"
	"secretariat/internal/storage"
	"secretariat/internal/task"
	logx "secretariat/pkg/logx"
)

type countingRouter struct {
	mu    sync.Mutex
	calls map[string]int
}

func (r *countingRouter) Deliver(ctx context.Context, t *task.Task) channel.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[t.ID]++
	return channel.Result{Outcome: channel.OutcomeDelivered, Attempts: 1}
}

func (r *countingRouter) Calls(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func weekly() recurrence.Rule {
	return recurrence.Rule{
		Unit:      recurrence.Week,
		Interval:  1,
		Anchor:    recurrence.Anchor{Weekdays: []time.Weekday{time.Thursday}},
		TimeOfDay: recurrence.TimeOfDay{Hour: 19},
		Timezone:  "UTC",
		StartAt:   time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
	}
}

type fixture struct {
	store  *storage.Memory
	router *countingRouter
	rec    *Reconciler
	bus    *eventbus.MemBus
}

func newFixture(now time.Time) *fixture {
	f := &fixture{
		store:  storage.NewMemory(storage.Config{}),
		router: &countingRouter{calls: map[string]int{}},
		bus:    eventbus.New(),
	}
	fire := fireloop.New(fireloop.Config{}, f.store, f.router, logx.Nop(), f.bus,
		fireloop.WithClock(func() time.Time { return now }))
	f.rec = New(Config{}, f.store, fire, logx.Nop(), f.bus)
	return f
}

func (f *fixture) put(t *testing.T, tk *task.Task) {
	t.Helper()
	if tk.OwnerRef == "" {
		tk.OwnerRef = "alice"
	}
	tk.Description = "team sync"
	tk.ChannelRef = "log:dev"
	tk.Rule = weekly()
	require.NoError(t, f.store.Put(context.Background(), tk))
}

func TestMissedWeeklyOccurrencesFireOnce(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC) // Wednesday
	f := newFixture(now)
	events, unsub := f.bus.Subscribe(32)
	defer unsub()

	overdue := time.Date(2025, 8, 28, 19, 0, 0, 0, time.UTC)
	f.put(t, &task.Task{ID: "weekly", Status: task.StatusActive, NextFireAt: &overdue, OccurrencesFired: 8})

	rep, err := f.rec.Run(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.OverdueTasks)
	assert.Equal(t, 5, rep.MissedOccurrences)
	assert.Equal(t, fireloop.CatchUpReport{Claimed: 1, Delivered: 1}, rep.CatchUp)
	assert.Equal(t, 1, f.router.Calls("weekly"))

	tk, err := f.store.Get(context.Background(), "weekly")
	require.NoError(t, err)
	assert.Equal(t, 9, tk.OccurrencesFired)
	require.NotNil(t, tk.NextFireAt)
	assert.True(t, tk.NextFireAt.Equal(time.Date(2025, 10, 2, 19, 0, 0, 0, time.UTC)), "next=%s", tk.NextFireAt)

	for ev := range events {
		if ev.Type == eventbus.TypeRecoveryCompleted {
			assert.Equal(t, rep.MissedOccurrences, ev.Data.(Report).MissedOccurrences)
			break
		}
	}
}

func TestStaleClaimsAndBrokenRows(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(now)

	claimedAt := now.Add(-time.Minute)
	due := now.Add(-2 * time.Hour)
	future := time.Date(2025, 10, 2, 19, 0, 0, 0, time.UTC)

	f.put(t, &task.Task{ID: "stale-claim", Status: task.StatusActive, NextFireAt: &due, ClaimedAt: &claimedAt})
	f.put(t, &task.Task{ID: "claimed-future", Status: task.StatusActive, NextFireAt: &future, ClaimedAt: &claimedAt})
	f.put(t, &task.Task{ID: "no-next", Status: task.StatusActive})
	f.put(t, &task.Task{ID: "paused-with-next", Status: task.StatusPaused, NextFireAt: &future})

	exhausted := &task.Task{ID: "exhausted", Status: task.StatusActive, OccurrencesFired: 3}
	f.put(t, exhausted)
	row, err := f.store.Get(context.Background(), "exhausted")
	require.NoError(t, err)
	row.Rule.End = &recurrence.End{Count: 3}
	require.NoError(t, f.store.Put(context.Background(), row))

	rep, err := f.rec.Run(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 2, rep.ExpiredClaims)
	assert.Equal(t, 1, rep.RepairedRows)
	assert.Equal(t, 1, rep.Rescheduled)
	assert.Equal(t, 1, rep.CompletedBroken)
	assert.Equal(t, 1, rep.OverdueTasks)

	// The stale claim no longer blocks delivery.
	assert.Equal(t, 1, f.router.Calls("stale-claim"))
	assert.Equal(t, 0, f.router.Calls("claimed-future"))

	get := func(id string) *task.Task {
		tk, err := f.store.Get(context.Background(), id)
		require.NoError(t, err)
		return tk
	}
	assert.Nil(t, get("claimed-future").ClaimedAt)
	assert.True(t, get("no-next").NextFireAt.Equal(future))
	assert.Nil(t, get("paused-with-next").NextFireAt)
	assert.Equal(t, task.StatusCompleted, get("exhausted").Status)

	broken, err := f.store.ListBroken(context.Background())
	require.NoError(t, err)
	assert.Empty(t, broken)
}

func TestSkipCatchUp(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(now)
	f.rec.cfg.SkipCatchUp = true

	due := now.Add(-time.Hour)
	f.put(t, &task.Task{ID: "due", Status: task.StatusActive, NextFireAt: &due})

	rep, err := f.rec.Run(context.Background(), now)
	require.NoError(t, err)
	assert.Equal(t, 1, rep.OverdueTasks)
	assert.Zero(t, f.router.Calls("due"))
}

// downStore fails every call the way an unreachable database does.
type downStore struct {
	*storage.Memory
}

func (s downStore) ExpireClaims(ctx context.Context, before time.Time) (int, error) {
	return 0, task.Unavailable("expire claims", errors.New("connection refused"))
}

func TestStartupDefersOnStoreOutage(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(now)
	due := now.Add(-time.Hour)
	f.put(t, &task.Task{ID: "due", Status: task.StatusActive, NextFireAt: &due})

	events, unsub := f.bus.Subscribe(4)
	defer unsub()

	rec := New(Config{}, downStore{f.store}, f.rec.fire, logx.Nop(), f.bus)
	_, err := rec.Run(context.Background(), now)
	require.ErrorIs(t, err, task.ErrStoreUnavailable)

	rep, err := rec.Startup(context.Background(), now)
	require.NoError(t, err)
	assert.True(t, rep.Deferred)
	assert.Zero(t, f.router.Calls("due"), "nothing is delivered while the store is down")

	select {
	case e := <-events:
		assert.Equal(t, eventbus.TypeRecoveryDeferred, e.Type)
	case <-time.After(time.Second):
		t.Fatal("no recovery.deferred event")
	}
}

func TestStartupKeepsOtherErrors(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 10, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(now)

	rec := New(Config{}, brokenStore{f.store}, nil, logx.Nop(), f.bus)
	rep, err := rec.Startup(context.Background(), now)
	require.Error(t, err)
	assert.False(t, errors.Is(err, task.ErrStoreUnavailable))
	assert.False(t, rep.Deferred)
}

// brokenStore returns a non-transient error from recovery's first step.
type brokenStore struct {
	*storage.Memory
}

func (s brokenStore) ExpireClaims(ctx context.Context, before time.Time) (int, error) {
	return 0, errors.New("schema mismatch")
}
