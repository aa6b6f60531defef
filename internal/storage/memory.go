package storage

import (
	"context"
	"sync"
	"time"

	"secretariat/internal/task"
)

// Memory is a process-local Store. All state is guarded by one mutex, which
// makes ClaimDue trivially atomic.
type Memory struct {
	mu    sync.Mutex
	tasks map[string]*task.Task
	lease time.Duration
	now   func() time.Time
}

func NewMemory(cfg Config) *Memory {
	return &Memory{
		tasks: map[string]*task.Task{},
		lease: cfg.lease(),
		now:   time.Now,
	}
}

func (m *Memory) Create(ctx context.Context, t *task.Task) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", task.Unavailable("create", err)
	}
	row, err := prepareCreate(t, m.now())
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.tasks[row.ID]; dup {
		return "", &task.ValidationError{Field: "id", Reason: "already exists"}
	}
	m.tasks[row.ID] = row
	return row.ID, nil
}

func (m *Memory) Get(ctx context.Context, id string) (*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, task.ErrNotFound
	}
	return t.Clone(), nil
}

func (m *Memory) ClaimDue(ctx context.Context, now time.Time, limit int) ([]*task.Task, error) {
	if err := ctx.Err(); err != nil {
		return nil, task.Unavailable("claim due", err)
	}
	if limit <= 0 {
		return nil, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	var due []*task.Task
	for _, t := range m.tasks {
		if t.Status != task.StatusActive || t.NextFireAt == nil || t.NextFireAt.After(now) {
			continue
		}
		if t.Claimed(now, m.lease) {
			continue
		}
		due = append(due, t)
	}
	sortByNextFire(due)
	if len(due) > limit {
		due = due[:limit]
	}
	out := make([]*task.Task, 0, len(due))
	for _, t := range due {
		t.ClaimedAt = task.TimePtr(now)
		t.UpdatedAt = m.now()
		out = append(out, t.Clone())
	}
	return out, nil
}

// claimed returns the row for c while c is still the claim it holds.
// Caller holds mu.
func (m *Memory) claimed(c Claim) (*task.Task, error) {
	t, ok := m.tasks[c.ID]
	if !ok {
		return nil, task.ErrNotFound
	}
	if t.ClaimedAt == nil || !t.ClaimedAt.Equal(c.At) {
		return nil, task.ErrClaimConflict
	}
	return t, nil
}

func (m *Memory) Advance(ctx context.Context, c Claim, next *time.Time, firedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.claimed(c)
	if err != nil {
		return err
	}
	t.LastFiredAt = task.TimePtr(firedAt)
	t.OccurrencesFired++
	t.DeliveryAttempts = 0
	t.LastError = ""
	t.ClaimedAt = nil
	if t.Status == task.StatusActive {
		if next != nil {
			t.NextFireAt = task.TimePtr(*next)
		} else {
			t.Status = task.StatusCompleted
			t.NextFireAt = nil
		}
	} else {
		t.NextFireAt = nil
	}
	t.UpdatedAt = m.now()
	return nil
}

func (m *Memory) Release(ctx context.Context, c Claim, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.claimed(c)
	if err != nil {
		return err
	}
	t.ClaimedAt = nil
	t.DeliveryAttempts++
	t.LastError = causeText(cause)
	t.UpdatedAt = m.now()
	return nil
}

func (m *Memory) MarkFailed(ctx context.Context, c Claim, cause error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, err := m.claimed(c)
	if err != nil {
		return err
	}
	t.ClaimedAt = nil
	t.DeliveryAttempts++
	t.LastError = causeText(cause)
	if t.Status == task.StatusActive {
		t.Status = task.StatusDeliveryFailed
		t.NextFireAt = nil
	}
	t.UpdatedAt = m.now()
	return nil
}

func (m *Memory) UpsertStatus(ctx context.Context, id string, status task.Status, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return task.ErrNotFound
	}
	if err := checkStatusChange(id, t.Status, status, next); err != nil {
		return err
	}
	if status == task.StatusActive {
		if t.Status != task.StatusActive {
			t.DeliveryAttempts = 0
			t.LastError = ""
		}
		t.NextFireAt = task.TimePtr(*next)
	} else {
		t.NextFireAt = nil
	}
	t.Status = status
	t.UpdatedAt = m.now()
	return nil
}

func (m *Memory) ListActive(ctx context.Context, ownerRef string) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*task.Task
	for _, t := range m.tasks {
		if t.Status.Terminal() {
			continue
		}
		if ownerRef != "" && t.OwnerRef != ownerRef {
			continue
		}
		out = append(out, t.Clone())
	}
	sortByNextFire(out)
	return out, nil
}

func (m *Memory) ExpireClaims(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.ClaimedAt != nil && !t.ClaimedAt.After(before) {
			t.ClaimedAt = nil
			t.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}

func (m *Memory) Repair(ctx context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, t := range m.tasks {
		if t.Status != task.StatusActive && t.NextFireAt != nil {
			t.NextFireAt = nil
			t.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *Memory) ListBroken(ctx context.Context) ([]*task.Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*task.Task
	for _, t := range m.tasks {
		if t.Status == task.StatusActive && t.NextFireAt == nil {
			out = append(out, t.Clone())
		}
	}
	sortByNextFire(out)
	return out, nil
}

func (m *Memory) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, t := range m.tasks {
		if t.Status.Terminal() && t.UpdatedAt.Before(before) {
			delete(m.tasks, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Ping(ctx context.Context) error { return ctx.Err() }

func (m *Memory) Close() error { return nil }

// Put stores t as-is, bypassing validation and the claim protocol.
// It is used to import rows from another backend and to seed fixtures.
func (m *Memory) Put(ctx context.Context, t *task.Task) error {
	if err := ctx.Err(); err != nil {
		return task.Unavailable("put", err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks[t.ID] = t.Clone()
	return nil
}
