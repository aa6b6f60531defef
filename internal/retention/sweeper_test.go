package retention

import (
	"context"
	"sync"
	"testing"
	"time"

	"secretariat/internal/eventbus"
	logx "secretariat/pkg/logx"
)

type fakePurger struct {
	mu     sync.Mutex
	before []time.Time
}

func (f *fakePurger) PurgeTerminal(ctx context.Context, before time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.before = append(f.before, before)
	return 2, nil
}

func (f *fakePurger) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.before)
}

func TestValidateSchedule(t *testing.T) {
	t.Parallel()
	cases := []struct {
		spec string
		ok   bool
	}{
		{"", true},
		{"@daily", true},
		{"30 3 * * *", true},
		{"0 30 3 * * *", true},
		{"@every 6h", true},
		{"every day", false},
		{"61 * * * *", false},
	}
	for _, tc := range cases {
		if err := ValidateSchedule(tc.spec); (err == nil) != tc.ok {
			t.Fatalf("%q: err=%v want ok=%v", tc.spec, err, tc.ok)
		}
	}
}

func TestSweepCutoff(t *testing.T) {
	t.Parallel()
	now := time.Date(2025, 10, 1, 3, 0, 0, 0, time.UTC)
	p := &fakePurger{}
	bus := eventbus.New()
	events, unsub := bus.Subscribe(1)
	defer unsub()

	s := New(Config{Keep: 30 * 24 * time.Hour}, p, logx.Nop(), bus)
	s.now = func() time.Time { return now }

	n, err := s.Sweep(context.Background())
	if err != nil || n != 2 {
		t.Fatalf("sweep: n=%d err=%v", n, err)
	}
	if want := time.Date(2025, 9, 1, 3, 0, 0, 0, time.UTC); !p.before[0].Equal(want) {
		t.Fatalf("cutoff %s want %s", p.before[0], want)
	}
	if ev := <-events; ev.Type != eventbus.TypeRetentionPurged {
		t.Fatalf("unexpected event %s", ev.Type)
	}
}

func TestDisabledWithoutKeep(t *testing.T) {
	t.Parallel()
	p := &fakePurger{}
	s := New(Config{}, p, logx.Nop(), nil)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !s.Next().IsZero() {
		t.Fatalf("sweeper should not be scheduled")
	}
	if n, _ := s.Sweep(context.Background()); n != 0 || p.calls() != 0 {
		t.Fatalf("disabled sweeper purged")
	}
}

func TestScheduledSweepAndApply(t *testing.T) {
	t.Parallel()
	p := &fakePurger{}
	s := New(Config{Keep: time.Hour, Schedule: "@every 1s", Timezone: "UTC"}, p, logx.Nop(), nil)
	ctx := context.Background()
	if err := s.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(ctx)
	if s.Next().IsZero() {
		t.Fatalf("expected a scheduled sweep")
	}

	deadline := time.Now().Add(3 * time.Second)
	for p.calls() == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if p.calls() == 0 {
		t.Fatalf("scheduled sweep never ran")
	}

	if err := s.Apply(Config{Keep: 0}); err != nil {
		t.Fatal(err)
	}
	if !s.Next().IsZero() {
		t.Fatalf("apply with keep=0 should stop the sweeper")
	}
	if err := s.Apply(Config{Keep: time.Hour, Schedule: "not a spec"}); err == nil {
		t.Fatalf("expected invalid schedule error")
	}
}
