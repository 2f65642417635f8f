package lifecycle

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

func counterFor(t *testing.T, s *Scheduler, class Class) TaskCounters {
	t.Helper()
	for _, c := range s.Counters() {
		if c.Class == class {
			return c
		}
	}
	t.Fatalf("no counters for class %s", class)
	return TaskCounters{}
}

func TestGuardSkipsOverlappingRuns(t *testing.T) {
	s := newTestScheduler(t, newFakeStore(), Settings{})

	started := make(chan struct{})
	release := make(chan struct{})
	tk := task{class: "guard_test", timeout: time.Minute, run: func(context.Context) error {
		close(started)
		<-release
		return nil
	}}

	firstDone := make(chan struct{})
	go func() {
		s.fire(t.Context(), tk)
		close(firstDone)
	}()
	<-started

	// Second invocation arrives while the first still holds the guard.
	s.fire(t.Context(), tk)
	close(release)
	<-firstDone

	c := counterFor(t, s, "guard_test")
	if c.Runs != 1 || c.Skipped != 1 || c.Failures != 0 {
		t.Fatalf("counters %+v, want 1 run, 1 skipped, 0 failures", c)
	}
}

func TestFireCountsFailures(t *testing.T) {
	s := newTestScheduler(t, newFakeStore(), Settings{})

	tk := task{class: "fail_test", timeout: time.Second, run: func(context.Context) error {
		return errors.New("boom")
	}}
	s.fire(t.Context(), tk)

	c := counterFor(t, s, "fail_test")
	if c.Runs != 1 || c.Failures != 1 {
		t.Fatalf("counters %+v, want 1 run, 1 failure", c)
	}
}

func TestFireEnforcesTimeout(t *testing.T) {
	s := newTestScheduler(t, newFakeStore(), Settings{})

	tk := task{class: "timeout_test", timeout: 10 * time.Millisecond, run: func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	}}

	done := make(chan struct{})
	go func() {
		s.fire(t.Context(), tk)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("task did not observe its deadline")
	}
	if c := counterFor(t, s, "timeout_test"); c.Failures != 1 {
		t.Fatalf("counters %+v, want the timeout counted as a failure", c)
	}
}

func TestTickerLoopFires(t *testing.T) {
	s := newTestScheduler(t, newFakeStore(), Settings{})

	var runs atomic.Int64
	tk := task{class: "ticker_test", every: 5 * time.Millisecond, timeout: time.Second,
		run: func(context.Context) error {
			runs.Add(1)
			return nil
		}}

	ctx, cancel := context.WithCancel(t.Context())
	s.wg.Add(1)
	go s.loop(ctx, tk)

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	s.wg.Wait()
	if runs.Load() < 2 {
		t.Fatalf("ticker fired %d times, want at least 2", runs.Load())
	}
}

func TestAlignedLoopFiresOncePerSlot(t *testing.T) {
	s := newTestScheduler(t, newFakeStore(), Settings{})
	clock := &fakeClock{t: time.Date(2025, 6, 15, 2, 0, 30, 0, time.UTC)}
	s.now = clock.now
	s.alignEvery = 2 * time.Millisecond

	var runs atomic.Int64
	tk := task{class: "aligned_test", due: dailyAt(2), timeout: time.Second,
		run: func(context.Context) error {
			runs.Add(1)
			return nil
		}}

	ctx, cancel := context.WithCancel(t.Context())
	s.wg.Add(1)
	go s.loop(ctx, tk)

	deadline := time.Now().Add(2 * time.Second)
	for runs.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	if runs.Load() == 0 {
		t.Fatal("aligned task never fired")
	}

	// Dozens more polls land in the same minute; none of them fire.
	time.Sleep(30 * time.Millisecond)
	if got := runs.Load(); got != 1 {
		t.Fatalf("fired %d times inside one slot, want 1", got)
	}

	// The next day's slot fires again.
	clock.set(time.Date(2025, 6, 16, 2, 0, 10, 0, time.UTC))
	deadline = time.Now().Add(2 * time.Second)
	for runs.Load() < 2 && time.Now().Before(deadline) {
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	s.wg.Wait()
	if runs.Load() != 2 {
		t.Fatalf("fired %d times across two slots, want 2", runs.Load())
	}
}

func TestDuePredicates(t *testing.T) {
	utc := func(y int, mo time.Month, d, h, min int) time.Time {
		return time.Date(y, mo, d, h, min, 17, 0, time.UTC)
	}
	cases := []struct {
		name string
		due  func(time.Time) bool
		at   time.Time
		want bool
	}{
		{"daily hit", dailyAt(2), utc(2025, time.June, 15, 2, 0), true},
		{"daily wrong minute", dailyAt(2), utc(2025, time.June, 15, 2, 1), false},
		{"daily wrong hour", dailyAt(2), utc(2025, time.June, 15, 3, 0), false},
		{"weekly hit on sunday", weeklyAt(time.Sunday, 2), utc(2025, time.June, 15, 2, 0), true},
		{"weekly wrong day", weeklyAt(time.Sunday, 2), utc(2025, time.June, 16, 2, 0), false},
		{"monthly first at four", monthlyAt(1, 4), utc(2025, time.June, 1, 4, 0), true},
		{"monthly wrong day", monthlyAt(1, 4), utc(2025, time.June, 2, 4, 0), false},
		{"monthly second at two", monthlyAt(2, 2), utc(2025, time.June, 2, 2, 0), true},
	}
	for _, tc := range cases {
		if got := tc.due(tc.at); got != tc.want {
			t.Errorf("%s: due(%s) = %v, want %v", tc.name, tc.at, got, tc.want)
		}
	}
}

func TestApplySwapsFlags(t *testing.T) {
	s := newTestScheduler(t, newFakeStore(), Settings{AutoCreate: true})

	s.Apply(AutoFlags{Create: false, Cleanup: true, Compress: true})

	set := s.snapshot()
	if set.AutoCreate || !set.AutoCleanup || !set.AutoCompress {
		t.Fatalf("settings %+v, want create off, cleanup on, compress on", set)
	}
}

func TestSettingsDefaults(t *testing.T) {
	var set Settings
	set.applyDefaults()
	if set.FutureMonths != 3 || set.RetentionMonths != 12 {
		t.Fatalf("defaults %+v, want 3 future and 12 retention months", set)
	}
	if set.SizeCheckInterval != time.Hour || set.MaxConcurrentOps != 4 {
		t.Fatalf("defaults %+v, want hourly size checks and 4 concurrent ops", set)
	}
}

func TestRunStartupReconciles(t *testing.T) {
	fs := newFakeStore()
	set := Settings{AutoCreate: true, AutoConvert: true, FutureMonths: 2}
	s := newTestScheduler(t, fs, set)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if fs.Converted() == 1 && len(fs.Created()) == 3 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("run: %v", err)
	}

	if fs.Converted() != 1 {
		t.Fatalf("converted %d times, want 1", fs.Converted())
	}
	want := []string{"p_202506", "p_202507", "p_202508"}
	got := fs.Created()
	if len(got) != len(want) {
		t.Fatalf("created %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("created %v, want %v", got, want)
		}
	}
}

func TestCountersSortedByClass(t *testing.T) {
	s := newTestScheduler(t, newFakeStore(), Settings{})
	noop := func(context.Context) error { return nil }
	s.fire(t.Context(), task{class: "zz_last", timeout: time.Second, run: noop})
	s.fire(t.Context(), task{class: "aa_first", timeout: time.Second, run: noop})

	cs := s.Counters()
	if len(cs) != 2 || cs[0].Class != "aa_first" || cs[1].Class != "zz_last" {
		t.Fatalf("counters %+v, want aa_first before zz_last", cs)
	}
}
