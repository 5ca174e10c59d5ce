package server

import (
	"sync"
	"testing"
	"time"

	"collab-server/hooks"
)

type firing struct {
	at      time.Duration
	payload hooks.ChangePayload
}

type recorder struct {
	mu     sync.Mutex
	clock  *fakeClock
	firing []firing
}

func (r *recorder) fire(payload hooks.ChangePayload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.firing = append(r.firing, firing{at: r.clock.Now().Sub(time.Unix(0, 0)), payload: payload})
}

func (r *recorder) calls() []firing {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]firing(nil), r.firing...)
}

func newTestScheduler(debounce, maxWait time.Duration, global bool) (*Scheduler, *fakeClock, *recorder) {
	clk := newFakeClock()
	rec := &recorder{clock: clk}
	return newScheduler(debounce, maxWait, global, clk, rec.fire), clk, rec
}

// update stamps the payload with the time it was observed, in ms.
func update(clk *fakeClock, name string) hooks.ChangePayload {
	return hooks.ChangePayload{
		DocumentName: name,
		ClientsCount: int(clk.Now().Sub(time.Unix(0, 0)) / time.Millisecond),
	}
}

func TestSchedule_DisabledFiresImmediately(t *testing.T) {
	s, clk, rec := newTestScheduler(0, 5*time.Second, false)

	s.Schedule(update(clk, "doc"))
	s.Schedule(update(clk, "doc"))

	if got := len(rec.calls()); got != 2 {
		t.Errorf("onChange called %d times, want 2", got)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", s.Pending())
	}
}

func TestSchedule_BurstCollapses(t *testing.T) {
	s, clk, rec := newTestScheduler(time.Second, 5*time.Second, false)

	for _, at := range []time.Duration{0, 300 * time.Millisecond, 600 * time.Millisecond, 1500 * time.Millisecond} {
		clk.AdvanceTo(at)
		s.Schedule(update(clk, "doc"))
	}

	clk.AdvanceTo(2499 * time.Millisecond)
	if got := len(rec.calls()); got != 0 {
		t.Fatalf("onChange called %d times before the delay elapsed, want 0", got)
	}

	clk.AdvanceTo(2500 * time.Millisecond)
	calls := rec.calls()
	if len(calls) != 1 {
		t.Fatalf("onChange called %d times, want 1", len(calls))
	}
	if calls[0].at != 2500*time.Millisecond {
		t.Errorf("onChange fired at %v, want 2.5s", calls[0].at)
	}
	if calls[0].payload.ClientsCount != 1500 {
		t.Errorf("onChange payload from t=%dms, want t=1500ms", calls[0].payload.ClientsCount)
	}
}

func TestSchedule_MaxWaitScenario(t *testing.T) {
	s, clk, rec := newTestScheduler(time.Second, 5*time.Second, false)

	for at := time.Duration(0); at <= 5400*time.Millisecond; at += 900 * time.Millisecond {
		clk.AdvanceTo(at)
		s.Schedule(update(clk, "doc"))
	}
	clk.AdvanceTo(10 * time.Second)

	calls := rec.calls()
	if len(calls) != 2 {
		t.Fatalf("onChange called %d times, want 2", len(calls))
	}

	if calls[0].at != 5000*time.Millisecond || calls[0].payload.ClientsCount != 4500 {
		t.Errorf("first flush at %v with t=%dms payload, want 5s with t=4500ms", calls[0].at, calls[0].payload.ClientsCount)
	}
	if calls[1].at != 6400*time.Millisecond || calls[1].payload.ClientsCount != 5400 {
		t.Errorf("second flush at %v with t=%dms payload, want 6.4s with t=5400ms", calls[1].at, calls[1].payload.ClientsCount)
	}
}

func TestSchedule_MaxWaitBoundUnderContinuousUpdates(t *testing.T) {
	s, clk, rec := newTestScheduler(time.Second, 5*time.Second, false)

	for at := time.Duration(0); at <= 30*time.Second; at += 500 * time.Millisecond {
		clk.AdvanceTo(at)
		s.Schedule(update(clk, "doc"))
	}

	calls := rec.calls()
	if len(calls) == 0 {
		t.Fatal("onChange never fired under continuous updates")
	}
	if calls[0].at > 5*time.Second {
		t.Errorf("first onChange at %v, want no later than 5s", calls[0].at)
	}
	for i := 1; i < len(calls); i++ {
		if gap := calls[i].at - calls[i-1].at; gap > 5*time.Second+500*time.Millisecond {
			t.Errorf("gap between flush %d and %d is %v", i-1, i, gap)
		}
	}
}

func TestSchedule_LateUpdatePastMaxWaitFiresImmediately(t *testing.T) {
	s, clk, rec := newTestScheduler(time.Second, 5*time.Second, false)

	s.Schedule(update(clk, "doc"))
	clk.Set(6 * time.Second)
	s.Schedule(update(clk, "doc"))

	calls := rec.calls()
	if len(calls) != 1 || calls[0].payload.ClientsCount != 6000 {
		t.Fatalf("calls = %+v, want one immediate call with t=6000ms payload", calls)
	}

	clk.Advance(10 * time.Second)
	if got := len(rec.calls()); got != 1 {
		t.Errorf("stale timer fired: onChange called %d times, want 1", got)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", s.Pending())
	}
}

func TestSchedule_DocumentsHaveIndependentWindows(t *testing.T) {
	s, clk, rec := newTestScheduler(time.Second, 5*time.Second, false)

	s.Schedule(update(clk, "a"))
	clk.AdvanceTo(500 * time.Millisecond)
	s.Schedule(update(clk, "b"))
	clk.AdvanceTo(3 * time.Second)

	calls := rec.calls()
	if len(calls) != 2 {
		t.Fatalf("onChange called %d times, want 2", len(calls))
	}
	if calls[0].payload.DocumentName != "a" || calls[0].at != time.Second {
		t.Errorf("first call = %s at %v, want a at 1s", calls[0].payload.DocumentName, calls[0].at)
	}
	if calls[1].payload.DocumentName != "b" || calls[1].at != 1500*time.Millisecond {
		t.Errorf("second call = %s at %v, want b at 1.5s", calls[1].payload.DocumentName, calls[1].at)
	}
}

func TestSchedule_GlobalWindowIsShared(t *testing.T) {
	s, clk, rec := newTestScheduler(time.Second, 5*time.Second, true)

	s.Schedule(update(clk, "a"))
	clk.AdvanceTo(500 * time.Millisecond)
	s.Schedule(update(clk, "b"))
	clk.AdvanceTo(3 * time.Second)

	calls := rec.calls()
	if len(calls) != 1 {
		t.Fatalf("onChange called %d times, want 1", len(calls))
	}
	if calls[0].payload.DocumentName != "b" || calls[0].at != 1500*time.Millisecond {
		t.Errorf("call = %s at %v, want b at 1.5s", calls[0].payload.DocumentName, calls[0].at)
	}
}

func TestFlush_FiresPendingWindow(t *testing.T) {
	s, clk, rec := newTestScheduler(time.Second, 5*time.Second, false)

	s.Schedule(update(clk, "a"))
	s.Schedule(update(clk, "b"))
	s.Flush("a")

	calls := rec.calls()
	if len(calls) != 1 || calls[0].payload.DocumentName != "a" {
		t.Fatalf("calls = %+v, want one call for a", calls)
	}

	s.Flush("missing")
	clk.Advance(2 * time.Second)
	calls = rec.calls()
	if len(calls) != 2 || calls[1].payload.DocumentName != "b" {
		t.Errorf("calls = %+v, want a then b", calls)
	}
}

func TestFlush_GlobalWindowOnlyForMatchingDocument(t *testing.T) {
	s, clk, rec := newTestScheduler(time.Second, 5*time.Second, true)

	s.Schedule(update(clk, "b"))
	s.Flush("a")
	if got := len(rec.calls()); got != 0 {
		t.Fatalf("Flush(a) fired b's window: %d calls", got)
	}

	s.Flush("b")
	if got := len(rec.calls()); got != 1 {
		t.Errorf("Flush(b) made %d calls, want 1", got)
	}
}

func TestFlushAll(t *testing.T) {
	s, clk, rec := newTestScheduler(time.Second, 5*time.Second, false)

	s.Schedule(update(clk, "a"))
	s.Schedule(update(clk, "b"))
	s.FlushAll()

	if got := len(rec.calls()); got != 2 {
		t.Errorf("FlushAll() made %d calls, want 2", got)
	}
	clk.Advance(2 * time.Second)
	if got := len(rec.calls()); got != 2 {
		t.Errorf("timers fired after FlushAll(): %d calls, want 2", got)
	}
}

func TestStop_CancelsWindowsAndDropsLaterChanges(t *testing.T) {
	s, clk, rec := newTestScheduler(time.Second, 5*time.Second, false)

	s.Schedule(update(clk, "a"))
	s.Stop()
	s.Schedule(update(clk, "b"))
	clk.Advance(10 * time.Second)

	if got := len(rec.calls()); got != 0 {
		t.Errorf("onChange called %d times after Stop(), want 0", got)
	}
	if s.Pending() != 0 {
		t.Errorf("Pending() = %d, want 0", s.Pending())
	}
}

func TestStop_DisabledDebounceDropsChanges(t *testing.T) {
	s, clk, rec := newTestScheduler(0, 5*time.Second, false)

	s.Stop()
	s.Schedule(update(clk, "doc"))

	if got := len(rec.calls()); got != 0 {
		t.Errorf("onChange called %d times after Stop(), want 0", got)
	}
}
