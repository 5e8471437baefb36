package scheduler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/compliance-ledger/backend/internal/audit"
)

var now = time.Date(2026, 5, 4, 0, 15, 0, 0, time.UTC)

// fakeAudit tracks the chain tail's period like the builder does: a
// successful run moves it forward, a failed one leaves it.
type fakeAudit struct {
	periods []audit.Period
	resume  time.Time
	err     error
	failAt  time.Time
}

func (f *fakeAudit) Run(_ context.Context, p audit.Period) (*audit.RunResult, error) {
	f.periods = append(f.periods, p)
	if f.err != nil {
		return nil, f.err
	}
	if p.Start.Equal(f.failAt) {
		return nil, errors.New("storage unavailable")
	}
	f.resume = p.Start
	return &audit.RunResult{Period: p}, nil
}

func (f *fakeAudit) ResumePoint(context.Context) (time.Time, error) {
	return f.resume, nil
}

func day(d int) time.Time {
	return time.Date(2026, 5, d, 0, 0, 0, 0, time.UTC)
}

func starts(periods []audit.Period) []time.Time {
	out := make([]time.Time, len(periods))
	for i, p := range periods {
		out[i] = p.Start
	}
	return out
}

func sameStarts(got []audit.Period, want ...time.Time) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		if !got[i].Start.Equal(want[i]) || !got[i].End.Equal(want[i].Add(24*time.Hour)) {
			return false
		}
	}
	return true
}

type fakeSweeper struct {
	at  []time.Time
	err error
}

func (f *fakeSweeper) Sweep(_ context.Context, t time.Time) (int, error) {
	f.at = append(f.at, t)
	return 1, f.err
}

func newTestScheduler(cfg Config, a AuditRunner, sw DeadlineSweeper) *Scheduler {
	s := New(cfg, a, sw)
	s.now = func() time.Time { return now }
	return s
}

func TestRunAuditChainsPreviousDay(t *testing.T) {
	a := &fakeAudit{resume: day(3)}
	s := newTestScheduler(Config{}, a, nil)

	if err := s.RunAudit(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(a.periods) != 1 {
		t.Fatalf("runs = %d", len(a.periods))
	}
	want := audit.Period{
		Start: time.Date(2026, 5, 3, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2026, 5, 4, 0, 0, 0, 0, time.UTC),
	}
	if !a.periods[0].Start.Equal(want.Start) || !a.periods[0].End.Equal(want.End) {
		t.Errorf("period = %+v, want %+v", a.periods[0], want)
	}
}

func TestRunAuditToleratesHeldLock(t *testing.T) {
	s := newTestScheduler(Config{}, &fakeAudit{resume: day(3), err: audit.ErrRunInProgress}, nil)
	if err := s.RunAudit(context.Background()); err != nil {
		t.Errorf("held lock reported as %v", err)
	}

	boom := errors.New("disk full")
	s = newTestScheduler(Config{}, &fakeAudit{resume: day(3), err: boom}, nil)
	if err := s.RunAudit(context.Background()); !errors.Is(err, boom) {
		t.Errorf("err = %v", err)
	}
}

func TestRunAuditCatchesUpAfterFailedRun(t *testing.T) {
	a := &fakeAudit{resume: day(2), failAt: day(3)}
	s := newTestScheduler(Config{}, a, nil)

	if err := s.RunAudit(context.Background()); err == nil {
		t.Fatal("expected the day 3 run to fail")
	}
	if !sameStarts(a.periods, day(2), day(3)) {
		t.Fatalf("first job ran %v", starts(a.periods))
	}

	// Storage is back and a day has passed.
	a.failAt = time.Time{}
	a.periods = nil
	s.now = func() time.Time { return now.Add(24 * time.Hour) }
	if err := s.RunAudit(context.Background()); err != nil {
		t.Fatal(err)
	}
	if !sameStarts(a.periods, day(2), day(3), day(4)) {
		t.Fatalf("second job ran %v", starts(a.periods))
	}
	if !a.resume.Equal(day(4)) {
		t.Errorf("chain resumes at %v", a.resume)
	}
}

func TestRunAuditStopsAtFirstFailure(t *testing.T) {
	a := &fakeAudit{resume: day(1), failAt: day(2)}
	s := newTestScheduler(Config{}, a, nil)

	if err := s.RunAudit(context.Background()); err == nil {
		t.Fatal("expected failure")
	}
	if !sameStarts(a.periods, day(1), day(2)) {
		t.Errorf("ran %v, want nothing after the failed period", starts(a.periods))
	}
}

func TestRunAuditBackfillIsCapped(t *testing.T) {
	tests := []struct {
		name   string
		resume time.Time
	}{
		{"empty chain", time.Time{}},
		{"stale tail", time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := &fakeAudit{resume: tt.resume}
			s := newTestScheduler(Config{MaxBackfill: 3}, a, nil)
			if err := s.RunAudit(context.Background()); err != nil {
				t.Fatal(err)
			}
			if !sameStarts(a.periods, day(1), day(2), day(3)) {
				t.Errorf("ran %v", starts(a.periods))
			}
		})
	}
}

func TestRunSweepUsesClock(t *testing.T) {
	sw := &fakeSweeper{}
	s := newTestScheduler(Config{}, nil, sw)
	if err := s.RunSweep(context.Background()); err != nil {
		t.Fatal(err)
	}
	if len(sw.at) != 1 || !sw.at[0].Equal(now) {
		t.Errorf("sweep times = %v", sw.at)
	}
}

func TestStartRegistersJobs(t *testing.T) {
	s := New(Config{AuditSchedule: "0 15 0 * * *", SweepSchedule: "0 0 8 * * *"}, &fakeAudit{}, &fakeSweeper{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	for _, job := range []string{JobAudit, JobDeadlineSweep} {
		next, ok := s.Next(job)
		if !ok {
			t.Errorf("%s not registered", job)
			continue
		}
		if next.IsZero() {
			t.Errorf("%s has no next activation", job)
		}
	}
}

func TestStartSkipsEmptySchedule(t *testing.T) {
	s := New(Config{AuditSchedule: "0 15 0 * * *"}, &fakeAudit{}, &fakeSweeper{})
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer s.Stop()

	if _, ok := s.Next(JobDeadlineSweep); ok {
		t.Error("sweep registered without a schedule")
	}
}

func TestStartRejectsBadSchedule(t *testing.T) {
	s := New(Config{AuditSchedule: "every day"}, &fakeAudit{}, nil)
	if err := s.Start(context.Background()); err == nil {
		s.Stop()
		t.Fatal("expected schedule error")
	}
}
