package ledger

import (
	"context"
	"math/rand"
	"path/filepath"
	"testing"
	"time"

	bolt "go.etcd.io/bbolt"
)

type fakeClock struct {
	t time.Time
}

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

var testLoc = time.FixedZone("UTC+3", 3*3600)

func openDB(t *testing.T, path string) *bolt.DB {
	t.Helper()

	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	return db
}

func setupLedger(t *testing.T, start time.Time) (*Ledger, *fakeClock) {
	t.Helper()

	db := openDB(t, filepath.Join(t.TempDir(), "test.db"))
	t.Cleanup(func() { db.Close() })

	clock := &fakeClock{t: start}
	l, err := New(db, Config{Location: testLoc, Now: clock.Now})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l, clock
}

func TestCurrentEmpty(t *testing.T) {
	l, _ := setupLedger(t, time.Date(2024, 6, 1, 12, 0, 0, 0, testLoc))

	stats, err := l.Current(context.Background())
	if err != nil {
		t.Fatalf("Current() error = %v", err)
	}
	if stats != (UsageStats{}) {
		t.Errorf("Current() = %+v, want zero value", stats)
	}
}

func TestRecordSuccessAndFailure(t *testing.T) {
	l, clock := setupLedger(t, time.Date(2024, 6, 1, 12, 0, 0, 0, testLoc))
	ctx := context.Background()

	if _, err := l.RecordSuccess(ctx); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}
	clock.Advance(5 * time.Minute)
	if _, err := l.RecordFailure(ctx); err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	clock.Advance(5 * time.Minute)
	stats, err := l.RecordSuccess(ctx)
	if err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}

	if stats.TotalSent != 2 || stats.TotalFailed != 1 {
		t.Errorf("totals = %d sent / %d failed, want 2/1", stats.TotalSent, stats.TotalFailed)
	}
	if stats.SentInCurrentHour != 2 || stats.SentInCurrentDay != 2 {
		t.Errorf("windows = %d hour / %d day, want 2/2", stats.SentInCurrentHour, stats.SentInCurrentDay)
	}
	if stats.LastSentAt == nil || !stats.LastSentAt.Equal(clock.Now()) {
		t.Errorf("LastSentAt = %v, want %v", stats.LastSentAt, clock.Now())
	}
}

func TestFailureDoesNotConsumeBudget(t *testing.T) {
	l, _ := setupLedger(t, time.Date(2024, 6, 1, 12, 0, 0, 0, testLoc))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := l.RecordFailure(ctx); err != nil {
			t.Fatal(err)
		}
	}

	stats, _ := l.Current(ctx)
	if stats.SentInCurrentHour != 0 || stats.SentInCurrentDay != 0 || stats.TotalSent != 0 {
		t.Errorf("failures consumed budget: %+v", stats)
	}
	if stats.LastSentAt != nil {
		t.Error("RecordFailure must not set LastSentAt")
	}
}

func TestHourCountMatchesSuccessesWithinHour(t *testing.T) {
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, testLoc)
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 20; round++ {
		l, clock := setupLedger(t, start)
		ctx := context.Background()
		successes := 0

		// All calls fit inside one hour: 30 steps of at most 2 minutes
		for i := 0; i < 30; i++ {
			clock.Advance(time.Duration(rng.Intn(120)) * time.Second)
			if rng.Intn(2) == 0 {
				if _, err := l.RecordSuccess(ctx); err != nil {
					t.Fatal(err)
				}
				successes++
			} else {
				if _, err := l.RecordFailure(ctx); err != nil {
					t.Fatal(err)
				}
			}
		}

		stats, err := l.Current(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if stats.SentInCurrentHour != successes {
			t.Fatalf("round %d: SentInCurrentHour = %d, want %d", round, stats.SentInCurrentHour, successes)
		}
		if int64(stats.SentInCurrentHour) > stats.TotalSent || int64(stats.SentInCurrentDay) > stats.TotalSent {
			t.Fatalf("round %d: window exceeds total: %+v", round, stats)
		}
	}
}

func TestHourRollover(t *testing.T) {
	l, clock := setupLedger(t, time.Date(2024, 6, 1, 10, 0, 0, 0, testLoc))
	ctx := context.Background()

	l.RecordSuccess(ctx)
	l.RecordSuccess(ctx)

	clock.Advance(59*time.Minute + 59*time.Second)
	stats, _ := l.Current(ctx)
	if stats.SentInCurrentHour != 2 {
		t.Errorf("before boundary SentInCurrentHour = %d, want 2", stats.SentInCurrentHour)
	}

	clock.Advance(time.Second)
	stats, _ = l.Current(ctx)
	if stats.SentInCurrentHour != 0 {
		t.Errorf("at boundary SentInCurrentHour = %d, want 0", stats.SentInCurrentHour)
	}
	if stats.SentInCurrentDay != 2 {
		t.Errorf("SentInCurrentDay = %d, want 2", stats.SentInCurrentDay)
	}

	stats, _ = l.RecordSuccess(ctx)
	if stats.SentInCurrentHour != 1 || stats.SentInCurrentDay != 3 {
		t.Errorf("after rollover = %d hour / %d day, want 1/3", stats.SentInCurrentHour, stats.SentInCurrentDay)
	}
}

func TestDayRolloverUsesReferenceTimezone(t *testing.T) {
	// 23:50 local (UTC+3) is 20:50 UTC: the UTC day does not change at local midnight
	l, clock := setupLedger(t, time.Date(2024, 6, 1, 23, 50, 0, 0, testLoc))
	ctx := context.Background()

	l.RecordSuccess(ctx)
	clock.Advance(15 * time.Minute) // 00:05 local next day

	stats, _ := l.Current(ctx)
	if stats.SentInCurrentDay != 0 {
		t.Errorf("SentInCurrentDay = %d, want 0 after local midnight", stats.SentInCurrentDay)
	}
	if stats.SentInCurrentHour != 1 {
		t.Errorf("SentInCurrentHour = %d, want 1 (hour window is relative)", stats.SentInCurrentHour)
	}
	if stats.TotalSent != 1 {
		t.Errorf("TotalSent = %d, want 1", stats.TotalSent)
	}
}

func TestDormantAcrossRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dormant.db")
	ctx := context.Background()
	clock := &fakeClock{t: time.Date(2024, 6, 1, 9, 0, 0, 0, testLoc)}

	db := openDB(t, path)
	l, err := New(db, Config{Location: testLoc, Now: clock.Now})
	if err != nil {
		t.Fatal(err)
	}
	l.RecordSuccess(ctx)
	l.RecordSuccess(ctx)
	l.RecordFailure(ctx)
	db.Close()

	clock.Advance(50 * time.Hour)

	db = openDB(t, path)
	defer db.Close()
	l, err = New(db, Config{Location: testLoc, Now: clock.Now})
	if err != nil {
		t.Fatal(err)
	}

	stats, err := l.Current(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if stats.TotalSent != 2 || stats.TotalFailed != 1 {
		t.Errorf("lifetime counters lost: %+v", stats)
	}
	if stats.SentInCurrentHour != 0 || stats.SentInCurrentDay != 0 {
		t.Errorf("windows not rolled over: %+v", stats)
	}
}

func TestReset(t *testing.T) {
	l, _ := setupLedger(t, time.Date(2024, 6, 1, 12, 0, 0, 0, testLoc))
	ctx := context.Background()

	l.RecordSuccess(ctx)
	l.RecordFailure(ctx)

	if err := l.Reset(ctx); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}

	stats, _ := l.Current(ctx)
	if stats != (UsageStats{}) {
		t.Errorf("Current() after Reset = %+v", stats)
	}
}

func TestNextDayStart(t *testing.T) {
	now := time.Date(2024, 6, 1, 18, 30, 0, 0, testLoc)
	got := NextDayStart(now, testLoc)
	want := time.Date(2024, 6, 2, 0, 0, 0, 0, testLoc)
	if !got.Equal(want) {
		t.Errorf("NextDayStart() = %v, want %v", got, want)
	}

	// Month boundary
	got = NextDayStart(time.Date(2024, 1, 31, 1, 0, 0, 0, testLoc), testLoc)
	want = time.Date(2024, 2, 1, 0, 0, 0, 0, testLoc)
	if !got.Equal(want) {
		t.Errorf("NextDayStart() = %v, want %v", got, want)
	}
}
