package reputation

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"

	"github.com/stridefed/courier/internal/models"
	"github.com/stridefed/courier/internal/store"
)

func newTestTracker(t *testing.T) (*Tracker, *store.SQLiteStore) {
	t.Helper()
	dir, err := os.MkdirTemp("", "courier_reputation_test_")
	if err != nil {
		t.Fatalf("MkdirTemp failed: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(dir) })

	s, err := store.NewSQLite(filepath.Join(dir, "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}
	return NewTracker(s, DefaultThresholds(), zerolog.Nop()), s
}

func record(t *testing.T, tr *Tracker, server string, success bool, times int) *models.ServerReputation {
	t.Helper()
	var rep *models.ServerReputation
	var err error
	for i := 0; i < times; i++ {
		rep, err = tr.RecordOutcome(context.Background(), server, success)
		if err != nil {
			t.Fatalf("RecordOutcome failed: %v", err)
		}
	}
	return rep
}

func TestClassifyThresholds(t *testing.T) {
	tr, _ := newTestTracker(t)

	cases := []struct {
		name string
		rep  models.ServerReputation
		want models.ServerStatus
	}{
		{"fresh", models.ServerReputation{}, models.ServerHealthy},
		{"few failures", models.ServerReputation{FailureCount: 4, ConsecutiveFailures: 4}, models.ServerHealthy},
		{"streak degrades", models.ServerReputation{FailureCount: 5, ConsecutiveFailures: 5}, models.ServerDegraded},
		{"streak suspends", models.ServerReputation{FailureCount: 10, ConsecutiveFailures: 10}, models.ServerSuspended},
		{"bad ratio degrades", models.ServerReputation{SuccessCount: 7, FailureCount: 3, ConsecutiveFailures: 1}, models.ServerDegraded},
		{"bad ratio below min attempts", models.ServerReputation{SuccessCount: 5, FailureCount: 3, ConsecutiveFailures: 1}, models.ServerHealthy},
		{"good ratio", models.ServerReputation{SuccessCount: 90, FailureCount: 10, ConsecutiveFailures: 2}, models.ServerHealthy},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tr.Classify(&tc.rep); got != tc.want {
				t.Errorf("Classify(%+v) = %s, want %s", tc.rep, got, tc.want)
			}
		})
	}
}

func TestConsecutiveFailuresSuspend(t *testing.T) {
	tr, _ := newTestTracker(t)

	rep := record(t, tr, "b.example", false, 9)
	if rep.Status == models.ServerSuspended {
		t.Fatalf("suspended after only 9 failures")
	}
	rep = record(t, tr, "b.example", false, 1)
	if rep.Status != models.ServerSuspended {
		t.Errorf("status after 10 consecutive failures = %s, want suspended", rep.Status)
	}

	admitted, err := tr.Admit(context.Background(), "b.example")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if admitted {
		t.Errorf("Admit = true for suspended server")
	}
}

// TestSuccessSelfHeals: one success clears the failure streak and moves the
// server out of suspension, even though the lifetime ratio may still mark it
// degraded.
func TestSuccessSelfHeals(t *testing.T) {
	tr, _ := newTestTracker(t)

	record(t, tr, "b.example", false, 10)
	rep := record(t, tr, "b.example", true, 1)

	if rep.ConsecutiveFailures != 0 {
		t.Errorf("consecutive failures = %d, want 0", rep.ConsecutiveFailures)
	}
	if rep.Status == models.ServerSuspended {
		t.Errorf("status = %s, want anything but suspended", rep.Status)
	}

	admitted, err := tr.Admit(context.Background(), "b.example")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if !admitted {
		t.Errorf("Admit = false after a successful delivery")
	}
}

func TestAdmitUnknownServer(t *testing.T) {
	tr, _ := newTestTracker(t)

	admitted, err := tr.Admit(context.Background(), "never-seen.example")
	if err != nil {
		t.Fatalf("Admit failed: %v", err)
	}
	if !admitted {
		t.Errorf("Admit = false for a server with no history")
	}
}

func TestResetLiftsSuspension(t *testing.T) {
	tr, s := newTestTracker(t)
	ctx := context.Background()

	record(t, tr, "b.example", false, 10)
	if err := tr.Reset(ctx, "b.example"); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	rep, err := s.GetReputation(ctx, "b.example")
	if err != nil || rep == nil {
		t.Fatalf("GetReputation failed: %v rep=%v", err, rep)
	}
	if rep.Status != models.ServerHealthy || rep.ConsecutiveFailures != 0 || rep.FailureCount != 0 {
		t.Errorf("reputation after reset = %+v, want clean healthy record", rep)
	}
}
