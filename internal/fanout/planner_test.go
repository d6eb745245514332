package fanout

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"github.com/stridefed/courier/internal/models"
	"github.com/stridefed/courier/internal/store"
)

func newTestStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	dir, err := os.MkdirTemp("", "courier_fanout_test_")
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
	return s
}

var testPayload = json.RawMessage(`{"type":"Create","object":{"type":"Note"}}`)

func TestPlanOneJobPerInbox(t *testing.T) {
	s := newTestStore(t)
	p := NewPlanner(s, zerolog.Nop())

	jobs, err := p.Plan(context.Background(), "item-1", "alice", testPayload, []string{
		"https://a.example/users/bob/inbox",
		"https://b.example/users/carol/inbox",
		"https://b.example/users/dave/inbox",
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	// No shared inbox cached anywhere, so every inbox gets its own job.
	if len(jobs) != 3 {
		t.Fatalf("got %d jobs, want 3", len(jobs))
	}
	for _, job := range jobs {
		if len(job.Recipients) != 1 || job.Recipients[0] != job.Endpoint {
			t.Errorf("job %s recipients = %v, want just its endpoint", job.ID, job.Recipients)
		}
		if job.Attempt != 1 {
			t.Errorf("job %s attempt = %d, want 1", job.ID, job.Attempt)
		}
	}
}

func TestPlanDeduplicatesInboxes(t *testing.T) {
	s := newTestStore(t)
	p := NewPlanner(s, zerolog.Nop())

	jobs, err := p.Plan(context.Background(), "item-1", "alice", testPayload, []string{
		"https://b.example/inbox",
		"https://b.example/inbox",
		"https://b.example/inbox",
	})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(jobs) != 1 {
		t.Errorf("got %d jobs for duplicated inbox, want 1", len(jobs))
	}
}

func TestPlanBatchesThroughSharedInbox(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := NewPlanner(s, zerolog.Nop())

	if err := s.SetSharedInbox(ctx, "b.example", "https://b.example/inbox"); err != nil {
		t.Fatalf("SetSharedInbox failed: %v", err)
	}

	group := []string{
		"https://b.example/users/carol/inbox",
		"https://b.example/users/dave/inbox",
		"https://b.example/users/erin/inbox",
	}
	jobs, err := p.Plan(ctx, "item-1", "alice", testPayload, group)
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}

	if len(jobs) != 1 {
		t.Fatalf("got %d jobs, want 1 batched job", len(jobs))
	}
	job := jobs[0]
	if job.Endpoint != "https://b.example/inbox" {
		t.Errorf("endpoint = %s, want shared inbox", job.Endpoint)
	}
	if len(job.Recipients) != 3 {
		t.Errorf("recipients = %v, want all 3", job.Recipients)
	}

	// The payload addressing names every recipient.
	to := gjson.GetBytes(job.Payload, "to").Array()
	if len(to) != 3 {
		t.Fatalf("payload to = %v, want 3 entries", to)
	}
	for i, inbox := range group {
		if to[i].String() != inbox {
			t.Errorf("payload to[%d] = %s, want %s", i, to[i].String(), inbox)
		}
	}
}

func TestPlanSingleRecipientSkipsSharedInbox(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	p := NewPlanner(s, zerolog.Nop())

	if err := s.SetSharedInbox(ctx, "b.example", "https://b.example/inbox"); err != nil {
		t.Fatalf("SetSharedInbox failed: %v", err)
	}

	jobs, err := p.Plan(ctx, "item-1", "alice", testPayload, []string{"https://b.example/users/carol/inbox"})
	if err != nil {
		t.Fatalf("Plan failed: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Endpoint != "https://b.example/users/carol/inbox" {
		t.Errorf("jobs = %+v, want one individual delivery", jobs)
	}
}

func TestPlanRejectsInvalidInbox(t *testing.T) {
	s := newTestStore(t)
	p := NewPlanner(s, zerolog.Nop())

	_, err := p.Plan(context.Background(), "item-1", "alice", testPayload, []string{"not a url"})
	if err == nil {
		t.Errorf("Plan accepted an invalid inbox URL")
	}
}

func TestSubmitFanoutEnqueuesJobsAndStatuses(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	log := zerolog.Nop()
	svc := NewService(s, NewPlanner(s, log), log)

	inboxes := []string{
		"https://a.example/users/bob/inbox",
		"https://b.example/users/carol/inbox",
	}
	if err := svc.SubmitFanout(ctx, "item-1", "alice", testPayload, inboxes); err != nil {
		t.Fatalf("SubmitFanout failed: %v", err)
	}

	jobs, err := s.DequeuePending(ctx, 10)
	if err != nil {
		t.Fatalf("DequeuePending failed: %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("got %d pending jobs, want 2", len(jobs))
	}

	for _, inbox := range inboxes {
		st, err := s.GetStatus(ctx, "item-1", inbox)
		if err != nil {
			t.Fatalf("GetStatus failed: %v", err)
		}
		if st == nil || st.State != models.DeliveryPending {
			t.Errorf("status for %s = %+v, want pending", inbox, st)
		}
	}
}

func TestSubmitFanoutValidation(t *testing.T) {
	s := newTestStore(t)
	log := zerolog.Nop()
	svc := NewService(s, NewPlanner(s, log), log)
	ctx := context.Background()

	if err := svc.SubmitFanout(ctx, "", "alice", testPayload, []string{"https://b.example/inbox"}); err == nil {
		t.Errorf("accepted empty item id")
	}
	if err := svc.SubmitFanout(ctx, "item-1", "", testPayload, []string{"https://b.example/inbox"}); err == nil {
		t.Errorf("accepted empty origin id")
	}
	if err := svc.SubmitFanout(ctx, "item-1", "alice", json.RawMessage(`{broken`), []string{"https://b.example/inbox"}); err == nil {
		t.Errorf("accepted malformed payload")
	}
	if err := svc.SubmitFanout(ctx, "item-1", "alice", testPayload, nil); err == nil {
		t.Errorf("accepted empty recipient list")
	}
}
