package signing

import (
	"errors"
	"testing"
	"time"

	"github.com/docsuite/esign/provider"
	"github.com/docsuite/esign/signerr"
)

func waitTerminal(t *testing.T, jobs *Jobs, id string) *JobView {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		view, err := jobs.Get(id)
		if err != nil {
			t.Fatalf("Get: %v", err)
		}
		if view.Status.Terminal() {
			return view
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("job did not reach a terminal state")
	return nil
}

func TestJobsCompleteSignature(t *testing.T) {
	mock := &mockProvider{
		method:       provider.MethodItsme,
		available:    true,
		beginOutcome: pendingOutcome(),
		policy:       fastPolicy(10),
		polls: []pollStep{
			{out: pendingOutcome()},
			{out: signedOutcome(t, "Marie Dupont")},
		},
	}
	jobs := NewJobs(newTestOrchestrator(mock), nil, time.Minute)
	defer jobs.Close()

	id, err := jobs.Start(&Request{
		Method:   provider.MethodItsme,
		Document: testPDF(t),
		AuthCode: "code",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	if id == "" {
		t.Fatal("empty request id")
	}

	view := waitTerminal(t, jobs, id)
	if view.Status != provider.StatusSigned {
		t.Fatalf("status = %s, want %s", view.Status, provider.StatusSigned)
	}
	if view.Error != nil {
		t.Fatalf("unexpected error: %+v", view.Error)
	}
	if view.FinishedAt == nil {
		t.Fatal("finishedAt not set")
	}

	signed, err := jobs.Document(id)
	if err != nil {
		t.Fatalf("Document: %v", err)
	}
	if signed.Signer.CommonName != "Marie Dupont" {
		t.Fatalf("CommonName = %q", signed.Signer.CommonName)
	}
}

func TestJobsValidationFailsSynchronously(t *testing.T) {
	mock := &mockProvider{method: provider.MethodCard, available: true}
	jobs := NewJobs(newTestOrchestrator(mock), nil, time.Minute)
	defer jobs.Close()

	_, err := jobs.Start(&Request{Method: provider.MethodCard, Document: testPDF(t)})
	if signerr.KindOf(err) != signerr.KindValidation {
		t.Fatalf("kind = %v, want validation", signerr.KindOf(err))
	}
	if n := mock.beginCalls.Load(); n != 0 {
		t.Fatalf("Begin called %d times for an invalid request", n)
	}
}

func TestJobsTimeoutLeavesNoDocument(t *testing.T) {
	mock := &mockProvider{
		method:       provider.MethodCSAM,
		available:    true,
		beginOutcome: pendingOutcome(),
		policy:       fastPolicy(2),
		polls:        []pollStep{{out: pendingOutcome()}},
	}
	jobs := NewJobs(newTestOrchestrator(mock), nil, time.Minute)
	defer jobs.Close()

	id, err := jobs.Start(&Request{
		Method:   provider.MethodCSAM,
		Document: testPDF(t),
		AuthCode: "code",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	view := waitTerminal(t, jobs, id)
	if view.Error == nil || view.Error.Kind != string(signerr.KindTimeout) {
		t.Fatalf("error = %+v, want timeout kind", view.Error)
	}

	if _, err := jobs.Document(id); signerr.KindOf(err) != signerr.KindTimeout {
		t.Fatalf("Document error kind = %v, want timeout", signerr.KindOf(err))
	}
}

func TestJobsUnknownID(t *testing.T) {
	jobs := NewJobs(newTestOrchestrator(), nil, time.Minute)
	defer jobs.Close()

	if _, err := jobs.Get("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Get error = %v, want ErrJobNotFound", err)
	}
	if _, err := jobs.Document("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Document error = %v, want ErrJobNotFound", err)
	}
	if err := jobs.Cancel("nope"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("Cancel error = %v, want ErrJobNotFound", err)
	}
}

func TestJobsCancel(t *testing.T) {
	mock := &mockProvider{
		method:       provider.MethodItsme,
		available:    true,
		beginOutcome: pendingOutcome(),
		policy:       provider.PollPolicy{Interval: time.Hour, MaxAttempts: 60},
	}
	jobs := NewJobs(newTestOrchestrator(mock), nil, time.Minute)
	defer jobs.Close()

	id, err := jobs.Start(&Request{
		Method:   provider.MethodItsme,
		Document: testPDF(t),
		AuthCode: "code",
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}

	if err := jobs.Cancel(id); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	view := waitTerminal(t, jobs, id)
	if view.Status == provider.StatusSigned {
		t.Fatal("cancelled job reported as signed")
	}
	if view.Error == nil {
		t.Fatal("cancelled job carries no error")
	}
}

func TestJobsIsolation(t *testing.T) {
	good := &mockProvider{
		method:       provider.MethodItsme,
		available:    true,
		beginOutcome: pendingOutcome(),
		policy:       fastPolicy(10),
		polls:        []pollStep{{out: signedOutcome(t, "Jan Janssens")}},
	}
	jobs := NewJobs(newTestOrchestrator(good), nil, time.Minute)
	defer jobs.Close()

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		id, err := jobs.Start(&Request{
			Method:   provider.MethodItsme,
			Document: testPDF(t),
			AuthCode: "code",
		})
		if err != nil {
			t.Fatalf("Start: %v", err)
		}
		ids = append(ids, id)
	}

	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			t.Fatalf("duplicate request id %s", id)
		}
		seen[id] = true

		view := waitTerminal(t, jobs, id)
		if view.Status != provider.StatusSigned {
			t.Fatalf("job %s status = %s", id, view.Status)
		}
	}
}
