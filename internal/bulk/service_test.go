package bulk

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"wagate/internal/dispatch"
	"wagate/internal/transport"
	logx "wagate/pkg/logx"
)

// seqSender fails selected recipients and records invocation order.
type seqSender struct {
	mu       sync.Mutex
	calls    []string
	failFor  map[string]bool
	inflight int
	overlap  bool
}

func (f *seqSender) SendOne(_ context.Context, to, _ string, _ *transport.Attachment) (dispatch.Receipt, error) {
	f.mu.Lock()
	f.inflight++
	if f.inflight > 1 {
		f.overlap = true
	}
	f.calls = append(f.calls, to)
	fail := f.failFor[to]
	f.mu.Unlock()

	time.Sleep(2 * time.Millisecond)

	f.mu.Lock()
	f.inflight--
	f.mu.Unlock()

	if fail {
		return dispatch.Receipt{}, errors.New("number not on network")
	}
	return dispatch.Receipt{MessageID: "wire-" + to}, nil
}

func fastConfig() Config {
	return Config{
		DefaultDelay: time.Millisecond,
		MinDelay:     time.Millisecond,
		MaxDelay:     10 * time.Millisecond,
	}
}

func waitFinished(t *testing.T, s *Service, id string) JobStatus {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st, ok := s.Status(id); ok && st.Finished {
			return st
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("job %s did not finish in time", id)
	return JobStatus{}
}

func TestSubmitValidation(t *testing.T) {
	t.Parallel()
	s := New(Config{MaxRecipients: 3}, &seqSender{}, logx.Nop())

	if _, err := s.Submit(nil, "hi", 0); err == nil {
		t.Fatalf("expected error for empty recipients")
	}
	if _, err := s.Submit([]string{"1", "2", "3", "4"}, "hi", 0); err == nil {
		t.Fatalf("expected error for too many recipients")
	}
}

func TestSubmitClampsDelay(t *testing.T) {
	t.Parallel()
	s := New(Config{
		DefaultDelay: 2 * time.Second,
		MinDelay:     time.Second,
		MaxDelay:     time.Minute,
	}, &seqSender{}, logx.Nop())

	// No delay given: default applies to the estimate.
	ack, err := s.Submit([]string{"a", "b"}, "hi", 0)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ack.EstimatedSeconds != 4 {
		t.Fatalf("expected estimate 4s with default delay, got %v", ack.EstimatedSeconds)
	}

	// Below the floor: clamped up.
	ack, err = s.Submit([]string{"a"}, "hi", 100*time.Millisecond)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st, ok := s.Status(ack.JobID)
	if !ok {
		t.Fatalf("job not tracked")
	}
	if st.Delay != time.Second {
		t.Fatalf("expected delay clamped to 1s, got %v", st.Delay)
	}

	// Above the cap: clamped down.
	ack, err = s.Submit([]string{"a"}, "hi", 5*time.Minute)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	st, _ = s.Status(ack.JobID)
	if st.Delay != time.Minute {
		t.Fatalf("expected delay clamped to 1m, got %v", st.Delay)
	}
}

func TestJobRunsSequentiallyWithPartialFailures(t *testing.T) {
	t.Parallel()
	sender := &seqSender{failFor: map[string]bool{"b": true}}
	s := New(fastConfig(), sender, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	ack, err := s.Submit([]string{"a", "b", "c"}, "hello", time.Millisecond)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if ack.RecipientCount != 3 {
		t.Fatalf("unexpected ack: %+v", ack)
	}

	st := waitFinished(t, s, ack.JobID)
	if st.Done != 3 || st.Failed != 1 {
		t.Fatalf("unexpected counters: %+v", st)
	}
	if len(st.Outcomes) != 3 {
		t.Fatalf("expected one outcome per recipient, got %d", len(st.Outcomes))
	}
	for i, want := range []string{"a", "b", "c"} {
		if st.Outcomes[i].Recipient != want {
			t.Fatalf("outcome %d: expected %s, got %s", i, want, st.Outcomes[i].Recipient)
		}
	}
	if st.Outcomes[0].MessageID != "wire-a" || !st.Outcomes[0].Success {
		t.Fatalf("unexpected outcome for a: %+v", st.Outcomes[0])
	}
	if st.Outcomes[1].Success || !strings.Contains(st.Outcomes[1].Error, "not on network") {
		t.Fatalf("unexpected outcome for b: %+v", st.Outcomes[1])
	}

	sender.mu.Lock()
	defer sender.mu.Unlock()
	if sender.overlap {
		t.Fatalf("sends overlapped; bulk execution must be sequential")
	}
}

func TestQueuedJobsRunInOrder(t *testing.T) {
	t.Parallel()
	sender := &seqSender{}
	s := New(fastConfig(), sender, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start(ctx)
	defer s.Stop(context.Background())

	ack1, err := s.Submit([]string{"j1-a", "j1-b"}, "x", time.Millisecond)
	if err != nil {
		t.Fatalf("Submit 1: %v", err)
	}
	ack2, err := s.Submit([]string{"j2-a"}, "x", time.Millisecond)
	if err != nil {
		t.Fatalf("Submit 2: %v", err)
	}

	waitFinished(t, s, ack1.JobID)
	waitFinished(t, s, ack2.JobID)

	sender.mu.Lock()
	defer sender.mu.Unlock()
	want := []string{"j1-a", "j1-b", "j2-a"}
	if len(sender.calls) != len(want) {
		t.Fatalf("expected %d calls, got %v", len(want), sender.calls)
	}
	for i, w := range want {
		if sender.calls[i] != w {
			t.Fatalf("call %d: expected %s, got %s", i, w, sender.calls[i])
		}
	}
}

func TestQueueFull(t *testing.T) {
	t.Parallel()
	// Worker not started: the queue fills up.
	s := New(Config{
		DefaultDelay: time.Millisecond,
		MinDelay:     time.Millisecond,
		QueueSize:    1,
	}, &seqSender{}, logx.Nop())

	if _, err := s.Submit([]string{"a"}, "x", 0); err != nil {
		t.Fatalf("first Submit: %v", err)
	}
	ack, err := s.Submit([]string{"b"}, "x", 0)
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
	// Rejected submission leaves no tracked status behind.
	if _, ok := s.Status(ack.JobID); ok {
		t.Fatalf("rejected job must not be tracked")
	}
}

func TestShutdownMidBatchMarksRemaining(t *testing.T) {
	t.Parallel()
	sender := &seqSender{}
	s := New(Config{
		DefaultDelay: 200 * time.Millisecond,
		MinDelay:     200 * time.Millisecond,
		MaxDelay:     time.Second,
	}, sender, logx.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	ack, err := s.Submit([]string{"a", "b", "c", "d"}, "x", 200*time.Millisecond)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}

	// Let the first send land, then kill the run context during the pause.
	time.Sleep(50 * time.Millisecond)
	cancel()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer stopCancel()
	s.Stop(stopCtx)

	st := waitFinished(t, s, ack.JobID)
	if len(st.Outcomes) != 4 {
		t.Fatalf("expected 4 outcomes after shutdown, got %d", len(st.Outcomes))
	}
	canceled := 0
	for _, o := range st.Outcomes {
		if strings.Contains(o.Error, "shutdown") {
			canceled++
		}
	}
	if canceled == 0 {
		t.Fatalf("expected canceled outcomes, got %+v", st.Outcomes)
	}
}
