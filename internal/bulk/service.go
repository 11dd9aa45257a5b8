package bulk

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	logx "wagate/pkg/logx"
)

var ErrQueueFull = errors.New("bulk queue is full")

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	cfg = cfg.withDefaults()
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		sender: sender,
		log:    log,
		queue:  make(chan job, cfg.QueueSize),
		status: map[string]*JobStatus{},
	}
}

// Start launches the single worker. Sequential execution is deliberate
// backpressure: parallel fan-out would hand the transport a burst.
func (s *Service) Start(ctx context.Context) {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.running {
		return
	}
	s.running = true
	s.stopCh = make(chan struct{})

	stopCh := s.stopCh
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.worker(ctx, stopCh)
	}()
	s.log.Info("bulk coordinator started", logx.Int("queue", s.cfg.QueueSize))
}

func (s *Service) Stop(ctx context.Context) {
	s.runMu.Lock()
	if !s.running {
		s.runMu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	s.runMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.log.Info("bulk coordinator stopped")
	case <-ctx.Done():
		// stop continues in background
	}
}

// Submit validates the batch, registers a tracked job and enqueues it. The
// returned Ack carries the handle callers use to inspect progress; the batch
// itself runs detached on the worker.
func (s *Service) Submit(recipients []string, body string, delay time.Duration) (Ack, error) {
	if len(recipients) == 0 {
		return Ack{}, errors.New("recipients must not be empty")
	}
	if len(recipients) > s.cfg.MaxRecipients {
		return Ack{}, fmt.Errorf("too many recipients: %d (max %d)", len(recipients), s.cfg.MaxRecipients)
	}

	if delay <= 0 {
		delay = s.cfg.DefaultDelay
	}
	if delay < s.cfg.MinDelay {
		delay = s.cfg.MinDelay
	}
	if delay > s.cfg.MaxDelay {
		delay = s.cfg.MaxDelay
	}

	j := job{
		id:         uuid.NewString(),
		recipients: append([]string(nil), recipients...),
		body:       body,
		delay:      delay,
	}

	s.statusMu.Lock()
	s.status[j.id] = &JobStatus{
		ID:          j.id,
		Total:       len(j.recipients),
		Delay:       delay,
		SubmittedAt: time.Now(),
	}
	s.order = append(s.order, j.id)
	s.pruneLocked()
	s.statusMu.Unlock()

	select {
	case s.queue <- j:
	default:
		s.statusMu.Lock()
		delete(s.status, j.id)
		s.statusMu.Unlock()
		return Ack{}, ErrQueueFull
	}

	s.log.Info("bulk job accepted",
		logx.String("job", j.id),
		logx.Int("recipients", len(j.recipients)),
		logx.Duration("delay", delay))

	return Ack{
		JobID:            j.id,
		RecipientCount:   len(j.recipients),
		EstimatedSeconds: (time.Duration(len(j.recipients)) * delay).Seconds(),
	}, nil
}

// Status returns a copy of the tracked job state.
func (s *Service) Status(id string) (JobStatus, bool) {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	st, ok := s.status[id]
	if !ok {
		return JobStatus{}, false
	}
	cp := *st
	cp.Outcomes = append([]Outcome(nil), st.Outcomes...)
	return cp, true
}

// pruneLocked drops the oldest finished jobs beyond the retention bound.
// Requires statusMu held.
func (s *Service) pruneLocked() {
	for len(s.order) > s.cfg.StatusRetention {
		victim := ""
		for i, id := range s.order {
			st := s.status[id]
			if st == nil || st.Finished {
				victim = id
				s.order = append(s.order[:i], s.order[i+1:]...)
				break
			}
		}
		if victim == "" {
			return
		}
		delete(s.status, victim)
	}
}
