package bulk

import (
	"context"
	"runtime/debug"
	"time"

	logx "wagate/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in bulk worker", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()

	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-s.queue:
			s.execJob(ctx, j)
		}
	}
}

func (s *Service) execJob(ctx context.Context, j job) {
	start := time.Now()
	s.markStarted(j.id)

	s.log.Info("bulk job started", logx.String("job", j.id), logx.Int("total", len(j.recipients)))

	for i, recipient := range j.recipients {
		out := Outcome{Recipient: recipient, Timestamp: time.Now()}

		rcpt, err := s.sender.SendOne(ctx, recipient, j.body, nil)
		if err != nil {
			// Partial-failure semantics: record, keep going.
			out.Error = err.Error()
			s.log.Warn("bulk send failed", logx.String("job", j.id), logx.String("recipient", recipient), logx.Err(err))
		} else {
			out.Success = true
			out.MessageID = rcpt.MessageID
		}
		s.record(j.id, out)

		if i < len(j.recipients)-1 {
			if !s.pause(ctx, j.delay) {
				// Shutdown mid-batch: remaining recipients are marked, not dropped,
				// so the outcome list stays one entry per input recipient.
				for _, rest := range j.recipients[i+1:] {
					s.record(j.id, Outcome{Recipient: rest, Error: "canceled: shutdown", Timestamp: time.Now()})
				}
				break
			}
		}
	}
	s.finish(j.id)

	if st, ok := s.Status(j.id); ok {
		fields := []logx.Field{
			logx.String("job", j.id),
			logx.Int("total", st.Total),
			logx.Int("failed", st.Failed),
			logx.Duration("took", time.Since(start)),
		}
		if st.Failed > 0 {
			s.log.Warn("bulk job finished with failures", fields...)
		} else {
			s.log.Info("bulk job finished", fields...)
		}
	}
}

// pause waits for the inter-send delay. Returns false if the context died.
func (s *Service) pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func (s *Service) markStarted(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Running = true
		st.StartedAt = time.Now()
	}
}

func (s *Service) record(id string, out Outcome) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Outcomes = append(st.Outcomes, out)
		st.Done++
		if !out.Success {
			st.Failed++
		}
	}
}

func (s *Service) finish(id string) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if st := s.status[id]; st != nil {
		st.Running = false
		st.Finished = true
		st.DoneAt = time.Now()
	}
}
