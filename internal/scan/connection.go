package scan

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/gradescanner/internal/observability"
	"github.com/ent0n29/gradescanner/internal/policy"
	"github.com/ent0n29/gradescanner/internal/protocol"
	"github.com/ent0n29/gradescanner/internal/session"
	"github.com/ent0n29/gradescanner/internal/vision"
	"github.com/ent0n29/gradescanner/internal/workflow"
)

const (
	snapshotBuffer       = 16
	eventSendTimeout     = 600 * time.Millisecond
	candidateLogMaxRunes = 160
)

// RunConnection drives one kiosk connection. Inbound carries parsed client
// messages; outbound receives protocol messages for the writer. The first
// outbound message is the current snapshot and every later state change is
// forwarded in order. It returns when ctx is done, inbound is closed or the
// session ends.
func (s *Service) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	rm, err := s.running(sess.ID)
	if err != nil {
		s.send(ctx, outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sess.ID,
			Code:      "session_not_active",
			Source:    "scan",
			Detail:    err.Error(),
		})
		return err
	}
	m := rm.machine
	log := s.log.WithField("session_id", sess.ID)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	snapshots, unsubscribe, err := m.Subscribe(ctx, snapshotBuffer)
	if err != nil {
		return err
	}
	defer unsubscribe()

	forwardDone := make(chan struct{})
	go func() {
		defer close(forwardDone)
		for {
			select {
			case <-ctx.Done():
				return
			case snap, ok := <-snapshots:
				if !ok {
					return
				}
				s.send(ctx, outbound, ToProtocol(sess.ID, snap))
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-forwardDone:
			s.send(ctx, outbound, protocol.SystemEvent{
				Type:      protocol.TypeSystemEvent,
				SessionID: sess.ID,
				Code:      "session_ended",
			})
			return nil
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			switch msg := msg.(type) {
			case protocol.ClientFrame:
				s.handleFrame(ctx, log, rm, sess.ID, msg, outbound)
			case protocol.ClientIntent:
				if _, err := s.ApplyIntent(ctx, sess.ID, msg.Action, msg.Value); err != nil {
					if errors.Is(err, context.Canceled) {
						return nil
					}
					s.send(ctx, outbound, protocol.ErrorEvent{
						Type:      protocol.TypeErrorEvent,
						SessionID: sess.ID,
						Code:      "intent_failed",
						Source:    "workflow",
						Detail:    err.Error(),
					})
				}
			}
		}
	}
}

func (s *Service) handleFrame(ctx context.Context, log *logrus.Entry, rm *runningMachine, sessionID string, msg protocol.ClientFrame, outbound chan<- any) {
	_ = s.sessions.RecordFrame(sessionID)

	gen, scanning := rm.machine.Ticket()
	if !scanning {
		s.countFrame("not_scanning")
		return
	}
	img, err := msg.DecodeImage()
	if err != nil || len(img) == 0 {
		s.countFrame("invalid")
		s.send(ctx, outbound, protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			SessionID: sessionID,
			Code:      "invalid_frame",
			Source:    "scan",
			Detail:    "image_base64 is not a valid image payload",
		})
		return
	}

	now := s.now()
	frame := vision.Frame{
		Seq:        msg.Seq,
		Image:      img,
		Format:     msg.Format,
		CapturedAt: now,
	}
	if msg.TSMs > 0 {
		frame.CapturedAt = time.UnixMilli(msg.TSMs)
	}
	if !rm.admit(frame, now) {
		s.countFrame("throttled")
		return
	}
	s.countFrame("admitted")

	go s.recognize(log, rm.machine, gen, frame, now)
}

// recognize is bound to the service context, not the connection. Results
// that arrive after the workflow moved on are discarded by the machine.
func (s *Service) recognize(log *logrus.Entry, m workflow.Submitter, gen uint64, frame vision.Frame, admittedAt time.Time) {
	ctx := s.ctx
	requestID := uuid.NewString()
	started := time.Now()
	candidates, err := s.recognizer.Recognize(ctx, vision.RecognizeRequest{
		RequestID:   requestID,
		Frame:       frame,
		CustomWords: s.roster.Names(),
	})
	if s.metrics != nil {
		s.metrics.ObserveRecognitionLatency(time.Since(started))
	}
	if err != nil {
		s.countOutcome("error")
		s.metrics.ObserveIndicator("recognition_error")
		if ctx.Err() == nil {
			log.WithError(err).WithFields(logrus.Fields{
				"request_id": requestID,
				"frame_seq":  frame.Seq,
			}).Warn("text recognition failed")
		}
		return
	}
	if len(candidates) > 0 {
		log.WithFields(logrus.Fields{
			"request_id": requestID,
			"frame_seq":  frame.Seq,
			"candidates": policy.RedactCandidates(candidates, candidateLogMaxRunes),
		}).Debug("recognized text")
	}

	res, err := m.Submit(ctx, workflow.Recognized{Generation: gen, Candidates: candidates})
	if err != nil {
		// Machine stopped: the session ended while recognition ran.
		s.countOutcome(string(workflow.OutcomeStale))
		s.metrics.ObserveIndicator("stale_result")
		return
	}
	if res.Outcome == workflow.OutcomeMatched && s.metrics != nil {
		s.metrics.ObserveStage(observability.StageFrameToFound, time.Since(admittedAt))
	}
}

// send delivers msg to the connection writer. Snapshots wait for the writer
// for as long as the connection lives; events give up after a short timeout.
func (s *Service) send(ctx context.Context, outbound chan<- any, msg any) {
	msgType, lossless := outboundMessageMeta(msg)
	record := func(result string) {
		s.metrics.ObserveOutboundMessage(msgType, result)
	}

	if lossless {
		select {
		case outbound <- msg:
			record("delivered")
		case <-ctx.Done():
			record("dropped")
		}
		return
	}

	timer := time.NewTimer(eventSendTimeout)
	defer timer.Stop()
	select {
	case outbound <- msg:
		record("delivered")
	case <-timer.C:
		record("timeout")
		if s.metrics != nil {
			s.metrics.SessionEvents.WithLabelValues("outbound_drop").Inc()
		}
	case <-ctx.Done():
		record("dropped")
	}
}

func outboundMessageMeta(msg any) (msgType string, lossless bool) {
	switch m := msg.(type) {
	case protocol.SessionSnapshot:
		return string(m.Type), true
	case protocol.SystemEvent:
		return string(m.Type), false
	case protocol.ErrorEvent:
		return string(m.Type), false
	default:
		return "unknown", false
	}
}

func (s *Service) countFrame(result string) {
	if s.metrics != nil {
		s.metrics.Frames.WithLabelValues(result).Inc()
	}
}

func (s *Service) countOutcome(outcome string) {
	if s.metrics != nil {
		s.metrics.RecognitionOutcomes.WithLabelValues(outcome).Inc()
	}
}
