// Package scan wires the badge pipeline for a kiosk session: frames pass
// the throttle, admitted frames go to the recognizer on their own goroutine,
// and results and user intents are submitted to the session's workflow
// machine.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/gradescanner/internal/observability"
	"github.com/ent0n29/gradescanner/internal/protocol"
	"github.com/ent0n29/gradescanner/internal/roster"
	"github.com/ent0n29/gradescanner/internal/session"
	"github.com/ent0n29/gradescanner/internal/throttle"
	"github.com/ent0n29/gradescanner/internal/vision"
	"github.com/ent0n29/gradescanner/internal/workflow"
)

var ErrUnknownAction = errors.New("unknown intent action")

type Options struct {
	CaptureInterval time.Duration
	Logger          *logrus.Entry
	Metrics         *observability.Metrics
}

// Service owns one workflow machine per active session.
type Service struct {
	ctx        context.Context
	sessions   *session.Manager
	roster     *roster.Roster
	recognizer vision.Recognizer
	metrics    *observability.Metrics
	log        *logrus.Entry
	interval   time.Duration
	now        func() time.Time

	mu       sync.Mutex
	machines map[string]*runningMachine
	// final keeps the last snapshot of ended sessions until the session
	// manager forgets them.
	final map[string]workflow.Snapshot
}

type runningMachine struct {
	machine *workflow.Machine
	cancel  context.CancelFunc

	// Every connection to the session shares one throttle.
	thMu     sync.Mutex
	throttle *throttle.Throttle
}

func (rm *runningMachine) admit(frame vision.Frame, now time.Time) bool {
	rm.thMu.Lock()
	defer rm.thMu.Unlock()
	return rm.throttle.Admit(frame, now)
}

// NewService registers itself as the session end hook. Machines live until
// their session ends or ctx is done.
func NewService(ctx context.Context, sessions *session.Manager, r *roster.Roster, recognizer vision.Recognizer, opts Options) *Service {
	interval := opts.CaptureInterval
	if interval <= 0 {
		interval = throttle.DefaultCaptureInterval
	}
	log := opts.Logger
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	s := &Service{
		ctx:        ctx,
		sessions:   sessions,
		roster:     r,
		recognizer: recognizer,
		metrics:    opts.Metrics,
		log:        log.WithField("component", "scan"),
		interval:   interval,
		now:        time.Now,
		machines:   make(map[string]*runningMachine),
		final:      make(map[string]workflow.Snapshot),
	}
	sessions.SetEndHook(s.onSessionEnd)
	return s
}

func (s *Service) CaptureInterval() time.Duration { return s.interval }

func (s *Service) Roster() *roster.Roster { return s.roster }

// Open creates a session and starts its machine. Any previously active
// session is ended first.
func (s *Service) Open(kioskID string) (*session.Session, workflow.Snapshot) {
	sess := s.sessions.Create(kioskID)
	log := s.log.WithField("session_id", sess.ID)

	m := workflow.NewMachine(s.roster, log, workflow.Hooks{
		OnOutcome: s.observeOutcome,
		OnTransition: func(from, to workflow.Snapshot) {
			if s.metrics != nil {
				s.metrics.Transitions.WithLabelValues(string(from.Step), string(to.Step)).Inc()
			}
		},
	})
	ctx, cancel := context.WithCancel(s.ctx)
	go m.Run(ctx)

	if s.metrics != nil {
		s.metrics.ActiveSessions.Inc()
		s.metrics.SessionEvents.WithLabelValues("created").Inc()
	}
	s.mu.Lock()
	s.machines[sess.ID] = &runningMachine{
		machine:  m,
		cancel:   cancel,
		throttle: throttle.New(s.interval),
	}
	for id := range s.final {
		if _, err := s.sessions.Get(id); errors.Is(err, session.ErrNotFound) {
			delete(s.final, id)
		}
	}
	s.mu.Unlock()

	// A concurrent Create may have ended this session before the machine
	// was registered, in which case the end hook found nothing to stop.
	if cur, err := s.sessions.Get(sess.ID); err == nil && cur.Status != session.StatusActive {
		s.onSessionEnd(cur)
		return sess, m.Snapshot()
	}

	log.WithField("kiosk_id", kioskID).Info("scan session opened")
	return sess, m.Snapshot()
}

// Machine returns the running machine of an active session.
func (s *Service) Machine(sessionID string) (*workflow.Machine, error) {
	rm, err := s.running(sessionID)
	if err != nil {
		return nil, err
	}
	return rm.machine, nil
}

func (s *Service) running(sessionID string) (*runningMachine, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rm, ok := s.machines[sessionID]
	if !ok {
		return nil, session.ErrNotFound
	}
	return rm, nil
}

// observeOutcome runs on the machine goroutine for every applied event.
func (s *Service) observeOutcome(ev workflow.Event, outcome workflow.Outcome) {
	if _, ok := ev.(workflow.Recognized); ok {
		s.countOutcome(string(outcome))
		if outcome == workflow.OutcomeStale {
			s.metrics.ObserveIndicator("stale_result")
		}
		return
	}
	if s.metrics != nil {
		s.metrics.Intents.WithLabelValues(workflow.EventName(ev), string(outcome)).Inc()
	}
}

// State returns session metadata and the current snapshot, or the final
// snapshot of an ended session.
func (s *Service) State(sessionID string) (*session.Session, protocol.SessionSnapshot, error) {
	sess, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, protocol.SessionSnapshot{}, err
	}
	s.mu.Lock()
	snap, ok := s.final[sessionID]
	if rm, running := s.machines[sessionID]; running {
		snap, ok = rm.machine.Snapshot(), true
	}
	s.mu.Unlock()
	if !ok {
		snap = workflow.Initial()
	}
	return sess, ToProtocol(sessionID, snap), nil
}

// ApplyIntent submits a user intent and waits for the resulting state.
func (s *Service) ApplyIntent(ctx context.Context, sessionID, action string, value int) (workflow.Result, error) {
	ev, err := IntentEvent(action, value)
	if err != nil {
		return workflow.Result{}, err
	}
	m, err := s.Machine(sessionID)
	if err != nil {
		return workflow.Result{}, err
	}
	_ = s.sessions.Touch(sessionID)
	res, err := m.Submit(ctx, ev)
	if err != nil {
		if errors.Is(err, workflow.ErrStopped) {
			return workflow.Result{}, session.ErrNotFound
		}
		return workflow.Result{}, fmt.Errorf("apply %s: %w", action, err)
	}
	return res, nil
}

// Shutdown ends every session and waits for their machines to stop.
func (s *Service) Shutdown() {
	s.mu.Lock()
	running := make([]*workflow.Machine, 0, len(s.machines))
	for _, rm := range s.machines {
		running = append(running, rm.machine)
	}
	s.mu.Unlock()

	s.sessions.EndAll(session.EndReasonShutdown)
	for _, m := range running {
		<-m.Done()
	}
}

func (s *Service) onSessionEnd(sess *session.Session) {
	s.mu.Lock()
	rm, ok := s.machines[sess.ID]
	delete(s.machines, sess.ID)
	if ok {
		s.final[sess.ID] = rm.machine.Snapshot()
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	rm.cancel()

	if s.metrics != nil {
		s.metrics.ActiveSessions.Dec()
		s.metrics.SessionEvents.WithLabelValues("ended_" + string(sess.EndReason)).Inc()
	}
	s.log.WithFields(logrus.Fields{
		"session_id": sess.ID,
		"reason":     sess.EndReason,
		"frames":     sess.FramesReceived,
	}).Info("scan session ended")
}

// IntentEvent maps a wire action to a workflow event.
func IntentEvent(action string, value int) (workflow.Event, error) {
	switch action {
	case protocol.ActionConfirmCandidate:
		return workflow.ConfirmCandidate{}, nil
	case protocol.ActionSetScore:
		return workflow.SetScore{Value: value}, nil
	case protocol.ActionAdjustScore:
		return workflow.AdjustScore{Delta: value}, nil
	case protocol.ActionDismissForm:
		return workflow.DismissForm{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, action)
	}
}

func ToProtocol(sessionID string, snap workflow.Snapshot) protocol.SessionSnapshot {
	out := protocol.SessionSnapshot{
		Type:       protocol.TypeSessionSnapshot,
		SessionID:  sessionID,
		Seq:        snap.Seq,
		Generation: snap.Generation,
		Step:       string(snap.Step),
		Score:      snap.Score,
		ScoreLabel: snap.ScoreLabel(),
		StatusText: snap.StatusText(),
	}
	if snap.HasUser() {
		out.User = &protocol.User{Name: snap.User.Name, Avatar: snap.User.Avatar}
	}
	return out
}
