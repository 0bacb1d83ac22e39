package workflow

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/gradescanner/internal/roster"
)

var ErrStopped = errors.New("workflow machine stopped")

// Result is the state after an event was applied.
type Result struct {
	Snapshot Snapshot
	Outcome  Outcome
}

// Hooks observe the machine from its own goroutine. They must not call back
// into the machine.
type Hooks struct {
	OnOutcome    func(ev Event, outcome Outcome)
	OnTransition func(from, to Snapshot)
}

// Submitter is the narrow interface handed to asynchronous producers such as
// recognition callbacks.
type Submitter interface {
	Submit(ctx context.Context, ev Event) (Result, error)
}

// Machine is the single serialization point for session state. Run must be
// started before Submit or Subscribe return.
type Machine struct {
	roster *roster.Roster
	log    *logrus.Entry
	hooks  Hooks

	inbox   chan request
	stopped chan struct{}
	current atomic.Pointer[Snapshot]

	mu     sync.Mutex
	subs   map[uint64]*subscriber
	nextID uint64
}

type request struct {
	ev    Event
	sub   *subscriber
	reply chan Result
}

type subscriber struct {
	id     uint64
	ch     chan Snapshot
	cancel chan struct{}
	once   sync.Once
}

func NewMachine(r *roster.Roster, log *logrus.Entry, hooks Hooks) *Machine {
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	m := &Machine{
		roster:  r,
		log:     log,
		hooks:   hooks,
		inbox:   make(chan request, 64),
		stopped: make(chan struct{}),
		subs:    make(map[uint64]*subscriber),
	}
	initial := Initial()
	m.current.Store(&initial)
	return m
}

// Run applies events one at a time until ctx is done. Subscriber channels
// are closed when Run returns.
func (m *Machine) Run(ctx context.Context) {
	defer m.shutdown()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-m.inbox:
			if req.sub != nil {
				m.register(ctx, req.sub)
				close(req.reply)
				continue
			}
			res := m.apply(ctx, req.ev)
			req.reply <- res
		}
	}
}

// Submit enqueues ev and waits until it has been applied.
func (m *Machine) Submit(ctx context.Context, ev Event) (Result, error) {
	req := request{ev: ev, reply: make(chan Result, 1)}
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-m.stopped:
		return Result{}, ErrStopped
	case m.inbox <- req:
	}
	select {
	case <-ctx.Done():
		return Result{}, ctx.Err()
	case <-m.stopped:
		return Result{}, ErrStopped
	case res := <-req.reply:
		return res, nil
	}
}

// Snapshot returns the latest published state.
func (m *Machine) Snapshot() Snapshot {
	return *m.current.Load()
}

// Ticket returns the generation a recognition request should be tagged with,
// or false when the machine is not scanning and frames must not be submitted.
func (m *Machine) Ticket() (uint64, bool) {
	s := m.current.Load()
	if s.Step != StepScanning {
		return 0, false
	}
	return s.Generation, true
}

// Subscribe registers an observer. The current snapshot is delivered first,
// followed by every later snapshot in mutation order. Delivery blocks the
// machine while the buffer is full, so observers must keep reading until
// they call the returned cancel func.
func (m *Machine) Subscribe(ctx context.Context, buffer int) (<-chan Snapshot, func(), error) {
	if buffer < 1 {
		buffer = 1
	}
	sub := &subscriber{
		ch:     make(chan Snapshot, buffer),
		cancel: make(chan struct{}),
	}
	req := request{sub: sub, reply: make(chan Result)}
	select {
	case <-ctx.Done():
		return nil, nil, ctx.Err()
	case <-m.stopped:
		return nil, nil, ErrStopped
	case m.inbox <- req:
	}
	select {
	case <-ctx.Done():
		m.unsubscribe(sub)
		return nil, nil, ctx.Err()
	case <-m.stopped:
		return nil, nil, ErrStopped
	case <-req.reply:
	}
	return sub.ch, func() { m.unsubscribe(sub) }, nil
}

// Done is closed once Run has returned.
func (m *Machine) Done() <-chan struct{} { return m.stopped }

func (m *Machine) apply(ctx context.Context, ev Event) Result {
	prev := m.Snapshot()
	next, outcome := Apply(prev, ev, m.roster)
	if m.hooks.OnOutcome != nil {
		m.hooks.OnOutcome(ev, outcome)
	}
	if !outcome.Changed() {
		return Result{Snapshot: prev, Outcome: outcome}
	}

	m.current.Store(&next)
	if next.Step != prev.Step {
		m.log.WithFields(logrus.Fields{
			"from":       prev.Step,
			"to":         next.Step,
			"user":       next.User.Name,
			"generation": next.Generation,
		}).Info("workflow transition")
		if m.hooks.OnTransition != nil {
			m.hooks.OnTransition(prev, next)
		}
	}
	m.publish(ctx, next)
	return Result{Snapshot: next, Outcome: outcome}
}

func (m *Machine) register(ctx context.Context, sub *subscriber) {
	select {
	case <-sub.cancel:
		return
	default:
	}
	m.mu.Lock()
	m.nextID++
	sub.id = m.nextID
	m.subs[sub.id] = sub
	m.mu.Unlock()
	deliver(ctx, sub, m.Snapshot())
}

func (m *Machine) publish(ctx context.Context, s Snapshot) {
	m.mu.Lock()
	subs := make([]*subscriber, 0, len(m.subs))
	for _, sub := range m.subs {
		subs = append(subs, sub)
	}
	m.mu.Unlock()

	for _, sub := range subs {
		deliver(ctx, sub, s)
	}
}

func deliver(ctx context.Context, sub *subscriber, s Snapshot) {
	select {
	case sub.ch <- s:
	case <-sub.cancel:
	case <-ctx.Done():
	}
}

func (m *Machine) unsubscribe(sub *subscriber) {
	sub.once.Do(func() { close(sub.cancel) })
	m.mu.Lock()
	delete(m.subs, sub.id)
	m.mu.Unlock()
}

func (m *Machine) shutdown() {
	close(m.stopped)
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, sub := range m.subs {
		close(sub.ch)
		delete(m.subs, id)
	}
}
