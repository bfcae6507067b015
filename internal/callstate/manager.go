package callstate

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

type Direction int

const (
	Outgoing Direction = iota
	Incoming
)

func (d Direction) String() string {
	if d == Incoming {
		return "incoming"
	}
	return "outgoing"
}

type EndReason string

const (
	ReasonDeclined     EndReason = "declined"
	ReasonHangup       EndReason = "hangup"
	ReasonRemoteHangup EndReason = "remote-hangup"
	ReasonNoAnswer     EndReason = "no-answer"
	// ReasonSuperseded ends an outgoing call that lost a glare race.
	ReasonSuperseded EndReason = "superseded"
	ReasonFailed     EndReason = "failed"
)

// Session is a snapshot of the call with one peer.
type Session struct {
	Peer      string
	Direction Direction
	State     State
	EndReason EndReason
	// RemoteSignal is the peer's offer (incoming) or answer (outgoing).
	RemoteSignal json.RawMessage
}

type Transition struct {
	Peer      string
	Direction Direction
	From      State
	To        State
	Reason    EndReason
}

// Signaler sends call signaling to the relay.
type Signaler interface {
	CallUser(ctx context.Context, to string, signal json.RawMessage) error
	AnswerCall(ctx context.Context, to string, signal json.RawMessage) error
	DeclineCall(ctx context.Context, to string) error
	EndCall(ctx context.Context, to string) error
}

// Timer is the subset of *time.Timer the manager needs.
type Timer interface {
	Stop() bool
}

type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

type session struct {
	Session
	timer Timer
}

// Manager owns every call session of one local user, at most one per peer.
// Local actions (Dial, Answer, Decline, Hangup) send through the Signaler;
// remote signals (On*) only change state. Inputs that do not apply return
// ErrIgnored and leave the session as it was.
type Manager struct {
	self        string
	signaler    Signaler
	ringTimeout time.Duration
	afterFunc   AfterFunc
	observer    func(Transition)

	mu        sync.Mutex
	sessions  map[string]*session
	pending   []Transition
	reporting bool
}

type Option func(*Manager)

// WithObserver reports every state change outside the manager lock, in the
// order the changes were applied. Transitions queued while another goroutine
// is reporting are delivered by that goroutine. The observer may call back
// into the manager.
func WithObserver(fn func(Transition)) Option {
	return func(m *Manager) { m.observer = fn }
}

func WithAfterFunc(fn AfterFunc) Option {
	return func(m *Manager) { m.afterFunc = fn }
}

func NewManager(self string, s Signaler, ringTimeout time.Duration, opts ...Option) *Manager {
	m := &Manager{
		self:        self,
		signaler:    s,
		ringTimeout: ringTimeout,
		afterFunc:   realAfterFunc,
		observer:    func(Transition) {},
		sessions:    make(map[string]*session),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Session returns the current session with peer.
func (m *Manager) Session(peer string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[peer]
	if !ok {
		return Session{Peer: peer, State: Idle}, false
	}
	return s.Session, true
}

func (m *Manager) stateLocked(peer string) (*session, State) {
	s, ok := m.sessions[peer]
	if !ok {
		return nil, Idle
	}
	return s, s.State
}

// apply moves s along the table. The ring timer is stopped whenever the call
// leaves Ringing.
func (m *Manager) apply(s *session, in Input, reason EndReason) (Transition, error) {
	next, err := Next(s.State, in)
	if err != nil {
		return Transition{}, err
	}
	t := Transition{Peer: s.Peer, Direction: s.Direction, From: s.State, To: next}
	s.State = next
	if next == Ended {
		s.EndReason = reason
		t.Reason = reason
	}
	if next != Ringing && s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	return t, nil
}

// startLocked opens a new ringing session, replacing an ended one.
func (m *Manager) startLocked(peer string, dir Direction, remote json.RawMessage) (*session, Transition, error) {
	_, st := m.stateLocked(peer)
	if _, err := Next(st, Offer); err != nil {
		return nil, Transition{}, err
	}
	s := &session{Session: Session{Peer: peer, Direction: dir, State: Ringing, RemoteSignal: remote}}
	m.sessions[peer] = s
	s.timer = m.afterFunc(m.ringTimeout, func() { m.ringExpired(s) })
	return s, Transition{Peer: peer, Direction: dir, From: st, To: Ringing}, nil
}

func (m *Manager) ringExpired(s *session) {
	m.mu.Lock()
	if m.sessions[s.Peer] != s || s.State != Ringing {
		m.mu.Unlock()
		return
	}
	s.timer = nil
	if t, err := m.apply(s, RingTimeout, ReasonNoAnswer); err == nil {
		m.pending = append(m.pending, t)
	}
	m.mu.Unlock()
	m.report()
}

// commitLocked queues transitions for the observer and releases the lock.
func (m *Manager) commitLocked(ts ...Transition) {
	m.pending = append(m.pending, ts...)
	m.mu.Unlock()
	m.report()
}

// report drains the pending queue unless another goroutine already is.
func (m *Manager) report() {
	m.mu.Lock()
	if m.reporting {
		m.mu.Unlock()
		return
	}
	m.reporting = true
	for len(m.pending) > 0 {
		batch := m.pending
		m.pending = nil
		m.mu.Unlock()
		for _, t := range batch {
			m.observer(t)
		}
		m.mu.Lock()
	}
	m.reporting = false
	m.mu.Unlock()
}

// Dial starts an outgoing call and sends the offer.
func (m *Manager) Dial(ctx context.Context, peer string, offer json.RawMessage) error {
	if peer == m.self {
		return errors.New("cannot call yourself")
	}
	m.mu.Lock()
	s, t, err := m.startLocked(peer, Outgoing, nil)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.commitLocked(t)

	if err := m.signaler.CallUser(ctx, peer, offer); err != nil {
		m.fail(s)
		return err
	}
	return nil
}

func (m *Manager) fail(s *session) {
	m.mu.Lock()
	if m.sessions[s.Peer] != s {
		m.mu.Unlock()
		return
	}
	t, err := m.apply(s, End, ReasonFailed)
	if err != nil {
		m.mu.Unlock()
		return
	}
	m.commitLocked(t)
}

// Answer accepts an incoming ringing call and sends the answer.
func (m *Manager) Answer(ctx context.Context, peer string, answer json.RawMessage) error {
	m.mu.Lock()
	s, _ := m.stateLocked(peer)
	if s == nil || s.Direction != Incoming {
		m.mu.Unlock()
		return ErrIgnored
	}
	t, err := m.apply(s, Accept, "")
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.commitLocked(t)
	return m.signaler.AnswerCall(ctx, peer, answer)
}

// Decline rejects an incoming ringing call.
func (m *Manager) Decline(ctx context.Context, peer string) error {
	m.mu.Lock()
	s, _ := m.stateLocked(peer)
	if s == nil || s.Direction != Incoming {
		m.mu.Unlock()
		return ErrIgnored
	}
	t, err := m.apply(s, Decline, ReasonDeclined)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.commitLocked(t)
	return m.signaler.DeclineCall(ctx, peer)
}

// Hangup ends a ringing or active call from this side.
func (m *Manager) Hangup(ctx context.Context, peer string) error {
	m.mu.Lock()
	s, _ := m.stateLocked(peer)
	if s == nil {
		m.mu.Unlock()
		return ErrIgnored
	}
	t, err := m.apply(s, End, ReasonHangup)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.commitLocked(t)
	return m.signaler.EndCall(ctx, peer)
}

// OnOffer handles an incoming call-user from peer. When our own call to the
// same peer is still ringing the offer from the smaller user id wins: the
// loser drops its outgoing call without signaling and rings as callee, the
// winner ignores the loser's offer.
func (m *Manager) OnOffer(peer string, offer json.RawMessage) error {
	m.mu.Lock()
	s, st := m.stateLocked(peer)
	var ts []Transition
	if st == Ringing {
		if s.Direction == Incoming || m.self < peer {
			m.mu.Unlock()
			return ErrIgnored
		}
		t, err := m.apply(s, End, ReasonSuperseded)
		if err != nil {
			m.mu.Unlock()
			return err
		}
		ts = append(ts, t)
	}
	_, t, err := m.startLocked(peer, Incoming, offer)
	if err != nil {
		m.commitLocked(ts...)
		return err
	}
	m.commitLocked(append(ts, t)...)
	return nil
}

// OnAccepted handles call-accepted for our outgoing call.
func (m *Manager) OnAccepted(peer string, answer json.RawMessage) error {
	m.mu.Lock()
	s, _ := m.stateLocked(peer)
	if s == nil || s.Direction != Outgoing {
		m.mu.Unlock()
		return ErrIgnored
	}
	t, err := m.apply(s, Accept, "")
	if err != nil {
		m.mu.Unlock()
		return err
	}
	s.RemoteSignal = answer
	m.commitLocked(t)
	return nil
}

// OnDeclined handles call-declined for our outgoing call.
func (m *Manager) OnDeclined(peer string) error {
	m.mu.Lock()
	s, _ := m.stateLocked(peer)
	if s == nil || s.Direction != Outgoing {
		m.mu.Unlock()
		return ErrIgnored
	}
	t, err := m.apply(s, Decline, ReasonDeclined)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.commitLocked(t)
	return nil
}

// OnEnded handles call-ended from peer in either direction.
func (m *Manager) OnEnded(peer string) error {
	m.mu.Lock()
	s, _ := m.stateLocked(peer)
	if s == nil {
		m.mu.Unlock()
		return ErrIgnored
	}
	t, err := m.apply(s, End, ReasonRemoteHangup)
	if err != nil {
		m.mu.Unlock()
		return err
	}
	m.commitLocked(t)
	return nil
}

// Close stops pending ring timers.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.sessions {
		if s.timer != nil {
			s.timer.Stop()
			s.timer = nil
		}
	}
}
