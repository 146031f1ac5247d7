// Package hoot tracks who is listening to which hoot line and fans voice
// activity out to them. Monitoring is broadcast and never reserves a line.
package hoot

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/foleys1972/Mobile-trader/internal/apperr"
	"github.com/foleys1972/Mobile-trader/internal/bank"
	"github.com/foleys1972/Mobile-trader/internal/gateway"
	"github.com/foleys1972/Mobile-trader/internal/line"
)

// ActivityWindow is how long a speaking sample counts as current activity.
const ActivityWindow = 2 * time.Second

// Registry looks up configured lines.
type Registry interface {
	Line(bankID, lineID string) (bank.Line, error)
}

// Subscription is one user monitoring one hoot line.
type Subscription struct {
	BankID string    `json:"bank_id"`
	LineID string    `json:"line_id"`
	UserID string    `json:"user_id"`
	Muted  bool      `json:"muted"`
	Since  time.Time `json:"since"`
}

// Activity is a voice activity snapshot of a hoot line.
type Activity struct {
	BankID      string    `json:"bank_id"`
	LineID      string    `json:"line_id"`
	Level       float64   `json:"level"`
	Speaking    bool      `json:"speaking"`
	At          time.Time `json:"at,omitzero"`
	HasActivity bool      `json:"has_activity"`
}

type subscriber struct {
	sub Subscription
	// mailbox holds only the latest undelivered activity.
	mailbox chan Activity
}

type lineState struct {
	mu   sync.Mutex
	subs map[string]*subscriber
	last *Activity
}

// Monitor owns hoot subscriptions and activity snapshots.
type Monitor struct {
	registry Registry

	mu    sync.RWMutex
	lines map[line.Key]*lineState

	logger  *slog.Logger
	nowFunc func() time.Time
}

// NewMonitor creates a hoot monitor.
func NewMonitor(registry Registry, logger *slog.Logger) *Monitor {
	return &Monitor{
		registry: registry,
		lines:    make(map[line.Key]*lineState),
		logger:   logger.With("subsystem", "hoot"),
		nowFunc:  time.Now,
	}
}

// hootLine verifies the key names a configured hoot line.
func (m *Monitor) hootLine(op string, key line.Key) error {
	l, err := m.registry.Line(key.BankID, key.LineID)
	if err != nil {
		return err
	}
	if l.Kind != bank.KindHoot {
		return &apperr.Error{
			Kind:     apperr.ErrConflict,
			Op:       op,
			BankID:   key.BankID,
			LineID:   key.LineID,
			Current:  string(l.Kind),
			Expected: string(bank.KindHoot),
			Reason:   "not a hoot line",
		}
	}
	return nil
}

func (m *Monitor) state(key line.Key, create bool) *lineState {
	m.mu.RLock()
	st, ok := m.lines[key]
	m.mu.RUnlock()
	if ok || !create {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok = m.lines[key]; !ok {
		st = &lineState{subs: make(map[string]*subscriber)}
		m.lines[key] = st
	}
	return st
}

// Start subscribes a user to a hoot line, replacing an existing
// subscription's mute state.
func (m *Monitor) Start(_ context.Context, key line.Key, userID string, muted bool) (Subscription, error) {
	const op = "start monitoring"
	if userID == "" {
		return Subscription{}, apperr.Invalid(op, "user id is required")
	}
	if err := m.hootLine(op, key); err != nil {
		return Subscription{}, err
	}

	st := m.state(key, true)
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.subs[userID]
	if !ok {
		s = &subscriber{
			sub: Subscription{
				BankID: key.BankID,
				LineID: key.LineID,
				UserID: userID,
				Since:  m.nowFunc(),
			},
			mailbox: make(chan Activity, 1),
		}
		st.subs[userID] = s
	}
	s.sub.Muted = muted

	m.logger.Info("monitoring started", "bank_id", key.BankID, "line_id", key.LineID, "user_id", userID, "muted", muted)
	return s.sub, nil
}

// Stop removes a subscription. Stopping an absent subscription is a no-op.
func (m *Monitor) Stop(key line.Key, userID string) {
	st := m.state(key, false)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.subs[userID]
	if !ok {
		return
	}
	delete(st.subs, userID)
	close(s.mailbox)
	m.logger.Info("monitoring stopped", "bank_id", key.BankID, "line_id", key.LineID, "user_id", userID)
}

func subscriptionNotFound(op string, key line.Key, userID string) error {
	return &apperr.Error{
		Kind:   apperr.ErrNotFound,
		Op:     op,
		BankID: key.BankID,
		LineID: key.LineID,
		UserID: userID,
		Reason: "no monitoring subscription",
	}
}

// ToggleMute flips the mute state of an existing subscription.
func (m *Monitor) ToggleMute(key line.Key, userID string) (Subscription, error) {
	const op = "toggle mute"
	st := m.state(key, false)
	if st == nil {
		return Subscription{}, subscriptionNotFound(op, key, userID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()

	s, ok := st.subs[userID]
	if !ok {
		return Subscription{}, subscriptionNotFound(op, key, userID)
	}
	s.sub.Muted = !s.sub.Muted
	return s.sub, nil
}

// Subscription returns one user's subscription to a line.
func (m *Monitor) Subscription(key line.Key, userID string) (Subscription, error) {
	st := m.state(key, false)
	if st == nil {
		return Subscription{}, subscriptionNotFound("get subscription", key, userID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.subs[userID]
	if !ok {
		return Subscription{}, subscriptionNotFound("get subscription", key, userID)
	}
	return s.sub, nil
}

// List returns the subscriptions of a line ordered by user.
func (m *Monitor) List(key line.Key) []Subscription {
	st := m.state(key, false)
	if st == nil {
		return []Subscription{}
	}
	st.mu.Lock()
	out := make([]Subscription, 0, len(st.subs))
	for _, s := range st.subs {
		out = append(out, s.sub)
	}
	st.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

// Updates returns the channel carrying activity for one subscription. The
// channel is closed when the subscription stops.
func (m *Monitor) Updates(key line.Key, userID string) (<-chan Activity, error) {
	st := m.state(key, false)
	if st == nil {
		return nil, subscriptionNotFound("watch activity", key, userID)
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	s, ok := st.subs[userID]
	if !ok {
		return nil, subscriptionNotFound("watch activity", key, userID)
	}
	return s.mailbox, nil
}

// Ingest records the latest activity of a hoot line and offers it to every
// unmuted subscriber. It never waits on a subscriber.
func (m *Monitor) Ingest(key line.Key, level float64, speaking bool) error {
	if err := m.hootLine("ingest activity", key); err != nil {
		return err
	}
	a := Activity{
		BankID:      key.BankID,
		LineID:      key.LineID,
		Level:       level,
		Speaking:    speaking,
		At:          m.nowFunc(),
		HasActivity: true,
	}

	st := m.state(key, true)
	st.mu.Lock()
	defer st.mu.Unlock()

	st.last = &a
	for _, s := range st.subs {
		if s.sub.Muted {
			continue
		}
		// Replace any undelivered value with the newest one.
		select {
		case <-s.mailbox:
		default:
		}
		select {
		case s.mailbox <- a:
		default:
		}
	}
	return nil
}

// Activity returns the latest snapshot of a line. HasActivity is false when
// nothing was ingested or the last sample is older than ActivityWindow.
func (m *Monitor) Activity(key line.Key, now time.Time) (Activity, error) {
	if err := m.hootLine("get activity", key); err != nil {
		return Activity{}, err
	}
	empty := Activity{BankID: key.BankID, LineID: key.LineID}

	st := m.state(key, false)
	if st == nil {
		return empty, nil
	}
	st.mu.Lock()
	last := st.last
	st.mu.Unlock()
	if last == nil {
		return empty, nil
	}

	a := *last
	if now.Sub(a.At) > ActivityWindow {
		a.Speaking = false
		a.HasActivity = false
	}
	return a, nil
}

// Prune drops the subscriptions and activity of a bank's lines that are
// absent from keep. Their update channels are closed.
func (m *Monitor) Prune(bankID string, keep []bank.Line) {
	live := make(map[string]bool, len(keep))
	for _, l := range keep {
		live[l.ID] = true
	}

	m.mu.Lock()
	var dropped []*lineState
	for k, st := range m.lines {
		if k.BankID == bankID && !live[k.LineID] {
			dropped = append(dropped, st)
			delete(m.lines, k)
		}
	}
	m.mu.Unlock()

	n := 0
	for _, st := range dropped {
		st.mu.Lock()
		for userID, s := range st.subs {
			delete(st.subs, userID)
			close(s.mailbox)
			n++
		}
		st.last = nil
		st.mu.Unlock()
	}
	if n > 0 {
		m.logger.Info("monitoring dropped for removed lines", "bank_id", bankID, "subscriptions", n)
	}
}

// Forget drops every subscription of a bank. Used after a bank is removed.
func (m *Monitor) Forget(bankID string) {
	m.Prune(bankID, nil)
}

// Now returns the monitor's current time.
func (m *Monitor) Now() time.Time {
	return m.nowFunc()
}

// MonitorCount returns the number of subscriptions across all lines.
func (m *Monitor) MonitorCount() int {
	m.mu.RLock()
	states := make([]*lineState, 0, len(m.lines))
	for _, st := range m.lines {
		states = append(states, st)
	}
	m.mu.RUnlock()

	n := 0
	for _, st := range states {
		st.mu.Lock()
		n += len(st.subs)
		st.mu.Unlock()
	}
	return n
}

// AudioActivity feeds a gateway voice activity sample into Ingest.
func (m *Monitor) AudioActivity(bankID, lineID string, level float64, speaking bool) error {
	return m.Ingest(line.Key{BankID: bankID, LineID: lineID}, level, speaking)
}

var _ gateway.AudioEvents = (*Monitor)(nil)
