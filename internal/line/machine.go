// Package line owns the runtime status of every trading line. The bank
// registry supplies the inventory and the initial status; from then on the
// status changes only through the transitions defined here.
package line

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/looplab/fsm"

	"github.com/foleys1972/Mobile-trader/internal/apperr"
	"github.com/foleys1972/Mobile-trader/internal/bank"
)

// Transition events.
const (
	eventActivate   = "activate"
	eventDeactivate = "deactivate"
	eventReserve    = "reserve"
	eventRelease    = "release"
	eventFault      = "fault"
	eventRecover    = "recover"
)

// Key identifies a line. Line ids are only unique within a bank.
type Key struct {
	BankID string
	LineID string
}

func (k Key) String() string {
	return k.BankID + "/" + k.LineID
}

// Registry is the subset of the bank registry the machine reads.
type Registry interface {
	List() []bank.Bank
	Line(bankID, lineID string) (bank.Line, error)
	ListLines(bankID string, kind *bank.Kind) ([]bank.Line, error)
}

// Occupancy reports whether a line still carries an open call. The machine
// never puts an occupied line back into service.
type Occupancy interface {
	Occupied(key Key) bool
}

// Snapshot is a copy of a configured line with its runtime status.
type Snapshot struct {
	BankID string `json:"bank_id"`
	bank.Line
	Reason    string    `json:"reason,omitempty"`
	ChangedAt time.Time `json:"changed_at"`
}

// entry holds the state of one line. All access to fsm goes through mu.
type entry struct {
	mu        sync.Mutex
	fsm       *fsm.FSM
	reason    string
	changedAt time.Time
}

// Machine tracks line status transitions.
type Machine struct {
	mu      sync.Mutex
	entries map[Key]*entry

	registry  Registry
	occupancy Occupancy
	logger    *slog.Logger
	nowFunc  func() time.Time
}

// NewMachine creates a line machine backed by the given registry.
func NewMachine(registry Registry, logger *slog.Logger) *Machine {
	return &Machine{
		entries:  make(map[Key]*entry),
		registry: registry,
		logger:   logger.With("subsystem", "line"),
		nowFunc:  time.Now,
	}
}

// SetOccupancy installs the occupancy check. It must be called before the
// machine is shared.
func (m *Machine) SetOccupancy(o Occupancy) {
	m.occupancy = o
}

func (m *Machine) occupied(key Key) bool {
	return m.occupancy != nil && m.occupancy.Occupied(key)
}

func (m *Machine) newFSM(key Key, initial bank.Status) *fsm.FSM {
	return fsm.NewFSM(
		string(initial),
		fsm.Events{
			{Name: eventActivate, Src: []string{string(bank.StatusInactive)}, Dst: string(bank.StatusReady)},
			{Name: eventDeactivate, Src: []string{string(bank.StatusReady), string(bank.StatusError)}, Dst: string(bank.StatusInactive)},
			{Name: eventReserve, Src: []string{string(bank.StatusReady)}, Dst: string(bank.StatusBusy)},
			{Name: eventRelease, Src: []string{string(bank.StatusBusy)}, Dst: string(bank.StatusReady)},
			{Name: eventFault, Src: []string{string(bank.StatusInactive), string(bank.StatusReady), string(bank.StatusBusy)}, Dst: string(bank.StatusError)},
			{Name: eventRecover, Src: []string{string(bank.StatusError)}, Dst: string(bank.StatusReady)},
		},
		fsm.Callbacks{
			"after_event": func(_ context.Context, e *fsm.Event) {
				m.logger.Debug("line status changed",
					"bank_id", key.BankID,
					"line_id", key.LineID,
					"event", e.Event,
					"from", e.Src,
					"to", e.Dst,
				)
			},
		},
	)
}

// entry returns the state entry of a configured line, creating it from the
// registry's initial status on first use. A line that still carries an open
// call starts busy instead of ready. Entries of lines the registry no longer
// knows are dropped.
func (m *Machine) entry(op string, key Key) (*entry, bank.Line, error) {
	l, err := m.registry.Line(key.BankID, key.LineID)
	if err != nil {
		if errors.Is(err, apperr.ErrNotFound) {
			m.mu.Lock()
			delete(m.entries, key)
			m.mu.Unlock()
		}
		if e, ok := apperr.As(err); ok {
			c := *e
			c.Op = op
			return nil, bank.Line{}, &c
		}
		return nil, bank.Line{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		initial := l.Status
		if initial == bank.StatusReady && m.occupied(key) {
			initial = bank.StatusBusy
		}
		e = &entry{
			fsm:       m.newFSM(key, initial),
			changedAt: m.nowFunc(),
		}
		m.entries[key] = e
	}
	return e, l, nil
}

func (m *Machine) snapshotLocked(key Key, e *entry, l bank.Line) Snapshot {
	l.Status = bank.Status(e.fsm.Current())
	return Snapshot{
		BankID:    key.BankID,
		Line:      l,
		Reason:    e.reason,
		ChangedAt: e.changedAt,
	}
}

// fire runs event on the line when the current state allows it. Otherwise
// it fails with ErrConflict naming the current and expected state.
func (m *Machine) fire(ctx context.Context, op string, key Key, event string, expected bank.Status) (Snapshot, error) {
	e, l, err := m.entry(op, key)
	if err != nil {
		return Snapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.fsm.Can(event) {
		return Snapshot{}, &apperr.Error{
			Kind:     apperr.ErrConflict,
			Op:       op,
			BankID:   key.BankID,
			LineID:   key.LineID,
			Current:  e.fsm.Current(),
			Expected: string(expected),
		}
	}
	if (event == eventRecover || event == eventActivate) && m.occupied(key) {
		return Snapshot{}, &apperr.Error{
			Kind:     apperr.ErrConflict,
			Op:       op,
			BankID:   key.BankID,
			LineID:   key.LineID,
			Current:  e.fsm.Current(),
			Expected: string(expected),
			Reason:   "line has an open call",
		}
	}
	if err := e.fsm.Event(ctx, event); err != nil {
		return Snapshot{}, fmt.Errorf("%s %s: %w", op, key, err)
	}
	if event != eventFault {
		e.reason = ""
	}
	e.changedAt = m.nowFunc()
	return m.snapshotLocked(key, e, l), nil
}

// Reserve moves a ready line to busy. Any other state is a conflict.
func (m *Machine) Reserve(ctx context.Context, key Key) error {
	_, err := m.fire(ctx, "reserve line", key, eventReserve, bank.StatusReady)
	return err
}

// Release moves a busy line back to ready. Releasing a line that faulted
// while busy is absorbed: the error status wins.
func (m *Machine) Release(ctx context.Context, key Key) error {
	e, _, err := m.entry("release line", key)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch bank.Status(e.fsm.Current()) {
	case bank.StatusBusy:
		if err := e.fsm.Event(ctx, eventRelease); err != nil {
			return fmt.Errorf("release line %s: %w", key, err)
		}
		e.changedAt = m.nowFunc()
		return nil
	case bank.StatusError:
		m.logger.Debug("release absorbed by faulted line", "bank_id", key.BankID, "line_id", key.LineID)
		return nil
	default:
		return &apperr.Error{
			Kind:     apperr.ErrConflict,
			Op:       "release line",
			BankID:   key.BankID,
			LineID:   key.LineID,
			Current:  e.fsm.Current(),
			Expected: string(bank.StatusBusy),
		}
	}
}

// Fault moves a line to error from any state. Faulting an errored line
// replaces the recorded reason.
func (m *Machine) Fault(ctx context.Context, key Key, reason string) (Snapshot, error) {
	e, l, err := m.entry("fault line", key)
	if err != nil {
		return Snapshot{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if bank.Status(e.fsm.Current()) != bank.StatusError {
		if err := e.fsm.Event(ctx, eventFault); err != nil {
			return Snapshot{}, fmt.Errorf("fault line %s: %w", key, err)
		}
	}
	e.reason = reason
	e.changedAt = m.nowFunc()

	m.logger.Warn("line faulted", "bank_id", key.BankID, "line_id", key.LineID, "reason", reason)
	return m.snapshotLocked(key, e, l), nil
}

// Recover moves an errored line back to ready. A line whose call is still
// open stays in error until the call ends.
func (m *Machine) Recover(ctx context.Context, key Key) (Snapshot, error) {
	return m.fire(ctx, "recover line", key, eventRecover, bank.StatusError)
}

// Activate moves an inactive line to ready unless a call is still open on it.
func (m *Machine) Activate(ctx context.Context, key Key) (Snapshot, error) {
	return m.fire(ctx, "activate line", key, eventActivate, bank.StatusInactive)
}

// Deactivate takes a ready or errored line out of service.
func (m *Machine) Deactivate(ctx context.Context, key Key) (Snapshot, error) {
	return m.fire(ctx, "deactivate line", key, eventDeactivate, bank.StatusReady)
}

// Snapshot returns the line with its runtime status.
func (m *Machine) Snapshot(key Key) (Snapshot, error) {
	e, l, err := m.entry("get line", key)
	if err != nil {
		return Snapshot{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return m.snapshotLocked(key, e, l), nil
}

// Status returns the runtime status of a line.
func (m *Machine) Status(key Key) (bank.Status, error) {
	s, err := m.Snapshot(key)
	if err != nil {
		return "", err
	}
	return s.Status, nil
}

// List returns the lines of a bank in configuration order with their
// runtime status, optionally restricted to one kind.
func (m *Machine) List(bankID string, kind *bank.Kind) ([]Snapshot, error) {
	lines, err := m.registry.ListLines(bankID, nil)
	if err != nil {
		return nil, err
	}
	m.prune(bankID, lines)

	out := make([]Snapshot, 0, len(lines))
	for _, l := range lines {
		if kind != nil && l.Kind != *kind {
			continue
		}
		key := Key{BankID: bankID, LineID: l.ID}
		e, cur, err := m.entry("list lines", key)
		if err != nil {
			// Removed by a concurrent reconfiguration.
			if errors.Is(err, apperr.ErrNotFound) {
				continue
			}
			return nil, err
		}
		e.mu.Lock()
		out = append(out, m.snapshotLocked(key, e, cur))
		e.mu.Unlock()
	}
	return out, nil
}

// prune drops the entries of a bank that are absent from lines.
func (m *Machine) prune(bankID string, lines []bank.Line) {
	keep := make(map[string]bool, len(lines))
	for _, l := range lines {
		keep[l.ID] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.entries {
		if k.BankID == bankID && !keep[k.LineID] {
			delete(m.entries, k)
		}
	}
}

// Forget drops every entry of a bank. Used after a bank is removed.
func (m *Machine) Forget(bankID string) {
	m.prune(bankID, nil)
}

// StatusCounts returns the number of lines per bank and status.
func (m *Machine) StatusCounts() map[string]map[bank.Status]int {
	counts := make(map[string]map[bank.Status]int)
	for _, b := range m.registry.List() {
		lines, err := m.List(b.ID, nil)
		if err != nil {
			continue
		}
		byStatus := make(map[bank.Status]int, 4)
		for _, l := range lines {
			byStatus[l.Status]++
		}
		counts[b.ID] = byStatus
	}
	return counts
}
