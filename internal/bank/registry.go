// Package bank holds per-tenant configuration: gateway endpoints and the
// trading line inventory of each bank.
package bank

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"sync"

	"github.com/foleys1972/Mobile-trader/internal/apperr"
	"github.com/foleys1972/Mobile-trader/internal/keylock"
)

// Store persists bank configuration snapshots. The registry remains the
// authority; the store only lets configuration survive a restart.
type Store interface {
	SaveBank(ctx context.Context, b Bank) error
	DeleteBank(ctx context.Context, bankID string) error
	ListBanks(ctx context.Context) ([]Bank, error)
}

// snapshot is an immutable view of one bank. Mutations replace the whole
// snapshot so readers never observe a partially applied configuration.
type snapshot struct {
	bank  Bank
	index map[string]int // line id -> position in bank.Lines
}

func newSnapshot(b Bank) *snapshot {
	idx := make(map[string]int, len(b.Lines))
	for i, l := range b.Lines {
		idx[l.ID] = i
	}
	return &snapshot{bank: b, index: idx}
}

// Registry holds the configuration of every bank. Writes to one bank are
// serialized so the store and the in-memory snapshot agree.
type Registry struct {
	mu     sync.RWMutex
	banks  map[string]*snapshot
	writes *keylock.Map
	store  Store
	logger *slog.Logger
}

// NewRegistry creates an empty registry. store may be nil.
func NewRegistry(store Store, logger *slog.Logger) *Registry {
	return &Registry{
		banks:  make(map[string]*snapshot),
		writes: keylock.New(),
		store:  store,
		logger: logger.With("subsystem", "bank-registry"),
	}
}

// Restore loads persisted banks into the registry.
func (r *Registry) Restore(ctx context.Context) (int, error) {
	if r.store == nil {
		return 0, nil
	}
	banks, err := r.store.ListBanks(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing stored banks: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, b := range banks {
		b = b.Clone()
		if err := b.normalize(); err != nil {
			r.logger.Warn("skipping invalid stored bank", "bank_id", b.ID, "error", err)
			continue
		}
		r.banks[b.ID] = newSnapshot(b)
	}
	r.logger.Info("banks restored", "count", len(r.banks))
	return len(r.banks), nil
}

// Configure creates or replaces the configuration of a bank.
func (r *Registry) Configure(ctx context.Context, b Bank) (Bank, error) {
	b = b.Clone()
	if err := b.normalize(); err != nil {
		return Bank{}, &apperr.Error{Kind: apperr.ErrInvalid, Op: "configure bank", BankID: b.ID, Reason: err.Error()}
	}

	unlock := r.writes.Lock(b.ID)
	defer unlock()

	if r.store != nil {
		if err := r.store.SaveBank(ctx, b); err != nil {
			return Bank{}, fmt.Errorf("saving bank %s: %w", b.ID, err)
		}
	}

	r.mu.Lock()
	r.banks[b.ID] = newSnapshot(b)
	r.mu.Unlock()

	r.logger.Info("bank configured", "bank_id", b.ID, "lines", len(b.Lines))
	return b.Clone(), nil
}

// Remove deregisters a bank.
func (r *Registry) Remove(ctx context.Context, bankID string) error {
	unlock := r.writes.Lock(bankID)
	defer unlock()

	r.mu.RLock()
	_, ok := r.banks[bankID]
	r.mu.RUnlock()
	if !ok {
		return bankNotFound("remove bank", bankID)
	}

	if r.store != nil {
		if err := r.store.DeleteBank(ctx, bankID); err != nil {
			return fmt.Errorf("deleting bank %s: %w", bankID, err)
		}
	}

	r.mu.Lock()
	delete(r.banks, bankID)
	r.mu.Unlock()

	r.logger.Info("bank removed", "bank_id", bankID)
	return nil
}

// Get returns a copy of a bank's configuration.
func (r *Registry) Get(bankID string) (Bank, error) {
	s, err := r.snapshot("get bank", bankID)
	if err != nil {
		return Bank{}, err
	}
	return s.bank.Clone(), nil
}

// List returns every configured bank ordered by id.
func (r *Registry) List() []Bank {
	r.mu.RLock()
	banks := make([]Bank, 0, len(r.banks))
	for _, s := range r.banks {
		banks = append(banks, s.bank.Clone())
	}
	r.mu.RUnlock()

	sort.Slice(banks, func(i, j int) bool { return banks[i].ID < banks[j].ID })
	return banks
}

// ListLines returns the lines of a bank in configuration order, optionally
// restricted to one kind.
func (r *Registry) ListLines(bankID string, kind *Kind) ([]Line, error) {
	s, err := r.snapshot("list lines", bankID)
	if err != nil {
		return nil, err
	}
	lines := make([]Line, 0, len(s.bank.Lines))
	for _, l := range s.bank.Lines {
		if kind != nil && l.Kind != *kind {
			continue
		}
		lines = append(lines, l.Clone())
	}
	return lines, nil
}

// Line returns one line of a bank.
func (r *Registry) Line(bankID, lineID string) (Line, error) {
	s, err := r.snapshot("get line", bankID)
	if err != nil {
		return Line{}, err
	}
	i, ok := s.index[lineID]
	if !ok {
		return Line{}, &apperr.Error{Kind: apperr.ErrNotFound, Op: "get line", BankID: bankID, LineID: lineID, Reason: "line not found"}
	}
	return s.bank.Lines[i].Clone(), nil
}

// LineByNumber finds the line of a bank with the given dial number.
func (r *Registry) LineByNumber(bankID, number string) (Line, error) {
	s, err := r.snapshot("find line", bankID)
	if err != nil {
		return Line{}, err
	}
	for _, l := range s.bank.Lines {
		if l.Number == number {
			return l.Clone(), nil
		}
	}
	return Line{}, &apperr.Error{Kind: apperr.ErrNotFound, Op: "find line", BankID: bankID, Reason: "no line with number " + number}
}

// AddParticipant adds a participant to a line. Adding an existing
// participant is a no-op.
func (r *Registry) AddParticipant(ctx context.Context, bankID, lineID, participant string) (Line, error) {
	if participant == "" {
		return Line{}, apperr.Invalid("add participant", "participant is required")
	}
	return r.updateLine(ctx, "add participant", bankID, lineID, func(l *Line) {
		if !slices.Contains(l.Participants, participant) {
			l.Participants = append(l.Participants, participant)
		}
	})
}

// RemoveParticipant removes a participant from a line.
func (r *Registry) RemoveParticipant(ctx context.Context, bankID, lineID, participant string) (Line, error) {
	return r.updateLine(ctx, "remove participant", bankID, lineID, func(l *Line) {
		l.Participants = slices.DeleteFunc(l.Participants, func(p string) bool { return p == participant })
	})
}

// updateLine applies fn to a copy of the bank and swaps the snapshot.
func (r *Registry) updateLine(ctx context.Context, op, bankID, lineID string, fn func(*Line)) (Line, error) {
	unlock := r.writes.Lock(bankID)
	defer unlock()

	s, err := r.snapshot(op, bankID)
	if err != nil {
		return Line{}, err
	}
	i, ok := s.index[lineID]
	if !ok {
		return Line{}, &apperr.Error{Kind: apperr.ErrNotFound, Op: op, BankID: bankID, LineID: lineID, Reason: "line not found"}
	}

	b := s.bank.Clone()
	fn(&b.Lines[i])

	if r.store != nil {
		if err := r.store.SaveBank(ctx, b); err != nil {
			return Line{}, fmt.Errorf("saving bank %s: %w", bankID, err)
		}
	}
	r.mu.Lock()
	r.banks[bankID] = newSnapshot(b)
	r.mu.Unlock()
	return b.Lines[i].Clone(), nil
}

func (r *Registry) snapshot(op, bankID string) (*snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.banks[bankID]
	if !ok {
		return nil, bankNotFound(op, bankID)
	}
	return s, nil
}

func bankNotFound(op, bankID string) error {
	return &apperr.Error{Kind: apperr.ErrNotFound, Op: op, BankID: bankID, Reason: "bank not found"}
}
