package bank

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"

	"github.com/foleys1972/Mobile-trader/internal/apperr"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memStore is an in-memory Store for tests.
type memStore struct {
	mu    sync.Mutex
	banks map[string]Bank
	err   error
}

func newMemStore() *memStore {
	return &memStore{banks: make(map[string]Bank)}
}

func (s *memStore) SaveBank(_ context.Context, b Bank) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.banks[b.ID] = b.Clone()
	return nil
}

func (s *memStore) DeleteBank(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.banks, id)
	return nil
}

func (s *memStore) ListBanks(_ context.Context) ([]Bank, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Bank
	for _, b := range s.banks {
		out = append(out, b.Clone())
	}
	return out, nil
}

func sampleBank() Bank {
	return Bank{
		ID:        "B1",
		Name:      "First Bank",
		SBC:       Endpoint{Host: "sbc.b1.example"},
		SIPDomain: "b1.example",
		Lines: []Line{
			{ID: "hoot-1", Name: "Trading Floor", Number: "1001", Kind: KindHoot, Status: "active", Participants: []string{"U1", "U2"}},
			{ID: "L1", Name: "Emergency Line", Number: "2001", Kind: KindARD, Status: StatusReady},
			{ID: "mrd-1", Name: "Client A", Number: "3001", Kind: KindMRD},
			{ID: "L2", Name: "Compliance", Number: "2002", Kind: KindARD, Status: StatusInactive},
		},
	}
}

func TestConfigureAppliesDefaults(t *testing.T) {
	r := NewRegistry(nil, testLogger())

	b, err := r.Configure(context.Background(), sampleBank())
	if err != nil {
		t.Fatalf("Configure() error: %v", err)
	}
	if b.SBC.Port != 5061 {
		t.Errorf("SBC.Port = %d, want 5061", b.SBC.Port)
	}
	if b.AudioCodes.Port != 5060 {
		t.Errorf("AudioCodes.Port = %d, want 5060", b.AudioCodes.Port)
	}
	if b.SBC.Transport != "udp" {
		t.Errorf("SBC.Transport = %q, want udp", b.SBC.Transport)
	}
	if b.Lines[0].Status != StatusReady {
		t.Errorf("legacy active status = %q, want ready", b.Lines[0].Status)
	}
	if b.Lines[2].Status != StatusReady {
		t.Errorf("empty status = %q, want ready", b.Lines[2].Status)
	}
}

func TestConfigureRejectsInvalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Bank)
	}{
		{"missing bank id", func(b *Bank) { b.ID = "" }},
		{"duplicate line", func(b *Bank) { b.Lines[1].ID = "hoot-1" }},
		{"unknown kind", func(b *Bank) { b.Lines[0].Kind = "intercom" }},
		{"unknown status", func(b *Bank) { b.Lines[0].Status = "ringing" }},
		{"bad transport", func(b *Bank) { b.SBC.Transport = "sctp" }},
		{"bad port", func(b *Bank) { b.SBC.Port = 70000 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRegistry(nil, testLogger())
			b := sampleBank()
			tt.mutate(&b)
			_, err := r.Configure(context.Background(), b)
			if !errors.Is(err, apperr.ErrInvalid) {
				t.Fatalf("Configure() error = %v, want ErrInvalid", err)
			}
			if _, err := r.Get(b.ID); !errors.Is(err, apperr.ErrNotFound) && b.ID != "" {
				t.Errorf("invalid configuration was applied")
			}
		})
	}
}

func TestConfigureReplacesAtomically(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	ctx := context.Background()

	if _, err := r.Configure(ctx, sampleBank()); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}

	replacement := Bank{
		ID:    "B1",
		Name:  "First Bank",
		SBC:   Endpoint{Host: "sbc2.b1.example"},
		Lines: []Line{{ID: "L9", Number: "2999", Kind: KindARD}},
	}
	if _, err := r.Configure(ctx, replacement); err != nil {
		t.Fatalf("Configure() replacement error: %v", err)
	}

	lines, err := r.ListLines("B1", nil)
	if err != nil {
		t.Fatalf("ListLines() error: %v", err)
	}
	if len(lines) != 1 || lines[0].ID != "L9" {
		t.Errorf("lines = %+v, want only L9", lines)
	}
	if _, err := r.Line("B1", "L1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("Line(L1) error = %v, want ErrNotFound", err)
	}
}

func TestGetUnknownBank(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	_, err := r.Get("nope")
	if !errors.Is(err, apperr.ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestListLinesOrderAndFilter(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	if _, err := r.Configure(context.Background(), sampleBank()); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}

	all, err := r.ListLines("B1", nil)
	if err != nil {
		t.Fatalf("ListLines() error: %v", err)
	}
	want := []string{"hoot-1", "L1", "mrd-1", "L2"}
	if len(all) != len(want) {
		t.Fatalf("got %d lines, want %d", len(all), len(want))
	}
	for i, id := range want {
		if all[i].ID != id {
			t.Errorf("line[%d] = %q, want %q", i, all[i].ID, id)
		}
	}

	ard := KindARD
	ards, err := r.ListLines("B1", &ard)
	if err != nil {
		t.Fatalf("ListLines(ard) error: %v", err)
	}
	if len(ards) != 2 || ards[0].ID != "L1" || ards[1].ID != "L2" {
		t.Errorf("ard lines = %+v, want L1, L2", ards)
	}
}

func TestReturnedBankIsCopy(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	if _, err := r.Configure(context.Background(), sampleBank()); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}

	b, _ := r.Get("B1")
	b.Lines[0].Participants[0] = "mutated"

	l, _ := r.Line("B1", "hoot-1")
	if l.Participants[0] != "U1" {
		t.Errorf("registry state mutated through returned copy: %v", l.Participants)
	}
}

func TestParticipants(t *testing.T) {
	r := NewRegistry(nil, testLogger())
	ctx := context.Background()
	if _, err := r.Configure(ctx, sampleBank()); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}

	l, err := r.AddParticipant(ctx, "B1", "hoot-1", "U3")
	if err != nil {
		t.Fatalf("AddParticipant() error: %v", err)
	}
	if len(l.Participants) != 3 {
		t.Errorf("participants = %v, want 3 entries", l.Participants)
	}

	// Duplicate add is a no-op.
	l, _ = r.AddParticipant(ctx, "B1", "hoot-1", "U3")
	if len(l.Participants) != 3 {
		t.Errorf("participants after duplicate add = %v", l.Participants)
	}

	l, err = r.RemoveParticipant(ctx, "B1", "hoot-1", "U1")
	if err != nil {
		t.Fatalf("RemoveParticipant() error: %v", err)
	}
	if len(l.Participants) != 2 || l.Participants[0] != "U2" {
		t.Errorf("participants after remove = %v", l.Participants)
	}

	if _, err := r.AddParticipant(ctx, "B1", "missing", "U1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("AddParticipant(missing line) error = %v, want ErrNotFound", err)
	}
}

func TestStoreWriteThroughAndRestore(t *testing.T) {
	store := newMemStore()
	ctx := context.Background()

	r := NewRegistry(store, testLogger())
	if _, err := r.Configure(ctx, sampleBank()); err != nil {
		t.Fatalf("Configure() error: %v", err)
	}

	restored := NewRegistry(store, testLogger())
	n, err := restored.Restore(ctx)
	if err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	if n != 1 {
		t.Fatalf("Restore() = %d banks, want 1", n)
	}
	if _, err := restored.Line("B1", "L1"); err != nil {
		t.Errorf("restored Line(L1) error: %v", err)
	}

	if err := restored.Remove(ctx, "B1"); err != nil {
		t.Fatalf("Remove() error: %v", err)
	}
	if len(store.banks) != 0 {
		t.Errorf("store still holds %d banks after remove", len(store.banks))
	}
}

func TestConfigureStoreFailureLeavesStateUnchanged(t *testing.T) {
	store := newMemStore()
	store.err = errors.New("disk full")

	r := NewRegistry(store, testLogger())
	if _, err := r.Configure(context.Background(), sampleBank()); err == nil {
		t.Fatal("expected error when store fails")
	}
	if _, err := r.Get("B1"); !errors.Is(err, apperr.ErrNotFound) {
		t.Errorf("bank applied despite store failure")
	}
}

func TestConcurrentConfigureKeepsStoreInStep(t *testing.T) {
	store := newMemStore()
	reg := NewRegistry(store, testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b := sampleBank()
			b.Name = "Bank " + string(rune('A'+n))
			if _, err := reg.Configure(ctx, b); err != nil {
				t.Errorf("Configure() error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	got, err := reg.Get("B1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	stored := store.banks["B1"]
	if got.Name != stored.Name {
		t.Fatalf("registry holds %q but store holds %q", got.Name, stored.Name)
	}

	restored := NewRegistry(store, testLogger())
	if _, err := restored.Restore(ctx); err != nil {
		t.Fatalf("Restore() error: %v", err)
	}
	again, err := restored.Get("B1")
	if err != nil {
		t.Fatalf("Get() after restore error: %v", err)
	}
	if again.Name != got.Name {
		t.Errorf("restored name = %q, want %q", again.Name, got.Name)
	}
}
