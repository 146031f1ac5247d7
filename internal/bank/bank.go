package bank

import (
	"fmt"
	"slices"
)

// Kind is the type of a trading line.
type Kind string

const (
	KindHoot Kind = "hoot"
	KindARD  Kind = "ard"
	KindMRD  Kind = "mrd"
)

// Valid reports whether k is a known line kind.
func (k Kind) Valid() bool {
	switch k {
	case KindHoot, KindARD, KindMRD:
		return true
	}
	return false
}

// Status is the availability state of a trading line.
type Status string

const (
	StatusInactive Status = "inactive"
	StatusReady    Status = "ready"
	StatusBusy     Status = "busy"
	StatusError    Status = "error"
)

// Valid reports whether s is a known line status.
func (s Status) Valid() bool {
	switch s {
	case StatusInactive, StatusReady, StatusBusy, StatusError:
		return true
	}
	return false
}

// Endpoint is a signaling peer address.
type Endpoint struct {
	Host      string `json:"host"`
	Port      int    `json:"port"`
	Transport string `json:"transport,omitempty"` // udp, tcp or tls
}

// Line is a persistent trading line as configured for a bank. Status is the
// initial status only; the runtime status is owned by the line state machine.
type Line struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	Number       string   `json:"number"`
	Kind         Kind     `json:"type"`
	Status       Status   `json:"status"`
	Participants []string `json:"participants"`
}

// Bank is one tenant: its gateway endpoints and owned trading lines.
type Bank struct {
	ID         string   `json:"bank_id"`
	Name       string   `json:"bank_name"`
	SBC        Endpoint `json:"oracle_sbc"`
	AudioCodes Endpoint `json:"audiocodes"`
	SIPDomain  string   `json:"sip_domain"`
	Username   string   `json:"username,omitempty"`
	Password   string   `json:"password,omitempty"`
	Lines      []Line   `json:"lines"`
}

const (
	defaultSBCPort        = 5061
	defaultAudioCodesPort = 5060
	defaultTransport      = "udp"
)

// Clone returns a deep copy of b.
func (b Bank) Clone() Bank {
	c := b
	c.Lines = make([]Line, len(b.Lines))
	for i, l := range b.Lines {
		c.Lines[i] = l.Clone()
	}
	return c
}

// Clone returns a deep copy of l.
func (l Line) Clone() Line {
	c := l
	c.Participants = slices.Clone(l.Participants)
	if c.Participants == nil {
		c.Participants = []string{}
	}
	return c
}

// normalize fills defaults and validates the configuration.
func (b *Bank) normalize() error {
	if b.ID == "" {
		return fmt.Errorf("bank_id is required")
	}
	if b.SBC.Port == 0 {
		b.SBC.Port = defaultSBCPort
	}
	if b.AudioCodes.Port == 0 {
		b.AudioCodes.Port = defaultAudioCodesPort
	}
	for _, ep := range []*Endpoint{&b.SBC, &b.AudioCodes} {
		if ep.Transport == "" {
			ep.Transport = defaultTransport
		}
		switch ep.Transport {
		case "udp", "tcp", "tls":
		default:
			return fmt.Errorf("transport must be udp, tcp or tls, got %q", ep.Transport)
		}
		if ep.Port < 1 || ep.Port > 65535 {
			return fmt.Errorf("port must be between 1 and 65535, got %d", ep.Port)
		}
	}

	seen := make(map[string]bool, len(b.Lines))
	for i := range b.Lines {
		l := &b.Lines[i]
		if l.ID == "" {
			return fmt.Errorf("line %d: id is required", i)
		}
		if seen[l.ID] {
			return fmt.Errorf("line %q: duplicate id", l.ID)
		}
		seen[l.ID] = true
		if !l.Kind.Valid() {
			return fmt.Errorf("line %q: type must be hoot, ard or mrd, got %q", l.ID, l.Kind)
		}
		if l.Status == "" {
			l.Status = StatusReady
		}
		// Legacy consoles report open hoot lines as "active". A line also
		// cannot be configured into the middle of a call.
		if l.Status == "active" || l.Status == StatusBusy {
			l.Status = StatusReady
		}
		if !l.Status.Valid() {
			return fmt.Errorf("line %q: unknown status %q", l.ID, l.Status)
		}
		if l.Participants == nil {
			l.Participants = []string{}
		}
	}
	return nil
}
