// Package sbc is the signaling adapter toward a bank's session border
// controller. It registers each tenant, places outbound INVITEs for the
// call manager and offers inbound INVITEs to it.
package sbc

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/foleys1972/Mobile-trader/internal/bank"
	"github.com/foleys1972/Mobile-trader/internal/gateway"
)

// Config holds the local signaling identity.
type Config struct {
	// Host is the address advertised in Contact headers.
	Host string
	// Port is the local SIP listen port.
	Port      int
	UserAgent string
}

// LineResolver maps dialed numbers to configured lines.
type LineResolver interface {
	List() []bank.Bank
	LineByNumber(bankID, number string) (bank.Line, error)
}

// Adapter implements gateway.Adapter over SIP.
type Adapter struct {
	cfg    Config
	ua     *sipgo.UserAgent
	srv    *sipgo.Server
	client *sipgo.Client
	lines  LineResolver
	logger *slog.Logger

	mu      sync.RWMutex
	events  gateway.Events
	tenants map[string]*tenant
	calls   map[string]*dialog // keyed by core call id
	bySIP   map[string]string  // SIP Call-ID -> core call id

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the SIP user agent, client and server.
func New(cfg Config, lines LineResolver, logger *slog.Logger) (*Adapter, error) {
	l := logger.With("subsystem", "sbc")
	if cfg.UserAgent == "" {
		cfg.UserAgent = "Dealerboard"
	}

	ua, err := sipgo.NewUA(
		sipgo.WithUserAgent(cfg.UserAgent),
		sipgo.WithUserAgentHostname(cfg.Host),
	)
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	srv, err := sipgo.NewServer(ua, sipgo.WithServerLogger(l))
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip server: %w", err)
	}

	client, err := sipgo.NewClient(ua, sipgo.WithClientLogger(l))
	if err != nil {
		srv.Close()
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	a := &Adapter{
		cfg:     cfg,
		ua:      ua,
		srv:     srv,
		client:  client,
		lines:   lines,
		logger:  l,
		tenants: make(map[string]*tenant),
		calls:   make(map[string]*dialog),
		bySIP:   make(map[string]string),
	}

	srv.OnInvite(a.handleInvite)
	srv.OnAck(a.handleAck)
	srv.OnBye(a.handleBye)
	srv.OnCancel(a.handleCancel)
	srv.OnOptions(a.handleOptions)
	return a, nil
}

// Bind sets the sink that receives call outcomes and inbound calls.
func (a *Adapter) Bind(events gateway.Events) {
	a.mu.Lock()
	a.events = events
	a.mu.Unlock()
}

func (a *Adapter) sink() gateway.Events {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.events
}

// Start begins listening on UDP and TCP. It returns immediately; the
// listeners stop when ctx is cancelled or Close is called.
func (a *Adapter) Start(ctx context.Context) error {
	ctx, a.cancel = context.WithCancel(ctx)
	addr := fmt.Sprintf("0.0.0.0:%d", a.cfg.Port)

	for _, network := range []string{"udp", "tcp"} {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			a.logger.Info("sip listener starting", "network", network, "addr", addr)
			if err := a.srv.ListenAndServe(ctx, network, addr); err != nil && ctx.Err() == nil {
				a.logger.Error("sip listener stopped", "network", network, "error", err)
			}
		}()
	}
	return nil
}

// Close un-registers every tenant and shuts the SIP stack down.
func (a *Adapter) Close() {
	a.mu.RLock()
	ids := make([]string, 0, len(a.tenants))
	for id := range a.tenants {
		ids = append(ids, id)
	}
	a.mu.RUnlock()
	for _, id := range ids {
		a.StopTenant(id)
	}

	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()
	a.client.Close()
	a.srv.Close()
	a.ua.Close()
	a.logger.Info("sip adapter stopped")
}

// handleAck confirms an answered inbound dialog.
func (a *Adapter) handleAck(req *sip.Request, _ sip.ServerTransaction) {
	a.logger.Debug("sip ack received", "sip_call_id", sipCallID(req), "source", req.Source())
}

func (a *Adapter) handleOptions(req *sip.Request, tx sip.ServerTransaction) {
	res := sip.NewResponseFromRequest(req, 200, "OK", nil)
	res.AppendHeader(sip.NewHeader("Allow", "INVITE, ACK, CANCEL, BYE, OPTIONS"))
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to respond to options", "error", err)
	}
}

func (a *Adapter) respond(req *sip.Request, tx sip.ServerTransaction, code int, reason string) {
	res := sip.NewResponseFromRequest(req, code, reason, nil)
	if err := tx.Respond(res); err != nil {
		a.logger.Error("failed to send response", "code", code, "sip_call_id", sipCallID(req), "error", err)
	}
}

// contact is our Contact header for the given user part.
func (a *Adapter) contact(user string) *sip.ContactHeader {
	return &sip.ContactHeader{Address: sip.Uri{Scheme: "sip", User: user, Host: a.cfg.Host, Port: a.cfg.Port}}
}

func sipCallID(req *sip.Request) string {
	if cid := req.CallID(); cid != nil {
		return cid.Value()
	}
	return ""
}

var _ gateway.Adapter = (*Adapter)(nil)
