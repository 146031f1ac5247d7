package sbc

import (
	"context"
	"fmt"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"

	"github.com/foleys1972/Mobile-trader/internal/bank"
	"github.com/foleys1972/Mobile-trader/internal/gateway"
)

const (
	defaultRegisterExpiry = 300
	registerTimeout       = 10 * time.Second
)

// tenant holds the registration state of one bank.
type tenant struct {
	bank   bank.Bank
	result gateway.RegistrationResult
	cancel context.CancelFunc
	done   chan struct{}
}

// RegisterTenant registers the bank with its SBC and keeps the
// registration fresh in the background. The result reports the first
// attempt; later refreshes update Registrations.
func (a *Adapter) RegisterTenant(ctx context.Context, b bank.Bank) gateway.RegistrationResult {
	a.StopTenant(b.ID)

	if b.SBC.Host == "" {
		res := gateway.RegistrationResult{
			BankID: b.ID,
			State:  gateway.RegistrationFailed,
			Reason: "sbc host is not configured",
		}
		a.mu.Lock()
		a.tenants[b.ID] = &tenant{bank: b.Clone(), result: res}
		a.mu.Unlock()
		return res
	}

	// The refresh loop outlives the request that started it.
	loopCtx, cancel := context.WithCancel(context.Background())
	t := &tenant{
		bank:   b.Clone(),
		cancel: cancel,
		done:   make(chan struct{}),
		result: gateway.RegistrationResult{BankID: b.ID, State: gateway.RegistrationPending},
	}
	a.mu.Lock()
	a.tenants[b.ID] = t
	a.mu.Unlock()

	a.logger.Info("registering tenant",
		"bank_id", b.ID,
		"host", b.SBC.Host,
		"port", b.SBC.Port,
		"transport", b.SBC.Transport,
	)

	attemptCtx, attemptCancel := context.WithTimeout(ctx, registerTimeout)
	granted, err := a.sendRegister(attemptCtx, t.bank, defaultRegisterExpiry)
	attemptCancel()

	var res gateway.RegistrationResult
	if err != nil {
		res = gateway.RegistrationResult{BankID: b.ID, State: gateway.RegistrationFailed, Reason: err.Error()}
		a.logger.Error("tenant registration failed", "bank_id", b.ID, "error", err)
	} else {
		expiresAt := time.Now().Add(time.Duration(granted) * time.Second)
		res = gateway.RegistrationResult{BankID: b.ID, Success: true, State: gateway.RegistrationRegistered, ExpiresAt: &expiresAt}
		a.logger.Info("tenant registered", "bank_id", b.ID, "expires_in", granted)
	}
	a.setRegistration(b.ID, res)

	go a.registrationLoop(loopCtx, t, granted, err)
	return res
}

// StopTenant cancels a tenant's refresh loop and un-registers it.
func (a *Adapter) StopTenant(bankID string) {
	a.mu.Lock()
	t, ok := a.tenants[bankID]
	if ok {
		delete(a.tenants, bankID)
	}
	a.mu.Unlock()
	if !ok || t.cancel == nil {
		return
	}

	t.cancel()
	<-t.done

	if t.result.State == gateway.RegistrationRegistered {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if _, err := a.sendRegister(ctx, t.bank, 0); err != nil {
			a.logger.Warn("failed to un-register tenant", "bank_id", bankID, "error", err)
		}
	}
	a.logger.Info("tenant registration stopped", "bank_id", bankID)
}

// Registrations returns the registration state of every tenant.
func (a *Adapter) Registrations() []gateway.RegistrationResult {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]gateway.RegistrationResult, 0, len(a.tenants))
	for _, t := range a.tenants {
		out = append(out, t.result)
	}
	return out
}

// Registration returns the registration state of one tenant.
func (a *Adapter) Registration(bankID string) (gateway.RegistrationResult, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	t, ok := a.tenants[bankID]
	if !ok {
		return gateway.RegistrationResult{}, false
	}
	return t.result, true
}

func (a *Adapter) setRegistration(bankID string, res gateway.RegistrationResult) gateway.RegistrationResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	if t, ok := a.tenants[bankID]; ok {
		t.result = res
	}
	return res
}

// registrationLoop refreshes a registration before it expires and retries
// failures with backoff.
func (a *Adapter) registrationLoop(ctx context.Context, t *tenant, granted int, lastErr error) {
	defer close(t.done)
	b := &backoff{baseDelay: 5 * time.Second, maxDelay: 5 * time.Minute}

	for {
		var wait time.Duration
		if lastErr != nil {
			wait = b.next()
			a.logger.Warn("tenant registration retry scheduled",
				"bank_id", t.bank.ID,
				"attempt", b.attempt,
				"retry_in", wait.String(),
			)
		} else {
			b.reset()
			wait = refreshInterval(granted)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}

		attemptCtx, cancel := context.WithTimeout(ctx, registerTimeout)
		granted, lastErr = a.sendRegister(attemptCtx, t.bank, defaultRegisterExpiry)
		cancel()
		if ctx.Err() != nil {
			return
		}

		if lastErr != nil {
			a.setRegistration(t.bank.ID, gateway.RegistrationResult{
				BankID: t.bank.ID,
				State:  gateway.RegistrationFailed,
				Reason: lastErr.Error(),
			})
			a.logger.Error("tenant registration failed", "bank_id", t.bank.ID, "error", lastErr)
			continue
		}
		expiresAt := time.Now().Add(time.Duration(granted) * time.Second)
		a.setRegistration(t.bank.ID, gateway.RegistrationResult{
			BankID:    t.bank.ID,
			Success:   true,
			State:     gateway.RegistrationRegistered,
			ExpiresAt: &expiresAt,
		})
		a.logger.Debug("tenant registration refreshed", "bank_id", t.bank.ID, "expires_in", granted)
	}
}

// refreshInterval re-registers at 80% of the granted expiry.
func refreshInterval(granted int) time.Duration {
	if granted <= 0 {
		granted = defaultRegisterExpiry
	}
	return time.Duration(float64(granted)*0.8) * time.Second
}

// sendRegister sends a REGISTER for the bank, answering a digest challenge
// if the SBC sends one. It returns the expiry granted by the SBC.
func (a *Adapter) sendRegister(ctx context.Context, b bank.Bank, expiry int) (int, error) {
	recipientStr := fmt.Sprintf("sip:%s:%d", b.SBC.Host, b.SBC.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return 0, fmt.Errorf("parsing recipient uri: %w", err)
	}

	req := sip.NewRequest(sip.REGISTER, recipient)
	req.SetTransport(strings.ToUpper(b.SBC.Transport))

	aor := fmt.Sprintf("<sip:%s@%s>", registerUser(b), domainFor(b))
	req.AppendHeader(sip.NewHeader("From", aor))
	req.AppendHeader(sip.NewHeader("To", aor))
	req.AppendHeader(sip.NewHeader("Contact", fmt.Sprintf("<sip:%s@%s:%d>", registerUser(b), a.cfg.Host, a.cfg.Port)))
	req.AppendHeader(sip.NewHeader("Expires", strconv.Itoa(expiry)))

	tx, err := a.client.TransactionRequest(ctx, req, sipgo.ClientRequestRegisterBuild)
	if err != nil {
		return 0, fmt.Errorf("sending register: %w", err)
	}
	res, err := getResponse(ctx, tx)
	tx.Terminate()
	if err != nil {
		return 0, fmt.Errorf("waiting for register response: %w", err)
	}

	if res.StatusCode == 401 || res.StatusCode == 407 {
		authReq, err := authorize(req, res, recipientStr, b.Username, b.Password)
		if err != nil {
			return 0, err
		}
		tx2, err := a.client.TransactionRequest(ctx, authReq,
			sipgo.ClientRequestIncreaseCSEQ,
			sipgo.ClientRequestAddVia,
		)
		if err != nil {
			return 0, fmt.Errorf("sending authenticated register: %w", err)
		}
		res, err = getResponse(ctx, tx2)
		tx2.Terminate()
		if err != nil {
			return 0, fmt.Errorf("waiting for authenticated register response: %w", err)
		}
	}

	if res.StatusCode != 200 {
		return 0, fmt.Errorf("register failed with status %d %s", res.StatusCode, res.Reason)
	}

	granted := expiry
	if h := res.GetHeader("Contact"); h != nil {
		if v := parseContactExpires(h.Value()); v > 0 {
			granted = v
		}
	} else if h := res.GetHeader("Expires"); h != nil {
		if v := parseExpiresHeader(h.Value()); v > 0 {
			granted = v
		}
	}
	return granted, nil
}

// authorize answers a 401/407 challenge with a copy of req carrying the
// digest credentials.
func authorize(req *sip.Request, challenge *sip.Response, uri, username, password string) (*sip.Request, error) {
	authHeader, authzHeader := "WWW-Authenticate", "Authorization"
	if challenge.StatusCode == 407 {
		authHeader, authzHeader = "Proxy-Authenticate", "Proxy-Authorization"
	}

	h := challenge.GetHeader(authHeader)
	if h == nil {
		return nil, fmt.Errorf("received %d but no %s header", challenge.StatusCode, authHeader)
	}
	chal, err := digest.ParseChallenge(h.Value())
	if err != nil {
		return nil, fmt.Errorf("parsing auth challenge: %w", err)
	}
	cred, err := digest.Digest(chal, digest.Options{
		Method:   req.Method.String(),
		URI:      uri,
		Username: username,
		Password: password,
	})
	if err != nil {
		return nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := req.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))
	return authReq, nil
}

// registerUser is the user part of the tenant's address of record.
func registerUser(b bank.Bank) string {
	if b.Username != "" {
		return b.Username
	}
	return b.ID
}

func domainFor(b bank.Bank) string {
	if b.SIPDomain != "" {
		return b.SIPDomain
	}
	return b.SBC.Host
}

// getResponse waits for the first response of a client transaction.
func getResponse(ctx context.Context, tx sip.ClientTransaction) (*sip.Response, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-tx.Done():
		return nil, fmt.Errorf("transaction terminated: %w", tx.Err())
	case res := <-tx.Responses():
		return res, nil
	}
}

// parseContactExpires extracts the expires parameter of a Contact value
// such as <sip:user@host>;expires=3600. It returns 0 when absent.
func parseContactExpires(contactValue string) int {
	lower := strings.ToLower(contactValue)
	idx := strings.Index(lower, ";expires=")
	if idx < 0 {
		return 0
	}
	rest := contactValue[idx+len(";expires="):]
	if end := strings.IndexAny(rest, ";,> \t"); end > 0 {
		rest = rest[:end]
	}
	v, err := strconv.Atoi(strings.TrimSpace(rest))
	if err != nil {
		return 0
	}
	return v
}

// parseExpiresHeader parses an Expires header value in seconds.
func parseExpiresHeader(value string) int {
	v, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0
	}
	return v
}

// backoff is exponential with ±20% jitter so that banks sharing an SBC do
// not retry in lockstep.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
