package sbc

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/emiago/sipgo/sip"

	"github.com/foleys1972/Mobile-trader/internal/apperr"
	"github.com/foleys1972/Mobile-trader/internal/bank"
	"github.com/foleys1972/Mobile-trader/internal/gateway"
)

// ringTimeout bounds how long an inbound INVITE is held waiting for a
// console to answer.
const ringTimeout = 2 * time.Minute

// handleInvite offers a call from the SBC to the core. A delivered call
// rings until a console answers, the core terminates it or the SBC cancels.
func (a *Adapter) handleInvite(req *sip.Request, tx sip.ServerTransaction) {
	sipID := sipCallID(req)
	if d := a.dialogBySIP(sipID); d != nil {
		// Re-INVITE on a known dialog; media is out of scope so accept as is.
		a.respond(req, tx, 200, "OK")
		return
	}

	a.respond(req, tx, 100, "Trying")

	b, l, err := a.resolveLine(req)
	if err != nil {
		a.logger.Info("inbound call for unknown number",
			"sip_call_id", sipID,
			"number", req.Recipient.User,
			"host", req.Recipient.Host,
		)
		a.respond(req, tx, 404, "Not Found")
		return
	}

	events := a.sink()
	if events == nil {
		a.respond(req, tx, 503, "Service Unavailable")
		return
	}

	caller := ""
	if from := req.From(); from != nil {
		caller = from.Address.User
	}

	ctx, cancel := context.WithTimeout(context.Background(), ringTimeout)
	defer cancel()

	decision, err := events.IncomingCall(ctx, gateway.IncomingCall{BankID: b.ID, LineID: l.ID, Caller: caller})
	if err != nil {
		code, reason := rejectStatus(err)
		a.logger.Info("inbound call rejected",
			"sip_call_id", sipID,
			"bank_id", b.ID,
			"line_id", l.ID,
			"caller", caller,
			"status", code,
			"error", err,
		)
		a.respond(req, tx, code, reason)
		return
	}
	if !decision.Delivered {
		a.logger.Info("inbound call not delivered", "sip_call_id", sipID, "bank_id", b.ID, "line_id", l.ID, "caller", caller)
		a.respond(req, tx, 480, "Temporarily Unavailable")
		return
	}

	d := &dialog{
		callID:   decision.CallID,
		sipID:    sipID,
		bankID:   b.ID,
		lineID:   l.ID,
		inbound:  true,
		invite:   req,
		tx:       tx,
		localTag: sip.GenerateTagN(16),
		settled:  make(chan struct{}),
	}
	a.track(d)

	ringing := sip.NewResponseFromRequest(req, 180, "Ringing", nil)
	if to := ringing.To(); to != nil {
		to.Params.Add("tag", d.localTag)
	}
	if err := tx.Respond(ringing); err != nil {
		a.logger.Error("failed to send ringing", "call_id", d.callID, "error", err)
	}

	a.logger.Info("inbound call ringing",
		"call_id", d.callID,
		"sip_call_id", sipID,
		"bank_id", b.ID,
		"line_id", l.ID,
		"caller", caller,
	)

	// The transaction must stay open until a final response is sent.
	select {
	case <-d.settled:
		return
	case <-tx.Done():
	case <-ctx.Done():
	}

	if !d.settle() {
		return
	}
	a.untrack(d.callID)
	if ctx.Err() != nil {
		a.respond(req, tx, 480, "Temporarily Unavailable")
	}
	if err := events.CallFailed(context.Background(), d.callID, "no answer"); err != nil {
		a.logger.Debug("call failure not applied", "call_id", d.callID, "error", err)
	}
}

// AnswerCall sends 200 OK on a ringing inbound call.
func (a *Adapter) AnswerCall(_ context.Context, callID string) error {
	d := a.dialog(callID)
	if d == nil || !d.inbound {
		return fmt.Errorf("no ringing inbound call %s", callID)
	}
	if !d.settle() {
		return fmt.Errorf("call %s is no longer ringing", callID)
	}

	ok := sip.NewResponseFromRequest(d.invite, 200, "OK", nil)
	if to := ok.To(); to != nil {
		to.Params.Add("tag", d.localTag)
	}
	ok.AppendHeader(a.contact(d.invite.Recipient.User))
	if err := d.tx.Respond(ok); err != nil {
		a.untrack(callID)
		return fmt.Errorf("sending 200 ok: %w", err)
	}

	d.mu.Lock()
	d.answer = ok
	d.established = true
	d.mu.Unlock()
	a.logger.Info("inbound call answered", "call_id", callID)
	return nil
}

// handleBye ends a call hung up by the far end.
func (a *Adapter) handleBye(req *sip.Request, tx sip.ServerTransaction) {
	sipID := sipCallID(req)
	d := a.dialogBySIP(sipID)
	if d == nil {
		a.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	a.respond(req, tx, 200, "OK")
	a.untrack(d.callID)

	a.logger.Info("remote hangup", "call_id", d.callID, "sip_call_id", sipID)
	if events := a.sink(); events != nil {
		if err := events.CallEnded(context.Background(), d.callID); err != nil {
			a.logger.Debug("remote hangup not applied", "call_id", d.callID, "error", err)
		}
	}
}

// handleCancel stops a ringing inbound call.
func (a *Adapter) handleCancel(req *sip.Request, tx sip.ServerTransaction) {
	sipID := sipCallID(req)
	d := a.dialogBySIP(sipID)
	if d == nil || !d.inbound {
		a.respond(req, tx, 481, "Call/Transaction Does Not Exist")
		return
	}
	a.respond(req, tx, 200, "OK")
	if !d.settle() {
		// Already answered; the BYE will follow.
		return
	}
	a.untrack(d.callID)
	a.respond(d.invite, d.tx, 487, "Request Terminated")

	a.logger.Info("inbound call cancelled by caller", "call_id", d.callID, "sip_call_id", sipID)
	if events := a.sink(); events != nil {
		if err := events.CallEnded(context.Background(), d.callID); err != nil {
			a.logger.Debug("cancel not applied", "call_id", d.callID, "error", err)
		}
	}
}

// resolveLine finds the line addressed by an inbound INVITE. Banks whose
// SIP domain matches the request host are tried first.
func (a *Adapter) resolveLine(req *sip.Request) (bank.Bank, bank.Line, error) {
	number := req.Recipient.User
	host := req.Recipient.Host
	if number == "" {
		return bank.Bank{}, bank.Line{}, fmt.Errorf("request uri has no user part")
	}

	banks := a.lines.List()
	for _, preferred := range []bool{true, false} {
		for _, b := range banks {
			if (domainFor(b) == host) != preferred {
				continue
			}
			if l, err := a.lines.LineByNumber(b.ID, number); err == nil {
				return b, l, nil
			}
		}
	}
	return bank.Bank{}, bank.Line{}, fmt.Errorf("no line for number %s", number)
}

// rejectStatus maps a core refusal to a SIP final response.
func rejectStatus(err error) (int, string) {
	switch {
	case errors.Is(err, apperr.ErrConflict):
		return 486, "Busy Here"
	case errors.Is(err, apperr.ErrNotFound):
		return 404, "Not Found"
	case errors.Is(err, apperr.ErrInvalid), errors.Is(err, apperr.ErrInvalidState):
		return 400, "Bad Request"
	default:
		return 500, "Server Internal Error"
	}
}
