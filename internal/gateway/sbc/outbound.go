package sbc

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"

	"github.com/foleys1972/Mobile-trader/internal/gateway"
)

// inviteTimeout caps how long an outbound INVITE may ring. The call manager
// normally gives up first.
const inviteTimeout = 60 * time.Second

// errTerminated cancels a pending INVITE on request of the core.
var errTerminated = errors.New("call terminated locally")

// PlaceCall sends an INVITE for the line's number toward the bank's SBC.
// It returns once the INVITE is underway; the outcome is reported through
// CallAnswered or CallFailed.
func (a *Adapter) PlaceCall(_ context.Context, pc gateway.PlaceCallRequest) error {
	b := pc.Bank
	if b.SBC.Host == "" {
		return fmt.Errorf("bank %s has no sbc host", b.ID)
	}
	invite, err := a.buildInvite(pc)
	if err != nil {
		return err
	}

	// The INVITE outlives the request that placed it.
	parent, cancel := context.WithCancelCause(context.Background())
	d := &dialog{
		callID: pc.CallID,
		sipID:  pc.CallID,
		bankID: pc.BankID,
		lineID: pc.LineID,
		invite: invite,
		cancel: cancel,
	}
	a.track(d)

	a.logger.Info("placing call",
		"call_id", pc.CallID,
		"bank_id", pc.BankID,
		"line_id", pc.LineID,
		"recipient", invite.Recipient.String(),
	)
	go a.runOutbound(parent, d, pc)
	return nil
}

// buildInvite builds the INVITE sip:<number>@<sbc>. The core call id is
// used as the SIP Call-ID so that both sides correlate.
func (a *Adapter) buildInvite(pc gateway.PlaceCallRequest) (*sip.Request, error) {
	b := pc.Bank
	recipientStr := fmt.Sprintf("sip:%s@%s:%d", pc.Address, b.SBC.Host, b.SBC.Port)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return nil, fmt.Errorf("parsing sbc uri: %w", err)
	}

	req := sip.NewRequest(sip.INVITE, recipient)
	req.SetTransport(strings.ToUpper(b.SBC.Transport))

	from := &sip.FromHeader{
		DisplayName: b.Name,
		Address: sip.Uri{
			Scheme: "sip",
			User:   registerUser(b),
			Host:   domainFor(b),
		},
	}
	from.Params.Add("tag", sip.GenerateTagN(16))
	req.AppendHeader(from)
	callID := sip.CallIDHeader(pc.CallID)
	req.AppendHeader(&callID)
	req.AppendHeader(a.contact(registerUser(b)))
	return req, nil
}

func (a *Adapter) runOutbound(parent context.Context, d *dialog, pc gateway.PlaceCallRequest) {
	ctx, stop := context.WithTimeout(parent, inviteTimeout)
	defer stop()

	d.mu.Lock()
	invite := d.invite
	d.mu.Unlock()

	tx, err := a.client.TransactionRequest(ctx, invite, sipgo.ClientRequestBuild)
	if err != nil {
		a.untrack(d.callID)
		a.reportFailed(d.callID, fmt.Sprintf("sending invite: %v", err))
		return
	}

	authTried := false
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			a.cancelInvite(invite)
			a.untrack(d.callID)
			if errors.Is(context.Cause(ctx), errTerminated) {
				a.logger.Info("outbound call cancelled", "call_id", d.callID)
				return
			}
			a.reportFailed(d.callID, "no answer")
			return
		case <-tx.Done():
			tx.Terminate()
			a.untrack(d.callID)
			reason := "transaction ended without final response"
			if txErr := tx.Err(); txErr != nil {
				reason = fmt.Sprintf("transaction error: %v", txErr)
			}
			a.reportFailed(d.callID, reason)
			return
		case res = <-tx.Responses():
		}

		a.logger.Debug("outbound sbc response",
			"call_id", d.callID,
			"status", res.StatusCode,
			"reason", res.Reason,
		)

		switch {
		case res.StatusCode < 200:
			continue

		case (res.StatusCode == 401 || res.StatusCode == 407) && !authTried:
			authTried = true
			tx.Terminate()
			uri := fmt.Sprintf("sip:%s@%s:%d", pc.Address, pc.Bank.SBC.Host, pc.Bank.SBC.Port)
			authReq, err := authorize(invite, res, uri, pc.Bank.Username, pc.Bank.Password)
			if err != nil {
				a.untrack(d.callID)
				a.reportFailed(d.callID, err.Error())
				return
			}
			tx, err = a.client.TransactionRequest(ctx, authReq,
				sipgo.ClientRequestIncreaseCSEQ,
				sipgo.ClientRequestAddVia,
			)
			if err != nil {
				a.untrack(d.callID)
				a.reportFailed(d.callID, fmt.Sprintf("sending authenticated invite: %v", err))
				return
			}
			invite = authReq
			d.mu.Lock()
			d.invite = authReq
			d.mu.Unlock()

		case res.StatusCode < 300:
			a.established(ctx, d, invite, res)
			tx.Terminate()
			return

		default:
			tx.Terminate()
			a.untrack(d.callID)
			a.reportFailed(d.callID, fmt.Sprintf("%d %s", res.StatusCode, res.Reason))
			return
		}
	}
}

// established acknowledges a 2xx and hands the answer to the core. If the
// core no longer wants the call it is hung up straight away.
func (a *Adapter) established(ctx context.Context, d *dialog, invite *sip.Request, res *sip.Response) {
	ack := buildACKFor2xx(invite, res)
	if err := a.client.WriteRequest(ack); err != nil {
		a.logger.Error("failed to send ack", "call_id", d.callID, "error", err)
	}

	d.mu.Lock()
	d.answer = res
	d.established = true
	d.mu.Unlock()

	events := a.sink()
	if events == nil {
		a.hangup(d)
		return
	}
	if err := events.CallAnswered(context.WithoutCancel(ctx), d.callID); err != nil {
		a.logger.Info("answered call no longer wanted", "call_id", d.callID, "error", err)
		a.hangup(d)
		return
	}
	a.logger.Info("outbound call answered", "call_id", d.callID)
}

func (a *Adapter) reportFailed(callID, reason string) {
	a.logger.Warn("outbound call failed", "call_id", callID, "reason", reason)
	events := a.sink()
	if events == nil {
		return
	}
	if err := events.CallFailed(context.Background(), callID, reason); err != nil {
		a.logger.Debug("call failure not applied", "call_id", callID, "error", err)
	}
}

func (a *Adapter) cancelInvite(invite *sip.Request) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := a.client.TransactionRequest(ctx, buildCancel(invite), sipgo.ClientRequestBuild)
	if err != nil {
		a.logger.Debug("failed to send cancel", "sip_call_id", sipCallID(invite), "error", err)
		return
	}
	tx.Terminate()
}

// TerminateCall tears down the signaling of a call in whatever state it is
// in. Unknown calls are ignored.
func (a *Adapter) TerminateCall(_ context.Context, callID string) {
	d := a.dialog(callID)
	if d == nil {
		return
	}

	if d.inbound {
		if d.settle() {
			// Not answered yet.
			a.untrack(callID)
			a.respond(d.invite, d.tx, 603, "Decline")
			return
		}
		a.hangup(d)
		return
	}

	d.mu.Lock()
	established := d.established
	d.mu.Unlock()
	if !established {
		d.cancel(errTerminated)
		return
	}
	a.hangup(d)
}

// hangup sends BYE on an established dialog and forgets it.
func (a *Adapter) hangup(d *dialog) {
	if a.untrack(d.callID) == nil {
		return
	}
	d.mu.Lock()
	invite, answer := d.invite, d.answer
	d.mu.Unlock()
	if answer == nil {
		return
	}

	var bye *sip.Request
	if d.inbound {
		bye = buildInboundBye(invite, answer)
	} else {
		bye = buildOutboundBye(invite, answer)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	tx, err := a.client.TransactionRequest(ctx, bye, sipgo.ClientRequestBuild)
	if err != nil {
		a.logger.Warn("failed to send bye", "call_id", d.callID, "error", err)
		return
	}
	defer tx.Terminate()
	if res, err := getResponse(ctx, tx); err != nil {
		a.logger.Debug("no response to bye", "call_id", d.callID, "error", err)
	} else {
		a.logger.Debug("bye answered", "call_id", d.callID, "status", res.StatusCode)
	}
	a.logger.Info("call hung up", "call_id", d.callID)
}
