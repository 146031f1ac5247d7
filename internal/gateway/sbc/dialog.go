package sbc

import (
	"context"
	"sync"

	"github.com/emiago/sipgo/sip"
)

// dialog is the signaling state of one core call.
type dialog struct {
	callID  string
	sipID   string
	bankID  string
	lineID  string
	inbound bool

	mu          sync.Mutex
	invite      *sip.Request
	answer      *sip.Response
	established bool

	// outbound: cancels the pending INVITE.
	cancel context.CancelCauseFunc

	// inbound: the INVITE server transaction until a final response.
	tx       sip.ServerTransaction
	localTag string
	settled  chan struct{}
	once     sync.Once
}

// settle marks the inbound INVITE as finally answered. It reports false if
// the INVITE was already settled.
func (d *dialog) settle() bool {
	first := false
	d.once.Do(func() {
		first = true
		close(d.settled)
	})
	return first
}

func (a *Adapter) track(d *dialog) {
	a.mu.Lock()
	a.calls[d.callID] = d
	if d.sipID != "" {
		a.bySIP[d.sipID] = d.callID
	}
	a.mu.Unlock()
}

func (a *Adapter) untrack(callID string) *dialog {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, ok := a.calls[callID]
	if !ok {
		return nil
	}
	delete(a.calls, callID)
	delete(a.bySIP, d.sipID)
	return d
}

func (a *Adapter) dialog(callID string) *dialog {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.calls[callID]
}

func (a *Adapter) dialogBySIP(sipID string) *dialog {
	a.mu.RLock()
	defer a.mu.RUnlock()
	id, ok := a.bySIP[sipID]
	if !ok {
		return nil
	}
	return a.calls[id]
}

// ActiveDialogs returns the number of tracked signaling dialogs.
func (a *Adapter) ActiveDialogs() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.calls)
}

// buildACKFor2xx builds the ACK for a 2xx response to an INVITE. A 2xx ACK
// is its own transaction, so it is written directly rather than through
// the INVITE client transaction.
func buildACKFor2xx(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	ack := sip.NewRequest(sip.ACK, *recipient.Clone())
	ack.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, ack)
	}
	if h := inviteReq.From(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	// The response To carries the remote tag.
	if h := inviteResp.To(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := ack.CSeq(); cseq != nil {
		cseq.MethodName = sip.ACK
	}

	maxFwd := sip.MaxForwardsHeader(70)
	ack.AppendHeader(&maxFwd)

	if h := inviteReq.Contact(); h != nil {
		ack.AppendHeader(sip.HeaderClone(h))
	}

	ack.SetTransport(inviteReq.Transport())
	ack.SetSource(inviteReq.Source())
	return ack
}

// buildOutboundBye builds a BYE for a dialog we initiated: From and To keep
// their INVITE orientation and the request goes to the answerer's Contact.
func buildOutboundBye(inviteReq *sip.Request, inviteResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteResp.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = inviteReq.SipVersion

	if h := inviteReq.From(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteResp.To(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	var seq uint32 = 1
	if h := inviteReq.CSeq(); h != nil {
		seq = h.SeqNo + 1
	}
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: seq, MethodName: sip.BYE})

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(inviteReq.Transport())
	return bye
}

// buildInboundBye builds a BYE for a dialog the SBC initiated: our side is
// the INVITE's To (with the tag we answered with) and the request goes to
// the caller's Contact.
func buildInboundBye(inviteReq *sip.Request, okResp *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteReq.Contact(); contact != nil {
		recipient = &contact.Address
	}

	bye := sip.NewRequest(sip.BYE, *recipient.Clone())
	bye.SipVersion = inviteReq.SipVersion

	if to := okResp.To(); to != nil {
		from := &sip.FromHeader{DisplayName: to.DisplayName, Address: *to.Address.Clone()}
		if tag, ok := to.Params.Get("tag"); ok {
			from.Params.Add("tag", tag)
		}
		bye.AppendHeader(from)
	}
	if from := inviteReq.From(); from != nil {
		to := &sip.ToHeader{DisplayName: from.DisplayName, Address: *from.Address.Clone()}
		if tag, ok := from.Params.Get("tag"); ok {
			to.Params.Add("tag", tag)
		}
		bye.AppendHeader(to)
	}
	if h := inviteReq.CallID(); h != nil {
		bye.AppendHeader(sip.HeaderClone(h))
	}
	bye.AppendHeader(&sip.CSeqHeader{SeqNo: 1, MethodName: sip.BYE})

	maxFwd := sip.MaxForwardsHeader(70)
	bye.AppendHeader(&maxFwd)

	bye.SetTransport(inviteReq.Transport())
	bye.SetDestination(inviteReq.Source())
	return bye
}

// buildCancel builds a CANCEL matching a sent INVITE.
func buildCancel(inviteReq *sip.Request) *sip.Request {
	cancelReq := sip.NewRequest(sip.CANCEL, *inviteReq.Recipient.Clone())
	cancelReq.SetTransport(inviteReq.Transport())

	// CANCEL shares the INVITE's branch, Call-ID, From, To and sequence.
	if h := inviteReq.Via(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.From(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.To(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		cancelReq.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		cancelReq.AppendHeader(&sip.CSeqHeader{SeqNo: h.SeqNo, MethodName: sip.CANCEL})
	}
	maxFwd := sip.MaxForwardsHeader(70)
	cancelReq.AppendHeader(&maxFwd)
	return cancelReq
}
