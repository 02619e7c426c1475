package originate

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/emiago/sipgo"
	"github.com/emiago/sipgo/sip"
	"github.com/icholy/digest"
)

// SIPOriginator places calls directly as a SIP user agent: one INVITE per
// attempt, digest auth handled inline, BYE sent when the campaign audio
// window elapses. Provisional and final responses are translated into
// EventSink signals.
type SIPOriginator struct {
	ua     *sipgo.UserAgent
	client *sipgo.Client
	sink   EventSink
	logger *slog.Logger

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
}

// NewSIPOriginator creates a SIP backend bound to the given local host and
// port. Events are delivered on the backend's own goroutines.
func NewSIPOriginator(host string, port int, sink EventSink, logger *slog.Logger) (*SIPOriginator, error) {
	ua, err := sipgo.NewUA(sipgo.WithUserAgentHostname(host))
	if err != nil {
		return nil, fmt.Errorf("creating sip user agent: %w", err)
	}

	client, err := sipgo.NewClient(ua,
		sipgo.WithClientHostname(host),
		sipgo.WithClientPort(port),
	)
	if err != nil {
		ua.Close()
		return nil, fmt.Errorf("creating sip client: %w", err)
	}

	return &SIPOriginator{
		ua:       ua,
		client:   client,
		sink:     sink,
		logger:   logger.With("subsystem", "sip-originator"),
		inflight: make(map[string]context.CancelFunc),
	}, nil
}

// FormatAddress builds the SIP Request-URI for a destination number.
func (o *SIPOriginator) FormatAddress(phone, domain string) string {
	return fmt.Sprintf("sip:%s@%s", phone, domain)
}

// Originate sends the INVITE and hands the attempt off to a goroutine that
// drives it to a terminal CallEnded event. Only failures to get the INVITE
// on the wire are returned synchronously.
func (o *SIPOriginator) Originate(ctx context.Context, req OriginateRequest) error {
	recipientStr := o.FormatAddress(req.Phone, req.Domain)
	var recipient sip.Uri
	if err := sip.ParseUri(recipientStr, &recipient); err != nil {
		return fmt.Errorf("parsing destination uri: %w", err)
	}

	invite := sip.NewRequest(sip.INVITE, recipient)
	invite.SetTransport("UDP")
	invite.AppendHeader(sip.NewHeader("Call-ID", req.CallID))
	invite.AppendHeader(sip.NewHeader("From",
		fmt.Sprintf("%q <sip:%s@%s>;tag=%s", req.CallerIDName, req.CallerIDNum, req.Domain, req.CallID[:8])))
	invite.AppendHeader(sip.NewHeader("To", fmt.Sprintf("<sip:%s@%s>", req.Phone, req.Domain)))

	// The attempt outlives the dispatch tick's context.
	callCtx, cancel := context.WithCancel(context.Background())

	tx, err := o.client.TransactionRequest(callCtx, invite, sipgo.ClientRequestBuild)
	if err != nil {
		cancel()
		return fmt.Errorf("sending invite: %w", err)
	}

	o.mu.Lock()
	o.inflight[req.CallID] = cancel
	o.mu.Unlock()

	go o.driveCall(callCtx, tx, invite, recipientStr, req)
	return nil
}

// ReleaseResources aborts an in-flight attempt, if any. Called by the
// dialer when its own timeout fires so the SIP transaction does not linger.
func (o *SIPOriginator) ReleaseResources(callID string) {
	o.mu.Lock()
	cancel, ok := o.inflight[callID]
	delete(o.inflight, callID)
	o.mu.Unlock()

	if ok {
		cancel()
	}
}

// Close shuts down the SIP stack.
func (o *SIPOriginator) Close() error {
	o.mu.Lock()
	for _, cancel := range o.inflight {
		cancel()
	}
	o.inflight = make(map[string]context.CancelFunc)
	o.mu.Unlock()

	if err := o.client.Close(); err != nil {
		return fmt.Errorf("closing sip client: %w", err)
	}
	return o.ua.Close()
}

// driveCall consumes responses for one INVITE until a terminal outcome and
// emits exactly one CallEnded event.
func (o *SIPOriginator) driveCall(ctx context.Context, tx sip.ClientTransaction, invite *sip.Request, recipientStr string, req OriginateRequest) {
	started := time.Now()
	end := func(disposition Disposition) {
		o.mu.Lock()
		if cancel, ok := o.inflight[req.CallID]; ok {
			delete(o.inflight, req.CallID)
			defer cancel()
		}
		o.mu.Unlock()

		duration := 0
		if disposition == DispositionAnswered {
			duration = int(time.Since(started).Seconds())
		}
		o.sink.CallEnded(CallEndEvent{
			CallID:      req.CallID,
			Disposition: disposition,
			Duration:    duration,
		})
	}

	authed := false
	ringing := false
	for {
		var res *sip.Response
		select {
		case <-ctx.Done():
			tx.Terminate()
			end(DispositionFailed)
			return
		case <-tx.Done():
			tx.Terminate()
			o.logger.Warn("invite transaction ended without final response",
				"call_id", req.CallID, "error", tx.Err())
			end(DispositionFailed)
			return
		case res = <-tx.Responses():
		}

		o.logger.Debug("invite response",
			"call_id", req.CallID,
			"status", res.StatusCode,
			"reason", res.Reason,
		)

		switch {
		case res.StatusCode == 100:
			// 100 Trying — absorb.
			continue

		case res.StatusCode == 180 || res.StatusCode == 183:
			if !ringing {
				ringing = true
				o.sink.CallStarted(req.CallID)
			}

		case res.StatusCode == 401 || res.StatusCode == 407:
			tx.Terminate()
			if authed {
				o.logger.Warn("authentication rejected by provider", "call_id", req.CallID)
				end(DispositionFailed)
				return
			}
			authed = true

			authTx, authReq, err := o.resendWithAuth(ctx, invite, res, recipientStr, req)
			if err != nil {
				o.logger.Warn("invite auth failed", "call_id", req.CallID, "error", err)
				end(DispositionFailed)
				return
			}
			tx, invite = authTx, authReq

		case res.StatusCode >= 200 && res.StatusCode < 300:
			if !ringing {
				o.sink.CallStarted(req.CallID)
			}
			o.holdAnsweredCall(ctx, tx, invite, res, req)
			end(DispositionAnswered)
			return

		case res.StatusCode >= 300:
			tx.Terminate()
			end(DispositionFromSIPStatus(res.StatusCode))
			return
		}
	}
}

// resendWithAuth answers a digest challenge by cloning the INVITE with
// credentials and a bumped CSeq.
func (o *SIPOriginator) resendWithAuth(ctx context.Context, invite *sip.Request, challenge *sip.Response, recipientStr string, req OriginateRequest) (sip.ClientTransaction, *sip.Request, error) {
	authHeader := "WWW-Authenticate"
	authzHeader := "Authorization"
	if challenge.StatusCode == 407 {
		authHeader = "Proxy-Authenticate"
		authzHeader = "Proxy-Authorization"
	}

	wwwAuth := challenge.GetHeader(authHeader)
	if wwwAuth == nil {
		return nil, nil, fmt.Errorf("received %d but no %s header", challenge.StatusCode, authHeader)
	}

	chal, err := digest.ParseChallenge(wwwAuth.Value())
	if err != nil {
		return nil, nil, fmt.Errorf("parsing auth challenge: %w", err)
	}

	cred, err := digest.Digest(chal, digest.Options{
		Method:   invite.Method.String(),
		URI:      recipientStr,
		Username: req.ChannelUsername,
		Password: req.ChannelPassword,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("computing digest: %w", err)
	}

	authReq := invite.Clone()
	authReq.RemoveHeader("Via")
	authReq.AppendHeader(sip.NewHeader(authzHeader, cred.String()))

	authTx, err := o.client.TransactionRequest(ctx, authReq,
		sipgo.ClientRequestIncreaseCSEQ,
		sipgo.ClientRequestAddVia,
	)
	if err != nil {
		return nil, nil, fmt.Errorf("sending authenticated invite: %w", err)
	}
	return authTx, authReq, nil
}

// holdAnsweredCall acknowledges the 2xx and keeps the dialog up until the
// audio window elapses or the attempt is canceled, then hangs up.
func (o *SIPOriginator) holdAnsweredCall(ctx context.Context, tx sip.ClientTransaction, invite *sip.Request, res *sip.Response, req OriginateRequest) {
	defer tx.Terminate()

	ack := buildACKFor2xx(invite, res)
	if err := o.client.WriteRequest(ack); err != nil {
		o.logger.Warn("failed to send ack", "call_id", req.CallID, "error", err)
		return
	}

	hold := req.MaxDuration
	if hold <= 0 {
		hold = 30 * time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(hold):
	}

	bye := buildBYE(invite, res)
	if err := o.client.WriteRequest(bye); err != nil {
		o.logger.Warn("failed to send bye", "call_id", req.CallID, "error", err)
	}
}

// buildACKFor2xx creates an ACK request for a 2xx response to an INVITE.
// Per RFC 3261 §13.2.2.4, the ACK for a 2xx is generated by the UAC core,
// not the transaction layer. The Request-URI is taken from the Contact
// header in the response if present, otherwise from the original INVITE.
func buildACKFor2xx(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	return buildInDialogRequest(sip.ACK, inviteReq, inviteRes)
}

// buildBYE creates a BYE request terminating the dialog established by the
// INVITE and its 2xx response.
func buildBYE(inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	bye := buildInDialogRequest(sip.BYE, inviteReq, inviteRes)
	if cseq := bye.CSeq(); cseq != nil {
		cseq.SeqNo++
	}
	return bye
}

func buildInDialogRequest(method sip.RequestMethod, inviteReq *sip.Request, inviteRes *sip.Response) *sip.Request {
	recipient := &inviteReq.Recipient
	if contact := inviteRes.Contact(); contact != nil {
		recipient = &contact.Address
	}

	req := sip.NewRequest(method, *recipient.Clone())
	req.SipVersion = inviteReq.SipVersion

	if len(inviteReq.GetHeaders("Route")) > 0 {
		sip.CopyHeaders("Route", inviteReq, req)
	}

	// From: same as original INVITE.
	if h := inviteReq.From(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	// To: from the response, which carries the remote tag.
	if h := inviteRes.To(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CallID(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if h := inviteReq.CSeq(); h != nil {
		req.AppendHeader(sip.HeaderClone(h))
	}
	if cseq := req.CSeq(); cseq != nil {
		cseq.MethodName = method
	}

	maxFwd := sip.MaxForwardsHeader(70)
	req.AppendHeader(&maxFwd)

	req.SetTransport(inviteReq.Transport())
	return req
}
