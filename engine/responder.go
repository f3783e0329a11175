package engine

import (
	"strings"

	"github.com/relayterm/termfile/protocol"
)

// ackCodes are status codes that originate from spec.md §7's "ack" category
// (successful progress), gated by quiet level 0 only; every other code is an
// error, gated by quiet level < 2.
var ackCodes = map[protocol.StatusCode]bool{
	protocol.StatusOK:       true,
	protocol.StatusStarted:  true,
	protocol.StatusProgress: true,
	protocol.StatusCanceled: true,
}

// Responder is the single place every outbound status command passes
// through, so the quiet-level gate (spec.md §4.7's ack/error suppression,
// SPEC_FULL.md supplemented feature 1) is applied consistently instead of
// re-checked at each call site. Grounded on the teacher's session.reply
// helper (one chokepoint for every control response).
type Responder struct {
	w Writer
}

// NewResponder wraps a host Writer.
func NewResponder(w Writer) *Responder {
	return &Responder{w: w}
}

// Send serializes cmd and writes it, unless the quiet-level gate suppresses
// this category of response for the session. Returns true if either the
// write succeeded or the response was suppressed (nothing to retry); false
// means the host backpressured a response that should have been sent, and
// the caller should queue it for retry.
func (r *Responder) Send(cmd protocol.Command, sendAcks, sendErrors bool) bool {
	if !r.shouldSend(cmd, sendAcks, sendErrors) {
		return true
	}
	return r.w.WriteSerialized(protocol.Serialize(cmd, true))
}

// SendRaw writes cmd unconditionally, bypassing the quiet-level gate. Used
// for `file`/`data`/`end_data` frames, which are transfer payload rather
// than the ack/error status responses §4.7's quiet gating applies to.
func (r *Responder) SendRaw(cmd protocol.Command) bool {
	return r.w.WriteSerialized(protocol.Serialize(cmd, true))
}

func (r *Responder) shouldSend(cmd protocol.Command, sendAcks, sendErrors bool) bool {
	code := statusCodeOf(cmd.Status)
	if ackCodes[code] {
		return sendAcks
	}
	return sendErrors
}

func statusCodeOf(status string) protocol.StatusCode {
	if i := strings.IndexByte(status, ':'); i >= 0 {
		return protocol.StatusCode(status[:i])
	}
	return protocol.StatusCode(status)
}
