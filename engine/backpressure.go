package engine

import "github.com/relayterm/termfile/protocol"

// Backpressure retry intervals (spec.md §5): 200ms for pending ack-path
// responses, ~50ms for send-chunk pumps, ~100ms for rsync-signature pumps.
const (
	ackRetryDelaySeconds        = 0.2
	sendPumpRetryDelaySeconds   = 0.05
	signaturePumpDelaySeconds   = 0.1
)

// queueAck appends cmd to the pending ack-response queue and, if no retry
// timer is already armed, arms one. Used when Responder.Send reports the
// writer refused a status response, and for every status response emitted
// while the queue is non-empty, so queued responses are written before
// newer ones and keep their original emit order.
func (e *Engine) queueAck(cmd protocol.Command, sendAcks, sendErrors bool) {
	e.ackQueue = append(e.ackQueue, pendingAck{cmd: cmd, sendAcks: sendAcks, sendErrors: sendErrors})
	e.metrics.RecordBackpressure(len(e.ackQueue))
	e.armAckRetry()
}

type pendingAck struct {
	cmd        protocol.Command
	sendAcks   bool
	sendErrors bool
}

func (e *Engine) armAckRetry() {
	if e.ackRetryArmed {
		return
	}
	e.ackRetryArmed = true
	e.timer.Schedule(ackRetryDelaySeconds, e.flushAckQueue)
}

// flushAckQueue retries the head of the queue; on success it advances and
// continues draining, on failure it re-arms the timer and stops (spec.md
// §5 "A timer callback retries the head of the queue; if it still cannot
// write, the timer is re-armed").
func (e *Engine) flushAckQueue() {
	e.ackRetryArmed = false
	for len(e.ackQueue) > 0 {
		head := e.ackQueue[0]
		if !e.responder.Send(head.cmd, head.sendAcks, head.sendErrors) {
			e.armAckRetry()
			return
		}
		e.ackQueue = e.ackQueue[1:]
	}
}

// schedulePumpRetry arms a single timer to re-invoke a session's send pump
// after sendPumpRetryDelaySeconds, per spec.md §5's pump_send_chunks policy.
func (e *Engine) schedulePumpRetry(sessionID string) {
	e.timer.Schedule(sendPumpRetryDelaySeconds, func() {
		e.pumpSendChunks(sessionID)
	})
}

// scheduleSignaturePump arms a single timer to advance one session/file_id's
// rsync signature production, per spec.md §5's "rsync signature
// transmission ... driven by repeated timer callbacks, not a single
// blocking pass".
func (e *Engine) scheduleSignaturePump(key fileKey) {
	e.timer.Schedule(signaturePumpDelaySeconds, func() {
		e.pumpSignature(key)
	})
}
