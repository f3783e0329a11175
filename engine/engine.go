package engine

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/relayterm/termfile/internal/ratelimit"
	"github.com/relayterm/termfile/protocol"
	"github.com/relayterm/termfile/rsyncio"
	"github.com/relayterm/termfile/transfer"
)

// fileKey identifies one file within one session, used to key the
// signature-pump and rsync-patch bookkeeping that lives at the engine level
// rather than inside transfer.ActiveReceive/ActiveSend.
type fileKey struct {
	sessionID string
	fileID    string
}

type sigPumpState struct {
	iter    *rsyncio.SignatureOfFile
	closeFn func() error
	pending *protocol.Command
	done    bool
}

// Engine is the single-threaded-cooperative dispatcher of spec.md §4.7
// (component C7): HandleSerializedCommand is its one entry point, routing
// each parsed Command to whichever side (receive/send) owns its session id,
// or starting a new session. Grounded on the teacher's session.go command
// dispatch table and server.go's accept loop, generalized from "one
// goroutine per TCP connection" to "one Engine instance consuming commands
// fed by the host, holding no locks" (spec.md §5).
type Engine struct {
	w         Writer
	confirmer Confirmer
	timer     Timer
	responder *Responder

	log     *zap.SugaredLogger
	metrics MetricsCollector

	bypassPassphrase string
	homeDir          string
	maxReceives      int
	maxSends         int
	expiry           time.Duration
	rateLimiter      *ratelimit.Limiter

	receives map[string]*transfer.ActiveReceive
	sends    map[string]*transfer.ActiveSend

	ackQueue      []pendingAck
	ackRetryArmed bool

	sigPumps       map[fileKey]*sigPumpState
	deltaLoaders   map[fileKey]*rsyncio.DeltaLoader
	transferStarts map[fileKey]time.Time
}

// New constructs an Engine bound to a host Writer, Confirmer, and Timer
// (spec.md §6.2-§6.4). The host supplies all three so the engine never
// reads process-wide singletons (spec.md §9 "Global state").
func New(w Writer, confirmer Confirmer, timer Timer, opts ...Option) *Engine {
	home, _ := os.UserHomeDir()
	e := &Engine{
		w:              w,
		confirmer:      confirmer,
		timer:          timer,
		log:            zap.NewNop().Sugar(),
		metrics:        NopMetrics{},
		homeDir:        home,
		maxReceives:    10,
		maxSends:       10,
		expiry:         10 * time.Minute,
		receives:       make(map[string]*transfer.ActiveReceive),
		sends:          make(map[string]*transfer.ActiveSend),
		sigPumps:       make(map[fileKey]*sigPumpState),
		deltaLoaders:   make(map[fileKey]*rsyncio.DeltaLoader),
		transferStarts: make(map[fileKey]time.Time),
	}
	e.responder = NewResponder(w)
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HandleSerializedCommand is the engine's single entry point (spec.md
// §4.7): parse, validate the id, special-case cancel, prune expired
// sessions, then route by side.
func (e *Engine) HandleSerializedCommand(raw string) {
	cmd, err := protocol.Deserialize(raw)
	if err != nil {
		e.log.Warnw("dropping unparseable command", "error", err)
		return
	}
	if cmd.ID == "" {
		e.log.Warnw("dropping command without an id", "action", cmd.Action.String())
		return
	}

	if cmd.Action == protocol.ActionCancel {
		e.handleCancel(cmd)
		return
	}

	e.pruneExpired()

	if ar, ok := e.receives[cmd.ID]; ok {
		ar.Touch()
		e.handleReceiveCmd(ar, cmd)
		return
	}
	if as, ok := e.sends[cmd.ID]; ok {
		as.Touch()
		e.handleSendCmd(as, cmd)
		return
	}

	switch cmd.Action {
	case protocol.ActionSend:
		e.startReceive(cmd)
	case protocol.ActionReceive:
		e.startSend(cmd)
	default:
		e.log.Warnw("command for unknown session", "id", cmd.ID, "action", cmd.Action.String())
	}
}

func (e *Engine) sendStatus(cmd protocol.Command, sendAcks, sendErrors bool) {
	if len(e.ackQueue) > 0 || !e.responder.Send(cmd, sendAcks, sendErrors) {
		e.queueAck(cmd, sendAcks, sendErrors)
	}
}

func (e *Engine) pruneExpired() {
	for id, ar := range e.receives {
		if ar.Expired(e.expiry) {
			ar.Close()
			delete(e.receives, id)
			e.cleanupFileState(id)
			e.metrics.RecordSession("receive", "expired")
		}
	}
	for id, as := range e.sends {
		if as.Expired(e.expiry) {
			as.Close()
			delete(e.sends, id)
			e.cleanupFileState(id)
			e.metrics.RecordSession("send", "expired")
		}
	}
}

func (e *Engine) cleanupFileState(sessionID string) {
	for key, state := range e.sigPumps {
		if key.sessionID == sessionID {
			state.closeFn()
			delete(e.sigPumps, key)
		}
	}
	for key := range e.deltaLoaders {
		if key.sessionID == sessionID {
			delete(e.deltaLoaders, key)
		}
	}
	for key := range e.transferStarts {
		if key.sessionID == sessionID {
			delete(e.transferStarts, key)
		}
	}
}

func (e *Engine) handleCancel(cmd protocol.Command) {
	if ar, ok := e.receives[cmd.ID]; ok {
		delete(e.receives, cmd.ID)
		ar.Close()
		e.cleanupFileState(cmd.ID)
		e.metrics.RecordSession("receive", "canceled")
		status := protocol.NewCommand(protocol.ActionStatus)
		status.ID = cmd.ID
		status.Status = string(protocol.StatusCanceled)
		e.sendStatus(status, ar.SendAcks, ar.SendErrors)
		return
	}
	if as, ok := e.sends[cmd.ID]; ok {
		delete(e.sends, cmd.ID)
		as.Close()
		e.cleanupFileState(cmd.ID)
		e.metrics.RecordSession("send", "canceled")
		status := protocol.NewCommand(protocol.ActionStatus)
		status.ID = cmd.ID
		status.Status = string(protocol.StatusCanceled)
		e.sendStatus(status, as.SendAcks, as.SendErrors)
	}
}

func (e *Engine) confirm(id string, bypassOK bool, onResult func(accepted bool)) {
	if bypassOK {
		onResult(true)
		return
	}
	e.confirmer.PromptYesNo(fmt.Sprintf("Allow file transfer session %s?", id), onResult)
}

// --- receive side ---

func (e *Engine) startReceive(cmd protocol.Command) {
	if len(e.receives) >= e.maxReceives {
		e.log.Warnw("max active receives reached, rejecting new session", "id", cmd.ID)
		e.metrics.RecordSession("receive", "rejected")
		return
	}
	bypassOK := checkBypass(cmd.ID, e.bypassPassphrase, cmd.Bypass)
	if cmd.Bypass != "" {
		e.metrics.RecordBypass(bypassOK)
	}
	ar := transfer.NewActiveReceive(cmd.ID, bypassOK, cmd.Quiet)
	e.receives[cmd.ID] = ar
	e.confirm(cmd.ID, bypassOK, func(accepted bool) {
		e.onReceiveConfirmed(ar, accepted)
	})
}

func (e *Engine) onReceiveConfirmed(ar *transfer.ActiveReceive, accepted bool) {
	if _, stillLive := e.receives[ar.ID]; !stillLive {
		return // session was canceled while the prompt was pending
	}
	status := protocol.NewCommand(protocol.ActionStatus)
	status.ID = ar.ID
	if !accepted {
		delete(e.receives, ar.ID)
		e.metrics.RecordSession("receive", "rejected")
		status.Status = string(protocol.StatusEperm)
		e.sendStatus(status, ar.SendAcks, ar.SendErrors)
		return
	}
	ar.Accept()
	e.metrics.RecordSession("receive", "accepted")
	status.Status = string(protocol.StatusOK)
	e.sendStatus(status, ar.SendAcks, ar.SendErrors)
}

func (e *Engine) handleReceiveCmd(ar *transfer.ActiveReceive, cmd protocol.Command) {
	if !ar.Accepted {
		return // pending confirmation: ignore everything but cancel (handled earlier)
	}
	switch cmd.Action {
	case protocol.ActionFile:
		e.handleReceiveFile(ar, cmd)
	case protocol.ActionData, protocol.ActionEndData:
		e.handleReceiveData(ar, cmd)
	case protocol.ActionFinish:
		ar.Commit(func(path string, err error) {
			e.log.Warnw("failed to reapply directory metadata", "path", path, "error", err)
		})
		delete(e.receives, ar.ID)
		e.cleanupFileState(ar.ID)
		e.metrics.RecordSession("receive", "committed")
	case protocol.ActionStatus:
		ar.SendAcks = cmd.Quiet == protocol.QuietAckAndErrors
		ar.SendErrors = cmd.Quiet != protocol.QuietSilent
	default:
		e.log.Warnw("unexpected action for receive session", "id", ar.ID, "action", cmd.Action.String())
	}
}

func (e *Engine) handleReceiveFile(ar *transfer.ActiveReceive, cmd protocol.Command) {
	df, err := ar.StartFile(cmd, e.homeDir)
	if err != nil {
		e.sendStatus(fileErrorStatus(ar.ID, cmd.FileID, err), ar.SendAcks, ar.SendErrors)
		return
	}

	if df.FType == protocol.FileTypeDirectory {
		status := protocol.NewCommand(protocol.ActionStatus)
		status.ID = ar.ID
		status.FileID = cmd.FileID
		status.Status = string(protocol.StatusOK)
		e.sendStatus(status, ar.SendAcks, ar.SendErrors)
		return
	}

	e.transferStarts[fileKey{ar.ID, cmd.FileID}] = time.Now()

	size, ok := df.ExistingSize()
	if !ok {
		size = -1
	}
	status := protocol.NewCommand(protocol.ActionStatus)
	status.ID = ar.ID
	status.FileID = cmd.FileID
	status.Status = string(protocol.StatusStarted)
	status.Size = size
	status.TType = df.TType
	status.Name = cmd.Name
	e.sendStatus(status, ar.SendAcks, ar.SendErrors)

	if df.TType == protocol.TransmissionRsync {
		e.startSignaturePump(ar.ID, cmd.FileID, df.Name)
	}
}

func (e *Engine) startSignaturePump(sessionID, fileID, path string) {
	iter, closeFn, err := rsyncio.NewSignatureOfFile(path, rsyncio.DefaultBlockSize)
	if err != nil {
		e.log.Warnw("failed to start rsync signature pump", "session", sessionID, "file_id", fileID, "error", err)
		return
	}
	key := fileKey{sessionID, fileID}
	e.sigPumps[key] = &sigPumpState{iter: iter, closeFn: closeFn}
	e.scheduleSignaturePump(key)
}

func (e *Engine) pumpSignature(key fileKey) {
	state, ok := e.sigPumps[key]
	if !ok {
		return // session or file dropped while the timer was pending
	}

	var cmd protocol.Command
	if state.pending != nil {
		cmd = *state.pending
	} else {
		chunk, more, err := state.iter.Next()
		if err != nil {
			e.log.Warnw("rsync signature read failed", "session", key.sessionID, "file_id", key.fileID, "error", err)
			state.closeFn()
			delete(e.sigPumps, key)
			return
		}
		if !more {
			cmd = protocol.NewCommand(protocol.ActionEndData)
			cmd.ID = key.sessionID
			cmd.FileID = key.fileID
			state.done = true
		} else {
			cmd = protocol.NewCommand(protocol.ActionData)
			cmd.ID = key.sessionID
			cmd.FileID = key.fileID
			cmd.Data = chunk
		}
	}

	if !e.responder.SendRaw(cmd) {
		state.pending = &cmd
		e.scheduleSignaturePump(key)
		return
	}
	state.pending = nil
	if state.done {
		state.closeFn()
		delete(e.sigPumps, key)
		return
	}
	e.scheduleSignaturePump(key)
}

func (e *Engine) handleReceiveData(ar *transfer.ActiveReceive, cmd protocol.Command) {
	df, ok := ar.File(cmd.FileID)
	if !ok {
		e.sendStatus(fileErrorStatus(ar.ID, cmd.FileID, newProtoErr(protocol.StatusEinval, "data for unknown file_id")), ar.SendAcks, ar.SendErrors)
		return
	}
	if df.Failed() {
		return
	}

	isLast := cmd.Action == protocol.ActionEndData
	var commitErr error
	if df.TType == protocol.TransmissionRsync {
		commitErr = e.applyRsyncData(ar, df, cmd.FileID, cmd.Data, isLast)
	} else {
		commitErr = ar.AddData(cmd.FileID, cmd.Data, isLast)
	}

	status := protocol.NewCommand(protocol.ActionStatus)
	status.ID = ar.ID
	status.FileID = cmd.FileID
	switch {
	case commitErr != nil:
		status.Status = protocolErrorStatus(commitErr)
	case df.Closed():
		status.Status = string(protocol.StatusOK)
		status.Size = df.BytesWritten()
		e.recordTransferDone("receive", fileKey{ar.ID, cmd.FileID}, df.BytesWritten())
	default:
		status.Status = string(protocol.StatusProgress)
		status.Size = df.BytesWritten()
	}
	e.sendStatus(status, ar.SendAcks, ar.SendErrors)
}

func (e *Engine) applyRsyncData(ar *transfer.ActiveReceive, df *transfer.DestFile, fileID string, data []byte, isLast bool) error {
	key := fileKey{ar.ID, fileID}
	loader, ok := e.deltaLoaders[key]
	if !ok {
		if err := df.StartRsyncPatch(rsyncio.DefaultBlockSize); err != nil {
			return err
		}
		loader = rsyncio.NewDeltaLoader()
		e.deltaLoaders[key] = loader
	}
	loader.AddChunk(data)
	ops, err := loader.Ops()
	if err != nil {
		return err
	}
	for _, op := range ops {
		if err := df.AddRsyncOp(op); err != nil {
			return err
		}
	}
	if isLast {
		delete(e.deltaLoaders, key)
		return df.FinishRsyncPatch()
	}
	return nil
}

func (e *Engine) recordTransferDone(side string, key fileKey, bytes int64) {
	start, ok := e.transferStarts[key]
	if !ok {
		return
	}
	e.metrics.RecordTransfer(side, bytes, time.Since(start))
	delete(e.transferStarts, key)
}

// --- send side ---

func (e *Engine) startSend(cmd protocol.Command) {
	if len(e.sends) >= e.maxSends {
		e.log.Warnw("max active sends reached, rejecting new session", "id", cmd.ID)
		e.metrics.RecordSession("send", "rejected")
		return
	}
	bypassOK := checkBypass(cmd.ID, e.bypassPassphrase, cmd.Bypass)
	if cmd.Bypass != "" {
		e.metrics.RecordBypass(bypassOK)
	}
	as := transfer.NewActiveSend(cmd.ID, bypassOK, int(cmd.Size), cmd.Quiet)
	e.sends[cmd.ID] = as
	e.confirm(cmd.ID, bypassOK, func(accepted bool) {
		e.onSendConfirmed(as, accepted)
	})
}

func (e *Engine) onSendConfirmed(as *transfer.ActiveSend, accepted bool) {
	if _, stillLive := e.sends[as.ID]; !stillLive {
		return
	}
	status := protocol.NewCommand(protocol.ActionStatus)
	status.ID = as.ID
	if !accepted {
		delete(e.sends, as.ID)
		e.metrics.RecordSession("send", "rejected")
		status.Status = string(protocol.StatusEperm)
		e.sendStatus(status, as.SendAcks, as.SendErrors)
		return
	}
	as.Accept()
	e.metrics.RecordSession("send", "accepted")
	status.Status = string(protocol.StatusOK)
	e.sendStatus(status, as.SendAcks, as.SendErrors)
	if as.SpecsComplete() {
		e.runMetadataEmission(as)
	}
}

func (e *Engine) handleSendCmd(as *transfer.ActiveSend, cmd protocol.Command) {
	if !as.Accepted {
		return
	}
	switch cmd.Action {
	case protocol.ActionFile:
		e.handleSendFile(as, cmd)
	case protocol.ActionData, protocol.ActionEndData:
		e.handleSendSignatureData(as, cmd)
	case protocol.ActionFinish:
		delete(e.sends, as.ID)
		as.Close()
		e.cleanupFileState(as.ID)
		e.metrics.RecordSession("send", "committed")
	case protocol.ActionStatus:
		as.SendAcks = cmd.Quiet == protocol.QuietAckAndErrors
		as.SendErrors = cmd.Quiet != protocol.QuietSilent
	default:
		e.log.Warnw("unexpected action for send session", "id", as.ID, "action", cmd.Action.String())
	}
}

func (e *Engine) handleSendFile(as *transfer.ActiveSend, cmd protocol.Command) {
	if !as.MetadataSent {
		if err := as.AddFileSpec(cmd.FileID, cmd.Name); err != nil {
			e.sendStatus(fileErrorStatus(as.ID, cmd.FileID, err), as.SendAcks, as.SendErrors)
			return
		}
		if as.SpecsComplete() {
			e.runMetadataEmission(as)
		}
		return
	}

	sf, err := as.AddSendFile(cmd.FileID, cmd.Name, cmd.TType, cmd.Compression)
	if err != nil {
		e.sendStatus(fileErrorStatus(as.ID, cmd.FileID, err), as.SendAcks, as.SendErrors)
		return
	}
	e.transferStarts[fileKey{as.ID, cmd.FileID}] = time.Now()
	if e.rateLimiter != nil {
		sf.SetRateLimiter(e.rateLimiter)
	}
	e.pumpSendChunks(as.ID)
}

func (e *Engine) handleSendSignatureData(as *transfer.ActiveSend, cmd protocol.Command) {
	sf, ok := as.SourceFile(cmd.FileID)
	if !ok {
		e.sendStatus(fileErrorStatus(as.ID, cmd.FileID, newProtoErr(protocol.StatusEinval, "signature data for unknown file_id")), as.SendAcks, as.SendErrors)
		return
	}
	if err := sf.AddSignatureData(cmd.Data); err != nil {
		e.sendStatus(fileErrorStatus(as.ID, cmd.FileID, err), as.SendAcks, as.SendErrors)
		return
	}
	if cmd.Action == protocol.ActionEndData {
		if err := sf.CommitSignature(); err != nil {
			e.sendStatus(fileErrorStatus(as.ID, cmd.FileID, err), as.SendAcks, as.SendErrors)
			return
		}
	}
	e.pumpSendChunks(as.ID)
}

func (e *Engine) runMetadataEmission(as *transfer.ActiveSend) {
	cmds, errs := transfer.WalkMetadata(as.FileSpecs, e.homeDir)
	for _, werr := range errs {
		status := protocol.NewCommand(protocol.ActionStatus)
		status.ID = as.ID
		status.Status = protocolErrorStatus(werr.Err)
		e.sendStatus(status, as.SendAcks, as.SendErrors)
	}

	if len(cmds) == 0 {
		status := protocol.NewCommand(protocol.ActionStatus)
		status.ID = as.ID
		status.Status = string(protocol.StatusEnoent)
		e.sendStatus(status, as.SendAcks, as.SendErrors)
		delete(e.sends, as.ID)
		e.metrics.RecordSession("send", "rejected")
		return
	}

	for _, c := range cmds {
		c.ID = as.ID
		e.responder.SendRaw(c)
	}

	final := protocol.NewCommand(protocol.ActionStatus)
	final.ID = as.ID
	final.Status = string(protocol.StatusOK)
	final.Name = e.homeDir
	e.sendStatus(final, as.SendAcks, as.SendErrors)
	as.MarkMetadataSent()
}

func (e *Engine) pumpSendChunks(sessionID string) {
	as, ok := e.sends[sessionID]
	if !ok {
		return
	}
	for {
		chunk, ok, err := as.NextChunk()
		if err != nil {
			status := protocol.NewCommand(protocol.ActionStatus)
			status.ID = sessionID
			status.FileID = chunk.FileID
			status.Status = protocolErrorStatus(err)
			e.sendStatus(status, as.SendAcks, as.SendErrors)
			delete(e.sends, sessionID)
			as.Close()
			e.cleanupFileState(sessionID)
			e.metrics.RecordSession("send", "failed")
			return
		}
		if !ok {
			return
		}

		action := protocol.ActionData
		if chunk.IsEnd {
			action = protocol.ActionEndData
		}
		cmd := protocol.NewCommand(action)
		cmd.ID = sessionID
		cmd.FileID = chunk.FileID
		cmd.Data = chunk.Data

		if !e.responder.SendRaw(cmd) {
			as.ReturnChunk(chunk)
			e.schedulePumpRetry(sessionID)
			return
		}
		if chunk.IsEnd {
			var size int64
			if sf, ok := as.SourceFile(chunk.FileID); ok {
				if fi, err := os.Lstat(sf.Path); err == nil {
					size = fi.Size()
				}
			}
			e.recordTransferDone("send", fileKey{sessionID, chunk.FileID}, size)
		}
	}
}

func fileErrorStatus(sessionID, fileID string, err error) protocol.Command {
	status := protocol.NewCommand(protocol.ActionStatus)
	status.ID = sessionID
	status.FileID = fileID
	status.Status = protocolErrorStatus(err)
	return status
}

func protocolErrorStatus(err error) string {
	if pe, ok := err.(*transfer.ProtocolError); ok {
		return protocol.FormatStatus(pe.Code, pe.Msg)
	}
	return protocol.FormatStatus(protocol.StatusEinval, err.Error())
}

func newProtoErr(code protocol.StatusCode, msg string) error {
	return &transfer.ProtocolError{Code: code, Msg: msg}
}
