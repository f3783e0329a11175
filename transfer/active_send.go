package transfer

import (
	"time"

	"github.com/relayterm/termfile/protocol"
)

// transferChunkSize is the splitter size used when breaking a SourceFile's
// output into wire-sized pieces (spec.md §4.5 "4KiB transfer splitter").
const transferChunkSize = 4096

// FileSpec is one (file_id, path) pair collected during spec-collection
// phase, before the metadata walk resolves it to real filesystem entries.
type FileSpec struct {
	FileID string
	Path   string
}

// PendingChunk is one wire-ready fragment of a SourceFile's body, queued for
// the writer. IsEnd marks the chunk that should carry an end_data action.
type PendingChunk struct {
	FileID          string
	Data            []byte
	UncompressedLen int
	IsEnd           bool
}

// ActiveSend is one outbound ("remote wants to pull files from us") session
// (spec.md §3/§4.5, component C5). Grounded on the teacher's `session`
// struct for per-session mutable state shape, generalized with the
// spec/pull phases FTP's single-direction RETR/STOR model never needed.
type ActiveSend struct {
	ID       string
	BypassOK bool
	Accepted bool

	SendAcks   bool
	SendErrors bool

	ExpectedNumOfArgs int
	FileSpecs         []FileSpec
	MetadataSent      bool

	queuedFiles   map[string]*SourceFile
	activeFile    *SourceFile
	pendingChunks []PendingChunk

	lastActivity time.Time
}

// maxFileSpecs and maxQueuedSendFiles are the caps spec.md §4.5 names for
// spec collection and send-file registration respectively.
const (
	maxFileSpecs       = 8192
	maxQueuedSendFiles = 32768
)

// NewActiveSend starts a pending send session.
func NewActiveSend(id string, bypassOK bool, expectedNumOfArgs int, quiet protocol.QuietLevel) *ActiveSend {
	return &ActiveSend{
		ID:                id,
		BypassOK:          bypassOK,
		ExpectedNumOfArgs: expectedNumOfArgs,
		queuedFiles:       make(map[string]*SourceFile),
		SendAcks:          quiet == protocol.QuietAckAndErrors,
		SendErrors:        quiet != protocol.QuietSilent,
		lastActivity:      time.Now(),
	}
}

// Touch refreshes the last-activity timestamp.
func (as *ActiveSend) Touch() { as.lastActivity = time.Now() }

// Expired reports whether this session has been idle longer than ttl.
func (as *ActiveSend) Expired(ttl time.Duration) bool {
	return time.Since(as.lastActivity) > ttl
}

// Accept flips the session to accepted.
func (as *ActiveSend) Accept() { as.Accepted = true }

// AddFileSpec appends one more (file_id, path) pair during spec collection.
// Adding past the cap, or past expected_num_of_args, is a protocol error
// (spec.md §4.5).
func (as *ActiveSend) AddFileSpec(fileID, path string) error {
	if as.MetadataSent {
		return newErr(protocol.StatusEinval, nil, "specs can no longer be added after metadata emission")
	}
	if len(as.FileSpecs) >= maxFileSpecs {
		return newErr(protocol.StatusEinval, nil, "too many file specs")
	}
	if len(as.FileSpecs) >= as.ExpectedNumOfArgs {
		return newErr(protocol.StatusEinval, nil, "more file specs than expected_num_of_args")
	}
	as.FileSpecs = append(as.FileSpecs, FileSpec{FileID: fileID, Path: path})
	return nil
}

// SpecsComplete reports whether every expected spec has arrived and the
// session is accepted, i.e. metadata emission should now run (spec.md
// §4.5 "Once len(specs) == expected_num_of_args and the session is
// accepted, trigger metadata emission").
func (as *ActiveSend) SpecsComplete() bool {
	return as.Accepted && len(as.FileSpecs) == as.ExpectedNumOfArgs
}

// MarkMetadataSent records that the metadata walk has completed and no
// further specs may be added (spec.md §4.5 invariant).
func (as *ActiveSend) MarkMetadataSent() { as.MetadataSent = true }

// AddSendFile registers a SourceFile the remote has decided to pull,
// capped at maxQueuedSendFiles (spec.md §4.5 Phase 3).
func (as *ActiveSend) AddSendFile(fileID, path string, ttype protocol.TransmissionType, comp protocol.Compression) (*SourceFile, error) {
	if len(as.queuedFiles) >= maxQueuedSendFiles {
		return nil, newErr(protocol.StatusEinval, nil, "too many queued send files")
	}
	sf, err := NewSourceFile(fileID, path, ttype, comp)
	if err != nil {
		return nil, err
	}
	as.queuedFiles[fileID] = sf
	return sf, nil
}

// SourceFile looks up a registered SourceFile by file_id.
func (as *ActiveSend) SourceFile(fileID string) (*SourceFile, bool) {
	sf, ok := as.queuedFiles[fileID]
	return sf, ok
}

// NextChunk implements spec.md §4.5's pull loop: return the front of the
// pending queue if non-empty; otherwise pick any ready_to_transmit source,
// pull from it until it produces a non-empty chunk or finishes, split the
// result into transferChunkSize pieces, return the first and stash the
// rest. ok is false when there is nothing left to send right now.
func (as *ActiveSend) NextChunk() (chunk PendingChunk, ok bool, err error) {
	if len(as.pendingChunks) > 0 {
		chunk = as.pendingChunks[0]
		as.pendingChunks = as.pendingChunks[1:]
		return chunk, true, nil
	}

	if as.activeFile == nil || !as.activeFile.ReadyToTransmit() {
		as.activeFile = as.pickReadySource()
	}
	if as.activeFile == nil {
		return PendingChunk{}, false, nil
	}

	sf := as.activeFile
	var data []byte
	var uncompressedLen int
	for {
		data, uncompressedLen, err = sf.NextChunk(transferChunkSize)
		if err != nil {
			as.activeFile = nil
			delete(as.queuedFiles, sf.FileID)
			return PendingChunk{FileID: sf.FileID}, false, err
		}
		if len(data) > 0 || sf.Transmitted() {
			break
		}
	}

	if len(data) == 0 {
		// Source finished with nothing left to flush: a lone end_data.
		as.activeFile = nil
		return PendingChunk{FileID: sf.FileID, IsEnd: true}, true, nil
	}

	pieces := splitChunks(data, transferChunkSize)
	chunks := make([]PendingChunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = PendingChunk{FileID: sf.FileID, Data: p}
	}
	chunks[len(chunks)-1].IsEnd = sf.Transmitted()
	if chunks[len(chunks)-1].UncompressedLen == 0 {
		chunks[len(chunks)-1].UncompressedLen = uncompressedLen
	}
	if sf.Transmitted() {
		as.activeFile = nil
	}

	as.pendingChunks = append(as.pendingChunks, chunks[1:]...)
	return chunks[0], true, nil
}

// ReturnChunk pushes a refused chunk back to the front of the pending queue,
// preserving its original emit order (spec.md §4.5/§5).
func (as *ActiveSend) ReturnChunk(c PendingChunk) {
	as.pendingChunks = append([]PendingChunk{c}, as.pendingChunks...)
}

func (as *ActiveSend) pickReadySource() *SourceFile {
	for _, sf := range as.queuedFiles {
		if sf.ReadyToTransmit() {
			return sf
		}
	}
	return nil
}

// splitChunks divides data into pieces of at most size bytes each.
func splitChunks(data []byte, size int) [][]byte {
	if len(data) == 0 {
		return [][]byte{data}
	}
	var out [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

// Close releases every SourceFile this session holds open.
func (as *ActiveSend) Close() {
	if as.activeFile != nil {
		as.activeFile.Close()
	}
	for _, sf := range as.queuedFiles {
		sf.Close()
	}
}
