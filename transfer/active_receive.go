package transfer

import (
	"sort"
	"time"

	"github.com/relayterm/termfile/protocol"
)

// ActiveReceive is one inbound ("remote wants to send us files") session
// (spec.md §3/§4.4, component C4). Grounded on the teacher's `session`
// struct (session.go) for the shape of per-connection mutable state with an
// explicit last-activity timestamp, generalized to the file_id-keyed
// bookkeeping the FTP protocol never needed.
type ActiveReceive struct {
	ID       string
	BypassOK bool
	Accepted bool

	SendAcks   bool
	SendErrors bool

	files        map[string]*DestFile
	dirs         []*DestFile // directories created this session, in creation order
	lastActivity time.Time
}

// NewActiveReceive starts a pending receive session. bypassOK is computed by
// the engine (spec.md §6.5's bypass-passphrase check) before construction,
// since that check depends on host configuration the transfer package has
// no business holding.
func NewActiveReceive(id string, bypassOK bool, quiet protocol.QuietLevel) *ActiveReceive {
	return &ActiveReceive{
		ID:           id,
		BypassOK:     bypassOK,
		files:        make(map[string]*DestFile),
		SendAcks:     quiet == protocol.QuietAckAndErrors,
		SendErrors:   quiet != protocol.QuietSilent,
		lastActivity: time.Now(),
	}
}

// Touch refreshes the last-activity timestamp; every command in a live
// session must call this (spec.md §3 "every command ... updates
// last_activity_at").
func (ar *ActiveReceive) Touch() { ar.lastActivity = time.Now() }

// Expired reports whether this session has been idle longer than ttl
// (spec.md §5, 10-minute default).
func (ar *ActiveReceive) Expired(ttl time.Duration) bool {
	return time.Since(ar.lastActivity) > ttl
}

// Accept flips the session to accepted, e.g. after user confirmation or a
// matching bypass token.
func (ar *ActiveReceive) Accept() { ar.Accepted = true }

// StartFile registers a new DestFile for cmd.FileID. A duplicate file_id is
// a protocol error (spec.md §4.4).
func (ar *ActiveReceive) StartFile(cmd protocol.Command, homeDir string) (*DestFile, error) {
	if _, exists := ar.files[cmd.FileID]; exists {
		return nil, newErr(protocol.StatusEinval, nil, "duplicate file_id")
	}
	df, err := NewDestFile(cmd, homeDir)
	if err != nil {
		return nil, err
	}
	df.SetCompression(cmd.Compression)
	ar.files[cmd.FileID] = df
	if df.FType == protocol.FileTypeDirectory {
		ar.dirs = append(ar.dirs, df)
	}
	return df, nil
}

// File looks up an already-registered DestFile by file_id.
func (ar *ActiveReceive) File(fileID string) (*DestFile, bool) {
	df, ok := ar.files[fileID]
	return df, ok
}

// AddData writes one chunk to the named file. A write against an unknown
// file_id (no prior start_file) is a protocol error; a write against an
// already-failed file is dropped silently, matching spec.md §4.4.
func (ar *ActiveReceive) AddData(fileID string, data []byte, isLast bool) error {
	df, ok := ar.files[fileID]
	if !ok {
		return newErr(protocol.StatusEinval, nil, "data for unknown file_id")
	}
	if df.Failed() {
		return nil
	}
	return df.WriteData(ar.File, data, isLast)
}

// Commit reapplies metadata to every directory registered during this
// session, longest path first so a directory's own mtime is restored after
// the mtimes of anything created inside it (spec.md §4.4 "reapply metadata
// on each directory entry, longest path first"). OS errors are swallowed
// via sendOSError since the directory's creation was already acknowledged.
func (ar *ActiveReceive) Commit(sendOSError func(path string, err error)) {
	dirs := append([]*DestFile(nil), ar.dirs...)
	sort.Slice(dirs, func(i, j int) bool { return len(dirs[i].Name) > len(dirs[j].Name) })
	for _, df := range dirs {
		if err := df.ApplyMetadata(); err != nil && sendOSError != nil {
			sendOSError(df.Name, err)
		}
	}
}

// Close releases every DestFile this session holds open, used on
// cancellation or engine teardown (spec.md §5 "Engine teardown closes every
// open DestFile/SourceFile").
func (ar *ActiveReceive) Close() {
	for _, df := range ar.files {
		df.Close()
	}
}
