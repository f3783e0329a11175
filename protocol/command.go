// Package protocol implements the wire command record used to tunnel the
// file transmission protocol through a terminal OSC escape sequence.
//
// A Command is a small struct of typed fields. Serialize renders it as
// `key=value;key=value;...`, skipping any field that equals its default.
// Deserialize parses that form back into a Command. Every field has a short
// wire name distinct from its Go name (see the field table in codec.go).
package protocol

// Action identifies what a Command asks the peer to do.
type Action int

const (
	ActionInvalid Action = iota
	ActionSend
	ActionFile
	ActionData
	ActionEndData
	ActionReceive
	ActionCancel
	ActionStatus
	ActionFinish
)

var actionNames = map[Action]string{
	ActionInvalid:  "invalid",
	ActionSend:     "send",
	ActionFile:     "file",
	ActionData:     "data",
	ActionEndData:  "end_data",
	ActionReceive:  "receive",
	ActionCancel:   "cancel",
	ActionStatus:   "status",
	ActionFinish:   "finish",
}

var actionsByName = func() map[string]Action {
	m := make(map[string]Action, len(actionNames))
	for a, n := range actionNames {
		m[n] = a
	}
	return m
}()

func (a Action) String() string {
	if n, ok := actionNames[a]; ok {
		return n
	}
	return "invalid"
}

// Compression selects how a regular file's body bytes are encoded on the
// wire. Compression "zlib" is, per the original implementation this engine
// is compatible with, actually raw DEFLATE (no zlib header) — see
// transfer's newChunkCompressor.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionZlib
)

var compressionNames = map[Compression]string{
	CompressionNone: "none",
	CompressionZlib: "zlib",
}

var compressionsByName = func() map[string]Compression {
	m := make(map[string]Compression, len(compressionNames))
	for c, n := range compressionNames {
		m[n] = c
	}
	return m
}()

func (c Compression) String() string {
	if n, ok := compressionNames[c]; ok {
		return n
	}
	return "none"
}

// FileType classifies the filesystem node a `file` command describes.
type FileType int

const (
	FileTypeRegular FileType = iota
	FileTypeDirectory
	FileTypeSymlink
	FileTypeLink
)

var fileTypeNames = map[FileType]string{
	FileTypeRegular:   "regular",
	FileTypeDirectory: "directory",
	FileTypeSymlink:   "symlink",
	FileTypeLink:      "link",
}

var fileTypesByName = func() map[string]FileType {
	m := make(map[string]FileType, len(fileTypeNames))
	for t, n := range fileTypeNames {
		m[n] = t
	}
	return m
}()

func (t FileType) String() string {
	if n, ok := fileTypeNames[t]; ok {
		return n
	}
	return "regular"
}

// TransmissionType selects whether a file body is sent whole (simple) or as
// an rsync delta against an existing destination copy.
type TransmissionType int

const (
	TransmissionSimple TransmissionType = iota
	TransmissionRsync
)

var ttypeNames = map[TransmissionType]string{
	TransmissionSimple: "simple",
	TransmissionRsync:  "rsync",
}

var ttypesByName = func() map[string]TransmissionType {
	m := make(map[string]TransmissionType, len(ttypeNames))
	for t, n := range ttypeNames {
		m[n] = t
	}
	return m
}()

func (t TransmissionType) String() string {
	if n, ok := ttypeNames[t]; ok {
		return n
	}
	return "simple"
}

// QuietLevel controls how chatty the engine is on the wire for a session.
type QuietLevel int

const (
	// QuietAckAndErrors sends both acknowledgements and errors (default).
	QuietAckAndErrors QuietLevel = 0
	// QuietErrorsOnly suppresses acks but still reports errors.
	QuietErrorsOnly QuietLevel = 1
	// QuietSilent suppresses everything.
	QuietSilent QuietLevel = 2
)

// Command is the single wire atom of the protocol (spec §3).
//
// Wire defaults: Action is invalid, Compression is none, FileType is
// regular, TType is simple (all Go zero values), and Mtime/Permissions/Size
// are -1 (Go zero value 0 is NOT the default for those three — callers must
// set them explicitly via NewCommand or assign -1).
type Command struct {
	Action      Action
	Compression Compression
	FType       FileType
	TType       TransmissionType
	ID          string
	FileID      string
	Bypass      string
	Quiet       QuietLevel
	Mtime       int64
	Permissions int64
	Size        int64
	Name        string
	Status      string
	Parent      string
	Data        []byte
}

// NewCommand returns a Command with every numeric default set to its wire
// default (-1 for Mtime/Permissions/Size) rather than Go's zero value.
func NewCommand(action Action) Command {
	return Command{
		Action:      action,
		Mtime:       -1,
		Permissions: -1,
		Size:        -1,
	}
}
