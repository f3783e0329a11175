package transfer

import (
	"io"
	"os"

	"github.com/relayterm/termfile/internal/ratelimit"
	"github.com/relayterm/termfile/protocol"
	"github.com/relayterm/termfile/rsyncio"
)

// SourceFile is one sending-side file: reading, optional compression, and
// rsync delta production (spec.md §4.3, component C3). Grounded on the
// teacher's session_transfer.go handleRETR (open-without-follow, chunked
// io.Copy-style read loop), generalized with a compressor transform and the
// rsync delta-producer path the FTP protocol has no analogue for.
type SourceFile struct {
	FileID string
	Path   string
	TType  protocol.TransmissionType

	size int64

	target []byte // symlink readlink payload, sent verbatim in one chunk

	file       *os.File
	reader     io.Reader // sf.file, optionally wrapped by a rate limiter
	compressor *chunkCompressor

	sigLoader  *rsyncio.SignatureLoader
	delta      *rsyncio.DeltaOfFile
	deltaClose func() error

	waitingForSignature bool
	transmitted         bool
	eof                 bool
}

// NewSourceFile opens path without following symlinks. Directories are
// rejected with EINVAL (spec.md §4.3). comp selects the outbound body
// compressor; ttype==rsync defers opening the delta iterator until the
// remote has streamed the complete signature (see AddSignatureData).
func NewSourceFile(fileID, path string, ttype protocol.TransmissionType, comp protocol.Compression) (*SourceFile, error) {
	fi, err := os.Lstat(path)
	if err != nil {
		return nil, newErr(protocol.StatusEnoent, err, "")
	}

	sf := &SourceFile{FileID: fileID, Path: path, TType: ttype}

	switch {
	case fi.Mode()&os.ModeSymlink != 0:
		target, err := os.Readlink(path)
		if err != nil {
			return nil, newErr(protocol.StatusEnoent, err, "")
		}
		sf.target = []byte(target)
	case fi.IsDir():
		return nil, newErr(protocol.StatusEinval, nil, "cannot send a directory as file data")
	default:
		sf.size = fi.Size()
		f, err := os.Open(path)
		if err != nil {
			return nil, newErr(protocol.StatusEnoent, err, "")
		}
		sf.file = f
		sf.reader = f
		sf.compressor = newChunkCompressor(comp)
		if ttype == protocol.TransmissionRsync {
			sf.sigLoader = rsyncio.NewSignatureLoader(rsyncio.DefaultBlockSize)
			sf.waitingForSignature = true
		}
	}

	return sf, nil
}

// SetRateLimiter wraps the underlying file reader so the session's outbound
// body chunks are throttled to the given bandwidth, capping how fast one
// large send can saturate the host's escape-sequence channel. A nil limiter
// (the default) leaves reads unthrottled. No-op for symlink sources, which
// transmit their target in one shot and never call through the limiter.
func (sf *SourceFile) SetRateLimiter(l *ratelimit.Limiter) {
	if sf.file == nil {
		return
	}
	sf.reader = ratelimit.NewReader(sf.file, l)
}

// ReadyToTransmit mirrors the spec's invariant: a source is pullable once it
// has neither finished nor is still waiting on an rsync signature.
func (sf *SourceFile) ReadyToTransmit() bool {
	return !sf.transmitted && !sf.waitingForSignature
}

// Transmitted reports whether every byte of this source has been produced.
func (sf *SourceFile) Transmitted() bool { return sf.transmitted }

// AddSignatureData appends one more chunk of the remote-supplied rsync
// signature. Call Commit once the remote sends end_data for this file_id.
func (sf *SourceFile) AddSignatureData(chunk []byte) error {
	if sf.sigLoader == nil {
		return newErr(protocol.StatusEinval, nil, "not an rsync source")
	}
	sf.sigLoader.AddChunk(chunk)
	return nil
}

// CommitSignature finalizes the accumulated signature and opens the delta
// iterator against it, clearing waitingForSignature so the source becomes
// pullable (spec.md §4.5 "on end_data commits it and constructs the delta
// iterator").
func (sf *SourceFile) CommitSignature() error {
	if sf.sigLoader == nil {
		return newErr(protocol.StatusEinval, nil, "not an rsync source")
	}
	if err := sf.sigLoader.Commit(); err != nil {
		return newErr(protocol.StatusEinval, err, "")
	}
	delta, closeFn, err := rsyncio.NewDeltaOfFile(sf.Path, sf.sigLoader.Signature())
	if err != nil {
		return newErr(protocol.StatusEnoent, err, "")
	}
	sf.delta = delta
	sf.deltaClose = closeFn
	sf.waitingForSignature = false
	return nil
}

// NextChunk returns up to maxSize bytes of wire-ready payload and the
// uncompressed length they represent, per spec.md §4.3. It marks
// Transmitted once the underlying source (symlink target, file body, or
// delta iterator) is exhausted and, on that transition, closes the file
// handle and flushes the compressor.
func (sf *SourceFile) NextChunk(maxSize int) (out []byte, uncompressedLen int, err error) {
	if sf.transmitted {
		return nil, 0, nil
	}

	if sf.target != nil {
		sf.transmitted = true
		return sf.target, len(sf.target), nil
	}

	if sf.TType == protocol.TransmissionRsync {
		return sf.nextRsyncChunk()
	}
	return sf.nextPlainChunk(maxSize)
}

func (sf *SourceFile) nextPlainChunk(maxSize int) ([]byte, int, error) {
	buf := make([]byte, maxSize)
	n, rerr := sf.reader.Read(buf)
	if rerr != nil && rerr != io.EOF {
		return nil, 0, newErr(protocol.StatusEnoent, rerr, "")
	}
	buf = buf[:n]
	last := n == 0 || rerr == io.EOF
	if pos, serr := sf.file.Seek(0, io.SeekCurrent); serr == nil && pos >= sf.size {
		last = true
	}
	if last {
		sf.transmitted = true
	}

	out, err := sf.applyCompressor(buf, last)
	if err != nil {
		return nil, 0, err
	}
	if sf.transmitted {
		sf.file.Close()
	}
	return out, n, nil
}

func (sf *SourceFile) nextRsyncChunk() ([]byte, int, error) {
	chunk, ok, rerr := sf.delta.Next()
	if rerr != nil {
		return nil, 0, newErr(protocol.StatusEnoent, rerr, "")
	}
	last := !ok
	if last {
		sf.transmitted = true
	}

	out, err := sf.applyCompressor(chunk, last)
	if err != nil {
		return nil, 0, err
	}
	if sf.transmitted {
		sf.file.Close()
		if sf.deltaClose != nil {
			sf.deltaClose()
		}
	}
	return out, len(chunk), nil
}

// applyCompressor runs data through the compressor if one is configured,
// appending its flush/close tail on the final chunk; otherwise it passes
// data through unchanged.
func (sf *SourceFile) applyCompressor(data []byte, last bool) ([]byte, error) {
	if sf.compressor == nil {
		return data, nil
	}
	out, err := sf.compressor.Transform(data, last)
	if err != nil {
		return nil, newErr(protocol.StatusEinval, err, "")
	}
	return out, nil
}

// Close releases the underlying file handle(s) if the source was abandoned
// before being fully transmitted (cancel, session drop).
func (sf *SourceFile) Close() error {
	if sf.transmitted {
		return nil
	}
	sf.transmitted = true
	if sf.deltaClose != nil {
		sf.deltaClose()
	}
	if sf.file != nil {
		return sf.file.Close()
	}
	return nil
}
