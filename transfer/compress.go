package transfer

import (
	"bytes"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/relayterm/termfile/protocol"
)

// newChunkCompressor returns a transform that compresses each chunk it is
// given and flushes enough of the deflate stream to be safely concatenated
// on the wire, closing the stream on the final chunk. comp==CompressionNone
// returns nil, signaling "pass bytes through unchanged".
//
// "zlib" on the wire is, per the original implementation this engine is
// compatible with, raw DEFLATE with no zlib header — klauspost/compress/flate
// already emits exactly that, so no header stripping is needed.
func newChunkCompressor(comp protocol.Compression) *chunkCompressor {
	if comp == protocol.CompressionNone {
		return nil
	}
	buf := &bytes.Buffer{}
	return &chunkCompressor{buf: buf, w: flate.NewWriter(buf, flate.DefaultCompression)}
}

type chunkCompressor struct {
	buf *bytes.Buffer
	w   *flate.Writer
}

// Transform compresses data (which may be empty, to let the compressor
// flush) and returns the bytes ready to put on the wire for this chunk.
func (c *chunkCompressor) Transform(data []byte, isLast bool) ([]byte, error) {
	c.buf.Reset()
	if len(data) > 0 {
		if _, err := c.w.Write(data); err != nil {
			return nil, err
		}
	}
	if isLast {
		if err := c.w.Close(); err != nil {
			return nil, err
		}
	} else if err := c.w.Flush(); err != nil {
		return nil, err
	}
	out := make([]byte, c.buf.Len())
	copy(out, c.buf.Bytes())
	return out, nil
}

// newChunkDecompressor returns a streaming sink that decompresses whatever
// is written to it and relays the plaintext to dst, using a background
// goroutine pumping a pipe so large files never need to be buffered whole
// in memory. comp==CompressionNone returns nil, signaling "write straight
// to dst".
func newChunkDecompressor(comp protocol.Compression, dst io.Writer) *chunkDecompressor {
	if comp == protocol.CompressionNone {
		return nil
	}
	pr, pw := io.Pipe()
	d := &chunkDecompressor{pw: pw, done: make(chan error, 1)}
	go func() {
		fr := flate.NewReader(pr)
		_, copyErr := io.Copy(dst, fr)
		closeErr := fr.Close()
		if copyErr != nil {
			d.done <- copyErr
			return
		}
		d.done <- closeErr
	}()
	return d
}

type chunkDecompressor struct {
	pw   *io.PipeWriter
	done chan error
}

// Write feeds more compressed bytes in.
func (d *chunkDecompressor) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	return d.pw.Write(p)
}

// Close signals end of input and waits for the draining goroutine to
// finish writing the tail of the plaintext to dst.
func (d *chunkDecompressor) Close() error {
	if err := d.pw.Close(); err != nil {
		return err
	}
	return <-d.done
}
