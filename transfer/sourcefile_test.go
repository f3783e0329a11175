package transfer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/relayterm/termfile/protocol"
	"github.com/relayterm/termfile/rsyncio"
)

func newTestSignature(t *testing.T, path string) (*rsyncio.SignatureOfFile, func() error, error) {
	t.Helper()
	return rsyncio.NewSignatureOfFile(path, rsyncio.DefaultBlockSize)
}

func TestSourceFileRejectsDirectory(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewSourceFile("f1", dir, protocol.TransmissionSimple, protocol.CompressionNone); err == nil {
		t.Fatal("expected error sending a directory")
	}
}

func TestSourceFileSymlinkSendsTargetInOneShot(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "real")
	if err := os.WriteFile(target, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(dir, "link")
	if err := os.Symlink(target, link); err != nil {
		t.Fatal(err)
	}

	sf, err := NewSourceFile("f1", link, protocol.TransmissionSimple, protocol.CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	if sf.Transmitted() {
		t.Fatal("should not be transmitted before first NextChunk")
	}
	chunk, n, err := sf.NextChunk(4096)
	if err != nil {
		t.Fatal(err)
	}
	if string(chunk) != target {
		t.Fatalf("got %q, want %q", chunk, target)
	}
	if n != len(target) {
		t.Fatalf("uncompressed len = %d, want %d", n, len(target))
	}
	if !sf.Transmitted() {
		t.Fatal("expected transmitted=true after sole symlink chunk")
	}
}

func TestSourceFilePlainRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	want := bytes.Repeat([]byte("the quick brown fox jumps over the lazy dog "), 200)
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatal(err)
	}

	sf, err := NewSourceFile("f1", path, protocol.TransmissionSimple, protocol.CompressionNone)
	if err != nil {
		t.Fatal(err)
	}

	var got []byte
	for !sf.Transmitted() {
		chunk, _, err := sf.NextChunk(37) // deliberately not block-aligned
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(want))
	}
}

func TestSourceFileCompressedRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	want := bytes.Repeat([]byte("compress me please "), 500)
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatal(err)
	}

	sf, err := NewSourceFile("f1", path, protocol.TransmissionSimple, protocol.CompressionZlib)
	if err != nil {
		t.Fatal(err)
	}

	var compressed []byte
	for !sf.Transmitted() {
		chunk, _, err := sf.NextChunk(64)
		if err != nil {
			t.Fatal(err)
		}
		compressed = append(compressed, chunk...)
	}

	fr := flate.NewReader(bytes.NewReader(compressed))
	defer fr.Close()
	var got bytes.Buffer
	if _, err := got.ReadFrom(fr); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got.Bytes(), want) {
		t.Fatalf("decompressed mismatch: got %d bytes, want %d", got.Len(), len(want))
	}
}

func TestSourceFileRsyncWaitsForSignature(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	if err := os.WriteFile(path, bytes.Repeat([]byte("a"), 8192), 0o644); err != nil {
		t.Fatal(err)
	}

	sf, err := NewSourceFile("f1", path, protocol.TransmissionRsync, protocol.CompressionNone)
	if err != nil {
		t.Fatal(err)
	}
	if sf.ReadyToTransmit() {
		t.Fatal("rsync source should not be ready before a signature is committed")
	}

	// Feed back its own signature so every block is a copy op.
	sigIter, closeSig, err := newTestSignature(t, path)
	if err != nil {
		t.Fatal(err)
	}
	defer closeSig()
	for {
		chunk, ok, err := sigIter.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		if err := sf.AddSignatureData(chunk); err != nil {
			t.Fatal(err)
		}
	}
	if err := sf.CommitSignature(); err != nil {
		t.Fatal(err)
	}
	if !sf.ReadyToTransmit() {
		t.Fatal("expected ready_to_transmit after signature commit")
	}
}
