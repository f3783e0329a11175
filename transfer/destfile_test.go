package transfer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/relayterm/termfile/protocol"
)

func newFileCmd(t *testing.T, name string) protocol.Command {
	t.Helper()
	cmd := protocol.NewCommand(protocol.ActionFile)
	cmd.Name = name
	return cmd
}

func TestDestFileResolveDestPath(t *testing.T) {
	home := "/home/alice"
	if got := ResolveDestPath("docs/x.txt", home); got != filepath.Clean("/home/alice/docs/x.txt") {
		t.Fatalf("got %q", got)
	}
	if got := ResolveDestPath("/tmp/abs.txt", home); got != "/tmp/abs.txt" {
		t.Fatalf("got %q", got)
	}
}

func TestDestFileRegularWriteAndMetadata(t *testing.T) {
	dir := t.TempDir()
	cmd := newFileCmd(t, filepath.Join(dir, "out.bin"))
	cmd.Permissions = 0o640
	cmd.Mtime = 1700000000 * int64(1e9)

	df, err := NewDestFile(cmd, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := df.WriteData(nil, []byte("hello "), false); err != nil {
		t.Fatal(err)
	}
	if err := df.WriteData(nil, []byte("world"), true); err != nil {
		t.Fatal(err)
	}
	if !df.Closed() {
		t.Fatal("expected file to be closed after is_last")
	}
	if df.Failed() {
		t.Fatal("did not expect failure")
	}
	if df.BytesWritten() != int64(len("hello world")) {
		t.Fatalf("bytes_written = %d", df.BytesWritten())
	}

	got, err := os.ReadFile(cmd.Name)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello world" {
		t.Fatalf("got %q", got)
	}

	fi, err := os.Stat(cmd.Name)
	if err != nil {
		t.Fatal(err)
	}
	if fi.Mode().Perm() != 0o640 {
		t.Fatalf("mode = %v", fi.Mode().Perm())
	}
}

func TestDestFileWriteAfterCloseFails(t *testing.T) {
	dir := t.TempDir()
	cmd := newFileCmd(t, filepath.Join(dir, "out.bin"))
	df, err := NewDestFile(cmd, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := df.WriteData(nil, []byte("x"), true); err != nil {
		t.Fatal(err)
	}
	if err := df.WriteData(nil, []byte("y"), false); err == nil {
		t.Fatal("expected error writing to a closed file")
	}
}

func TestDestFileDirectoryRejectsData(t *testing.T) {
	dir := t.TempDir()
	cmd := newFileCmd(t, filepath.Join(dir, "sub"))
	cmd.FType = protocol.FileTypeDirectory
	df, err := NewDestFile(cmd, dir)
	if err != nil {
		t.Fatal(err)
	}
	if !df.Closed() {
		t.Fatal("directories are created closed")
	}
	if err := df.WriteData(nil, []byte("x"), true); err == nil {
		t.Fatal("expected EISDIR writing to a directory")
	}
	if fi, err := os.Stat(cmd.Name); err != nil || !fi.IsDir() {
		t.Fatalf("expected directory to exist: %v", err)
	}
}

func TestDestFileCompressedWrite(t *testing.T) {
	dir := t.TempDir()
	cmd := newFileCmd(t, filepath.Join(dir, "out.bin"))
	df, err := NewDestFile(cmd, dir)
	if err != nil {
		t.Fatal(err)
	}
	df.SetCompression(protocol.CompressionZlib)

	want := bytes.Repeat([]byte("payload "), 100)
	sf, err := NewSourceFile("src", writeTempFile(t, dir, want), protocol.TransmissionSimple, protocol.CompressionZlib)
	if err != nil {
		t.Fatal(err)
	}
	for !sf.Transmitted() {
		chunk, _, err := sf.NextChunk(97)
		if err != nil {
			t.Fatal(err)
		}
		if err := df.WriteData(nil, chunk, sf.Transmitted()); err != nil {
			t.Fatal(err)
		}
	}

	got, err := os.ReadFile(cmd.Name)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip mismatch: got %d bytes, want %d", len(got), len(want))
	}
}

func TestDestFileSymlinkViaLiteralPath(t *testing.T) {
	dir := t.TempDir()
	cmd := newFileCmd(t, filepath.Join(dir, "link"))
	cmd.FType = protocol.FileTypeSymlink
	df, err := NewDestFile(cmd, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := df.WriteData(nil, []byte("path:/etc/hosts"), true); err != nil {
		t.Fatal(err)
	}
	target, err := os.Readlink(cmd.Name)
	if err != nil {
		t.Fatal(err)
	}
	if target != "/etc/hosts" {
		t.Fatalf("got %q", target)
	}
}

func TestDestFileLinkUnknownPrefixIsEinval(t *testing.T) {
	dir := t.TempDir()
	cmd := newFileCmd(t, filepath.Join(dir, "link"))
	cmd.FType = protocol.FileTypeSymlink
	df, err := NewDestFile(cmd, dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := df.WriteData(nil, []byte("nonsense:xyz"), true); err == nil {
		t.Fatal("expected EINVAL for an unrecognized link prefix")
	}
}

func writeTempFile(t *testing.T, dir string, data []byte) string {
	t.Helper()
	p := filepath.Join(dir, "src.bin")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}
