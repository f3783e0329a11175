package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relayterm/termfile/protocol"
)

func TestActiveReceiveDuplicateFileIDRejected(t *testing.T) {
	dir := t.TempDir()
	ar := NewActiveReceive("s1", false, protocol.QuietAckAndErrors)
	cmd := newFileCmd(t, filepath.Join(dir, "a"))
	cmd.FileID = "fid1"
	if _, err := ar.StartFile(cmd, dir); err != nil {
		t.Fatal(err)
	}
	if _, err := ar.StartFile(cmd, dir); err == nil {
		t.Fatal("expected duplicate file_id to fail")
	}
}

func TestActiveReceiveAddDataUnknownFileID(t *testing.T) {
	ar := NewActiveReceive("s1", false, protocol.QuietAckAndErrors)
	if err := ar.AddData("ghost", []byte("x"), true); err == nil {
		t.Fatal("expected error writing to unknown file_id")
	}
}

func TestActiveReceiveCommitKeepsNestedDirectoriesWithoutError(t *testing.T) {
	dir := t.TempDir()
	ar := NewActiveReceive("s1", false, protocol.QuietAckAndErrors)

	outer := filepath.Join(dir, "outer")
	inner := filepath.Join(dir, "outer", "inner")

	var order []string
	for _, path := range []string{outer, inner} {
		cmd := newFileCmd(t, path)
		cmd.FType = protocol.FileTypeDirectory
		cmd.FileID = path
		if _, err := ar.StartFile(cmd, dir); err != nil {
			t.Fatal(err)
		}
	}

	ar.Commit(func(path string, err error) {
		t.Fatalf("unexpected commit error for %s: %v", path, err)
	})

	for _, path := range []string{outer, inner} {
		if fi, err := os.Stat(path); err != nil || !fi.IsDir() {
			t.Fatalf("expected directory to exist: %s", path)
		}
	}
	_ = order
}

func TestActiveReceiveSendAcksFromQuietLevel(t *testing.T) {
	cases := []struct {
		quiet      protocol.QuietLevel
		sendAcks   bool
		sendErrors bool
	}{
		{protocol.QuietAckAndErrors, true, true},
		{protocol.QuietErrorsOnly, false, true},
		{protocol.QuietSilent, false, false},
	}
	for _, c := range cases {
		ar := NewActiveReceive("s1", false, c.quiet)
		if ar.SendAcks != c.sendAcks || ar.SendErrors != c.sendErrors {
			t.Fatalf("quiet=%d: got acks=%v errors=%v, want acks=%v errors=%v",
				c.quiet, ar.SendAcks, ar.SendErrors, c.sendAcks, c.sendErrors)
		}
	}
}
