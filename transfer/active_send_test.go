package transfer

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/relayterm/termfile/protocol"
)

func TestActiveSendSpecCollectionCapsAtExpected(t *testing.T) {
	as := NewActiveSend("s1", false, 2, protocol.QuietAckAndErrors)
	if err := as.AddFileSpec("f1", "/a"); err != nil {
		t.Fatal(err)
	}
	if err := as.AddFileSpec("f2", "/b"); err != nil {
		t.Fatal(err)
	}
	if err := as.AddFileSpec("f3", "/c"); err == nil {
		t.Fatal("expected error adding spec past expected_num_of_args")
	}
	as.Accept()
	if !as.SpecsComplete() {
		t.Fatal("expected SpecsComplete once accepted and specs == expected")
	}
}

func TestActiveSendNextChunkDrainsWholeFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data")
	want := bytes.Repeat([]byte("x"), 10000)
	if err := os.WriteFile(path, want, 0o644); err != nil {
		t.Fatal(err)
	}

	as := NewActiveSend("s1", false, 0, protocol.QuietAckAndErrors)
	if _, err := as.AddSendFile("f1", path, protocol.TransmissionSimple, protocol.CompressionNone); err != nil {
		t.Fatal(err)
	}

	var got []byte
	sawEnd := false
	for i := 0; i < 100 && !sawEnd; i++ {
		chunk, ok, err := as.NextChunk()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		got = append(got, chunk.Data...)
		if chunk.IsEnd {
			sawEnd = true
		}
	}
	if !sawEnd {
		t.Fatal("expected to observe an end_data chunk")
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %d bytes, want %d", len(got), len(want))
	}
}

func TestActiveSendReturnChunkPreservesOrder(t *testing.T) {
	as := NewActiveSend("s1", false, 0, protocol.QuietAckAndErrors)
	as.pendingChunks = []PendingChunk{{FileID: "f1", Data: []byte("second")}}
	as.ReturnChunk(PendingChunk{FileID: "f1", Data: []byte("first")})

	c, ok, err := as.NextChunk()
	if err != nil || !ok {
		t.Fatalf("NextChunk: %v %v", ok, err)
	}
	if string(c.Data) != "first" {
		t.Fatalf("got %q, want %q", c.Data, "first")
	}
}
