package rsyncio

import (
	"os"
	"path/filepath"
	"testing"
)

func mustWriteFile(t *testing.T, path string, data []byte) {
	t.Helper()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSignatureDeltaPatchRoundTrip(t *testing.T) {
	dir := t.TempDir()
	oldPath := filepath.Join(dir, "old")
	newPath := filepath.Join(dir, "new")

	oldData := make([]byte, 5*1024)
	for i := range oldData {
		oldData[i] = byte(i)
	}
	mustWriteFile(t, oldPath, oldData)

	// newData shares a prefix block with oldData but diverges after it.
	newData := append(append([]byte{}, oldData[:1024]...), []byte("brand new tail bytes that do not match anything")...)
	mustWriteFile(t, newPath, newData)

	const blockSize = 1024

	sigIter, closeSig, err := NewSignatureOfFile(oldPath, blockSize)
	if err != nil {
		t.Fatal(err)
	}
	defer closeSig()

	loader := NewSignatureLoader(blockSize)
	for {
		chunk, ok, err := sigIter.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		loader.AddChunk(chunk)
	}
	if err := loader.Commit(); err != nil {
		t.Fatal(err)
	}
	sig := loader.Signature()
	if len(sig.Blocks) == 0 {
		t.Fatal("expected at least one signature block")
	}

	deltaIter, closeDelta, err := NewDeltaOfFile(newPath, sig)
	if err != nil {
		t.Fatal(err)
	}
	defer closeDelta()

	deltaLoader := NewDeltaLoader()
	for {
		chunk, ok, err := deltaIter.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		deltaLoader.AddChunk(chunk)
	}
	ops, err := deltaLoader.Ops()
	if err != nil {
		t.Fatal(err)
	}
	if len(ops) == 0 {
		t.Fatal("expected at least one delta op")
	}

	foundCopy := false
	for _, op := range ops {
		if op.IsCopy {
			foundCopy = true
		}
	}
	if !foundCopy {
		t.Fatal("expected at least one copy op for the shared prefix block")
	}

	patch, err := NewPatchFile(oldPath, blockSize)
	if err != nil {
		t.Fatal(err)
	}
	for _, op := range ops {
		if err := patch.Apply(op); err != nil {
			t.Fatal(err)
		}
	}
	if err := patch.Commit(); err != nil {
		t.Fatal(err)
	}

	got, err := os.ReadFile(oldPath)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(newData) {
		t.Fatalf("patched file mismatch: got %d bytes, want %d bytes", len(got), len(newData))
	}
}
