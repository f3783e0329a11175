package transfer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/relayterm/termfile/protocol"
)

func TestWalkMetadataRegularAndDirectory(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "a.txt"), []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}

	cmds, errs := WalkMetadata([]FileSpec{{FileID: "f1", Path: dir}}, dir)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(cmds) != 4 {
		t.Fatalf("expected 4 entries (root dir, a.txt, sub, sub/b.txt), got %d: %+v", len(cmds), cmds)
	}

	var rootStatus string
	var sawSub bool
	for _, c := range cmds {
		if c.Name == dir {
			rootStatus = c.Status
			if c.FType != protocol.FileTypeDirectory {
				t.Fatalf("expected root to be a directory")
			}
		}
		if c.Name == filepath.Join(dir, "sub") {
			sawSub = true
			if c.Parent != rootStatus {
				t.Fatalf("sub's parent = %q, want %q", c.Parent, rootStatus)
			}
		}
	}
	if !sawSub {
		t.Fatal("expected sub directory entry")
	}
}

func TestWalkMetadataHardLinkDedup(t *testing.T) {
	dir := t.TempDir()
	orig := filepath.Join(dir, "orig.txt")
	if err := os.WriteFile(orig, []byte("shared"), 0o644); err != nil {
		t.Fatal(err)
	}
	linked := filepath.Join(dir, "linked.txt")
	if err := os.Link(orig, linked); err != nil {
		t.Skipf("hard links unsupported on this filesystem: %v", err)
	}

	cmds, errs := WalkMetadata([]FileSpec{
		{FileID: "f1", Path: orig},
		{FileID: "f2", Path: linked},
	}, dir)
	if len(errs) != 0 {
		t.Fatalf("unexpected errors: %v", errs)
	}
	if len(cmds) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(cmds))
	}
	if cmds[0].FType != protocol.FileTypeRegular {
		t.Fatalf("expected canonical entry first, got %v", cmds[0].FType)
	}
	if cmds[1].FType != protocol.FileTypeLink {
		t.Fatalf("expected second entry to be a link, got %v", cmds[1].FType)
	}
	if string(cmds[1].Data) != cmds[0].Status {
		t.Fatalf("link data %q does not reference canonical status %q", cmds[1].Data, cmds[0].Status)
	}
}

func TestWalkMetadataMissingPathIsError(t *testing.T) {
	dir := t.TempDir()
	_, errs := WalkMetadata([]FileSpec{{FileID: "f1", Path: filepath.Join(dir, "nope")}}, dir)
	if len(errs) != 1 {
		t.Fatalf("expected one error, got %d", len(errs))
	}
	if errs[0].Err.Code != protocol.StatusEnoent {
		t.Fatalf("expected ENOENT, got %v", errs[0].Err.Code)
	}
}
