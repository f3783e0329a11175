package transfer

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/relayterm/termfile/protocol"
)

// WalkError pairs a spec_id with the failure encountered resolving or
// reading it during the metadata walk (spec.md §4.6).
type WalkError struct {
	SpecID string
	Path   string
	Err    *ProtocolError
}

type devIno struct {
	dev uint64
	ino uint64
}

// WalkMetadata expands every (spec_id, path) pair into a stream of `file`
// commands, recursing into directories and deduplicating hard-linked
// regular files by (st_dev, st_ino) (spec.md §4.6, component C6). Grounded
// on the teacher's directory.go listDirectory walk generalized with the
// hard-link/symlink-target dedup spec.md adds and FTP has no analogue for.
//
// Status ids are monotonically increasing starting at 1 and are reused as
// internal node ids for the Parent field of directory children — they are
// not StatusCode values, despite sharing the wire `st` field.
func WalkMetadata(specs []FileSpec, homeDir string) (cmds []protocol.Command, errs []WalkError) {
	w := &walker{homeDir: homeDir, inodeStatus: make(map[devIno]int64), nextStatus: 1}
	for _, spec := range specs {
		w.process(spec.FileID, spec.Path, -1, &cmds, &errs)
	}
	return cmds, errs
}

type walker struct {
	homeDir     string
	inodeStatus map[devIno]int64
	nextStatus  int64
}

func expandHome(path, homeDir string) string {
	switch {
	case path == "~":
		return homeDir
	case strings.HasPrefix(path, "~/"):
		return filepath.Join(homeDir, path[2:])
	default:
		return path
	}
}

func (w *walker) process(specID, rawPath string, parentStatus int64, cmds *[]protocol.Command, errs *[]WalkError) {
	path := expandHome(rawPath, w.homeDir)
	if !filepath.IsAbs(path) {
		path = filepath.Join(w.homeDir, path)
	}
	path = filepath.Clean(path)

	fi, err := os.Lstat(path)
	if err != nil {
		*errs = append(*errs, WalkError{SpecID: specID, Path: path, Err: newErr(protocol.StatusEnoent, err, "")})
		return
	}

	mode := fi.Mode()
	var ftype protocol.FileType
	switch {
	case mode&os.ModeSymlink != 0:
		ftype = protocol.FileTypeSymlink
	case fi.IsDir():
		ftype = protocol.FileTypeDirectory
	case mode.IsRegular():
		ftype = protocol.FileTypeRegular
	default:
		*errs = append(*errs, WalkError{SpecID: specID, Path: path, Err: newErr(protocol.StatusEinval, nil, "unsupported file mode")})
		return
	}

	if !w.canRead(path, ftype) {
		*errs = append(*errs, WalkError{SpecID: specID, Path: path, Err: newErr(protocol.StatusEperm, nil, "permission denied")})
		return
	}

	status := w.nextStatus
	w.nextStatus++

	cmd := protocol.NewCommand(protocol.ActionFile)
	cmd.Name = path
	cmd.FType = ftype
	cmd.Status = strconv.FormatInt(status, 10)
	if parentStatus >= 0 {
		cmd.Parent = strconv.FormatInt(parentStatus, 10)
	}
	cmd.Mtime = fi.ModTime().UnixNano()
	cmd.Permissions = int64(mode.Perm())
	if ftype == protocol.FileTypeRegular {
		cmd.Size = fi.Size()
	}

	switch ftype {
	case protocol.FileTypeRegular:
		if key, ok := statInode(fi); ok {
			if canon, dup := w.inodeStatus[key]; dup {
				cmd.FType = protocol.FileTypeLink
				cmd.Data = []byte(strconv.FormatInt(canon, 10))
			} else {
				w.inodeStatus[key] = status
			}
		}
	case protocol.FileTypeSymlink:
		if canon, ok := w.resolveSymlinkCanonical(path); ok {
			cmd.Data = []byte(strconv.FormatInt(canon, 10))
		}
	}

	*cmds = append(*cmds, cmd)

	if ftype == protocol.FileTypeDirectory {
		entries, err := os.ReadDir(path)
		if err != nil {
			*errs = append(*errs, WalkError{SpecID: specID, Path: path, Err: newErr(protocol.StatusEperm, err, "")})
			return
		}
		for _, e := range entries {
			w.process(specID, filepath.Join(path, e.Name()), status, cmds, errs)
		}
	}
}

// resolveSymlinkCanonical follows a symlink to its real target and reports
// the canonical status id already recorded for that target's inode, if any
// (spec.md §4.6 "A symlink's data becomes the target's status if the
// target resolves, via realpath, to a file already in the map").
func (w *walker) resolveSymlinkCanonical(path string) (int64, bool) {
	real, err := filepath.EvalSymlinks(path)
	if err != nil {
		return 0, false
	}
	fi, err := os.Stat(real)
	if err != nil {
		return 0, false
	}
	key, ok := statInode(fi)
	if !ok {
		return 0, false
	}
	canon, ok := w.inodeStatus[key]
	return canon, ok
}

func statInode(fi os.FileInfo) (devIno, bool) {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return devIno{}, false
	}
	return devIno{dev: uint64(st.Dev), ino: st.Ino}, true
}

// canRead is a best-effort readability probe: regular files and
// directories are opened read-only and immediately closed. Symlinks are
// never followed here, so their own permission bits are all that apply.
func (w *walker) canRead(path string, ftype protocol.FileType) bool {
	if ftype == protocol.FileTypeSymlink {
		return true
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	f.Close()
	return true
}
