package transfer

import (
	"errors"
	"os"
	"time"
)

// ErrLinkMetadataUnsupported is returned by lchmod/lchtimes: the standard
// library has no portable "set mode/time on a symlink itself" call (chmod
// and utimes both follow symlinks on every OS Go's os package abstracts
// over). Callers swallow this the same way spec.md §4.2 says to swallow
// NotImplementedError on platforms without link-metadata support.
var ErrLinkMetadataUnsupported = errors.New("transfer: symlink metadata application not supported on this platform")

func lchmod(path string, mode os.FileMode) error {
	return ErrLinkMetadataUnsupported
}

func lchtimes(path string, atime, mtime time.Time) error {
	return ErrLinkMetadataUnsupported
}
