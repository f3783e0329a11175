package protocol

import "errors"

// ErrInvalid is the sentinel wrapped by every codec-level parse failure.
// Callers translate it into the wire code "EINVAL" (spec §6.7).
var ErrInvalid = errors.New("einval")

// StatusCode is one of the fixed wire codes carried in a Command's Status
// field, optionally followed by `:<human message>` (spec §6.7, §8 scenario 1).
type StatusCode string

const (
	StatusOK       StatusCode = "OK"
	StatusStarted  StatusCode = "STARTED"
	StatusCanceled StatusCode = "CANCELED"
	StatusProgress StatusCode = "PROGRESS"
	StatusEinval   StatusCode = "EINVAL"
	StatusEperm    StatusCode = "EPERM"
	StatusEisdir   StatusCode = "EISDIR"
	StatusEnoent   StatusCode = "ENOENT"
)

// FormatStatus renders a status code, optionally with a human-readable
// suffix, as used in a Command's Status field.
func FormatStatus(code StatusCode, msg string) string {
	if msg == "" {
		return string(code)
	}
	return string(code) + ":" + msg
}
