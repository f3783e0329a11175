package transfer

import (
	"fmt"

	"github.com/relayterm/termfile/protocol"
)

// ProtocolError is the tagged result type every transfer-level failure
// surfaces as (spec.md §7 "Implementers may use tagged result types ...
// the observable behavior is what §7 specifies"). Code is what the engine
// sends back to the remote in a Command's Status field; Err, if non-nil,
// is the underlying cause for logging.
type ProtocolError struct {
	Code protocol.StatusCode
	Msg  string
	Err  error
}

func (e *ProtocolError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s", e.Code, e.Err)
	}
	return string(e.Code)
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// newErr builds a ProtocolError, taking the message either from msg or,
// failing that, from err.
func newErr(code protocol.StatusCode, err error, msg string) *ProtocolError {
	if msg == "" && err != nil {
		msg = err.Error()
	}
	return &ProtocolError{Code: code, Msg: msg, Err: err}
}
