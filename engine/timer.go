package engine

import "time"

// RealTimer implements Timer with time.AfterFunc, for hosts that are not
// themselves an event loop (spec.md §6.4 allows any Timer implementation;
// a terminal multiplexer host would instead adapt its own scheduler).
type RealTimer struct{}

func (RealTimer) Schedule(delaySeconds float64, callback func()) (cancel func()) {
	t := time.AfterFunc(time.Duration(delaySeconds*float64(time.Second)), callback)
	return func() { t.Stop() }
}
