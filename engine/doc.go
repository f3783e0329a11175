// Package engine implements the file-transmission command dispatcher:
// parsing commands via protocol, driving transfer.ActiveReceive and
// transfer.ActiveSend sessions, and replying through a host-supplied
// Writer/Confirmer/Timer triple (spec.md §4.7, §6). One Engine handles
// many concurrent sessions without ever spawning a goroutine of its own;
// all state transitions happen inline within HandleSerializedCommand or a
// Timer callback, so the host may call it from a single loop.
package engine
