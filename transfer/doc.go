// Package transfer implements the per-session, per-file state machines the
// engine drives: DestFile and SourceFile for single-file reads/writes,
// ActiveReceive and ActiveSend for whole-session bookkeeping, and
// WalkMetadata for turning a set of requested paths into the stream of
// `file` commands a send session advertises.
//
// Nothing here talks to the wire directly — callers feed it already-decoded
// protocol.Command values and read back either *DestFile/*SourceFile handles
// or protocol.Command values to serialize, keeping compression and
// filesystem metadata out of package engine. Package engine itself drives
// rsync signature production and decodes incoming delta ops (via rsyncio)
// before handing them to DestFile.AddRsyncOp.
package transfer
