// Package rpc implements the duplex channel that carries every capability
// call across the sandbox boundary.
//
// A Channel correlates requests and responses by a per-channel number. It
// knows nothing about capabilities: higher layers register handlers by
// method name and issue requests by method name. Several sub-protocols share
// one Channel, so a request for a method nobody registered is ignored rather
// than answered.
//
// The Channel deliberately has no timeout and no retry. A request whose peer
// never answers stays pending until the Channel closes; callers that need a
// deadline pass a context, which releases the caller but not the pending
// entry.
//
// Messages are CBOR encoded (core deterministic encoding) and travel over a
// Transport: Pipe for an in-process sandbox, NewStreamTransport for a
// subprocess speaking length-prefixed frames over stdio.
package rpc
