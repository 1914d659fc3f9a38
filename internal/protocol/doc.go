// Package protocol names the RPC methods shared by the host and the worker
// and defines the payload of every capability sub-protocol.
//
// Payloads are plain structs encoded by the rpc codec. Values that cross
// the boundary untyped (storage values, SQL parameters and rows) are `any`
// and follow the JSON value model: nil, bool, int64, float64, string,
// []any and map[string]any.
package protocol
