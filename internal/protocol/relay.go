package protocol

// WebSocketRef names one WebSocket pair.
type WebSocketRef struct {
	IsolateID  string `cbor:"isolateId"`
	SequenceID int64  `cbor:"sequenceId"`
}

// WSAllocate registers a new pair with the host.
type WSAllocate struct {
	WebSocketRef
}

// WebSocket frame kinds.
const (
	FrameAccept  = "accept"
	FrameMessage = "message"
	FrameClose   = "close"
)

// WSFrame is one relayed WebSocket event. Seq is strictly increasing per
// direction and pair, starting at 1.
type WSFrame struct {
	WebSocketRef
	Kind   string `cbor:"kind"`
	Seq    uint64 `cbor:"seq"`
	Text   string `cbor:"text,omitempty"`
	Binary []byte `cbor:"binary,omitempty"`
	IsText bool   `cbor:"isText,omitempty"`
	Code   int    `cbor:"code,omitempty"`
	Reason string `cbor:"reason,omitempty"`
}

// SocketOpen asks the host to dial. StartTLS allows a later upgrade of a
// plaintext connection.
type SocketOpen struct {
	Hostname  string `cbor:"hostname"`
	Port      int    `cbor:"port"`
	TLS       bool   `cbor:"tls,omitempty"`
	StartTLS  bool   `cbor:"startTls,omitempty"`
	IsolateID string `cbor:"isolateId,omitempty"`
}

// SocketOpened answers socket-open.
type SocketOpened struct {
	ID string `cbor:"id"`
}

// SocketData carries bytes in either direction. Done half-closes the
// direction it travels in.
type SocketData struct {
	ID    string `cbor:"id"`
	Bytes []byte `cbor:"bytes,omitempty"`
	Done  bool   `cbor:"done,omitempty"`
}

// SocketRef names one socket for close and start-tls.
type SocketRef struct {
	ID string `cbor:"id"`
}
