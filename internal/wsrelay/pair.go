package wsrelay

import (
	"go.uber.org/zap"

	"github.com/GriffinCanCode/edgeworker/internal/protocol"
)

// Pair links a client and a server side in one process. The server side
// is accepted on creation.
type Pair struct {
	Client *Side
	Server *Side
}

// NewPair allocates a linked pair.
func NewPair(ref protocol.WebSocketRef, logger *zap.Logger) *Pair {
	p := &Pair{}
	p.Client = NewSide(ref, func(f protocol.WSFrame) error { return p.Server.Receive(f) }, logger)
	p.Server = NewSide(ref, func(f protocol.WSFrame) error { return p.Client.Receive(f) }, logger)
	_ = p.Server.AcceptImplicitly()
	return p
}
