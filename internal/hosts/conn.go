package hosts

import (
	"context"

	"github.com/GriffinCanCode/edgeworker/internal/bodies"
	"github.com/GriffinCanCode/edgeworker/internal/rpc"
)

// Conn is one worker generation as seen by the hosts: its channel and the
// host side body registry.
type Conn struct {
	Channel *rpc.Channel
	Bodies  *bodies.Registry
}

// Host is a capability host.
type Host interface {
	Install(c Conn)
}

// handle adapts a typed handler to rpc.Handler.
func handle[Req any](fn func(ctx context.Context, req Req) (any, error)) rpc.Handler {
	return func(ctx context.Context, p rpc.Payload) (any, error) {
		var req Req
		if err := rpc.Decode(p, &req); err != nil {
			return nil, rpc.Protocolf("decode %T: %v", req, err)
		}
		return fn(ctx, req)
	}
}
