// Package logging provides structured logging using uber/zap.
//
// The host process and every sandbox generation log through the same
// core. Two modes are available:
//   - Production: JSON output for machine parsing
//   - Development: Colored console output for human readability
//
// Components receive a named child logger:
//
//	logger := logging.NewDefault()
//	channel := rpc.NewChannel(transport, logger.Component("rpc"))
//	logger.Info("worker started", zap.String("isolate", id))
//
// The subprocess worker writes its logs to stderr, which the orchestrator
// inherits, so both sides of the RPC boundary end up in one stream.
package logging
