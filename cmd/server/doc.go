// Package main is the edgeworker host process.
//
// It loads a worker script and its bindings, spawns a sandboxed worker
// and serves HTTP and WebSocket traffic to it. The script is reloaded into
// a fresh worker whenever a watched file changes.
//
// Configuration:
//   - Environment variables (see internal/infrastructure/config)
//   - CLI flags (override env vars)
//
// Usage:
//
//	# Serve a module worker with bindings on port 8787
//	./server --script worker.js --bindings bindings.toml --port 8787
//
//	# Run workers as separate processes
//	./server --script worker.js --worker-mode subprocess --worker-binary ./worker
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
