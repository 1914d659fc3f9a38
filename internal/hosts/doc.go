// Package hosts implements the privileged side of every capability. Each
// host installs request handlers on the channel of a worker generation and
// runs the real operation: durable storage, KV, buckets, D1, outbound
// fetch, WebSockets and raw sockets.
//
// Hosts that own long-lived state (storage engines, databases) outlive a
// generation and are installed again on each new channel. Hosts that own
// connections (sockets, WebSockets) are created per generation.
package hosts
