// Package api defines the public command surface of the buffer-sharing device.
//
// A Session is everything one connected process can do: allocate and free buffers, share
// them through share ids or exported tokens, wait on reference-count thresholds, register
// for share-pool notifications and manage multi-plane groups. The in-process client
// (bufshare.Client) and the socket client (transport.Conn) both implement Session.
package api
