// Package ws serves terminal sessions over WebSocket connections.
//
// Each connection is a Client, which is the viewer the broker attaches to
// sessions. The package implements:
//   - Client: per-connection send queue, implementing session.Viewer
//   - Handler: upgrades requests and runs the read and write pumps
//   - Message: the JSON control protocol carried in text frames
//
// Terminal bytes travel in binary frames in both directions. Output for a
// viewer is queued without blocking the session; a viewer whose queue
// fills up is disconnected and may reconnect to recover the history.
package ws
