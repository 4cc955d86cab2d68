// Package transfer runs one resumable single-file transfer over a transport
// connection, in either the sending or the receiving role.
//
// The exchange is fixed and unversioned:
//
//	S -> R  name      u16 length + UTF-8
//	R -> S  offset    u64 big-endian
//	S -> R  size      u64 big-endian
//	R -> S  CONTINUE | RESTART
//	S -> R  size-offset raw payload bytes
//	S -> R  hex checksum of the whole file
//	R -> S  SUCCESS | CHECKSUM_MISMATCH
package transfer

import (
	"context"
	"time"

	"github.com/m-jawhar/conduit/internal/transport"
)

// State is the position of a session in its lifecycle.
type State int

const (
	StateNegotiating State = iota
	StateStreaming
	StateVerifying
	StateComplete
	StateMismatch
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateNegotiating:
		return "negotiating"
	case StateStreaming:
		return "streaming"
	case StateVerifying:
		return "verifying"
	case StateComplete:
		return "complete"
	case StateMismatch:
		return "mismatch"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions follow.
func (s State) Terminal() bool {
	return s >= StateComplete
}

// Descriptor identifies one transfer attempt.
type Descriptor struct {
	// Name is the declared file name on the sender and the destination base
	// name on the receiver.
	Name string
	Size uint64
	// Checksum is the digest this end computed: over the source before
	// streaming on the sender, over the completed artifact on the receiver.
	Checksum string
}

// Result describes how a session ended. It is returned together with any error.
type Result struct {
	Descriptor Descriptor
	State      State
	// Offset is the effective offset payload streaming started from.
	Offset    uint64
	Restarted bool
	// Transferred counts payload bytes moved in this attempt.
	Transferred uint64
	// PeerChecksum is the digest the sender announced (receiver only).
	PeerChecksum string
	// Path is the final artifact on success, otherwise the partial artifact
	// (receiver only).
	Path     string
	Duration time.Duration
}

// Complete reports whether the transfer finished and verified.
func (r Result) Complete() bool {
	return r.State == StateComplete
}

// closeOnCancel closes conn when ctx is done so that blocked reads and writes
// return. The returned func detaches the watcher.
func closeOnCancel(ctx context.Context, conn transport.Conn) func() bool {
	return context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
}
