package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/m-jawhar/conduit/internal/bufpool"
	"github.com/m-jawhar/conduit/internal/checksum"
	"github.com/m-jawhar/conduit/internal/logging"
	"github.com/m-jawhar/conduit/internal/partial"
	"github.com/m-jawhar/conduit/internal/progress"
	"github.com/m-jawhar/conduit/internal/transport"
)

// Receiver drives the receiving role. One Receiver serves any number of
// concurrent sessions; Store, Locks and Pool are shared, everything else a
// session touches is its own.
type Receiver struct {
	Store *partial.Store
	// Locks serializes sessions for the same destination name. Nil disables
	// locking.
	Locks    *partial.Locks
	Checksum checksum.Engine
	// Pool supplies chunk buffers; nil means DefaultSize buffers.
	Pool *bufpool.Pool
	// LockTimeout bounds the wait for a busy name; zero waits indefinitely.
	LockTimeout  time.Duration
	ProgressStep int
	// OnProgress is called from the session goroutine; sessions run
	// concurrently, so it must be safe for concurrent use.
	OnProgress func(Descriptor, progress.Milestone)
	Logger     *slog.Logger
}

// NewReceiver returns a receiver writing into store with locking enabled.
func NewReceiver(store *partial.Store, engine checksum.Engine, chunkSize int) *Receiver {
	if chunkSize <= 0 {
		chunkSize = bufpool.DefaultSize
	}
	return &Receiver{
		Store:    store,
		Locks:    partial.NewLocks(),
		Checksum: engine,
		Pool:     bufpool.New(chunkSize),
	}
}

func (r *Receiver) logger() *slog.Logger {
	if r.Logger == nil {
		return logging.Discard()
	}
	return r.Logger
}

// ServeTransfer runs Receive and discards the result. It lets a Receiver act
// as a connection handler.
func (r *Receiver) ServeTransfer(ctx context.Context, conn transport.Conn) error {
	_, err := r.Receive(ctx, conn)
	return err
}

// Receive runs one session on conn. The partial artifact keeps every byte that
// arrived before a failure, and is promoted only after its digest matches the
// one the sender announced.
func (r *Receiver) Receive(ctx context.Context, conn transport.Conn) (Result, error) {
	start := time.Now()
	res := Result{State: StateNegotiating}
	log := r.logger().With("remote", conn.RemoteAddr().String())

	stop := closeOnCancel(ctx, conn)
	defer stop()

	finish := func(state State, err error) (Result, error) {
		res.State = state
		res.Duration = time.Since(start)
		return res, err
	}

	// Negotiate
	declared, err := readText(conn, maxNameBytes)
	if err != nil {
		return finish(StateFailed, fail(ctx, "read name", ErrProtocol, err))
	}
	name, err := partial.BaseName(declared)
	if err != nil {
		return finish(StateFailed, fail(ctx, "read name", ErrProtocol, err))
	}
	res.Descriptor.Name = name
	log = log.With("file", name)

	release, err := r.lock(ctx, name)
	if err != nil {
		return finish(StateFailed, err)
	}
	defer release()

	offset, err := r.Store.ResumeOffset(name)
	if err != nil {
		return finish(StateFailed, fail(ctx, "resume offset", ErrIO, err))
	}
	if err := writeUint64(conn, offset); err != nil {
		return finish(StateFailed, fail(ctx, "send offset", ErrProtocol, err))
	}
	size, err := readUint64(conn)
	if err != nil {
		return finish(StateFailed, fail(ctx, "read size", ErrProtocol, err))
	}
	if size > MaxFileSize {
		return finish(StateFailed, fail(ctx, "read size", ErrProtocol, ErrFileTooLarge))
	}
	res.Descriptor.Size = size

	restart, err := r.restartNeeded(name, offset, size)
	if err != nil {
		return finish(StateFailed, fail(ctx, "validate offset", ErrIO, err))
	}
	tok := TokenContinue
	if restart {
		tok = TokenRestart
		offset = 0
		res.Restarted = true
	}
	if err := writeText(conn, tok, maxTokenBytes); err != nil {
		return finish(StateFailed, fail(ctx, "send resume token", ErrProtocol, err))
	}
	res.Offset = offset
	res.Path = r.Store.PartialPath(name)
	log.Info("negotiated", "size", size, "offset", offset, "restart", restart)

	// Stream
	res.State = StateStreaming
	received, err := r.stream(ctx, conn, res.Descriptor, offset)
	res.Transferred = received
	if err != nil {
		log.Warn("transfer interrupted", "received", received, "partial", res.Path, "err", err)
		return finish(StateFailed, err)
	}

	// Verify
	res.State = StateVerifying
	remote, err := readText(conn, maxTokenBytes)
	if err != nil {
		return finish(StateFailed, fail(ctx, "read checksum", ErrProtocol, err))
	}
	res.PeerChecksum = remote
	local, err := r.Checksum.File(r.Store.Fs(), res.Path)
	if err != nil {
		return finish(StateFailed, fail(ctx, "digest artifact", ErrIO, err))
	}
	res.Descriptor.Checksum = local

	if !checksum.Equal(local, remote) {
		if err := r.Store.MarkSuspect(name, remote, local); err != nil {
			return finish(StateFailed, fail(ctx, "mark suspect", ErrIO, err))
		}
		log.Warn("checksum mismatch", "expected", remote, "actual", local, "partial", res.Path)
		if err := writeText(conn, TokenChecksumMismatch, maxTokenBytes); err != nil {
			return finish(StateMismatch, fail(ctx, "send outcome", ErrProtocol, err))
		}
		return finish(StateMismatch, fmt.Errorf("verify: %w: %w", ErrIntegrity, ErrChecksumMismatch))
	}

	path, promoted, err := r.Store.Promote(name, size, offset+received)
	if err != nil {
		return finish(StateFailed, fail(ctx, "promote", ErrIO, err))
	}
	if !promoted {
		return finish(StateFailed, fail(ctx, "promote", ErrIO,
			fmt.Errorf("artifact holds %d of %d bytes", offset+received, size)))
	}
	res.Path = path
	if err := writeText(conn, TokenSuccess, maxTokenBytes); err != nil {
		return finish(StateComplete, fail(ctx, "send outcome", ErrProtocol, err))
	}

	log.Info("transfer complete", "path", path, "received", received, "duration", time.Since(start))
	return finish(StateComplete, nil)
}

// lock acquires the name lock, bounded by LockTimeout when set.
func (r *Receiver) lock(ctx context.Context, name string) (func(), error) {
	if r.Locks == nil {
		return func() {}, nil
	}
	lockCtx := ctx
	if r.LockTimeout > 0 {
		var cancel context.CancelFunc
		lockCtx, cancel = context.WithTimeout(ctx, r.LockTimeout)
		defer cancel()
	}
	release, err := r.Locks.Acquire(lockCtx, name)
	if err != nil {
		if ctx.Err() == nil && errors.Is(err, context.DeadlineExceeded) {
			err = ErrNameBusy
		}
		return nil, fail(ctx, "lock name", ErrProtocol, err)
	}
	return release, nil
}

// restartNeeded decides between CONTINUE and RESTART. An artifact longer than
// the declared size belongs to a different file and is discarded; otherwise
// the store re-checks that the artifact still has the advertised length.
func (r *Receiver) restartNeeded(name string, offset, size uint64) (bool, error) {
	if offset > size {
		return true, r.Store.Discard(name)
	}
	ok, err := r.Store.ValidateOffset(name, offset)
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// stream appends size-offset payload bytes to the partial artifact. Each chunk
// is written as soon as it arrives.
func (r *Receiver) stream(ctx context.Context, conn transport.Conn, d Descriptor, offset uint64) (received uint64, err error) {
	w, err := r.Store.OpenForAppend(d.Name, offset)
	if err != nil {
		return 0, fail(ctx, "open partial", ErrIO, err)
	}
	defer func() {
		if cerr := w.Close(); cerr != nil && err == nil {
			err = fail(ctx, "close partial", ErrIO, cerr)
		}
	}()

	pool := r.Pool
	if pool == nil {
		pool = bufpool.New(bufpool.DefaultSize)
	}
	buf := pool.Get()
	defer pool.Put(buf)

	var onProgress func(progress.Milestone)
	if r.OnProgress != nil {
		onProgress = func(m progress.Milestone) { r.OnProgress(d, m) }
	}
	tracker := progress.NewTracker(int64(d.Size), int64(offset), r.ProgressStep, onProgress)
	remaining := d.Size - offset
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return received, fail(ctx, "receive payload", ErrProtocol, err)
		}
		want := int(min(uint64(len(buf)), remaining))
		n, rerr := conn.Read(buf[:want])
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return received, fail(ctx, "write partial", ErrIO, werr)
			}
			received += uint64(n)
			remaining -= uint64(n)
			tracker.Add(n)
		}
		if rerr != nil {
			if remaining == 0 && errors.Is(rerr, io.EOF) {
				break
			}
			return received, fail(ctx, "receive payload", ErrProtocol, unexpectedEOF(rerr))
		}
	}
	return received, nil
}
