package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/afero"

	"github.com/m-jawhar/conduit/internal/bufpool"
	"github.com/m-jawhar/conduit/internal/checksum"
	"github.com/m-jawhar/conduit/internal/logging"
	"github.com/m-jawhar/conduit/internal/progress"
	"github.com/m-jawhar/conduit/internal/transport"
)

// Source is a local file that passed pre-flight validation.
type Source struct {
	fs   afero.Fs
	path string
	name string
	size uint64
}

// OpenSource validates the file at path: it must exist, be a readable regular
// file no larger than MaxFileSize, and have a base name that fits a name frame.
// Every failure wraps ErrValidation.
func OpenSource(fsys afero.Fs, path string) (*Source, error) {
	info, err := fsys.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat source: %w: %w", ErrValidation, err)
	}
	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("stat source: %w: %s is not a regular file", ErrValidation, path)
	}
	if info.Size() > MaxFileSize {
		return nil, fmt.Errorf("stat source: %w: %w", ErrValidation, ErrFileTooLarge)
	}
	name := filepath.Base(path)
	if len(name) > maxNameBytes {
		return nil, fmt.Errorf("stat source: %w: %w", ErrValidation, ErrFrameTooLong)
	}

	f, err := fsys.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open source: %w: %w", ErrValidation, err)
	}
	_ = f.Close()

	return &Source{fs: fsys, path: path, name: name, size: uint64(info.Size())}, nil
}

// Name returns the name announced to the receiver.
func (s *Source) Name() string { return s.name }

// Size returns the size recorded at validation.
func (s *Source) Size() uint64 { return s.size }

// Path returns the local path.
func (s *Source) Path() string { return s.path }

// Sender drives the sending role. The zero value uses the default checksum
// and chunk size.
type Sender struct {
	Checksum  checksum.Engine
	ChunkSize int
	// ProgressStep is the milestone granularity in percent.
	ProgressStep int
	OnProgress   func(progress.Milestone)
	// OnNegotiated is called once the effective offset is known.
	OnNegotiated func(offset uint64, restarted bool)
	Logger       *slog.Logger
}

func (s *Sender) logger() *slog.Logger {
	if s.Logger == nil {
		return logging.Discard()
	}
	return s.Logger
}

// Send runs one session for src over conn. The digest of the whole source is
// taken before the first byte is streamed, so a file modified during the
// transfer fails verification. conn is closed if ctx is cancelled; otherwise
// closing it is up to the caller.
func (s *Sender) Send(ctx context.Context, conn transport.Conn, src *Source) (Result, error) {
	start := time.Now()
	res := Result{
		Descriptor: Descriptor{Name: src.name, Size: src.size},
		State:      StateNegotiating,
	}
	log := s.logger().With("file", src.name, "remote", conn.RemoteAddr().String())

	stop := closeOnCancel(ctx, conn)
	defer stop()

	finish := func(state State, err error) (Result, error) {
		res.State = state
		res.Duration = time.Since(start)
		return res, err
	}

	digest, err := s.Checksum.File(src.fs, src.path)
	if err != nil {
		return finish(StateFailed, fail(ctx, "digest source", ErrIO, err))
	}
	res.Descriptor.Checksum = digest

	// Negotiate
	if err := writeText(conn, src.name, maxNameBytes); err != nil {
		return finish(StateFailed, fail(ctx, "send name", ErrProtocol, err))
	}
	offset, err := readUint64(conn)
	if err != nil {
		return finish(StateFailed, fail(ctx, "read offset", ErrProtocol, err))
	}
	if err := writeUint64(conn, src.size); err != nil {
		return finish(StateFailed, fail(ctx, "send size", ErrProtocol, err))
	}
	tok, err := readToken(conn, TokenContinue, TokenRestart)
	if err != nil {
		return finish(StateFailed, fail(ctx, "read resume token", ErrProtocol, err))
	}
	if tok == TokenRestart {
		offset = 0
		res.Restarted = true
	} else if offset > src.size {
		return finish(StateFailed, fail(ctx, "read resume token", ErrProtocol,
			fmt.Errorf("%w: continue from %d beyond size %d", ErrUnexpectedToken, offset, src.size)))
	}
	res.Offset = offset
	log.Info("negotiated", "size", src.size, "offset", offset, "restart", res.Restarted)
	if s.OnNegotiated != nil {
		s.OnNegotiated(offset, res.Restarted)
	}

	// Stream
	res.State = StateStreaming
	sent, err := s.stream(ctx, conn, src, offset)
	res.Transferred = sent
	if err != nil {
		return finish(StateFailed, err)
	}

	// Verify
	res.State = StateVerifying
	if err := writeText(conn, digest, maxTokenBytes); err != nil {
		return finish(StateFailed, fail(ctx, "send checksum", ErrProtocol, err))
	}
	outcome, err := readToken(conn, TokenSuccess, TokenChecksumMismatch)
	if err != nil {
		return finish(StateFailed, fail(ctx, "read outcome", ErrProtocol, err))
	}
	if outcome == TokenChecksumMismatch {
		log.Warn("receiver reported checksum mismatch", "checksum", digest)
		return finish(StateMismatch, fmt.Errorf("verify: %w: %w", ErrIntegrity, ErrChecksumMismatch))
	}

	log.Info("transfer complete", "sent", sent, "duration", time.Since(start))
	return finish(StateComplete, nil)
}

// stream copies the source from offset to its declared end onto conn.
func (s *Sender) stream(ctx context.Context, conn transport.Conn, src *Source, offset uint64) (uint64, error) {
	f, err := src.fs.Open(src.path)
	if err != nil {
		return 0, fail(ctx, "open source", ErrIO, err)
	}
	defer f.Close()

	if _, err := f.Seek(int64(offset), io.SeekStart); err != nil {
		return 0, fail(ctx, "seek source", ErrIO, err)
	}

	chunk := s.ChunkSize
	if chunk <= 0 {
		chunk = bufpool.DefaultSize
	}
	buf := make([]byte, chunk)
	tracker := progress.NewTracker(int64(src.size), int64(offset), s.ProgressStep, s.OnProgress)

	var sent uint64
	remaining := src.size - offset
	for remaining > 0 {
		if err := ctx.Err(); err != nil {
			return sent, fail(ctx, "stream", ErrProtocol, err)
		}
		n := int(min(uint64(len(buf)), remaining))
		if _, err := io.ReadFull(f, buf[:n]); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				err = ErrSourceChanged
			}
			return sent, fail(ctx, "read source", ErrIO, err)
		}
		if err := writeAll(conn, buf[:n]); err != nil {
			return sent, fail(ctx, "send payload", ErrProtocol, err)
		}
		sent += uint64(n)
		remaining -= uint64(n)
		tracker.Add(n)
	}
	return sent, nil
}
