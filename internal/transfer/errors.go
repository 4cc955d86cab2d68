package transfer

import (
	"context"
	"errors"
	"fmt"
)

// Failure classes. Every error returned by a session wraps exactly one of them
// together with its cause, so both can be matched with errors.Is.
var (
	// ErrValidation indicates an unusable source file, detected before connecting.
	ErrValidation = errors.New("validation failure")
	// ErrProtocol indicates a malformed or unexpected frame or a dropped connection.
	ErrProtocol = errors.New("protocol failure")
	// ErrIO indicates a filesystem error on read, write, rename or delete.
	ErrIO = errors.New("io failure")
	// ErrIntegrity indicates a checksum mismatch after a complete transfer.
	ErrIntegrity = errors.New("integrity failure")
)

var (
	// ErrFrameTooLong indicates a text frame longer than its field allows.
	ErrFrameTooLong = errors.New("frame too long")
	// ErrInvalidText indicates a text frame that is not valid UTF-8.
	ErrInvalidText = errors.New("frame is not valid utf-8")
	// ErrUnexpectedToken indicates a control token not valid at this step.
	ErrUnexpectedToken = errors.New("unexpected token")
	// ErrFileTooLarge indicates a size above MaxFileSize.
	ErrFileTooLarge = errors.New("file size too large")
	// ErrChecksumMismatch indicates differing digests on the two ends.
	ErrChecksumMismatch = errors.New("checksum mismatch")
	// ErrNameBusy indicates that another session held the destination name for
	// longer than the lock timeout.
	ErrNameBusy = errors.New("destination name busy")
	// ErrSourceChanged indicates a source file that shrank while being sent.
	ErrSourceChanged = errors.New("source file changed during transfer")
)

// fail wraps cause in class for operation op. A cancelled ctx replaces the
// cause, since the transport error it produced only reflects the forced close.
func fail(ctx context.Context, op string, class, cause error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		cause = ctxErr
	}
	return fmt.Errorf("%s: %w: %w", op, class, cause)
}
