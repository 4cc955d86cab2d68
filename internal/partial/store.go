// Package partial owns the receiver's on-disk state for in-progress transfers:
// the append-only partial artifact, its promotion to a collision-free final
// name, and the per-name exclusivity that keeps two sessions off one artifact.
//
// Partial artifacts and suspect markers live in PartialDir below the output
// directory, so no declared name can address a final artifact as resume state.
package partial

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/spf13/afero"
)

const (
	// PartialDir holds partial artifacts and markers inside the output directory.
	PartialDir = ".conduit_partial"
	// Suffix is appended to the destination name for the partial artifact.
	Suffix = ".partial"
	// SuspectSuffix marks a partial artifact whose content failed verification.
	SuspectSuffix = ".suspect"

	// MaxNameLength bounds the destination base name in bytes.
	MaxNameLength = 255
)

var (
	// ErrInvalidName indicates a declared name that cannot be reduced to a safe base name.
	ErrInvalidName = errors.New("invalid file name")
	// ErrNameTooLong indicates a declared name longer than MaxNameLength.
	ErrNameTooLong = errors.New("file name too long")
	// ErrNotRegular indicates that an artifact path is occupied by something other than a file.
	ErrNotRegular = errors.New("artifact path is not a regular file")
)

// BaseName reduces a sender-declared name to the destination base name. The
// declared name is never trusted as a path: separators of either style are
// honored and only the last element is kept.
func BaseName(declared string) (string, error) {
	name := strings.ReplaceAll(declared, "\\", "/")
	name = path.Base(name)
	if name == "" || name == "." || name == ".." || name == "/" {
		return "", ErrInvalidName
	}
	if strings.ContainsRune(name, 0) {
		return "", ErrInvalidName
	}
	if len(name) > MaxNameLength {
		return "", ErrNameTooLong
	}
	return name, nil
}

// Store manages partial and final artifacts inside one output directory.
type Store struct {
	fs  afero.Fs
	dir string

	// promoteMu serializes picking a free final name and renaming onto it.
	promoteMu sync.Mutex
}

// NewStore returns a store rooted at dir on fs.
func NewStore(fsys afero.Fs, dir string) *Store {
	if dir == "" {
		dir = "."
	}
	return &Store{fs: fsys, dir: dir}
}

// Dir returns the output directory.
func (s *Store) Dir() string {
	return s.dir
}

// Fs returns the filesystem the store writes to.
func (s *Store) Fs() afero.Fs {
	return s.fs
}

func (s *Store) partialDir() string {
	return filepath.Join(s.dir, PartialDir)
}

// PartialPath returns the partial artifact path for a base name.
func (s *Store) PartialPath(name string) string {
	return filepath.Join(s.partialDir(), name+Suffix)
}

func (s *Store) suspectPath(name string) string {
	return s.PartialPath(name) + SuspectSuffix
}

// size returns the artifact length, or -1 when it does not exist.
func (s *Store) size(name string) (int64, error) {
	info, err := s.fs.Stat(s.PartialPath(name))
	if errors.Is(err, fs.ErrNotExist) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to stat partial artifact: %w", err)
	}
	if !info.Mode().IsRegular() {
		return 0, ErrNotRegular
	}
	return info.Size(), nil
}

// ResumeOffset returns 0 when no partial artifact exists for name and its
// current length otherwise. An artifact previously marked suspect is removed
// together with its marker, and the transfer starts over from 0.
func (s *Store) ResumeOffset(name string) (uint64, error) {
	suspect, err := afero.Exists(s.fs, s.suspectPath(name))
	if err != nil {
		return 0, fmt.Errorf("failed to check suspect marker: %w", err)
	}
	if suspect {
		if err := s.Discard(name); err != nil {
			return 0, err
		}
		return 0, nil
	}

	n, err := s.size(name)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, nil
	}
	return uint64(n), nil
}

// ValidateOffset re-reads the artifact length and compares it to claimed. On
// mismatch the stale artifact is deleted so that the following fresh write
// starts clean.
func (s *Store) ValidateOffset(name string, claimed uint64) (bool, error) {
	n, err := s.size(name)
	if err != nil {
		return false, err
	}
	if n < 0 {
		n = 0
	}
	if uint64(n) == claimed {
		return true, nil
	}
	if err := s.Discard(name); err != nil {
		return false, err
	}
	return false, nil
}

// Discard removes the partial artifact and any suspect marker. Missing files
// are not an error.
func (s *Store) Discard(name string) error {
	for _, p := range []string{s.PartialPath(name), s.suspectPath(name)} {
		if err := s.fs.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}
	return nil
}

// OpenForAppend opens the partial artifact for sequential writes: in append
// mode when offset > 0, truncated otherwise.
func (s *Store) OpenForAppend(name string, offset uint64) (*Writer, error) {
	if err := s.fs.MkdirAll(s.partialDir(), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create partial directory: %w", err)
	}
	flag := os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	if offset > 0 {
		flag = os.O_WRONLY | os.O_CREATE | os.O_APPEND
	}
	p := s.PartialPath(name)
	f, err := s.fs.OpenFile(p, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open partial artifact: %w", err)
	}
	return &Writer{f: f, path: p}, nil
}

// Promote renames the partial artifact to a collision-free final name when
// received equals declared and returns the final path. Otherwise the artifact
// stays in place as a future resume point and its path is returned.
func (s *Store) Promote(name string, declared, received uint64) (string, bool, error) {
	partialPath := s.PartialPath(name)
	if received != declared {
		return partialPath, false, nil
	}

	// The name lock only covers one declared name; a.txt and a literal a_1.txt
	// can still race for the same free name.
	s.promoteMu.Lock()
	defer s.promoteMu.Unlock()
	final, err := s.freeFinalPath(name)
	if err != nil {
		return partialPath, false, err
	}
	if err := s.fs.Rename(partialPath, final); err != nil {
		return partialPath, false, fmt.Errorf("failed to promote partial artifact: %w", err)
	}
	return final, true, nil
}

// freeFinalPath finds the lowest free name among name, stem_1.ext, stem_2.ext, ...
func (s *Store) freeFinalPath(name string) (string, error) {
	stem, ext := splitExt(name)
	candidate := name
	for i := 1; ; i++ {
		p := filepath.Join(s.dir, candidate)
		_, err := s.fs.Stat(p)
		if errors.Is(err, fs.ErrNotExist) {
			return p, nil
		}
		if err != nil {
			return "", fmt.Errorf("failed to stat %s: %w", p, err)
		}
		candidate = stem + "_" + strconv.Itoa(i) + ext
	}
}

// splitExt splits at the last dot. Names without a dot, or whose only dot is
// leading, have no extension.
func splitExt(name string) (string, string) {
	i := strings.LastIndexByte(name, '.')
	if i <= 0 {
		return name, ""
	}
	return name[:i], name[i:]
}

// MarkSuspect tags the artifact as having failed verification. The artifact is
// left untouched for inspection; ResumeOffset discards it on the next attempt.
func (s *Store) MarkSuspect(name, expected, actual string) error {
	body := fmt.Sprintf("expected=%s\nactual=%s\n", expected, actual)
	if err := afero.WriteFile(s.fs, s.suspectPath(name), []byte(body), 0o644); err != nil {
		return fmt.Errorf("failed to write suspect marker: %w", err)
	}
	return nil
}

// IsSuspect reports whether name carries a suspect marker.
func (s *Store) IsSuspect(name string) bool {
	ok, _ := afero.Exists(s.fs, s.suspectPath(name))
	return ok
}

// Pending describes a partial artifact waiting to be resumed.
type Pending struct {
	Name    string `json:"name"`
	Size    int64  `json:"size"`
	Suspect bool   `json:"suspect"`
}

// List returns the partial artifacts of the store, sorted by name. A missing
// directory holds none.
func (s *Store) List() ([]Pending, error) {
	dir := s.partialDir()
	entries, err := afero.ReadDir(s.fs, dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}
	var out []Pending
	for _, e := range entries {
		if !e.Mode().IsRegular() || !strings.HasSuffix(e.Name(), Suffix) {
			continue
		}
		name := strings.TrimSuffix(e.Name(), Suffix)
		out = append(out, Pending{Name: name, Size: e.Size(), Suspect: s.IsSuspect(name)})
	}
	return out, nil
}

// Writer appends payload bytes to a partial artifact.
type Writer struct {
	f       afero.File
	path    string
	written int64
}

// Write appends p. The artifact length always equals the bytes written so far.
func (w *Writer) Write(p []byte) (int, error) {
	n, err := w.f.Write(p)
	w.written += int64(n)
	return n, err
}

// Written returns the number of bytes appended through this writer.
func (w *Writer) Written() int64 {
	return w.written
}

// Path returns the artifact path.
func (w *Writer) Path() string {
	return w.path
}

// Close flushes the artifact to stable storage and closes it.
func (w *Writer) Close() error {
	syncErr := w.f.Sync()
	if err := w.f.Close(); err != nil {
		return err
	}
	return syncErr
}
