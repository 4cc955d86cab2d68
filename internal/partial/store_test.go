package partial

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMemStore(t *testing.T) (*Store, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	require.NoError(t, fs.MkdirAll("/out/"+PartialDir, 0o755))
	return NewStore(fs, "/out"), fs
}

func TestBaseName(t *testing.T) {
	cases := map[string]string{
		"report.pdf":            "report.pdf",
		"../../etc/passwd":      "passwd",
		"/abs/path/data.bin":    "data.bin",
		`C:\Users\me\photo.jpg`: "photo.jpg",
		"dir/":                  "dir",
		"archive.tar.gz":        "archive.tar.gz",
	}
	for in, want := range cases {
		got, err := BaseName(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}

	for _, bad := range []string{"", ".", "..", "/", "a/..", "x\x00y"} {
		_, err := BaseName(bad)
		assert.ErrorIs(t, err, ErrInvalidName, "%q", bad)
	}

	long := make([]byte, MaxNameLength+1)
	for i := range long {
		long[i] = 'a'
	}
	_, err := BaseName(string(long))
	assert.ErrorIs(t, err, ErrNameTooLong)
}

func TestResumeOffset_NoArtifact(t *testing.T) {
	s, _ := newMemStore(t)
	off, err := s.ResumeOffset("file.bin")
	require.NoError(t, err)
	assert.Zero(t, off)
}

func TestResumeOffset_ExistingArtifact(t *testing.T) {
	s, fs := newMemStore(t)
	require.NoError(t, afero.WriteFile(fs, "/out/.conduit_partial/file.bin.partial", make([]byte, 42), 0o644))

	off, err := s.ResumeOffset("file.bin")
	require.NoError(t, err)
	assert.EqualValues(t, 42, off)
}

func TestResumeOffset_SuspectArtifactIsDiscarded(t *testing.T) {
	s, fs := newMemStore(t)
	require.NoError(t, afero.WriteFile(fs, "/out/.conduit_partial/file.bin.partial", make([]byte, 42), 0o644))
	require.NoError(t, s.MarkSuspect("file.bin", "aa", "bb"))
	require.True(t, s.IsSuspect("file.bin"))

	off, err := s.ResumeOffset("file.bin")
	require.NoError(t, err)
	assert.Zero(t, off)

	exists, _ := afero.Exists(fs, "/out/.conduit_partial/file.bin.partial")
	assert.False(t, exists)
	assert.False(t, s.IsSuspect("file.bin"))
}

func TestResumeOffset_DirectoryInTheWay(t *testing.T) {
	s, fs := newMemStore(t)
	require.NoError(t, fs.MkdirAll("/out/.conduit_partial/file.bin.partial", 0o755))
	_, err := s.ResumeOffset("file.bin")
	assert.ErrorIs(t, err, ErrNotRegular)
}

func TestOpenForAppend_FreshTruncates(t *testing.T) {
	s, fs := newMemStore(t)
	require.NoError(t, afero.WriteFile(fs, "/out/.conduit_partial/f.partial", []byte("stale-bytes"), 0o644))

	w, err := s.OpenForAppend("f", 0)
	require.NoError(t, err)
	_, err = w.Write([]byte("new"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := afero.ReadFile(fs, "/out/.conduit_partial/f.partial")
	require.NoError(t, err)
	assert.Equal(t, "new", string(got))
	assert.EqualValues(t, 3, w.Written())
}

func TestOpenForAppend_ResumeAppends(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(afero.NewOsFs(), dir)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, PartialDir), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, PartialDir, "f.partial"), []byte("hello "), 0o644))

	w, err := s.OpenForAppend("f", 6)
	require.NoError(t, err)
	_, err = w.Write([]byte("world"))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	got, err := os.ReadFile(filepath.Join(dir, PartialDir, "f.partial"))
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(got))
	assert.Equal(t, filepath.Join(dir, PartialDir, "f.partial"), w.Path())
}

func TestOpenForAppend_CreatesOutputDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "out")
	s := NewStore(afero.NewOsFs(), dir)
	w, err := s.OpenForAppend("f", 0)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	assert.FileExists(t, filepath.Join(dir, PartialDir, "f.partial"))
}

func TestOpenForAppend_Failure(t *testing.T) {
	s := NewStore(afero.NewReadOnlyFs(afero.NewMemMapFs()), "/out")
	_, err := s.OpenForAppend("f", 0)
	require.Error(t, err)
}

func TestValidateOffset(t *testing.T) {
	s, fs := newMemStore(t)
	require.NoError(t, afero.WriteFile(fs, "/out/.conduit_partial/f.partial", make([]byte, 10), 0o644))

	ok, err := s.ValidateOffset("f", 10)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.ValidateOffset("f", 7)
	require.NoError(t, err)
	assert.False(t, ok)

	exists, _ := afero.Exists(fs, "/out/.conduit_partial/f.partial")
	assert.False(t, exists, "stale artifact must be deleted on mismatch")
}

func TestValidateOffset_MissingArtifactMatchesZero(t *testing.T) {
	s, _ := newMemStore(t)
	ok, err := s.ValidateOffset("f", 0)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestPromote_Incomplete(t *testing.T) {
	s, fs := newMemStore(t)
	require.NoError(t, afero.WriteFile(fs, "/out/.conduit_partial/f.bin.partial", make([]byte, 5), 0o644))

	p, promoted, err := s.Promote("f.bin", 10, 5)
	require.NoError(t, err)
	assert.False(t, promoted)
	assert.Equal(t, "/out/.conduit_partial/f.bin.partial", filepath.ToSlash(p))

	exists, _ := afero.Exists(fs, "/out/.conduit_partial/f.bin.partial")
	assert.True(t, exists)
}

func TestPromote_CollisionCounter(t *testing.T) {
	s, fs := newMemStore(t)

	promote := func(content string) string {
		require.NoError(t, afero.WriteFile(fs, "/out/.conduit_partial/photo.jpg.partial", []byte(content), 0o644))
		p, promoted, err := s.Promote("photo.jpg", uint64(len(content)), uint64(len(content)))
		require.NoError(t, err)
		require.True(t, promoted)
		return filepath.ToSlash(p)
	}

	assert.Equal(t, "/out/photo.jpg", promote("first"))
	assert.Equal(t, "/out/photo_1.jpg", promote("second"))
	assert.Equal(t, "/out/photo_2.jpg", promote("third"))

	got, err := afero.ReadFile(fs, "/out/photo.jpg")
	require.NoError(t, err)
	assert.Equal(t, "first", string(got), "existing final artifact must never be overwritten")
}

func TestPromote_FillsLowestFreeCounter(t *testing.T) {
	s, fs := newMemStore(t)
	require.NoError(t, afero.WriteFile(fs, "/out/a.txt", nil, 0o644))
	require.NoError(t, afero.WriteFile(fs, "/out/a_2.txt", nil, 0o644))
	require.NoError(t, afero.WriteFile(fs, "/out/.conduit_partial/a.txt.partial", []byte("x"), 0o644))

	p, promoted, err := s.Promote("a.txt", 1, 1)
	require.NoError(t, err)
	require.True(t, promoted)
	assert.Equal(t, "/out/a_1.txt", filepath.ToSlash(p))
}

func TestSplitExt(t *testing.T) {
	cases := []struct{ in, stem, ext string }{
		{"a.txt", "a", ".txt"},
		{"archive.tar.gz", "archive.tar", ".gz"},
		{"README", "README", ""},
		{".bashrc", ".bashrc", ""},
	}
	for _, c := range cases {
		stem, ext := splitExt(c.in)
		assert.Equal(t, c.stem, stem, c.in)
		assert.Equal(t, c.ext, ext, c.in)
	}
}

func TestDiscard_MissingIsNotAnError(t *testing.T) {
	s, _ := newMemStore(t)
	require.NoError(t, s.Discard("nothing"))
}

func TestList(t *testing.T) {
	s, fs := newMemStore(t)
	require.NoError(t, afero.WriteFile(fs, "/out/"+PartialDir+"/b.bin"+Suffix, []byte("12345"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/out/"+PartialDir+"/a.bin"+Suffix, []byte("1"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/out/done.txt", []byte("final"), 0o644))
	require.NoError(t, s.MarkSuspect("b.bin", "aa", "bb"))

	got, err := s.List()
	require.NoError(t, err)
	assert.Equal(t, []Pending{
		{Name: "a.bin", Size: 1},
		{Name: "b.bin", Size: 5, Suspect: true},
	}, got)

	empty, err := NewStore(fs, "/nowhere").List()
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFinalArtifactsAreNotResumeState(t *testing.T) {
	s, fs := newMemStore(t)
	// Completed transfers of files literally named like resume state.
	require.NoError(t, afero.WriteFile(fs, "/out/report.partial", []byte("finished report"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/out/x.partial", []byte("finished x"), 0o644))
	require.NoError(t, afero.WriteFile(fs, "/out/x.partial.suspect", []byte("finished marker"), 0o644))

	off, err := s.ResumeOffset("report")
	require.NoError(t, err)
	assert.Zero(t, off)
	off, err = s.ResumeOffset("x")
	require.NoError(t, err)
	assert.Zero(t, off)
	assert.False(t, s.IsSuspect("x"))

	for path, want := range map[string]string{
		"/out/report.partial":    "finished report",
		"/out/x.partial":         "finished x",
		"/out/x.partial.suspect": "finished marker",
	} {
		got, err := afero.ReadFile(fs, path)
		require.NoError(t, err, path)
		assert.Equal(t, want, string(got), path)
	}

	pending, err := s.List()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestPromote_ConcurrentNamesNeverOverwrite(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(afero.NewOsFs(), dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("existing"), 0o644))

	// a.txt resolves to a_1.txt, which is also declared literally, and so on.
	names := []string{"a.txt", "a_1.txt", "a_2.txt", "a_3.txt", "a_4.txt", "a_5.txt"}
	want := map[string]bool{"existing": true}
	for _, name := range names {
		content := "content of " + name
		want[content] = true
		w, err := s.OpenForAppend(name, 0)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
		require.NoError(t, w.Close())
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(names))
	for _, name := range names {
		name := name
		wg.Add(1)
		go func() {
			defer wg.Done()
			n := uint64(len("content of " + name))
			if _, promoted, err := s.Promote(name, n, n); err != nil || !promoted {
				errs <- fmt.Errorf("promote %s: promoted=%v err=%v", name, promoted, err)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	got := map[string]bool{}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		b, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		got[string(b)] = true
	}
	assert.Equal(t, want, got, "every promoted file must survive under its own name")
}
