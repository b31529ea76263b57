package wal

import (
	"bytes"
	"os"
	"sync/atomic"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Name  string
	Count int
}

func openLog(t *testing.T, fs billy.Filesystem) *Log[string, payload] {
	t.Helper()
	l, err := Open[string, payload](Options{FS: fs})
	require.NoError(t, err)
	return l
}

func replayAll(t *testing.T, l *Log[string, payload]) []Record[string, payload] {
	t.Helper()
	var out []Record[string, payload]
	require.NoError(t, l.Replay(func(r Record[string, payload]) error {
		out = append(out, r)
		return nil
	}))
	return out
}

func appendRaw(t *testing.T, fs billy.Filesystem, raw string) {
	t.Helper()
	f, err := fs.OpenFile(DefaultPath, os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.Write([]byte(raw))
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestLog_AppendReplay(t *testing.T) {
	t.Parallel()

	l := openLog(t, memfs.New())
	t.Cleanup(func() { _ = l.Close() })

	s1, err := l.Append("a", payload{Name: "x", Count: 1})
	require.NoError(t, err)
	s2, err := l.Append("b", payload{Name: "y", Count: 2})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), s1)
	assert.Equal(t, uint64(2), s2)
	assert.Equal(t, uint64(2), l.LastSeq())

	got := replayAll(t, l)
	require.Len(t, got, 2)
	assert.Equal(t, Record[string, payload]{Seq: 1, Key: "a", Value: payload{"x", 1}}, got[0])
	assert.Equal(t, "b", got[1].Key)
}

// A log that was never closed (process crash) is fully readable by a new Log
// and sequence numbers continue where they stopped.
func TestLog_ReopenAfterCrash(t *testing.T) {
	t.Parallel()

	fs := memfs.New()
	l := openLog(t, fs)
	_, err := l.Append("a", payload{Count: 1})
	require.NoError(t, err)
	_, err = l.Append("b", payload{Count: 2})
	require.NoError(t, err)

	l2 := openLog(t, fs)
	t.Cleanup(func() { _ = l2.Close() })
	assert.Len(t, replayAll(t, l2), 2)

	seq, err := l2.Append("c", payload{Count: 3})
	require.NoError(t, err)
	assert.Equal(t, uint64(3), seq)
}

func TestLog_TornTailIsDropped(t *testing.T) {
	t.Parallel()

	fs := memfs.New()
	l := openLog(t, fs)
	_, err := l.Append("a", payload{Count: 1})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	appendRaw(t, fs, "1f2e3d KZ9") // half-written record, no newline
	before, err := util.ReadFile(fs, DefaultPath)
	require.NoError(t, err)

	l2 := openLog(t, fs)
	t.Cleanup(func() { _ = l2.Close() })

	after, err := util.ReadFile(fs, DefaultPath)
	require.NoError(t, err)
	assert.Less(t, len(after), len(before), "torn tail must be truncated")

	_, err = l2.Append("b", payload{Count: 2})
	require.NoError(t, err)
	got := replayAll(t, l2)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[1].Key)
}

func TestLog_CorruptMiddleLine(t *testing.T) {
	t.Parallel()

	fs := memfs.New()
	l := openLog(t, fs)
	_, err := l.Append("a", payload{Count: 1})
	require.NoError(t, err)
	_, err = l.Append("b", payload{Count: 2})
	require.NoError(t, err)
	require.NoError(t, l.Close())

	data, err := util.ReadFile(fs, DefaultPath)
	require.NoError(t, err)
	sp := bytes.IndexByte(data, ' ')
	data[sp+1] ^= 0x01 // flip a payload bit on the first line
	require.NoError(t, util.WriteFile(fs, DefaultPath, data, 0o644))

	_, err = Open[string, payload](Options{FS: fs})
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestLog_Checkpoint(t *testing.T) {
	t.Parallel()

	fs := memfs.New()
	l := openLog(t, fs)
	t.Cleanup(func() { _ = l.Close() })

	for i, k := range []string{"a", "b", "c"} {
		_, err := l.Append(k, payload{Count: i})
		require.NoError(t, err)
	}

	require.NoError(t, l.Checkpoint(2))
	got := replayAll(t, l)
	require.Len(t, got, 1)
	assert.Equal(t, "c", got[0].Key)

	// Appends after a checkpoint land in the rewritten file.
	seq, err := l.Append("d", payload{})
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
	assert.Len(t, replayAll(t, l), 2)

	require.NoError(t, l.Checkpoint(l.LastSeq()))
	assert.Empty(t, replayAll(t, l))
	fi, err := fs.Stat(DefaultPath)
	require.NoError(t, err)
	assert.Zero(t, fi.Size())

	_, err = fs.Stat(DefaultPath + ".tmp")
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLog_Closed(t *testing.T) {
	t.Parallel()

	l := openLog(t, memfs.New())
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	_, err := l.Append("a", payload{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, l.Checkpoint(1), ErrClosed)
}

var errDisk = errors.New("disk error")

// flakyFS hands out files whose Write or Sync fail on demand. A failing
// Write still lands half of its bytes, like a short write on a full disk.
type flakyFS struct {
	billy.Filesystem
	failWrite, failSync *atomic.Bool
}

func newFlakyFS() flakyFS {
	return flakyFS{Filesystem: memfs.New(), failWrite: new(atomic.Bool), failSync: new(atomic.Bool)}
}

func (fs flakyFS) OpenFile(name string, flag int, perm os.FileMode) (billy.File, error) {
	f, err := fs.Filesystem.OpenFile(name, flag, perm)
	if err != nil {
		return nil, err
	}
	return flakyFile{File: f, fs: fs}, nil
}

type flakyFile struct {
	billy.File
	fs flakyFS
}

func (f flakyFile) Write(p []byte) (int, error) {
	if f.fs.failWrite.Load() {
		n, _ := f.File.Write(p[:len(p)/2])
		return n, errDisk
	}
	return f.File.Write(p)
}

func (f flakyFile) Sync() error {
	if f.fs.failSync.Load() {
		return errDisk
	}
	return nil
}

// A rejected append leaves nothing behind and never shares its sequence
// number with a later record.
func TestLog_FailedAppendIsRolledBack(t *testing.T) {
	t.Parallel()

	for name, failing := range map[string]func(flakyFS) *atomic.Bool{
		"sync":  func(fs flakyFS) *atomic.Bool { return fs.failSync },
		"write": func(fs flakyFS) *atomic.Bool { return fs.failWrite },
	} {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			fs := newFlakyFS()
			l := openLog(t, fs)
			_, err := l.Append("kept", payload{Count: 1})
			require.NoError(t, err)

			failing(fs).Store(true)
			_, err = l.Append("rejected", payload{Count: 2})
			require.ErrorIs(t, err, errDisk)
			failing(fs).Store(false)

			seq, err := l.Append("accepted", payload{Count: 3})
			require.NoError(t, err)
			assert.Equal(t, uint64(3), seq)

			got := replayAll(t, l)
			require.Len(t, got, 2)
			assert.Equal(t, "kept", got[0].Key)
			assert.Equal(t, Record[string, payload]{Seq: 3, Key: "accepted", Value: payload{Count: 3}}, got[1])
			require.NoError(t, l.Close())

			reopened := openLog(t, fs)
			t.Cleanup(func() { _ = reopened.Close() })
			assert.Len(t, replayAll(t, reopened), 2)
			assert.Equal(t, uint64(3), reopened.LastSeq())
		})
	}
}
