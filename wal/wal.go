// Package wal is an append-only write-ahead log of key/value records.
//
// Each record is one line:
//
//	<crc32-hex> <base64(msgpack{Seq,Key,Value})>\n
//
// Replay reads forward line by line. A damaged final line is the signature of
// a crash mid-append and is dropped; damage anywhere else is ErrCorrupt.
package wal

import (
	"bytes"
	"encoding/base64"
	"hash/crc32"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

// DefaultPath is the log file name used when Options.Path is empty.
const DefaultPath = "wal.log"

var (
	// ErrCorrupt reports a damaged record that is not the final line.
	ErrCorrupt = errors.New("wal: corrupt record")
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("wal: closed")
	// ErrFailed is returned by appends after a failed append could not be
	// rolled back. Reopen the log to recover.
	ErrFailed = errors.New("wal: log failed")
)

// Record is one logged write. Seq is assigned by Append and strictly grows
// for the lifetime of the log file; a failed append burns its number.
type Record[K comparable, V any] struct {
	Seq   uint64 `msgpack:"s"`
	Key   K      `msgpack:"k"`
	Value V      `msgpack:"v"`
}

// Options configures Open. Zero values are safe.
type Options struct {
	// FS holds the log; nil means the working directory on the OS filesystem.
	FS billy.Filesystem
	// Path of the log inside FS; empty means DefaultPath.
	Path string
	// NoSync skips the fsync after each append.
	NoSync bool
	Logger *zap.Logger
}

// Log is safe for concurrent use.
type Log[K comparable, V any] struct {
	mu     sync.Mutex
	fs     billy.Filesystem
	path   string
	sync   bool
	f      billy.File
	size   int64 // end of the last intact record
	next   uint64
	closed bool
	failed error
	log    *zap.Logger
}

type syncer interface{ Sync() error }

// Open opens or creates the log, dropping a torn final line if present.
func Open[K comparable, V any](opt Options) (*Log[K, V], error) {
	if opt.FS == nil {
		opt.FS = osfs.New(".")
	}
	if opt.Path == "" {
		opt.Path = DefaultPath
	}
	if opt.Logger == nil {
		opt.Logger = zap.NewNop()
	}
	l := &Log[K, V]{
		fs:   opt.FS,
		path: opt.Path,
		sync: !opt.NoSync,
		next: 1,
		log:  opt.Logger.Named("wal"),
	}

	recs, good, size, err := l.readAll()
	if err != nil {
		return nil, err
	}
	if good < size {
		l.log.Warn("dropping torn tail", zap.String("path", l.path), zap.Int64("bytes", size-good))
		if err := l.truncate(good); err != nil {
			return nil, err
		}
	}
	l.size = good
	if n := len(recs); n > 0 {
		l.next = recs[n-1].Seq + 1
	}
	if err := l.openAppend(); err != nil {
		return nil, err
	}
	l.log.Debug("opened", zap.String("path", l.path), zap.Int("records", len(recs)))
	return l, nil
}

func (l *Log[K, V]) openAppend() error {
	f, err := l.fs.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return errors.Wrapf(err, "wal: open %s", l.path)
	}
	l.f = f
	return nil
}

func (l *Log[K, V]) truncate(size int64) error {
	f, err := l.fs.OpenFile(l.path, os.O_RDWR, 0o644)
	if err != nil {
		return errors.Wrapf(err, "wal: open %s", l.path)
	}
	if err := f.Truncate(size); err != nil {
		_ = f.Close()
		return errors.Wrapf(err, "wal: truncate %s", l.path)
	}
	return f.Close()
}

// Append logs k→v and returns its sequence number. The record is on stable
// storage when Append returns, unless NoSync was set.
func (l *Log[K, V]) Append(k K, v V) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return 0, ErrClosed
	}
	if l.failed != nil {
		return 0, errors.Wrapf(ErrFailed, "%v", l.failed)
	}
	rec := Record[K, V]{Seq: l.next, Key: k, Value: v}
	line, err := encode(rec)
	if err != nil {
		return 0, err
	}
	l.next++
	if _, err := l.f.Write(line); err != nil {
		return 0, l.rollback(errors.Wrap(err, "wal: append"))
	}
	if l.sync {
		if s, ok := l.f.(syncer); ok {
			if err := s.Sync(); err != nil {
				return 0, l.rollback(errors.Wrap(err, "wal: sync"))
			}
		}
	}
	l.size += int64(len(line))
	return rec.Seq, nil
}

// rollback cuts the file back to the last acknowledged record so a rejected
// append is never replayed. When that fails too the log refuses appends.
func (l *Log[K, V]) rollback(cause error) error {
	err := l.f.Truncate(l.size)
	if err == nil {
		_, err = l.f.Seek(l.size, io.SeekStart)
	}
	if err != nil {
		l.failed = errors.CombineErrors(cause, errors.Wrap(err, "wal: rollback"))
		l.log.Error("append rollback failed", zap.String("path", l.path), zap.Error(l.failed))
		return l.failed
	}
	return cause
}

// LastSeq returns the sequence number of the most recent append, 0 if none.
func (l *Log[K, V]) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.next - 1
}

// Replay calls fn for every intact record in append order.
func (l *Log[K, V]) Replay(fn func(Record[K, V]) error) error {
	l.mu.Lock()
	recs, _, _, err := l.readAll()
	l.mu.Unlock()
	if err != nil {
		return err
	}
	for _, r := range recs {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

// Checkpoint discards every record with Seq <= upTo. The surviving records
// are written to a temporary file which then replaces the log.
func (l *Log[K, V]) Checkpoint(upTo uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	recs, _, _, err := l.readAll()
	if err != nil {
		return err
	}
	keep := recs[:0]
	for _, r := range recs {
		if r.Seq > upTo {
			keep = append(keep, r)
		}
	}
	if len(keep) == len(recs) {
		return nil
	}

	if err := l.f.Close(); err != nil {
		return errors.Wrap(err, "wal: close before checkpoint")
	}
	var size int64
	if len(keep) == 0 {
		err = l.truncate(0)
	} else {
		size, err = l.rewrite(keep)
	}
	if oerr := l.openAppend(); err == nil {
		err = oerr
	}
	if err != nil {
		return err
	}
	l.size = size
	l.log.Debug("checkpoint",
		zap.Uint64("up_to", upTo),
		zap.Int("dropped", len(recs)-len(keep)),
		zap.Int("kept", len(keep)))
	return nil
}

func (l *Log[K, V]) rewrite(recs []Record[K, V]) (int64, error) {
	tmp := l.path + ".tmp"
	f, err := l.fs.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return 0, errors.Wrapf(err, "wal: create %s", tmp)
	}
	var buf bytes.Buffer
	for _, r := range recs {
		line, err := encode(r)
		if err != nil {
			_ = f.Close()
			return 0, err
		}
		buf.Write(line)
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		_ = f.Close()
		return 0, errors.Wrapf(err, "wal: write %s", tmp)
	}
	if s, ok := f.(syncer); ok && l.sync {
		if err := s.Sync(); err != nil {
			_ = f.Close()
			return 0, errors.Wrapf(err, "wal: sync %s", tmp)
		}
	}
	if err := f.Close(); err != nil {
		return 0, errors.Wrapf(err, "wal: close %s", tmp)
	}
	if err := l.fs.Rename(tmp, l.path); err != nil {
		return 0, errors.Wrapf(err, "wal: rename %s", tmp)
	}
	return int64(buf.Len()), nil
}

// Close closes the log file. Further appends fail with ErrClosed.
func (l *Log[K, V]) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return l.f.Close()
}

// readAll parses the whole file. good is the byte offset just past the last
// intact line; size is the file length.
func (l *Log[K, V]) readAll() (recs []Record[K, V], good, size int64, err error) {
	f, err := l.fs.Open(l.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, 0, nil
	}
	if err != nil {
		return nil, 0, 0, errors.Wrapf(err, "wal: open %s", l.path)
	}
	data, err := io.ReadAll(f)
	_ = f.Close()
	if err != nil {
		return nil, 0, 0, errors.Wrapf(err, "wal: read %s", l.path)
	}

	size = int64(len(data))
	lineNo := 0
	for len(data) > 0 {
		lineNo++
		i := bytes.IndexByte(data, '\n')
		if i < 0 {
			// Every append ends with a newline; without one the write never finished.
			break
		}
		line := data[:i]
		data = data[i+1:]

		rec, derr := decode[K, V](line)
		if derr != nil {
			if len(data) == 0 {
				break
			}
			return nil, 0, 0, errors.Wrapf(ErrCorrupt, "%s line %d: %v", l.path, lineNo, derr)
		}
		recs = append(recs, rec)
		good += int64(i) + 1
	}
	return recs, good, size, nil
}

func encode[K comparable, V any](rec Record[K, V]) ([]byte, error) {
	payload, err := msgpack.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "wal: encode")
	}
	sum := strconv.FormatUint(uint64(crc32.ChecksumIEEE(payload)), 16)
	enc := base64.StdEncoding

	line := make([]byte, 0, len(sum)+1+enc.EncodedLen(len(payload))+1)
	line = append(line, sum...)
	line = append(line, ' ')
	line = enc.AppendEncode(line, payload)
	return append(line, '\n'), nil
}

func decode[K comparable, V any](line []byte) (Record[K, V], error) {
	var rec Record[K, V]
	sp := bytes.IndexByte(line, ' ')
	if sp <= 0 {
		return rec, errors.New("missing checksum")
	}
	want, err := strconv.ParseUint(string(line[:sp]), 16, 32)
	if err != nil {
		return rec, errors.Wrap(err, "checksum")
	}
	payload, err := base64.StdEncoding.AppendDecode(nil, line[sp+1:])
	if err != nil {
		return rec, errors.Wrap(err, "payload")
	}
	if uint64(crc32.ChecksumIEEE(payload)) != want {
		return rec, errors.New("checksum mismatch")
	}
	if err := msgpack.Unmarshal(payload, &rec); err != nil {
		return rec, errors.Wrap(err, "decode")
	}
	return rec, nil
}
