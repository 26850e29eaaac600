// Package changelog keeps an append-only, checksummed history of committed
// change sets in rotating segment files.
//
// File format:
//
//   - segment = header entry*
//   - header = magic:64 version:8 pad:8 flags:16 pad:32 ordinal:32 timestamp:32 firstSeq:64 invariant:8*32 reserved:64*2 checksum:64
//   - entry = record | commit
//   - record = (size<<1):uvarint tsDelta:uvarint data
//   - commit = runningChecksum:64, lowest bit set
//
// The running checksum is the xxhash of every byte of the segment before
// the commit marker. Records become visible only once a commit follows them.
// Readers stop at the first commit that does not match, and reopening a log
// for writing truncates everything after the last good commit.
package changelog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/andreyvit/ckv/mmap"
	"github.com/cespare/xxhash/v2"
)

var (
	ErrIncompatible       = errors.New("changelog: incompatible segment")
	ErrUnsupportedVersion = errors.New("changelog: unsupported segment version")
	ErrClosed             = errors.New("changelog: closed")
	errCorruptedSegment   = errors.New("changelog: corrupted segment")
)

type Options struct {
	FileName    string // e.g. "changes-*.log"
	MaxFileSize int64  // a new segment starts once a commit crosses this size
	Sync        bool   // fdatasync after every commit
	Now         func() time.Time
	Logger      *slog.Logger
	Verbose     bool

	// Invariant identifies the data the log belongs to; segments written
	// with another invariant are refused with ErrIncompatible.
	Invariant [32]byte
}

const DefaultMaxFileSize = 4 * 1024 * 1024

const (
	magic          = 0x474f4c4843564b43 // "CKVCHLOG" as little-endian uint64
	version0 uint8 = 0
)

const segmentHeaderSize = 88

type segmentHeader struct {
	Magic     uint64
	Version   uint8
	_         uint8
	Flags     uint16
	_         uint32
	Ordinal   uint32
	Timestamp uint32
	FirstSeq  uint64
	Invariant [32]byte
	_         [2]uint64
	Checksum  uint64
}

const (
	commitFlag   byte = 1
	recordShift       = 1
	timestampFmt      = "20060102T150405"
)

// Record is one committed entry. Data aliases a read-only mapping of the
// segment and is only valid until the iteration moves on.
type Record struct {
	Seq  uint64
	Time time.Time
	Data []byte
}

// Log appends records to the newest segment of a directory.
type Log struct {
	dir         string
	prefix      string
	suffix      string
	maxFileSize int64
	sync        bool
	now         func() time.Time
	logger      *slog.Logger
	verbose     bool
	invariant   [32]byte

	mu     sync.Mutex
	err    error
	closed bool
	seg    uint32 // ordinal of the newest segment
	seq    uint64 // last committed record
	next   uint64 // sequence of the next record
	w      *segmentWriter
}

func (o *Options) normalize() {
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.FileName == "" {
		o.FileName = "*"
	}
	if o.MaxFileSize == 0 {
		o.MaxFileSize = DefaultMaxFileSize
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Open prepares dir for appending, creating it if needed. A torn tail left
// by a crash is cut off; a segment whose header is unreadable is deleted.
func Open(dir string, o Options) (*Log, error) {
	o.normalize()
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	l := &Log{
		dir:         dir,
		prefix:      prefix,
		suffix:      suffix,
		maxFileSize: o.MaxFileSize,
		sync:        o.Sync,
		now:         o.Now,
		logger:      o.Logger,
		verbose:     o.Verbose,
		invariant:   o.Invariant,
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if err := l.recover(); err != nil {
		return nil, err
	}
	l.next = l.seq + 1
	return l, nil
}

func (l *Log) String() string {
	return filepath.Join(l.dir, l.prefix+"*"+l.suffix)
}

// LastSeq returns the sequence number of the last committed record, or 0.
func (l *Log) LastSeq() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

func (l *Log) recover() error {
	names, err := listSegments(l.dir, l.prefix, l.suffix)
	if err != nil {
		return err
	}
	for len(names) > 0 {
		name := names[len(names)-1]
		h, good, count, size, err := l.recoverSegment(name)
		if errors.Is(err, errCorruptedSegment) {
			l.logger.Warn("changelog: deleting corrupted segment", "file", name, "size", size)
			if err := os.Remove(filepath.Join(l.dir, name)); err != nil {
				return fmt.Errorf("changelog: failed to delete corrupted segment: %w", err)
			}
			names = names[:len(names)-1]
			continue
		} else if err != nil {
			return err
		}
		if good < size {
			l.logger.Warn("changelog: truncating torn tail", "file", name, "size", size, "good", good)
			if err := os.Truncate(filepath.Join(l.dir, name), good); err != nil {
				return err
			}
		}
		l.seg = h.Ordinal
		l.seq = h.FirstSeq + count - 1
		return nil
	}
	return nil
}

func (l *Log) recoverSegment(name string) (h segmentHeader, good int64, count uint64, size int64, err error) {
	ordinal, _, firstSeq, err := parseSegmentName(l.prefix, l.suffix, name)
	if err != nil {
		return h, 0, 0, 0, err
	}
	err = readSegment(filepath.Join(l.dir, name), ordinal, l.invariant, func(hdr *segmentHeader, data []byte) error {
		h = *hdr
		size = int64(len(data))
		if h.FirstSeq != firstSeq {
			return errCorruptedSegment
		}
		off := scanSegment(data, &h, func(Record) bool {
			count++
			return true
		})
		good = int64(off)
		return nil
	})
	return
}

// Append writes one record. It becomes durable and visible to readers at
// the next Commit.
func (l *Log) Append(ts time.Time, data []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return err
	}
	sec := unixSeconds(ts)
	if l.w == nil {
		l.seg++
		w, err := startSegment(l, l.seg, sec, l.next)
		if err != nil {
			return l.fail(err)
		}
		l.w = w
	}
	if err := l.w.writeRecord(sec, data); err != nil {
		return l.fail(err)
	}
	l.next++
	return nil
}

// Commit seals the records appended since the previous Commit.
func (l *Log) Commit() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.check(); err != nil {
		return err
	}
	if l.w == nil || l.w.pending == 0 {
		return nil
	}
	if err := l.w.commit(l.sync); err != nil {
		return l.fail(err)
	}
	l.seq = l.next - 1
	if l.verbose {
		l.logger.Debug("changelog: COMMIT", "seg", l.seg, "seq", l.seq, "size", l.w.size)
	}
	if l.w.size >= l.maxFileSize {
		l.w.close()
		l.w = nil
	}
	return nil
}

// Close finishes the current segment. Records appended but not committed
// are lost.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	if l.w != nil {
		err := l.w.close()
		l.w = nil
		return err
	}
	return nil
}

func (l *Log) check() error {
	if l.closed {
		return ErrClosed
	}
	return l.err
}

// fail makes the log refuse further writes; reopening recovers the last
// committed state.
func (l *Log) fail(err error) error {
	l.logger.Error("changelog: failed", "log", l.String(), "err", err)
	if l.w != nil {
		l.w.close()
		l.w = nil
	}
	if l.err == nil {
		l.err = err
	}
	return err
}

// Records iterates the committed records of dir with sequence numbers of at
// least from. The last segment may be appended to concurrently; records
// committed after a segment is mapped are picked up by the next iteration.
func Records(dir string, o Options, from uint64) iter.Seq2[Record, error] {
	o.normalize()
	prefix, suffix, _ := strings.Cut(o.FileName, "*")
	return func(yield func(Record, error) bool) {
		names, err := listSegments(dir, prefix, suffix)
		if err != nil {
			yield(Record{}, err)
			return
		}
		for i, name := range names {
			ordinal, _, _, err := parseSegmentName(prefix, suffix, name)
			if err != nil {
				yield(Record{}, err)
				return
			}
			if i+1 < len(names) {
				if _, _, nextFirst, err := parseSegmentName(prefix, suffix, names[i+1]); err == nil && nextFirst <= from {
					continue
				}
			}
			more := true
			err = readSegment(filepath.Join(dir, name), ordinal, o.Invariant, func(h *segmentHeader, data []byte) error {
				scanSegment(data, h, func(rec Record) bool {
					if rec.Seq < from {
						return true
					}
					more = yield(rec, nil)
					return more
				})
				return nil
			})
			if errors.Is(err, errCorruptedSegment) && i == len(names)-1 {
				return // a segment still being created
			}
			if err != nil {
				yield(Record{}, fmt.Errorf("%s: %w", name, err))
				return
			}
			if !more {
				return
			}
		}
	}
}

// readSegment maps a segment file read-only, validates its header and hands
// the mapping to f. The mapping is released when f returns.
func readSegment(path string, ordinal uint32, invariant [32]byte, f func(h *segmentHeader, data []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()
	st, err := file.Stat()
	if err != nil {
		return err
	}
	if st.Size() < segmentHeaderSize {
		return errCorruptedSegment
	}
	data, err := mmap.Map(file, int(st.Size()), mmap.SequentialAccess)
	if err != nil {
		return err
	}
	defer mmap.Unmap(data)

	var h segmentHeader
	if err := decodeHeader(data, &h, ordinal, invariant); err != nil {
		return err
	}
	return f(&h, data)
}

// scanSegment calls f for every record of each intact commit group, in
// order, until f returns false. It returns the offset just past the last
// intact commit.
func scanSegment(data []byte, h *segmentHeader, f func(rec Record) bool) int {
	var hash xxhash.Digest
	hash.Reset()
	hash.Write(data[:segmentHeaderSize])

	off, good := segmentHeaderSize, segmentHeaderSize
	ts, seq := h.Timestamp, h.FirstSeq
	var pending []Record
	for off < len(data) {
		if data[off]&commitFlag != 0 {
			if off+8 > len(data) {
				break
			}
			sum := binary.LittleEndian.Uint64(data[off:])
			if sum != hash.Sum64()|uint64(commitFlag) {
				break
			}
			hash.Write(data[off : off+8])
			off += 8
			good = off
			for _, rec := range pending {
				if !f(rec) {
					return good
				}
			}
			pending = pending[:0]
			continue
		}

		size, n := binary.Uvarint(data[off:])
		if n <= 0 {
			break
		}
		p := off + n
		delta, m := binary.Uvarint(data[p:])
		if m <= 0 || delta > 0xFFFF_FFFF {
			break
		}
		p += m
		size >>= recordShift
		if size > uint64(len(data)-p) {
			break
		}
		end := p + int(size)
		ts += uint32(delta)
		pending = append(pending, Record{
			Seq:  seq,
			Time: time.Unix(int64(ts), 0).UTC(),
			Data: data[p:end:end],
		})
		seq++
		hash.Write(data[off:end])
		off = end
	}
	return good
}

func decodeHeader(buf []byte, h *segmentHeader, ordinal uint32, invariant [32]byte) error {
	n, err := binary.Decode(buf[:segmentHeaderSize], binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}
	if h.Magic != magic || xxhash.Sum64(buf[:segmentHeaderSize-8]) != h.Checksum {
		return errCorruptedSegment
	}
	if h.Ordinal != ordinal {
		return errCorruptedSegment
	}
	if h.Version > version0 {
		return ErrUnsupportedVersion
	}
	if h.Invariant != invariant {
		return ErrIncompatible
	}
	return nil
}

type segmentWriter struct {
	f       *os.File
	ts      uint32
	size    int64
	hash    xxhash.Digest
	pending int
	buf     []byte
}

func startSegment(l *Log, ordinal, ts uint32, firstSeq uint64) (*segmentWriter, error) {
	name := formatSegmentName(l.prefix, l.suffix, ordinal, ts, firstSeq)
	f, err := os.OpenFile(filepath.Join(l.dir, name), os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, err
	}

	var ok bool
	defer closeAndDeleteUnlessOK(f, &ok)

	w := &segmentWriter{f: f, ts: ts, size: segmentHeaderSize}
	w.hash.Reset()

	var hbuf [segmentHeaderSize]byte
	fillSegmentHeader(hbuf[:], &segmentHeader{
		Magic:     magic,
		Version:   version0,
		Ordinal:   ordinal,
		Timestamp: ts,
		FirstSeq:  firstSeq,
		Invariant: l.invariant,
	})
	w.hash.Write(hbuf[:])
	if _, err := f.Write(hbuf[:]); err != nil {
		return nil, err
	}
	if l.verbose {
		l.logger.Debug("changelog: NEW SEGMENT", "file", name)
	}
	ok = true
	return w, nil
}

func (w *segmentWriter) writeRecord(ts uint32, data []byte) error {
	var tsDelta uint32
	if ts > w.ts {
		tsDelta = ts - w.ts
		w.ts = ts
	}
	buf := binary.AppendUvarint(w.buf[:0], uint64(len(data))<<recordShift)
	buf = binary.AppendUvarint(buf, uint64(tsDelta))
	buf = append(buf, data...)
	w.buf = buf

	if _, err := w.f.Write(buf); err != nil {
		return err
	}
	w.hash.Write(buf)
	w.size += int64(len(buf))
	w.pending++
	return nil
}

func (w *segmentWriter) commit(sync bool) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], w.hash.Sum64())
	buf[0] |= commitFlag

	if _, err := w.f.Write(buf[:]); err != nil {
		return err
	}
	w.hash.Write(buf[:])
	w.size += 8
	w.pending = 0
	if sync {
		return mmap.Fdatasync(w.f, nil)
	}
	return nil
}

func (w *segmentWriter) close() error {
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func closeAndDeleteUnlessOK(f *os.File, ok *bool) {
	if *ok {
		return
	}
	f.Close()
	os.Remove(f.Name())
}

func fillSegmentHeader(buf []byte, h *segmentHeader) {
	n, err := binary.Encode(buf, binary.LittleEndian, h)
	if err != nil {
		panic(err)
	}
	if n != segmentHeaderSize {
		panic("internal size mismatch")
	}
	binary.LittleEndian.PutUint64(buf[segmentHeaderSize-8:], xxhash.Sum64(buf[:segmentHeaderSize-8]))
}

func unixSeconds(t time.Time) uint32 {
	v := t.Unix()
	if v < 0 || v > 0xFFFF_FFFF {
		panic(fmt.Errorf("changelog: timestamp %v out of range", t))
	}
	return uint32(v)
}

func listSegments(dir, prefix, suffix string) ([]string, error) {
	ents, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, ent := range ents {
		name := ent.Name()
		if !ent.Type().IsRegular() || !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
			continue
		}
		if _, _, _, err := parseSegmentName(prefix, suffix, name); err != nil {
			continue
		}
		names = append(names, name)
	}
	slices.Sort(names) // zero-padded ordinals sort numerically
	return names, nil
}

func formatSegmentName(prefix, suffix string, ordinal, ts uint32, firstSeq uint64) string {
	t := time.Unix(int64(ts), 0).UTC()
	return fmt.Sprintf("%s%012d-%s-%016x%s", prefix, ordinal, t.Format(timestampFmt), firstSeq, suffix)
}

func parseSegmentName(prefix, suffix, name string) (ordinal, ts uint32, firstSeq uint64, err error) {
	mid, ok := strings.CutPrefix(name, prefix)
	if ok {
		mid, ok = strings.CutSuffix(mid, suffix)
	}
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	ordStr, rem, ok := strings.Cut(mid, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	v, err := strconv.ParseUint(ordStr, 10, 32)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q (invalid ordinal)", name)
	}
	ordinal = uint32(v)

	tsStr, seqStr, ok := strings.Cut(rem, "-")
	if !ok {
		return 0, 0, 0, fmt.Errorf("invalid segment file name %q", name)
	}
	t, err := time.ParseInLocation(timestampFmt, tsStr, time.UTC)
	if err != nil {
		return ordinal, 0, 0, fmt.Errorf("invalid segment file name %q (invalid timestamp)", name)
	}
	ts = uint32(t.Unix())

	firstSeq, err = strconv.ParseUint(seqStr, 16, 64)
	if err != nil {
		return ordinal, ts, 0, fmt.Errorf("invalid segment file name %q (invalid sequence)", name)
	}
	return ordinal, ts, firstSeq, nil
}
