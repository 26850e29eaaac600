package changelog

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/lmittmann/tint"
)

var start = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const (
	magicHex = "'CKVCHLOG"
	header1  = "0/ver 0/pad 0_0/flags 0../pad"
	header2  = "0*32/invariant 0...*2/reserved"
)

type testLog struct {
	*Log
	t   testing.TB
	dir string
	opt Options
	now time.Time
}

func newTestLog(t testing.TB, o Options) *testLog {
	l := &testLog{t: t, dir: t.TempDir(), now: start}
	o.FileName = "c*.log"
	o.Now = func() time.Time { return l.now }
	o.Logger = slog.New(tint.NewHandler(&logWriter{t}, &tint.Options{
		Level:   slog.LevelDebug,
		NoColor: true,
	}))
	o.Verbose = true
	l.opt = o
	l.reopen()
	return l
}

func (l *testLog) reopen() {
	if l.Log != nil {
		ensure(l.Log.Close())
	}
	l.Log = must(Open(l.dir, l.opt))
	l.t.Cleanup(func() { l.Log.Close() })
}

func (l *testLog) append(data ...string) {
	for _, d := range data {
		ensure(l.Append(l.now, []byte(d)))
	}
}

func (l *testLog) advance(d time.Duration) {
	l.now = l.now.Add(d)
}

func (l *testLog) data(name string) []byte {
	return must(os.ReadFile(filepath.Join(l.dir, name)))
}

func (l *testLog) fileNames() []string {
	var names []string
	for _, ent := range must(os.ReadDir(l.dir)) {
		names = append(names, ent.Name())
	}
	slices.Sort(names)
	return names
}

// records returns "seq:data" for every committed record from seq onwards.
func (l *testLog) records(from uint64) []string {
	l.t.Helper()
	var result []string
	for rec, err := range Records(l.dir, l.opt, from) {
		if err != nil {
			l.t.Fatalf("Records: %v", err)
		}
		result = append(result, formatRecord(rec))
	}
	return result
}

func formatRecord(rec Record) string {
	return fmt.Sprintf("%d:%s:%s", rec.Seq, rec.Time.Format("15:04:05"), rec.Data)
}

// segment builds the expected bytes of a segment, filling in checksums.
func segment(inside string, groups ...[]string) []byte {
	b := expand(magicHex, header1, inside, header2)
	b = binary.LittleEndian.AppendUint64(b, xxhash.Sum64(b))
	for _, g := range groups {
		b = append(b, expand(g...)...)
		b = binary.LittleEndian.AppendUint64(b, xxhash.Sum64(b)|1)
	}
	return b
}

func TestLog_Layout(t *testing.T) {
	l := newTestLog(t, Options{})
	l.append("hello", "w")
	l.advance(1000 * time.Second)
	l.append("orld")
	ensure(l.Commit())
	ensure(l.Close())

	files := l.fileNames()
	deepEq(t, files, []string{"c000000000001-20240101T000000-0000000000000001.log"})

	bytesEq(t, l.data(files[0]), segment("1../ordinal 80_00_92_65/ts 1.../first_seq", []string{
		"#10 #0 'hello",
		"#2 #0 'w",
		"#8 #1000 'orld",
	}))
}

func TestLog_OnlyCommittedRecordsAreVisible(t *testing.T) {
	l := newTestLog(t, Options{})
	deepEq(t, l.records(0), []string(nil))

	l.append("a", "b")
	ensure(l.Commit())
	l.advance(time.Minute)
	l.append("c")
	ensure(l.Commit())
	l.append("pending")

	deepEq(t, l.records(0), []string{"1:00:00:00:a", "2:00:00:00:b", "3:00:01:00:c"})
	deepEq(t, l.records(2), []string{"2:00:00:00:b", "3:00:01:00:c"})
	deepEq(t, l.records(4), []string(nil))
	deepEq(t, l.LastSeq(), uint64(3))

	ensure(l.Commit())
	deepEq(t, l.records(4), []string{"4:00:01:00:pending"})

	// empty commits write nothing
	size := len(l.data(l.fileNames()[0]))
	ensure(l.Commit())
	deepEq(t, len(l.data(l.fileNames()[0])), size)
}

func TestLog_StopIteration(t *testing.T) {
	l := newTestLog(t, Options{})
	l.append("a", "b", "c")
	ensure(l.Commit())

	var n int
	for rec, err := range Records(l.dir, l.opt, 0) {
		ensure(err)
		n++
		if string(rec.Data) == "b" {
			break
		}
	}
	deepEq(t, n, 2)
}

func TestLog_Rotation(t *testing.T) {
	l := newTestLog(t, Options{MaxFileSize: 100})
	for _, s := range []string{"r1", "r2", "r3", "r4"} {
		l.append(s)
		ensure(l.Commit())
		l.advance(time.Second)
	}
	deepEq(t, l.fileNames(), []string{
		"c000000000001-20240101T000000-0000000000000001.log",
		"c000000000002-20240101T000001-0000000000000002.log",
		"c000000000003-20240101T000002-0000000000000003.log",
		"c000000000004-20240101T000003-0000000000000004.log",
	})
	deepEq(t, l.records(3), []string{"3:00:00:02:r3", "4:00:00:03:r4"})

	// a reopened log continues the numbering in a fresh segment
	l.reopen()
	deepEq(t, l.LastSeq(), uint64(4))
	l.append("r5")
	ensure(l.Commit())
	deepEq(t, l.fileNames()[4], "c000000000005-20240101T000004-0000000000000005.log")
	deepEq(t, l.records(4), []string{"4:00:00:03:r4", "5:00:00:04:r5"})
}

func TestLog_RecoversTornTail(t *testing.T) {
	l := newTestLog(t, Options{})
	l.append("a")
	ensure(l.Commit())
	l.append("b")
	ensure(l.Commit())
	l.append("torn")
	ensure(l.Close())

	name := l.fileNames()[0]
	f := must(os.OpenFile(filepath.Join(l.dir, name), os.O_WRONLY|os.O_APPEND, 0))
	must(f.Write([]byte{0xff, 0xff}))
	ensure(f.Close())
	deepEq(t, l.records(0), []string{"1:00:00:00:a", "2:00:00:00:b"})

	l.reopen()
	deepEq(t, len(l.data(name)), segmentHeaderSize+2*(3+8))
	deepEq(t, l.LastSeq(), uint64(2))

	l.append("c")
	ensure(l.Commit())
	deepEq(t, l.records(0), []string{"1:00:00:00:a", "2:00:00:00:b", "3:00:00:00:c"})
}

func TestLog_BadChecksumHidesGroup(t *testing.T) {
	l := newTestLog(t, Options{})
	l.append("a")
	ensure(l.Commit())
	l.append("b")
	ensure(l.Commit())
	ensure(l.Close())

	name := l.fileNames()[0]
	data := l.data(name)
	data[len(data)-9]++ // last byte of "b"
	ensure(os.WriteFile(filepath.Join(l.dir, name), data, 0o644))
	deepEq(t, l.records(0), []string{"1:00:00:00:a"})
}

func TestLog_DeletesCorruptedLastSegment(t *testing.T) {
	l := newTestLog(t, Options{})
	l.append("a")
	ensure(l.Commit())
	ensure(l.Close())

	junk := formatSegmentName("c", ".log", 2, uint32(start.Unix()), 2)
	ensure(os.WriteFile(filepath.Join(l.dir, junk), []byte("garbage"), 0o644))

	// a reader treats it as a segment still being created
	deepEq(t, l.records(0), []string{"1:00:00:00:a"})

	l.reopen()
	deepEq(t, len(l.fileNames()), 1)
	deepEq(t, l.LastSeq(), uint64(1))
}

func TestLog_Incompatible(t *testing.T) {
	l := newTestLog(t, Options{Invariant: [32]byte{1, 2, 3}})
	l.append("a")
	ensure(l.Commit())
	ensure(l.Close())

	o := l.opt
	o.Invariant = [32]byte{4}
	if _, err := Open(l.dir, o); !errors.Is(err, ErrIncompatible) {
		t.Errorf("Open = %v, wanted ErrIncompatible", err)
	}
	var errs []error
	for _, err := range Records(l.dir, o, 0) {
		errs = append(errs, err)
	}
	if len(errs) != 1 || !errors.Is(errs[0], ErrIncompatible) {
		t.Errorf("Records = %v, wanted ErrIncompatible", errs)
	}
}

func TestLog_UnsupportedVersion(t *testing.T) {
	l := newTestLog(t, Options{})
	l.append("a")
	ensure(l.Commit())
	ensure(l.Close())

	name := l.fileNames()[0]
	data := l.data(name)
	data[8] = 1
	binary.LittleEndian.PutUint64(data[segmentHeaderSize-8:], xxhash.Sum64(data[:segmentHeaderSize-8]))
	ensure(os.WriteFile(filepath.Join(l.dir, name), data, 0o644))

	if _, err := Open(l.dir, l.opt); !errors.Is(err, ErrUnsupportedVersion) {
		t.Errorf("Open = %v, wanted ErrUnsupportedVersion", err)
	}
}

func TestLog_Closed(t *testing.T) {
	l := newTestLog(t, Options{})
	ensure(l.Close())
	if err := l.Append(l.now, []byte("a")); !errors.Is(err, ErrClosed) {
		t.Errorf("Append = %v, wanted ErrClosed", err)
	}
	if err := l.Commit(); !errors.Is(err, ErrClosed) {
		t.Errorf("Commit = %v, wanted ErrClosed", err)
	}
}

func TestParseSegmentName(t *testing.T) {
	ordinal, ts, firstSeq, err := parseSegmentName("c", ".log", "c123-20230101T000000-11223344aabbccdd.log")
	if err != nil {
		t.Fatal(err)
	}
	deepEq(t, ordinal, uint32(123))
	deepEq(t, ts, uint32(1672531200))
	deepEq(t, firstSeq, uint64(0x11223344_aabbccdd))

	for _, name := range []string{
		"c123-20230101T000000-11223344aabbccdd.txt",
		"c123.log",
		"cx-20230101T000000-1.log",
		"c1-2023-1.log",
		"c1-20230101T000000-zz.log",
	} {
		if _, _, _, err := parseSegmentName("c", ".log", name); err == nil {
			t.Errorf("parseSegmentName(%q) succeeded", name)
		}
	}
}

func TestFormatSegmentName(t *testing.T) {
	deepEq(t, formatSegmentName("x", "y", 123, 1672531200, 0x11223344_aabbccdd), "x000000000123-20230101T000000-11223344aabbccddy")
}

type logWriter struct{ t testing.TB }

func (w *logWriter) Write(buf []byte) (int, error) {
	w.t.Log(strings.TrimSuffix(string(buf), "\n"))
	return len(buf), nil
}

func deepEq[T any](t testing.TB, a, e T) bool {
	if !reflect.DeepEqual(a, e) {
		t.Helper()
		t.Errorf("** got %v, wanted %v", a, e)
		return false
	}
	return true
}

func must[T any](v T, err error) T {
	if err != nil {
		panic(err)
	}
	return v
}

func ensure(err error) {
	if err != nil {
		panic(err)
	}
}
