package recfile

import (
	"bytes"
	"context"
	"errors"
	"flag"
	"io"
	"io/ioutil"
	"path/filepath"
	"strings"
	"testing"

	"github.com/dshulyak/recfile/source"
	"github.com/dshulyak/recfile/textenc"
	"github.com/golang/snappy"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

var logLevel = flag.String("log-level", "panic", "test environment log level")

const fiveLines = "a\nb\nc\nd\ne\n"

type testingHelper interface {
	Helper()
	zaptest.TestingT
}

func testLogger(t testingHelper) *zap.Logger {
	t.Helper()
	var level zapcore.Level
	require.NoError(t, level.Set(*logLevel))
	return zaptest.NewLogger(t, zaptest.Level(level), zaptest.WrapOptions(zap.AddCaller()))
}

func makeTestFile(t testing.TB, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, ioutil.WriteFile(path, content, 0o644))
	return path
}

func makeTestStream(t *testing.T, content string, opts ...Option) *Stream {
	t.Helper()
	opts = append([]Option{WithLogger(testLogger(t))}, opts...)
	st, err := New(opts...)
	require.NoError(t, err)
	require.NoError(t, st.Open(makeTestFile(t, "records.txt", []byte(content)), ""))
	t.Cleanup(func() { st.Close() })
	return st
}

func readAll(t *testing.T, st *Stream) []string {
	t.Helper()
	var rst []string
	for {
		rec, err := st.ReadRecord()
		if errors.Is(err, io.EOF) {
			return rst
		}
		require.NoError(t, err)
		rst = append(rst, rec)
	}
}

func requireTell(t *testing.T, st *Stream, expected int) {
	t.Helper()
	n, err := st.Tell()
	require.NoError(t, err)
	require.Equal(t, expected, n)
}

func TestStreamSequential(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	require.Equal(t, []string{"a", "b", "c", "d", "e"}, readAll(t, st))
	requireTell(t, st, 5)
	require.Equal(t, 5, st.idx.Highest())
	require.Equal(t, "e", st.Current())

	_, err := st.ReadRecord()
	require.Equal(t, io.EOF, err)
}

func TestStreamSeekAbsolute(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	require.NoError(t, st.Seek(3, SeekAbsolute))
	rec, err := st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "c", rec)
	requireTell(t, st, 3)
}

func TestStreamSeekCached(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	readAll(t, st)

	for _, n := range []int{4, 1, 5, 2} {
		require.NoError(t, st.Seek(n, SeekAbsolute))
		rec, err := st.ReadRecord()
		require.NoError(t, err)
		require.Equal(t, string(rune('a'+n-1)), rec)
	}
}

func TestStreamSeekFromEnd(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	require.NoError(t, st.Seek(1, SeekFromEnd))
	rec, err := st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "e", rec)
	require.Equal(t, 5, st.idx.Highest())

	require.NoError(t, st.Seek(0, SeekFromEnd))
	_, err = st.ReadRecord()
	require.Equal(t, io.EOF, err)

	require.NoError(t, st.Seek(5, SeekFromEnd))
	rec, err = st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "a", rec)
}

func TestStreamSeekFromEndTooFar(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	require.NoError(t, st.Seek(2, SeekAbsolute))

	err := st.Seek(6, SeekFromEnd)
	require.True(t, errors.Is(err, ErrNotFound), "expected not found, got %v", err)
	requireTell(t, st, 1)
	rec, err := st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "b", rec)
}

func TestStreamSeekPastEnd(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	_, err := st.ReadRecord()
	require.NoError(t, err)

	err = st.Seek(10, SeekAbsolute)
	require.True(t, errors.Is(err, ErrNotFound), "expected not found, got %v", err)
	require.False(t, errors.Is(err, ErrInterrupted))
	requireTell(t, st, 1)

	rec, err := st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "b", rec)
}

func TestStreamSeekEndPosition(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	require.NoError(t, st.Seek(6, SeekAbsolute))
	requireTell(t, st, 5)
	_, err := st.ReadRecord()
	require.Equal(t, io.EOF, err)
}

func TestStreamSeekForward(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	require.NoError(t, st.Seek(2, SeekForward))
	rec, err := st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "c", rec)

	require.NoError(t, st.Seek(-2, SeekForward))
	rec, err = st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "b", rec)
}

func TestStreamSeekInvalid(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	require.True(t, errors.Is(st.Seek(0, SeekAbsolute), ErrInvalidRecord))
	require.True(t, errors.Is(st.Seek(-5, SeekForward), ErrInvalidRecord))
	require.True(t, errors.Is(st.Seek(-1, SeekFromEnd), ErrInvalidRecord))
	require.True(t, errors.Is(st.Seek(1, Whence(42)), ErrInvalidWhence))
	requireTell(t, st, 0)
}

func TestStreamRange(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	expected := []string{"b", "c", "d"}

	rst, err := st.Range(4, 2)
	require.NoError(t, err)
	require.Equal(t, expected, rst)

	rst, err = st.Range(2, 4)
	require.NoError(t, err)
	require.Equal(t, expected, rst)

	rst, err = st.Range(3, 3)
	require.NoError(t, err)
	require.Equal(t, []string{"c"}, rst)
}

func TestStreamRangePastEnd(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	rst, err := st.Range(4, 8)
	require.True(t, errors.Is(err, ErrNotFound), "expected not found, got %v", err)
	require.Equal(t, []string{"d", "e"}, rst)

	_, err = st.Range(0, 2)
	require.True(t, errors.Is(err, ErrInvalidRecord))
}

func TestStreamRangeHugeLast(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	maxInt := int(^uint(0) >> 1)

	rst, err := st.Range(2, maxInt)
	require.True(t, errors.Is(err, ErrNotFound), "expected not found, got %v", err)
	require.Equal(t, []string{"b", "c", "d", "e"}, rst)
	requireTell(t, st, 5)

	_, err = st.Range(maxInt, 1)
	require.True(t, errors.Is(err, ErrNotFound), "expected not found, got %v", err)
}

func TestStreamCloseIdempotent(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	readAll(t, st)

	require.NoError(t, st.Close())
	once := st.Stats()
	require.NoError(t, st.Close())
	require.Equal(t, once, st.Stats())
	require.Equal(t, 0, once.Frontier)

	_, err := st.ReadRecord()
	require.True(t, errors.Is(err, ErrNotOpen))
	require.True(t, errors.Is(st.Seek(1, SeekAbsolute), ErrNotOpen))
	_, err = st.Tell()
	require.True(t, errors.Is(err, ErrNotOpen))
}

func TestStreamUnopened(t *testing.T) {
	st, err := New()
	require.NoError(t, err)
	_, err = st.ReadLine()
	require.True(t, errors.Is(err, ErrNotOpen))
	require.True(t, errors.Is(st.Push("a\n"), ErrNotOpen))
	_, err = st.RecordAt(0)
	require.True(t, errors.Is(err, ErrNotOpen))
	require.NoError(t, st.Close())
}

func TestStreamOpenFailureKeepsState(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	_, err := st.ReadRecord()
	require.NoError(t, err)

	err = st.Open(filepath.Join(t.TempDir(), "missing"), "")
	var openErr *OpenError
	require.True(t, errors.As(err, &openErr), "expected open error, got %v", err)

	err = st.Open(makeTestFile(t, "other.txt", []byte("x\n")), "utf-16le")
	require.True(t, errors.Is(err, textenc.ErrUnsupportedEncoding))

	rec, err := st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "b", rec)
}

func TestStreamReopen(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	readAll(t, st)

	require.NoError(t, st.Open(makeTestFile(t, "other.txt", []byte("x\ny\n")), ""))
	require.Equal(t, 0, st.idx.Highest())
	require.Equal(t, []string{"x", "y"}, readAll(t, st))
}

func TestStreamLatin1(t *testing.T) {
	st, err := New(WithLogger(testLogger(t)))
	require.NoError(t, err)
	path := makeTestFile(t, "latin1.txt", []byte{'c', 'a', 'f', 0xe9, '\n', 'n', 'a', 0xef, 'f', '\n'})
	require.NoError(t, st.Open(path, "latin1"))
	defer st.Close()

	require.Equal(t, []string{"café", "naïf"}, readAll(t, st))
	offset, err := st.ByteOffset(2)
	require.NoError(t, err)
	require.EqualValues(t, 5, offset, "offsets are counted in raw bytes")
}

func TestStreamPending(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	require.NoError(t, st.Queue("x\n"))
	require.NoError(t, st.Push("y\n"))

	rec, err := st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "y", rec)
	rec, err = st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "x", rec)
	require.Equal(t, 0, st.idx.Highest(), "pending text must not be cached")

	rec, err = st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "a", rec)
}

func TestStreamPendingPartialLine(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	require.NoError(t, st.Push("pre-"))

	line, err := st.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "pre-a\n", line)

	line, err = st.ReadLine()
	require.NoError(t, err)
	require.Equal(t, "b\n", line)
}

func TestStreamPendingAfterEOF(t *testing.T) {
	st := makeTestStream(t, "a\n")
	readAll(t, st)
	require.NoError(t, st.Queue("tail"))

	rec, err := st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "tail", rec)
	_, err = st.ReadRecord()
	require.Equal(t, io.EOF, err)
}

func TestStreamPendingLimit(t *testing.T) {
	st := makeTestStream(t, fiveLines, WithPendingLimit(2))
	require.NoError(t, st.Queue("a"))
	require.NoError(t, st.Push("b"))
	require.True(t, errors.Is(st.Queue("c"), ErrPendingFull))
	require.Equal(t, 2, st.Stats().Pending)
}

func TestStreamSeekDiscardsPending(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	require.NoError(t, st.Push("x\n"))
	require.NoError(t, st.Seek(2, SeekAbsolute))
	require.Equal(t, 0, st.Stats().Pending)

	rec, err := st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "b", rec)
}

func TestStreamPendingBehindFrontier(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	readAll(t, st)
	require.NoError(t, st.Seek(1, SeekAbsolute))
	require.NoError(t, st.Push("x\n"))

	rec, err := st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "x", rec)
	rec, err = st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "a", rec)
	requireTell(t, st, 2)

	require.Equal(t, 5, st.idx.Highest(), "cached boundaries must survive pushback")
	for n, offset := range []int64{0, 2, 4, 6, 8, 10} {
		require.Equal(t, offset, st.idx.OffsetOf(n), "boundary %d", n)
	}

	require.NoError(t, st.Seek(3, SeekAbsolute))
	rec, err = st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "c", rec)
}

func TestStreamPendingPartialLineNotCached(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	require.NoError(t, st.Push("pre-"))
	require.Equal(t, []string{"pre-a", "b", "c", "d", "e"}, readAll(t, st))
	require.Equal(t, 0, st.idx.Highest())

	require.NoError(t, st.Seek(4, SeekAbsolute))
	rec, err := st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "d", rec)
	require.Equal(t, 4, st.idx.Highest())
}

func TestStreamInterruptSeek(t *testing.T) {
	content := strings.Repeat("line\n", 200)
	calls := 0
	st := makeTestStream(t, content, WithInterrupt(func() bool {
		calls++
		return calls >= 2
	}))

	err := st.Seek(100, SeekAbsolute)
	require.True(t, errors.Is(err, ErrInterrupted), "expected interrupt, got %v", err)
	require.True(t, errors.Is(err, ErrNotFound))
	requireTell(t, st, 2)
	require.Equal(t, 2, st.idx.Highest(), "discovered boundaries stay cached")
}

func TestStreamInterruptOnDone(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	st.SetInterrupt(InterruptOnDone(ctx))

	err := st.Seek(1, SeekFromEnd)
	require.True(t, errors.Is(err, ErrInterrupted), "expected interrupt, got %v", err)

	st.SetInterrupt(nil)
	require.NoError(t, st.Seek(1, SeekFromEnd))
}

var errDisk = errors.New("disk failure")

type failingSource struct {
	*bytes.Reader
	failAt int64
}

func (f *failingSource) Read(buf []byte) (int, error) {
	pos, _ := f.Reader.Seek(0, io.SeekCurrent)
	if pos >= f.failAt {
		return 0, errDisk
	}
	if limit := f.failAt - pos; int64(len(buf)) > limit {
		buf = buf[:limit]
	}
	return f.Reader.Read(buf)
}

func TestStreamIOFailureStalls(t *testing.T) {
	st, err := New(WithLogger(testLogger(t)), WithBufferSize(16))
	require.NoError(t, err)
	require.NoError(t, st.Attach(&failingSource{Reader: bytes.NewReader([]byte(fiveLines)), failAt: 4}))

	for _, expected := range []string{"a", "b"} {
		rec, err := st.ReadRecord()
		require.NoError(t, err)
		require.Equal(t, expected, rec)
	}
	_, err = st.ReadRecord()
	var ioErr *IOError
	require.True(t, errors.As(err, &ioErr), "expected i/o error, got %v", err)
	require.True(t, errors.Is(err, errDisk))
	require.True(t, st.Stats().Stalled)

	_, err = st.ReadRecord()
	require.True(t, errors.Is(err, ErrStalled))
	require.True(t, errors.Is(st.Seek(1, SeekAbsolute), ErrStalled))

	require.NoError(t, st.Close())
	require.False(t, st.Stats().Stalled)
}

type closeTracker struct {
	*bytes.Reader
	closed bool
}

func (c *closeTracker) Close() error {
	c.closed = true
	return nil
}

func TestStreamAttach(t *testing.T) {
	src := &closeTracker{Reader: bytes.NewReader([]byte(fiveLines))}
	_, err := src.Seek(2, io.SeekStart)
	require.NoError(t, err)

	st, err := New(WithLogger(testLogger(t)))
	require.NoError(t, err)
	require.NoError(t, st.Attach(src))

	offset, err := st.ByteOffset(1)
	require.NoError(t, err)
	require.EqualValues(t, 2, offset)

	require.NoError(t, st.Seek(2, SeekAbsolute))
	rec, err := st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "c", rec)

	require.NoError(t, st.Close())
	require.False(t, src.closed, "attached source is owned by the caller")
}

func TestStreamByteOffsetNeverScans(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	offset, err := st.ByteOffset(3)
	require.NoError(t, err)
	require.Equal(t, Unknown, offset)
	require.Equal(t, 0, st.idx.Highest())

	require.NoError(t, st.Seek(3, SeekAbsolute))
	offset, err = st.ByteOffset(3)
	require.NoError(t, err)
	require.EqualValues(t, 4, offset)

	_, err = st.ByteOffset(0)
	require.True(t, errors.Is(err, ErrInvalidRecord))
}

func TestStreamRecordAt(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	_, err := st.ReadRecord()
	require.NoError(t, err)

	for offset, expected := range map[int64]int{0: 1, 1: 2, 2: 2, 4: 3, 7: 5, 8: 5} {
		n, err := st.RecordAt(offset)
		require.NoError(t, err, "offset %d", offset)
		require.Equal(t, expected, n, "offset %d", offset)
	}
	requireTell(t, st, 1)
	rec, err := st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "b", rec, "position must be preserved")

	for _, offset := range []int64{-1, 9, 10, 100} {
		_, err := st.RecordAt(offset)
		require.True(t, errors.Is(err, ErrNotFound), "offset %d: %v", offset, err)
	}
	requireTell(t, st, 2)
}

func TestStreamRecordAtInterrupted(t *testing.T) {
	st := makeTestStream(t, strings.Repeat("line\n", 100),
		WithInterrupt(func() bool { return true }))
	_, err := st.RecordAt(200)
	require.True(t, errors.Is(err, ErrInterrupted), "expected interrupt, got %v", err)
	requireTell(t, st, 0)
}

func TestStreamLineEndings(t *testing.T) {
	st := makeTestStream(t, "a\r\nb\r\nc")
	require.Equal(t, []string{"a", "b", "c"}, readAll(t, st))

	require.NoError(t, st.Seek(1, SeekFromEnd))
	rec, err := st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "c", rec)
}

func TestStreamTerminator(t *testing.T) {
	st := makeTestStream(t, "a;b\n;c;", WithTerminator(';'))
	require.Equal(t, []string{"a", "b\n", "c"}, readAll(t, st))

	_, err := New(WithTerminator(0xff))
	require.Error(t, err)
}

func TestStreamReadFields(t *testing.T) {
	st := makeTestStream(t, "id\tname\n1\talpha\n")
	fields, err := st.ReadFields("\t")
	require.NoError(t, err)
	require.Equal(t, []string{"id", "name"}, fields)
	fields, err = st.ReadFields("\t")
	require.NoError(t, err)
	require.Equal(t, []string{"1", "alpha"}, fields)
}

func TestStreamInvalidate(t *testing.T) {
	st := makeTestStream(t, fiveLines)
	readAll(t, st)

	require.NoError(t, st.Invalidate(2))
	require.Equal(t, 2, st.idx.Highest())
	requireTell(t, st, 2)

	rec, err := st.ReadRecord()
	require.NoError(t, err)
	require.Equal(t, "c", rec)
	require.Equal(t, 3, st.idx.Highest())
}

func TestStreamSources(t *testing.T) {
	var buf bytes.Buffer
	w := snappy.NewBufferedWriter(&buf)
	_, err := w.Write([]byte(fiveLines))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	for _, tc := range []struct {
		desc   string
		path   string
		opener source.Opener
	}{
		{desc: "file", path: makeTestFile(t, "plain.txt", []byte(fiveLines)), opener: source.Open},
		{desc: "mmap", path: makeTestFile(t, "plain.txt", []byte(fiveLines)), opener: source.OpenMapped},
		{desc: "snappy", path: makeTestFile(t, "plain.sz", buf.Bytes()), opener: source.Open},
	} {
		tc := tc
		t.Run(tc.desc, func(t *testing.T) {
			st, err := New(WithLogger(testLogger(t)), WithOpener(tc.opener))
			require.NoError(t, err)
			require.NoError(t, st.Open(tc.path, ""))
			defer st.Close()

			rst, err := st.Range(2, 4)
			require.NoError(t, err)
			require.Equal(t, []string{"b", "c", "d"}, rst)
			require.NoError(t, st.Seek(1, SeekFromEnd))
			rec, err := st.ReadRecord()
			require.NoError(t, err)
			require.Equal(t, "e", rec)
		})
	}
}

func TestStreamMonotonicOffsets(t *testing.T) {
	st := makeTestStream(t, "first\n\nthird line\nx\n")
	readAll(t, st)
	idx := st.idx
	require.Equal(t, 4, idx.Highest())
	for n := 1; n <= idx.Highest(); n++ {
		require.Greater(t, idx.OffsetOf(n), idx.OffsetOf(n-1))
	}
}
