package recfile

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dshulyak/recfile/textenc"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Whence defines how Seek interprets the record number.
type Whence int

const (
	// SeekAbsolute positions stream before record n.
	SeekAbsolute Whence = iota
	// SeekForward adds n to the number of the next record. n may be negative.
	SeekForward
	// SeekFromEnd positions stream n records before the end of stream.
	// 1 is the last record, 0 is the end of stream.
	SeekFromEnd
)

func (w Whence) String() string {
	switch w {
	case SeekAbsolute:
		return "absolute"
	case SeekForward:
		return "forward"
	case SeekFromEnd:
		return "end"
	}
	return fmt.Sprintf("whence(%d)", int(w))
}

type state uint8

const (
	stateUnopened state = iota
	stateOpen
	stateClosed
)

// Stats is a snapshot of the stream bookkeeping.
type Stats struct {
	Next     int
	Frontier int
	Offset   int64
	Pending  int
	Encoding string
	Stalled  bool
}

// New creates a stream that is not attached to any source.
func New(opts ...Option) (*Stream, error) {
	s := &Stream{
		logger: zap.NewNop().Sugar(),
		id:     uuid.New(),
		conf:   defaultConfig,
		idx:    NewIndex(0),
		next:   1,
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.logger = s.logger.With("stream", s.id.String())
	s.pending.limit = s.conf.pendingLimit
	return s, nil
}

// Stream is a record numbered view over a seekable source.
//
// Stream reads forward only. Record boundaries discovered while reading are
// cached, so that seeking to a record that was passed before doesn't rescan
// the source. Stream is not safe for concurrent use.
type Stream struct {
	logger *zap.SugaredLogger
	id     uuid.UUID

	conf      config
	interrupt func() bool

	state state
	// set by the first i/o failure. cleared by Close, Open and Attach.
	stalled error

	src io.ReadSeeker
	// not nil only if source was opened by the stream
	owned io.Closer
	r     *lineReader
	dec   *textenc.Decoder

	idx     *Index
	pending pending
	// set once pending text was read. next is ahead of the source position
	// until the stream jumps to a cached boundary.
	detached bool
	// number of the record that will be returned by the next read
	next    int
	current string
}

// ID returns an identifier that is attached to every log line of the stream.
func (s *Stream) ID() string {
	return s.id.String()
}

// SetInterrupt replaces the interrupt predicate. nil disables interrupts.
func (s *Stream) SetInterrupt(f func() bool) {
	s.interrupt = f
}

// Open opens path and closes previous source. Empty encoding means the
// encoding configured with WithEncoding.
// On failure stream is left as it was.
func (s *Stream) Open(path, encoding string) error {
	if len(encoding) == 0 {
		encoding = s.conf.encoding
	}
	dec, err := textenc.Lookup(encoding)
	if err != nil {
		return &OpenError{Path: path, Err: err}
	}
	src, err := s.conf.opener(s.logger.Desugar(), path)
	if err != nil {
		return &OpenError{Path: path, Err: err}
	}
	if err := s.Close(); err != nil {
		s.logger.Warnw("failed to close previous source", "error", err)
	}
	s.bind(src, src, dec, 0)
	s.logger.Debugw("opened stream", "path", path, "encoding", dec.Name())
	return nil
}

// Attach binds stream to a source owned by the caller. Close won't close it.
// Current position of the source becomes the start of stream.
func (s *Stream) Attach(src io.ReadSeeker) error {
	dec, err := textenc.Lookup(s.conf.encoding)
	if err != nil {
		return &OpenError{Path: "<attached>", Err: err}
	}
	start, err := src.Seek(0, io.SeekCurrent)
	if err != nil {
		return &OpenError{Path: "<attached>", Err: err}
	}
	if err := s.Close(); err != nil {
		s.logger.Warnw("failed to close previous source", "error", err)
	}
	s.bind(src, nil, dec, start)
	s.logger.Debugw("attached stream", "start", start, "encoding", dec.Name())
	return nil
}

func (s *Stream) bind(src io.ReadSeeker, owned io.Closer, dec *textenc.Decoder, start int64) {
	s.src = src
	s.owned = owned
	s.dec = dec
	s.r = newLineReader(src, start, s.conf.bufferSize)
	s.idx.Reset(start)
	s.pending.reset()
	s.detached = false
	s.next = 1
	s.current = ""
	s.stalled = nil
	s.state = stateOpen
}

// Close releases the source and clears all buffers. Safe to call multiple times.
func (s *Stream) Close() error {
	if s.state != stateOpen {
		return nil
	}
	var err error
	if s.owned != nil {
		err = s.owned.Close()
	}
	s.src = nil
	s.owned = nil
	s.r = nil
	s.dec = nil
	s.idx.Clear()
	s.pending.reset()
	s.detached = false
	s.next = 1
	s.current = ""
	s.stalled = nil
	s.state = stateClosed
	s.logger.Debugw("closed stream")
	return err
}

func (s *Stream) check() error {
	if s.state != stateOpen {
		return ErrNotOpen
	}
	if s.stalled != nil {
		return fmt.Errorf("%w: %v", ErrStalled, s.stalled)
	}
	return nil
}

func (s *Stream) fail(op string, err error) error {
	ioErr := &IOError{Op: op, Err: err}
	s.stalled = ioErr
	ioFailureCounter.Inc()
	s.logger.Errorw("stream stalled", "op", op, "error", err)
	return ioErr
}

func (s *Stream) interrupted() bool {
	if s.interrupt == nil || !s.interrupt() {
		return false
	}
	interruptCounter.Inc()
	s.logger.Debugw("scan interrupted", "next", s.next)
	return true
}

// Push prepends text to the pending buffer.
func (s *Stream) Push(text string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.pending.push(text)
}

// Queue appends text to the pending buffer.
func (s *Stream) Queue(text string) error {
	if err := s.check(); err != nil {
		return err
	}
	return s.pending.queue(text)
}

// ReadLine returns the next physical line with its terminator, reading
// pending buffer before the source. Returns io.EOF at the end of stream.
func (s *Stream) ReadLine() (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	line, _, err := s.readLine()
	return line, err
}

// readLine reports if the line was read entirely from the source.
func (s *Stream) readLine() (string, bool, error) {
	fromSource := s.pending.empty()
	head, complete := s.pending.line(s.conf.terminator)
	if complete {
		return head, false, nil
	}
	raw, err := s.r.ReadLine(s.conf.terminator)
	if err != nil && !errors.Is(err, io.EOF) {
		return "", false, s.fail("read", err)
	}
	if len(raw) == 0 {
		if len(head) > 0 {
			return head, false, nil
		}
		return "", false, io.EOF
	}
	text, err := s.dec.Decode(raw)
	if err != nil {
		return "", false, s.fail("decode", err)
	}
	return head + text, fromSource, nil
}

// ReadRecord returns the next record without its terminator.
// Returns io.EOF at the end of stream.
func (s *Stream) ReadRecord() (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}
	return s.readRecord()
}

func (s *Stream) readRecord() (string, error) {
	line, fromSource, err := s.readLine()
	if err != nil {
		return "", err
	}
	s.next++
	// text from the pending buffer has no position in the source
	if !fromSource {
		s.detached = true
	} else if !s.detached && s.pending.empty() {
		s.remember(s.next-1, s.r.offset)
	}
	s.current = s.chomp(line)
	recordsCounter.Inc()
	return s.current, nil
}

func (s *Stream) remember(n int, offset int64) {
	err := s.idx.Set(n, offset)
	if err == nil {
		return
	}
	if errors.Is(err, ErrIndexGap) {
		s.logger.Debugw("boundary is not cached", "error", err)
		return
	}
	s.logger.Warnw("cached boundary is inconsistent", "error", err)
}

func (s *Stream) chomp(line string) string {
	line = strings.TrimSuffix(line, string(s.conf.terminator))
	if s.conf.terminator == '\n' {
		line = strings.TrimSuffix(line, "\r")
	}
	return line
}

// ReadFields reads a record and splits it by sep.
func (s *Stream) ReadFields(sep string) ([]string, error) {
	rec, err := s.ReadRecord()
	if err != nil {
		return nil, err
	}
	return strings.Split(rec, sep), nil
}

// Current returns the text of the most recently read record, including
// records read by a scan. Empty after a direct jump to a cached record.
func (s *Stream) Current() string {
	return s.current
}

// Tell returns the number of the most recently read record.
func (s *Stream) Tell() (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	return s.next - 1, nil
}

// Seek positions stream so that the next ReadRecord returns record n
// according to whence.
//
// If record is past the end of stream, position is restored and error wraps
// ErrNotFound. If scan was interrupted, stream stays where the scan stopped
// and error wraps ErrInterrupted.
func (s *Stream) Seek(n int, whence Whence) error {
	if err := s.check(); err != nil {
		return err
	}
	start := time.Now()
	defer func() {
		seekSec.Observe(time.Since(start).Seconds())
	}()

	var target int
	switch whence {
	case SeekAbsolute:
		target = n
	case SeekForward:
		target = s.next + n
	case SeekFromEnd:
		if n < 0 {
			return fmt.Errorf("%w: %d records from end", ErrInvalidRecord, n)
		}
		saved := s.mark()
		last, err := s.scanToEnd()
		if err != nil {
			return err
		}
		target = last + 1 - n
		if target < 1 {
			if err := s.restore(saved); err != nil {
				return err
			}
			return fmt.Errorf("%w: %d records from end, stream has %d", ErrNotFound, n, last)
		}
	default:
		return fmt.Errorf("%w: %v", ErrInvalidWhence, whence)
	}
	if target < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidRecord, target)
	}
	return s.seek(target)
}

func (s *Stream) seek(target int) error {
	// stream is positioned before target once it is on boundary target-1
	boundary := target - 1
	if s.idx.Has(boundary) {
		indexHitCounter.Inc()
		return s.jump(boundary)
	}
	indexMissCounter.Inc()

	saved := s.mark()
	from, _ := s.idx.NearestAtOrBefore(boundary)
	if err := s.jump(from); err != nil {
		return err
	}
	s.logger.Debugw("scanning for record", "target", target, "from", from+1)
	for s.next < target {
		if _, err := s.readRecord(); err != nil {
			if errors.Is(err, io.EOF) {
				if err := s.restore(saved); err != nil {
					return err
				}
				return fmt.Errorf("%w: record %d is past end of stream", ErrNotFound, target)
			}
			return err
		}
		scannedCounter.Inc()
		if s.next < target && s.interrupted() {
			return fmt.Errorf("%w: stopped before record %d", ErrInterrupted, s.next)
		}
	}
	return nil
}

// scanToEnd reads from the frontier until the end of stream and returns the
// number of the last record.
func (s *Stream) scanToEnd() (int, error) {
	if err := s.jump(s.idx.Highest()); err != nil {
		return 0, err
	}
	for {
		_, err := s.readRecord()
		if errors.Is(err, io.EOF) {
			return s.next - 1, nil
		}
		if err != nil {
			return 0, err
		}
		scannedCounter.Inc()
		if s.interrupted() {
			return 0, fmt.Errorf("%w: end of stream not reached", ErrInterrupted)
		}
	}
}

// jump moves stream to the cached boundary n.
func (s *Stream) jump(n int) error {
	if err := s.r.Seek(s.idx.OffsetOf(n)); err != nil {
		return s.fail("seek", err)
	}
	s.pending.reset()
	s.detached = false
	s.next = n + 1
	s.current = ""
	return nil
}

type mark struct {
	next     int
	offset   int64
	pending  []string
	current  string
	detached bool
}

func (s *Stream) mark() mark {
	return mark{
		next:     s.next,
		offset:   s.r.offset,
		pending:  s.pending.snapshot(),
		current:  s.current,
		detached: s.detached,
	}
}

func (s *Stream) restore(m mark) error {
	if err := s.r.Seek(m.offset); err != nil {
		return s.fail("seek", err)
	}
	s.next = m.next
	s.pending.restore(m.pending)
	s.current = m.current
	s.detached = m.detached
	return nil
}

// ByteOffset returns cached start offset of record n or Unknown.
// It never reads the source.
func (s *Stream) ByteOffset(n int) (int64, error) {
	if err := s.check(); err != nil {
		return Unknown, err
	}
	if n < 1 {
		return Unknown, fmt.Errorf("%w: %d", ErrInvalidRecord, n)
	}
	return s.idx.OffsetOf(n - 1), nil
}

// RecordAt returns the smallest record number that starts at or after offset.
// Source is scanned only if offset is past the highest cached boundary.
// Stream position is preserved.
func (s *Stream) RecordAt(offset int64) (int, error) {
	if err := s.check(); err != nil {
		return 0, err
	}
	if offset < s.idx.OffsetOf(0) {
		return 0, fmt.Errorf("%w: offset %d precedes start of stream", ErrNotFound, offset)
	}
	saved := s.mark()
	n, err := s.recordAt(offset)
	if s.stalled != nil {
		return 0, err
	}
	if rerr := s.restore(saved); rerr != nil {
		return 0, rerr
	}
	return n, err
}

func (s *Stream) recordAt(offset int64) (int, error) {
	if offset > s.idx.OffsetOf(s.idx.Highest()) {
		if err := s.jump(s.idx.Highest()); err != nil {
			return 0, err
		}
		for s.idx.OffsetOf(s.idx.Highest()) < offset {
			if _, err := s.readRecord(); err != nil {
				if errors.Is(err, io.EOF) {
					return 0, fmt.Errorf("%w: offset %d is past end of stream", ErrNotFound, offset)
				}
				return 0, err
			}
			scannedCounter.Inc()
			if s.idx.OffsetOf(s.idx.Highest()) < offset && s.interrupted() {
				return 0, fmt.Errorf("%w: offset %d not reached", ErrInterrupted, offset)
			}
		}
	}
	n := s.idx.Search(offset)
	// boundary n starts record n+1, which exists only if it can be read
	if n == s.idx.Highest() {
		if err := s.jump(n); err != nil {
			return 0, err
		}
		if _, err := s.readRecord(); err != nil {
			if errors.Is(err, io.EOF) {
				return 0, fmt.Errorf("%w: offset %d is at end of stream", ErrNotFound, offset)
			}
			return 0, err
		}
	}
	return n + 1, nil
}

// Range returns records from first to last inclusive, in ascending order
// regardless of the order of arguments. If range runs past the end of stream
// records that were read are returned with an error that wraps ErrNotFound.
func (s *Stream) Range(first, last int) ([]string, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if first > last {
		first, last = last, first
	}
	if first < 1 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRecord, first)
	}
	if err := s.Seek(first, SeekAbsolute); err != nil {
		return nil, err
	}
	// last may be far past the end of stream
	rst := make([]string, 0, minInt(last-first+1, rangePrealloc))
	for n := first; n <= last; n++ {
		rec, err := s.readRecord()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return rst, fmt.Errorf("%w: range ends at record %d", ErrNotFound, n-1)
			}
			return rst, err
		}
		rst = append(rst, rec)
	}
	return rst, nil
}

const rangePrealloc = 64

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}

// Invalidate drops cached boundaries after record n, for example after the
// source was truncated. If stream was positioned past n, it is moved before
// record n+1.
func (s *Stream) Invalidate(n int) error {
	if err := s.check(); err != nil {
		return err
	}
	if n < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidRecord, n)
	}
	s.idx.Truncate(n)
	s.logger.Debugw("invalidated index", "after", n)
	if n > s.idx.Highest() {
		n = s.idx.Highest()
	}
	if s.next-1 > n {
		return s.jump(n)
	}
	return nil
}

// Stats returns a snapshot of the stream bookkeeping.
func (s *Stream) Stats() Stats {
	st := Stats{
		Next:     s.next,
		Frontier: s.idx.Highest(),
		Offset:   s.idx.OffsetOf(s.idx.Highest()),
		Pending:  s.pending.len(),
		Stalled:  s.stalled != nil,
	}
	if s.dec != nil {
		st.Encoding = s.dec.Name()
	}
	return st
}
