package recfile

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/dshulyak/recfile/source"
	"github.com/dshulyak/recfile/textenc"
	"go.uber.org/zap"
)

type Option func(*Stream) error

func WithLogger(log *zap.Logger) Option {
	return func(s *Stream) error {
		s.logger = log.Sugar()
		return nil
	}
}

// WithEncoding sets the encoding used by Attach and by Open with an empty
// encoding name.
func WithEncoding(name string) Option {
	return func(s *Stream) error {
		if _, err := textenc.Lookup(name); err != nil {
			return err
		}
		s.conf.encoding = name
		return nil
	}
}

// WithInterrupt sets a predicate that is polled between records during
// multi-record scans. Scan stops when it returns true.
func WithInterrupt(f func() bool) Option {
	return func(s *Stream) error {
		s.interrupt = f
		return nil
	}
}

// WithTerminator sets the byte that ends a record. Must be ascii.
func WithTerminator(term byte) Option {
	return func(s *Stream) error {
		if term >= utf8.RuneSelf {
			return fmt.Errorf("terminator %#x is not ascii", term)
		}
		s.conf.terminator = term
		return nil
	}
}

// WithBufferSize sets the size of the read buffer.
func WithBufferSize(size int) Option {
	return func(s *Stream) error {
		if size <= 0 {
			return fmt.Errorf("buffer size must be positive, got %d", size)
		}
		s.conf.bufferSize = size
		return nil
	}
}

// WithPendingLimit sets max number of chunks in the pending buffer.
func WithPendingLimit(limit int) Option {
	return func(s *Stream) error {
		if limit <= 0 {
			return fmt.Errorf("pending limit must be positive, got %d", limit)
		}
		s.conf.pendingLimit = limit
		return nil
	}
}

// WithOpener replaces the function used by Open, for example with source.OpenMapped.
func WithOpener(opener source.Opener) Option {
	return func(s *Stream) error {
		s.conf.opener = opener
		return nil
	}
}

type config struct {
	encoding     string
	terminator   byte
	bufferSize   int
	pendingLimit int
	opener       source.Opener
}

var defaultConfig = config{
	encoding:     textenc.Default,
	terminator:   '\n',
	bufferSize:   defaultBufferSize,
	pendingLimit: defaultPendingLimit,
	opener:       source.Open,
}

// InterruptOnDone returns a predicate that reports true once ctx is done.
func InterruptOnDone(ctx context.Context) func() bool {
	return func() bool {
		select {
		case <-ctx.Done():
			return true
		default:
			return false
		}
	}
}
