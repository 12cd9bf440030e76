package recfile

import (
	"bufio"
	"errors"
	"io"
)

const defaultBufferSize = 64 << 10

func newLineReader(src io.ReadSeeker, offset int64, size int) *lineReader {
	return &lineReader{
		R:      bufio.NewReaderSize(src, size),
		src:    src,
		offset: offset,
	}
}

// lineReader is a buffered reader that tracks the offset of the next byte
// it will return.
type lineReader struct {
	R *bufio.Reader

	src    io.ReadSeeker
	offset int64
}

// Seek discards buffered data, unless reader is already at offset.
func (r *lineReader) Seek(offset int64) error {
	if offset == r.offset {
		return nil
	}
	if _, err := r.src.Seek(offset, io.SeekStart); err != nil {
		return err
	}
	r.offset = offset
	r.R.Reset(r.src)
	return nil
}

// ReadLine returns bytes up to and including term. The last line of the
// stream is returned without term and without an error, the next call
// returns io.EOF.
func (r *lineReader) ReadLine(term byte) ([]byte, error) {
	line, err := r.R.ReadBytes(term)
	r.offset += int64(len(line))
	if err != nil {
		if errors.Is(err, io.EOF) && len(line) > 0 {
			return line, nil
		}
		return line, err
	}
	return line, nil
}
