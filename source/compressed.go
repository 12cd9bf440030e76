package source

import (
	"compress/gzip"
	"fmt"
	"io"
	"io/ioutil"
	"os"

	"github.com/golang/snappy"
	"go.uber.org/zap"
)

// OpenSnappy decompresses a snappy framed file into memory.
func OpenSnappy(logger *zap.Logger, path string) (*Memory, error) {
	return decompress(logger, path, "snappy", func(r io.Reader) (io.Reader, error) {
		return snappy.NewReader(r), nil
	})
}

// OpenGzip decompresses a gzip file into memory.
func OpenGzip(logger *zap.Logger, path string) (*Memory, error) {
	return decompress(logger, path, "gzip", func(r io.Reader) (io.Reader, error) {
		return gzip.NewReader(r)
	})
}

func decompress(logger *zap.Logger, path, format string, wrap func(io.Reader) (io.Reader, error)) (*Memory, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	r, err := wrap(f)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", format, path, err)
	}
	buf, err := ioutil.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", format, path, err)
	}
	logger.Debug("decompressed file",
		zap.String("path", path),
		zap.String("format", format),
		zap.Int("size", len(buf)),
	)
	return NewMemory(buf), nil
}
