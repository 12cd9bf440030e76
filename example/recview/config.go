package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/dshulyak/recfile"
	"github.com/dshulyak/recfile/source"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"gopkg.in/yaml.v2"
)

// Config can be loaded from a yaml file. Flags that were set explicitly
// override values from the file.
type Config struct {
	File       string `yaml:"file"`
	Encoding   string `yaml:"encoding"`
	Terminator string `yaml:"terminator"`
	Mmap       bool   `yaml:"mmap"`
	BufferSize int    `yaml:"buffer_size"`

	Start int `yaml:"start"`
	// Count of records to print. 0 prints everything after Start.
	Count int `yaml:"count"`

	LogLevel string `yaml:"log_level"`

	Listen string `yaml:"listen"`
	// RateLimit is the number of http requests per second. 0 disables the limit.
	RateLimit float64 `yaml:"rate_limit"`
	Burst     int     `yaml:"burst"`
}

var DefaultConfig = Config{
	Encoding:   "utf-8",
	Terminator: `\n`,
	Start:      1,
	Count:      10,
	LogLevel:   "info",
	Burst:      10,
}

func defineFlags(fs *flag.FlagSet) {
	fs.StringP("config", "c", "", "yaml configuration file")
	fs.StringP("file", "f", "", "input file. snappy (.sz) and gzip (.gz) files are decompressed")
	fs.StringP("encoding", "e", DefaultConfig.Encoding, "character encoding of the input file")
	fs.String("terminator", DefaultConfig.Terminator, `record terminator, for example "\n" or ";"`)
	fs.Bool("mmap", false, "memory map plain input files")
	fs.Int("buffer-size", 0, "size of the read buffer in bytes")
	fs.IntP("start", "s", DefaultConfig.Start, "first record to print")
	fs.IntP("count", "n", DefaultConfig.Count, "number of records to print, 0 prints till the end")
	fs.StringP("log-level", "v", DefaultConfig.LogLevel, "log level")
	fs.BoolP("interactive", "i", false, "browse records interactively")
	fs.StringP("listen", "l", "", "serve records over http on this address")
	fs.Float64("rate-limit", 0, "max http requests per second, 0 is unlimited")
	fs.Int("burst", DefaultConfig.Burst, "burst of http requests allowed by the rate limit")
}

func loadConfig(path string, conf *Config) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(conf); err != nil {
		return fmt.Errorf("can't decode config at %v: %w", path, err)
	}
	return nil
}

func mergeFlags(conf *Config, fs *flag.FlagSet) (err error) {
	str := func(name string, to *string) {
		if err == nil && fs.Changed(name) {
			*to, err = fs.GetString(name)
		}
	}
	num := func(name string, to *int) {
		if err == nil && fs.Changed(name) {
			*to, err = fs.GetInt(name)
		}
	}
	str("file", &conf.File)
	str("encoding", &conf.Encoding)
	str("terminator", &conf.Terminator)
	str("log-level", &conf.LogLevel)
	str("listen", &conf.Listen)
	num("buffer-size", &conf.BufferSize)
	num("start", &conf.Start)
	num("count", &conf.Count)
	num("burst", &conf.Burst)
	if err == nil && fs.Changed("mmap") {
		conf.Mmap, err = fs.GetBool("mmap")
	}
	if err == nil && fs.Changed("rate-limit") {
		conf.RateLimit, err = fs.GetFloat64("rate-limit")
	}
	if err == nil && len(conf.File) == 0 && fs.NArg() > 0 {
		conf.File = fs.Arg(0)
	}
	return err
}

func (c *Config) validate() error {
	if len(c.File) == 0 {
		return errors.New("input file is required")
	}
	if c.Start < 1 {
		return fmt.Errorf("start must be positive, got %d", c.Start)
	}
	if c.Count < 0 {
		return fmt.Errorf("count can't be negative, got %d", c.Count)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate limit can't be negative, got %v", c.RateLimit)
	}
	_, err := c.terminator()
	return err
}

func (c *Config) terminator() (byte, error) {
	term, err := strconv.Unquote(`"` + c.Terminator + `"`)
	if err != nil || len(term) != 1 {
		return 0, fmt.Errorf("terminator must be a single byte, got %q", c.Terminator)
	}
	return term[0], nil
}

func (c *Config) streamOptions(logger *zap.Logger) ([]recfile.Option, error) {
	term, err := c.terminator()
	if err != nil {
		return nil, err
	}
	opts := []recfile.Option{
		recfile.WithLogger(logger),
		recfile.WithEncoding(c.Encoding),
		recfile.WithTerminator(term),
	}
	if c.BufferSize > 0 {
		opts = append(opts, recfile.WithBufferSize(c.BufferSize))
	}
	if c.Mmap {
		opts = append(opts, recfile.WithOpener(source.OpenMapped))
	}
	return opts, nil
}
