package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/dshulyak/recfile"
	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"
)

const replHelp = `commands:
  read [n]              read next n records (default 1)
  line                  read next physical line
  seek n [abs|fwd|end]  position stream before record n
  tell                  number of the last read record
  range first last      read records first..last
  at offset             record at the byte offset
  offset n              byte offset of record n if known
  push text             read text before the rest of the input
  queue text            read text after other buffered text
  fields sep            read next record split by sep
  invalidate n          forget boundaries after record n
  stats                 show stream bookkeeping
  help                  show this message
  quit                  exit
`

var errUsage = errors.New("usage")

type repl struct {
	logger *zap.SugaredLogger
	stream *recfile.Stream
	out    io.Writer
	prompt string

	// set by SIGINT, cleared before every command
	interrupted int32
}

// interrupt stops the scan of the running command.
func (r *repl) interrupt() {
	atomic.StoreInt32(&r.interrupted, 1)
}

func (r *repl) isInterrupted() bool {
	return atomic.LoadInt32(&r.interrupted) == 1
}

func (r *repl) run(in io.Reader) error {
	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(r.out, r.prompt)
		if !scanner.Scan() {
			return scanner.Err()
		}
		args, err := shellquote.Split(scanner.Text())
		if err != nil {
			fmt.Fprintf(r.out, "error: %v\n", err)
			continue
		}
		if len(args) == 0 {
			continue
		}
		atomic.StoreInt32(&r.interrupted, 0)
		quit, err := r.exec(args[0], args[1:])
		if err != nil {
			r.logger.Debugw("command failed", "command", args[0], "error", err)
			fmt.Fprintf(r.out, "error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

func (r *repl) exec(cmd string, args []string) (bool, error) {
	switch cmd {
	case "quit", "exit", "q":
		return true, nil
	case "help", "h", "?":
		fmt.Fprint(r.out, replHelp)
	case "read", "r":
		n := 1
		if len(args) > 0 {
			var err error
			if n, err = strconv.Atoi(args[0]); err != nil {
				return false, err
			}
		}
		return false, r.read(n)
	case "line":
		line, err := r.stream.ReadLine()
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(r.out, "end of stream")
			return false, nil
		}
		if err != nil {
			return false, err
		}
		fmt.Fprintf(r.out, "%q\n", line)
	case "seek":
		if len(args) == 0 || len(args) > 2 {
			return false, fmt.Errorf("%w: seek n [abs|fwd|end]", errUsage)
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return false, err
		}
		whence := recfile.SeekAbsolute
		if len(args) == 2 {
			if whence, err = parseWhence(args[1]); err != nil {
				return false, err
			}
		}
		if err := r.stream.Seek(n, whence); err != nil {
			return false, err
		}
		return false, r.tell()
	case "tell":
		return false, r.tell()
	case "range":
		if len(args) != 2 {
			return false, fmt.Errorf("%w: range first last", errUsage)
		}
		first, err := strconv.Atoi(args[0])
		if err != nil {
			return false, err
		}
		last, err := strconv.Atoi(args[1])
		if err != nil {
			return false, err
		}
		if first > last {
			first, last = last, first
		}
		recs, err := r.stream.Range(first, last)
		for i, rec := range recs {
			fmt.Fprintf(r.out, "%d\t%s\n", first+i, rec)
		}
		return false, err
	case "at":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: at offset", errUsage)
		}
		offset, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return false, err
		}
		n, err := r.stream.RecordAt(offset)
		if err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, n)
	case "offset":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: offset n", errUsage)
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return false, err
		}
		offset, err := r.stream.ByteOffset(n)
		if err != nil {
			return false, err
		}
		if offset == recfile.Unknown {
			fmt.Fprintln(r.out, "unknown")
		} else {
			fmt.Fprintln(r.out, offset)
		}
	case "push", "queue":
		if len(args) == 0 {
			return false, fmt.Errorf("%w: %s text", errUsage, cmd)
		}
		text, err := unescape(strings.Join(args, " "))
		if err != nil {
			return false, err
		}
		if cmd == "push" {
			return false, r.stream.Push(text)
		}
		return false, r.stream.Queue(text)
	case "fields":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: fields sep", errUsage)
		}
		sep, err := unescape(args[0])
		if err != nil {
			return false, err
		}
		fields, err := r.stream.ReadFields(sep)
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(r.out, "end of stream")
			return false, nil
		}
		if err != nil {
			return false, err
		}
		fmt.Fprintln(r.out, strings.Join(fields, " | "))
	case "invalidate":
		if len(args) != 1 {
			return false, fmt.Errorf("%w: invalidate n", errUsage)
		}
		n, err := strconv.Atoi(args[0])
		if err != nil {
			return false, err
		}
		return false, r.stream.Invalidate(n)
	case "stats":
		st := r.stream.Stats()
		fmt.Fprintf(r.out, "next=%d frontier=%d offset=%d pending=%d encoding=%s stalled=%v\n",
			st.Next, st.Frontier, st.Offset, st.Pending, st.Encoding, st.Stalled)
	default:
		return false, fmt.Errorf("unknown command %q. type help for the list of commands", cmd)
	}
	return false, nil
}

func (r *repl) read(n int) error {
	for i := 0; i < n; i++ {
		rec, err := r.stream.ReadRecord()
		if errors.Is(err, io.EOF) {
			fmt.Fprintln(r.out, "end of stream")
			return nil
		}
		if err != nil {
			return err
		}
		num, _ := r.stream.Tell()
		fmt.Fprintf(r.out, "%d\t%s\n", num, rec)
	}
	return nil
}

func (r *repl) tell() error {
	n, err := r.stream.Tell()
	if err != nil {
		return err
	}
	fmt.Fprintln(r.out, n)
	return nil
}

func parseWhence(s string) (recfile.Whence, error) {
	switch s {
	case "abs", "absolute":
		return recfile.SeekAbsolute, nil
	case "fwd", "forward", "rel":
		return recfile.SeekForward, nil
	case "end":
		return recfile.SeekFromEnd, nil
	}
	return 0, fmt.Errorf("%w: %q", recfile.ErrInvalidWhence, s)
}

// unescape interprets go escape sequences, so that "a\n" can be pushed.
func unescape(s string) (string, error) {
	return strconv.Unquote(`"` + strings.ReplaceAll(s, `"`, `\"`) + `"`)
}
