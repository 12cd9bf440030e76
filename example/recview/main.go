package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dshulyak/recfile"
	"github.com/gorilla/mux"
	flag "github.com/spf13/pflag"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func makeLogger(logLevel string) *zap.Logger {
	var level zapcore.Level
	if err := level.Set(logLevel); err != nil {
		panic(err.Error())
	}
	logger, err := zap.NewDevelopment(zap.IncreaseLevel(level))
	if err != nil {
		panic(err.Error())
	}
	return logger
}

// printRecords writes count records starting from start. If count is 0
// records are printed till the end of stream.
func printRecords(w io.Writer, st *recfile.Stream, start, count int) error {
	if err := st.Seek(start, recfile.SeekAbsolute); err != nil {
		return err
	}
	for i := 0; count == 0 || i < count; i++ {
		rec, err := st.ReadRecord()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		n, _ := st.Tell()
		if _, err := fmt.Fprintf(w, "%d\t%s\n", n, rec); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	defineFlags(flag.CommandLine)
	flag.Parse()

	conf := DefaultConfig
	if path, _ := flag.CommandLine.GetString("config"); len(path) > 0 {
		if err := loadConfig(path, &conf); err != nil {
			makeLogger(conf.LogLevel).Sugar().Fatalf("can't load config: %v", err)
		}
	}
	if err := mergeFlags(&conf, flag.CommandLine); err != nil {
		makeLogger(conf.LogLevel).Sugar().Fatalf("invalid flags: %v", err)
	}

	logger := makeLogger(conf.LogLevel)
	sugar := logger.Sugar()
	if err := conf.validate(); err != nil {
		sugar.Fatalf("invalid configuration: %v", err)
	}
	opts, err := conf.streamOptions(logger)
	if err != nil {
		sugar.Fatalf("invalid configuration: %v", err)
	}

	open := func() (*recfile.Stream, error) {
		st, err := recfile.New(opts...)
		if err != nil {
			return nil, err
		}
		if err := st.Open(conf.File, conf.Encoding); err != nil {
			return nil, err
		}
		return st, nil
	}

	interactive, _ := flag.CommandLine.GetBool("interactive")
	switch {
	case len(conf.Listen) > 0:
		err = serve(sugar, &conf, open)
	case interactive:
		err = browse(sugar, &conf, open)
	default:
		var st *recfile.Stream
		st, err = open()
		if err == nil {
			err = printRecords(os.Stdout, st, conf.Start, conf.Count)
			st.Close()
		}
	}
	if err != nil {
		if errors.Is(err, context.Canceled) {
			sugar.Info("stopped")
			return
		}
		sugar.Fatalf("failed: %v", err)
	}
}

func browse(logger *zap.SugaredLogger, conf *Config, open func() (*recfile.Stream, error)) error {
	st, err := open()
	if err != nil {
		return err
	}
	defer st.Close()

	// SIGINT interrupts long scans instead of terminating the session.
	r := &repl{logger: logger, stream: st, out: os.Stdout, prompt: "> "}
	st.SetInterrupt(r.isInterrupted)
	if conf.Start > 1 {
		if err := st.Seek(conf.Start, recfile.SeekAbsolute); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT)
	defer signal.Stop(sig)
	group.Go(func() error {
		for {
			select {
			case <-sig:
				logger.Debug("received interrupt")
				r.interrupt()
			case <-ctx.Done():
				return nil
			}
		}
	})
	group.Go(func() error {
		defer cancel()
		return r.run(os.Stdin)
	})
	return group.Wait()
}

func serve(logger *zap.SugaredLogger, conf *Config, open func() (*recfile.Stream, error)) error {
	limit := rate.Inf
	if conf.RateLimit > 0 {
		limit = rate.Limit(conf.RateLimit)
	}
	srv, err := newServer(logger, open, rate.NewLimiter(limit, conf.Burst))
	if err != nil {
		return err
	}
	defer srv.Close()

	router := mux.NewRouter()
	registerServer(srv, router)
	hsrv := &http.Server{
		Addr:         conf.Listen,
		Handler:      router,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.Infow("serving records", "file", conf.File, "address", conf.Listen)
		err := hsrv.ListenAndServe()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	})
	group.Go(func() error {
		<-ctx.Done()
		return hsrv.Close()
	})

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT)
	group.Go(func() error {
		select {
		case <-sig:
			logger.Info("received interrupt")
			cancel()
			return context.Canceled
		case <-ctx.Done():
			return nil
		}
	})
	return group.Wait()
}
