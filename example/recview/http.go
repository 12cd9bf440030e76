package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"

	"github.com/dshulyak/recfile"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

func registerServer(srv *server, router *mux.Router) {
	router.Use(srv.limit)
	router.HandleFunc("/records/{n:[0-9]+}", srv.Record).Methods(http.MethodGet)
	router.HandleFunc("/range/{first:[0-9]+}/{last:[0-9]+}", srv.Range).Methods(http.MethodGet)
	router.HandleFunc("/sessions", srv.CreateSession).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}/next", srv.Next).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}/seek", srv.Seek).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}", srv.DeleteSession).Methods(http.MethodDelete)
	router.Handle("/metrics", promhttp.Handler())
}

type recordResponse struct {
	Record int    `json:"record"`
	Text   string `json:"text,omitempty"`
	EOF    bool   `json:"eof,omitempty"`
}

type rangeResponse struct {
	First   int      `json:"first"`
	Records []string `json:"records"`
}

type sessionResponse struct {
	ID string `json:"id"`
	// Record is the number of the last read record.
	Record int `json:"record"`
}

// session is a stream with its own position. Requests for the same session
// are serialized.
type session struct {
	mu     sync.Mutex
	stream *recfile.Stream
}

type server struct {
	logger  *zap.SugaredLogger
	open    func() (*recfile.Stream, error)
	limiter *rate.Limiter

	// shared is used by stateless requests
	sharedMu sync.Mutex
	shared   *recfile.Stream

	mu       sync.Mutex
	sessions map[uuid.UUID]*session
}

func newServer(logger *zap.SugaredLogger, open func() (*recfile.Stream, error), limiter *rate.Limiter) (*server, error) {
	shared, err := open()
	if err != nil {
		return nil, err
	}
	return &server{
		logger:   logger,
		open:     open,
		limiter:  limiter,
		shared:   shared,
		sessions: map[uuid.UUID]*session{},
	}, nil
}

// Close closes shared stream and every open session.
func (s *server) Close() error {
	s.mu.Lock()
	for id, sess := range s.sessions {
		sess.mu.Lock()
		sess.stream.Close()
		sess.mu.Unlock()
		delete(s.sessions, id)
	}
	s.mu.Unlock()

	s.sharedMu.Lock()
	defer s.sharedMu.Unlock()
	return s.shared.Close()
}

func (s *server) limit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			http.Error(w, "Rate limit exceeded.", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func handleError(w http.ResponseWriter, err error) {
	if errors.Is(err, recfile.ErrInterrupted) {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	} else if errors.Is(err, recfile.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
	} else if errors.Is(err, recfile.ErrInvalidRecord) || errors.Is(err, recfile.ErrInvalidWhence) {
		http.Error(w, err.Error(), http.StatusBadRequest)
	} else {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// withStream runs f while stream is interrupted by cancellation of the request.
func withStream(r *http.Request, st *recfile.Stream, f func() error) error {
	st.SetInterrupt(recfile.InterruptOnDone(r.Context()))
	defer st.SetInterrupt(nil)
	return f()
}

func (s *server) withShared(r *http.Request, f func(*recfile.Stream) error) error {
	s.sharedMu.Lock()
	defer s.sharedMu.Unlock()
	return withStream(r, s.shared, func() error {
		return f(s.shared)
	})
}

func (sess *session) with(r *http.Request, f func(*recfile.Stream) error) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return withStream(r, sess.stream, func() error {
		return f(sess.stream)
	})
}

func (s *server) Record(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(mux.Vars(r)["n"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var rec string
	err = s.withShared(r, func(st *recfile.Stream) error {
		if err := st.Seek(n, recfile.SeekAbsolute); err != nil {
			return err
		}
		var err error
		rec, err = st.ReadRecord()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("%w: record %d", recfile.ErrNotFound, n)
		}
		return err
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, recordResponse{Record: n, Text: rec})
}

func (s *server) Range(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	first, err := strconv.Atoi(vars["first"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	last, err := strconv.Atoi(vars["last"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if first > last {
		first, last = last, first
	}
	var recs []string
	err = s.withShared(r, func(st *recfile.Stream) error {
		var err error
		recs, err = st.Range(first, last)
		return err
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rangeResponse{First: first, Records: recs})
}

func (s *server) CreateSession(w http.ResponseWriter, r *http.Request) {
	st, err := s.open()
	if err != nil {
		handleError(w, err)
		return
	}
	id := uuid.New()
	s.mu.Lock()
	s.sessions[id] = &session{stream: st}
	s.mu.Unlock()
	s.logger.Debugw("created session", "id", id, "stream", st.ID())
	writeJSON(w, http.StatusCreated, sessionResponse{ID: id.String()})
}

func (s *server) session(w http.ResponseWriter, r *http.Request) (uuid.UUID, *session) {
	id, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return id, nil
	}
	s.mu.Lock()
	sess, exist := s.sessions[id]
	s.mu.Unlock()
	if !exist {
		http.Error(w, "Session not found.", http.StatusNotFound)
		return id, nil
	}
	return id, sess
}

func (s *server) Next(w http.ResponseWriter, r *http.Request) {
	_, sess := s.session(w, r)
	if sess == nil {
		return
	}
	var rsp recordResponse
	err := sess.with(r, func(st *recfile.Stream) error {
		rec, err := st.ReadRecord()
		if errors.Is(err, io.EOF) {
			rsp.EOF = true
		} else if err != nil {
			return err
		}
		rsp.Text = rec
		rsp.Record, err = st.Tell()
		return err
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rsp)
}

func (s *server) Seek(w http.ResponseWriter, r *http.Request) {
	id, sess := s.session(w, r)
	if sess == nil {
		return
	}
	query := r.URL.Query()
	n, err := strconv.Atoi(query.Get("n"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	whence := recfile.SeekAbsolute
	if mode := query.Get("whence"); len(mode) > 0 {
		whence, err = parseWhence(mode)
		if err != nil {
			handleError(w, err)
			return
		}
	}
	rsp := sessionResponse{ID: id.String()}
	err = sess.with(r, func(st *recfile.Stream) error {
		if err := st.Seek(n, whence); err != nil {
			return err
		}
		var err error
		rsp.Record, err = st.Tell()
		return err
	})
	if err != nil {
		handleError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rsp)
}

func (s *server) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id, sess := s.session(w, r)
	if sess == nil {
		return
	}
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	err := sess.with(r, func(st *recfile.Stream) error {
		return st.Close()
	})
	if err != nil {
		s.logger.Warnw("failed to close session stream", "id", id, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}
