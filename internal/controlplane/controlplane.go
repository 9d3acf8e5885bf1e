// Package controlplane serves the websocket control interface of a
// running pipeline and its prometheus metrics.
//
// Every websocket message is a JSON object {"subj", "tok", "data"}.
// Requests carry a client chosen tok that is echoed on the replies.
// Subjects:
//
//	subscribe  data {"endpoint": name}; replies with "event" messages until the connection closes
//	config     replies with the resolved config
//	restart    stops the pipeline gracefully and rebuilds it from a fresh config
//	status     replies with the last committed epoch and failure, if any
package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-logr/logr"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/birdayz/dagstream/internal/config"
	"github.com/birdayz/dagstream/internal/pipeline"
)

const (
	SubjSubscribe = "subscribe"
	SubjConfig    = "config"
	SubjRestart   = "restart"
	SubjStatus    = "status"
	SubjEvent     = "event"
	SubjError     = "error"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
	sendBuffer   = 64
)

type Message struct {
	Subj string          `json:"subj"`
	Tok  string          `json:"tok,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

type SubscribeRequest struct {
	Endpoint string `json:"endpoint"`
}

type ErrorReply struct {
	Error string `json:"error"`
}

// Backend is what the control plane drives.
type Backend interface {
	Config() config.Config
	Status() pipeline.Status
	Restart()
	Hub() *pipeline.Hub
}

var _ Backend = (*pipeline.Supervisor)(nil)

type Server struct {
	backend  Backend
	gatherer prometheus.Gatherer
	log      logr.Logger
	upgrader websocket.Upgrader
}

func New(b Backend, g prometheus.Gatherer, log logr.Logger) *Server {
	return &Server{
		backend:  b,
		gatherer: g,
		log:      log.WithName("controlplane"),
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/control", s.serveControl)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	return mux
}

// ListenAndServe serves on addr until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info("Serving control plane", "addr", addr)
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errc; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) serveControl(w http.ResponseWriter, r *http.Request) {
	wc, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.V(1).Info("Websocket upgrade failed", "error", err)
		return
	}
	c := newConn(wc, s.backend, s.log.WithValues("remote", r.RemoteAddr))
	c.serve()
}

// Redact blanks credentials in cfg.
func Redact(cfg config.Config) config.Config {
	if cfg.Checkpoint.S3.SecretKey != "" {
		cfg.Checkpoint.S3.SecretKey = "***"
	}
	return cfg
}
