package mockserver

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Config shapes the mock inference server's behavior. Latency grows and
// errors appear once in-flight requests exceed Capacity, which makes the
// server a controllable target for exercising degradation and failure
// detection locally.
type Config struct {
	Port        int
	BaseLatency time.Duration
	Capacity    int
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = 11435
	}
	if c.BaseLatency <= 0 {
		c.BaseLatency = 80 * time.Millisecond
	}
	if c.Capacity <= 0 {
		c.Capacity = 8
	}
	return c
}

type Server struct {
	cfg      Config
	inflight int64
	log      *zap.Logger
}

func New(cfg Config, log *zap.Logger) *Server {
	return &Server{cfg: cfg.withDefaults(), log: log}
}

// Handler returns the Ollama-shaped mux: /api/tags and /api/generate.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/tags", s.handleTags)
	mux.HandleFunc("/api/generate", s.handleGenerate)
	return mux
}

// Start runs the server in the background.
func (s *Server) Start() {
	addr := fmt.Sprintf(":%d", s.cfg.Port)
	srv := &http.Server{Addr: addr, Handler: s.Handler()}

	s.log.Info("mock inference server running",
		zap.String("addr", "http://localhost"+addr),
		zap.Duration("base_latency", s.cfg.BaseLatency),
		zap.Int("capacity", s.cfg.Capacity))

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("mock server failed", zap.Error(err))
		}
	}()
}

func (s *Server) handleTags(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"models": []map[string]any{
			{"name": "mock-llm", "size": 4_000_000_000},
		},
	})
}

func (s *Server) handleGenerate(w http.ResponseWriter, _ *http.Request) {
	inflight := atomic.AddInt64(&s.inflight, 1)
	defer atomic.AddInt64(&s.inflight, -1)

	over := float64(inflight-int64(s.cfg.Capacity)) / float64(s.cfg.Capacity)
	if over > 0 {
		// Past capacity requests start failing, more aggressively the
		// deeper the overload.
		p := over
		if p > 0.9 {
			p = 0.9
		}
		if rand.Float64() < p {
			http.Error(w, "model overloaded", http.StatusServiceUnavailable)
			return
		}
	}

	latency := s.cfg.BaseLatency
	if over > 0 {
		latency = time.Duration(float64(latency) * (1 + 2*over))
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	flusher, _ := w.(http.Flusher)

	// First token after a fraction of the service time, done chunk at the
	// end, mirroring a streaming generate call.
	time.Sleep(latency / 4)
	fmt.Fprintln(w, `{"response":"mock","done":false}`)
	if flusher != nil {
		flusher.Flush()
	}
	time.Sleep(latency * 3 / 4)
	fmt.Fprintln(w, `{"response":"","done":true}`)
	if flusher != nil {
		flusher.Flush()
	}
}
