package ollama

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"llamaburn/internal/stats"
	"llamaburn/internal/stress"
)

const DefaultHost = "http://localhost:11434"

// Client talks to a local Ollama server. It implements
// stress.RequestExecutor via streaming /api/generate calls, measuring TTFT
// at the first decoded chunk.
type Client struct {
	host string
	http *http.Client
	log  *zap.Logger
}

func NewClient(host string, timeout time.Duration, log *zap.Logger) *Client {
	if host == "" {
		host = DefaultHost
	}
	t := http.DefaultTransport.(*http.Transport).Clone()
	t.MaxIdleConns = 2000
	t.MaxConnsPerHost = 2000
	t.MaxIdleConnsPerHost = 2000

	return &Client{
		host: host,
		http: &http.Client{
			// Per-request deadlines come from the caller's context; the
			// client-level timeout is a backstop only.
			Timeout:   timeout + 5*time.Second,
			Transport: t,
		},
		log: log,
	}
}

func (c *Client) Host() string { return c.host }

type generateRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	Stream bool   `json:"stream"`
}

type generateChunk struct {
	Response string `json:"response"`
	Done     bool   `json:"done"`
}

// Execute issues one streaming generate call and returns its latency
// breakdown. Failures come back as *stress.ExecError so the engine can
// classify them.
func (c *Client) Execute(ctx context.Context, payload stress.Payload) (stress.ExecResult, error) {
	body, err := json.Marshal(generateRequest{
		Model:  payload.Model,
		Prompt: payload.Prompt,
		Stream: true,
	})
	if err != nil {
		return stress.ExecResult{}, &stress.ExecError{Kind: stats.OutcomeConnectionError, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+"/api/generate", bytes.NewReader(body))
	if err != nil {
		return stress.ExecResult{}, &stress.ExecError{Kind: stats.OutcomeConnectionError, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return stress.ExecResult{}, classify(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return stress.ExecResult{}, &stress.ExecError{
			Kind: stats.OutcomeServerError,
			Err:  fmt.Errorf("status %d", resp.StatusCode),
		}
	}

	var ttft time.Duration
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		var chunk generateChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			continue
		}
		if ttft == 0 {
			ttft = time.Since(start)
		}
		if chunk.Done {
			break
		}
	}
	if err := sc.Err(); err != nil {
		return stress.ExecResult{}, classify(ctx, err)
	}
	if ttft == 0 {
		// The server closed the stream without a single chunk.
		return stress.ExecResult{}, &stress.ExecError{
			Kind: stats.OutcomeServerError,
			Err:  errors.New("empty response stream"),
		}
	}

	return stress.ExecResult{TTFT: ttft, TotalLatency: time.Since(start)}, nil
}

type Model struct {
	Name string `json:"name"`
	Size uint64 `json:"size"`
}

type tagsResponse struct {
	Models []Model `json:"models"`
}

// ListModels fetches the installed models from /api/tags. It doubles as
// the reachability probe for the CLI.
func (c *Client) ListModels(ctx context.Context) ([]Model, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.host+"/api/tags", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("connection refused - is the inference server running at %s? %w", c.host, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d from %s/api/tags", resp.StatusCode, c.host)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, err
	}
	c.log.Debug("fetched models", zap.Int("count", len(tags.Models)))
	return tags.Models, nil
}

func classify(ctx context.Context, err error) *stress.ExecError {
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &stress.ExecError{Kind: stats.OutcomeTimeout, Err: err}
	case errors.Is(err, context.Canceled):
		return &stress.ExecError{Kind: stats.OutcomeCancelled, Err: err}
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return &stress.ExecError{Kind: stats.OutcomeTimeout, Err: err}
	}
	return &stress.ExecError{Kind: stats.OutcomeConnectionError, Err: err}
}
