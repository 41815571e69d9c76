// Package turnend implements the optional remote end-of-turn classifier
// (spec §4.C.2): a persistent, auto-reconnecting WebSocket connection that
// scores whether the caller's current speech segment is a completed turn.
//
// Grounded on the teacher's own reconnect style
// (src/services/deepgram/stt.go's Initialize/reconnect pair) generalized
// from Deepgram's streaming-transcription protocol to the turn classifier's
// request/response-per-segment protocol, with exponential backoff and
// jitter added per spec §4.C.2 (base 1s, cap 30s).
package turnend

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/square-key-labs/strawgo-ai/src/logger"
)

// Prediction is the classifier's verdict for one speech segment.
type Prediction struct {
	IsEndOfTurn bool
	Probability float64
}

// Config configures the remote classifier connection.
type Config struct {
	URL                string
	Headers            map[string]string
	StopSecs           time.Duration // response timeout per request (default 3s)
	BaseReconnectDelay time.Duration // default 1s
	MaxReconnectDelay  time.Duration // default 30s
}

func (c Config) withDefaults() Config {
	if c.StopSecs <= 0 {
		c.StopSecs = 3 * time.Second
	}
	if c.BaseReconnectDelay <= 0 {
		c.BaseReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	return c
}

type predictRequest struct {
	audio  []byte
	result chan predictResult
}

type predictResult struct {
	pred Prediction
	err  error
}

// Analyzer maintains exactly one WebSocket connection per call to the
// remote classifier, reconnecting on disconnect with jittered exponential
// backoff. Classify defaults to "not end of turn" on timeout or connection
// loss, matching §4.C.2's documented fallback.
type Analyzer struct {
	cfg Config

	mu       sync.Mutex
	conn     *websocket.Conn
	closed   bool
	attempts int

	requests chan predictRequest
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewAnalyzer creates an analyzer and starts its connection manager, which
// begins dialing the remote classifier right away, before any Classify call.
func NewAnalyzer(cfg Config) *Analyzer {
	cfg = cfg.withDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	a := &Analyzer{
		cfg:      cfg,
		requests: make(chan predictRequest),
		ctx:      ctx,
		cancel:   cancel,
	}
	a.wg.Add(1)
	go a.connectionManager()
	return a
}

// Classify sends a prefix of the current speech segment's PCM audio and
// waits up to StopSecs for a verdict. Any failure (timeout, disconnect,
// malformed response) returns Prediction{IsEndOfTurn: false}; no error is
// returned, so the pipeline falls back to VAD-only turn detection rather
// than stalling the call.
func (a *Analyzer) Classify(ctx context.Context, pcm []byte) Prediction {
	result := make(chan predictResult, 1)
	req := predictRequest{audio: pcm, result: result}

	select {
	case a.requests <- req:
	case <-ctx.Done():
		return Prediction{IsEndOfTurn: false}
	case <-time.After(a.cfg.StopSecs):
		return Prediction{IsEndOfTurn: false}
	}

	select {
	case r := <-result:
		if r.err != nil {
			logger.Debug("[TurnEnd] classify failed, defaulting to not-end-of-turn: %v", r.err)
			return Prediction{IsEndOfTurn: false}
		}
		return r.pred
	case <-ctx.Done():
		return Prediction{IsEndOfTurn: false}
	case <-time.After(a.cfg.StopSecs):
		return Prediction{IsEndOfTurn: false}
	}
}

// Close shuts the analyzer down, closing any live connection.
func (a *Analyzer) Close() error {
	a.mu.Lock()
	a.closed = true
	conn := a.conn
	a.mu.Unlock()

	a.cancel()
	if conn != nil {
		conn.Close()
	}
	a.wg.Wait()
	return nil
}

func (a *Analyzer) connectionManager() {
	defer a.wg.Done()

	for {
		if a.isClosed() {
			return
		}

		conn, err := a.dial()
		if err != nil {
			a.sleepBackoff()
			continue
		}

		a.mu.Lock()
		a.conn = conn
		a.attempts = 0
		a.mu.Unlock()

		a.serve(conn)

		a.mu.Lock()
		a.conn = nil
		a.mu.Unlock()

		if a.isClosed() {
			return
		}
		a.sleepBackoff()
	}
}

func (a *Analyzer) isClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closed
}

func (a *Analyzer) dial() (*websocket.Conn, error) {
	header := make(map[string][]string, len(a.cfg.Headers))
	for k, v := range a.cfg.Headers {
		header[k] = []string{v}
	}

	u, err := url.Parse(a.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("turnend: invalid url: %w", err)
	}

	conn, _, err := websocket.DefaultDialer.Dial(u.String(), header)
	if err != nil {
		return nil, fmt.Errorf("turnend: dial: %w", err)
	}
	logger.Info("[TurnEnd] connected to end-of-turn classifier")
	return conn, nil
}

// serve processes Classify requests over one live connection until it
// breaks, each request/response pair happening sequentially since the
// underlying service expects one prediction in flight at a time.
func (a *Analyzer) serve(conn *websocket.Conn) {
	for {
		select {
		case <-a.ctx.Done():
			return
		case req := <-a.requests:
			pred, err := a.roundTrip(conn, req.audio)
			req.result <- predictResult{pred: pred, err: err}
			if err != nil {
				return
			}
		}
	}
}

func (a *Analyzer) roundTrip(conn *websocket.Conn, pcm []byte) (Prediction, error) {
	if err := conn.WriteMessage(websocket.BinaryMessage, pcm); err != nil {
		return Prediction{}, fmt.Errorf("turnend: send audio: %w", err)
	}

	deadline := time.Now().Add(a.cfg.StopSecs)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return Prediction{IsEndOfTurn: false}, fmt.Errorf("turnend: request exceeded %s", a.cfg.StopSecs)
		}
		conn.SetReadDeadline(time.Now().Add(remaining))

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return Prediction{}, fmt.Errorf("turnend: read response: %w", err)
		}

		var result struct {
			Type        string  `json:"type"`
			Prediction  int     `json:"prediction"`
			Probability float64 `json:"probability"`
		}
		if err := json.Unmarshal(msg, &result); err != nil {
			return Prediction{IsEndOfTurn: false}, fmt.Errorf("turnend: invalid json response: %w", err)
		}
		if result.Type == "ping" || result.Type == "pong" {
			continue
		}
		return Prediction{IsEndOfTurn: result.Prediction != 0, Probability: result.Probability}, nil
	}
}

func (a *Analyzer) sleepBackoff() {
	a.mu.Lock()
	a.attempts++
	attempt := a.attempts
	a.mu.Unlock()

	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	delay := a.cfg.BaseReconnectDelay * time.Duration(1<<uint(shift))
	if delay > a.cfg.MaxReconnectDelay {
		delay = a.cfg.MaxReconnectDelay
	}
	jitter := time.Duration(rand.Int63n(int64(500 * time.Millisecond)))
	delay += jitter

	logger.Info("[TurnEnd] reconnecting in %s (attempt %d)", delay, attempt)

	select {
	case <-time.After(delay):
	case <-a.ctx.Done():
	}
}
