package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/docsassist/web-ui/internal/metrics"
	"github.com/docsassist/web-ui/internal/models"
	"github.com/tmaxmax/go-sse"
)

// StreamState tracks an answer stream through its lifecycle. Closed, Fatal and
// Cancelled are terminal.
type StreamState int32

const (
	// StreamConnecting means a connection attempt is in flight.
	StreamConnecting StreamState = iota
	// StreamStreaming means the backend accepted the request and events are arriving.
	StreamStreaming
	// StreamRetrying means the last attempt failed with a retriable error and the
	// stream is waiting out the backoff delay.
	StreamRetrying
	// StreamClosed means the server ended the stream normally.
	StreamClosed
	// StreamFatal means the stream was terminated by a non-retriable failure.
	StreamFatal
	// StreamCancelled means the caller cancelled the stream.
	StreamCancelled
)

func (s StreamState) String() string {
	switch s {
	case StreamConnecting:
		return "connecting"
	case StreamStreaming:
		return "streaming"
	case StreamRetrying:
		return "retrying"
	case StreamClosed:
		return "closed"
	case StreamFatal:
		return "fatal"
	case StreamCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// TerminatedMarker is the text carried by the terminal chunk event of a
// cancelled stream, so the UI can show that the answer was cut off.
const TerminatedMarker = "[Terminated]"

// ChunkEvent is one notification from an answer stream. Text carries incremental
// answer content. A zero-value event signals that the server closed the stream
// with no more natural content; finalization is reported separately by the one
// event with Final set. Err is set on transient and fatal failures alike, with
// empty text and Final false, so consumers can surface status without ending
// the session.
type ChunkEvent struct {
	Text  string
	Final bool
	Err   error
}

// ChatRequest is a question for the streaming endpoints, together with the
// conversation so far and the product the session is scoped to.
type ChatRequest struct {
	Keyword  string
	Messages []models.Message
	Product  string
}

type chatStreamRequest struct {
	Keyword  string        `json:"keyword"`
	Messages []chatMessage `json:"messages"`
	Product  string        `json:"product"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type streamChunk struct {
	Text string `json:"text"`
}

const (
	chatStreamPath  = "/chat_streaming/"
	thinkStreamPath = "/think_streaming/"
	// The backend registers its research route under this exact spelling.
	researchStreamPath = "/reasearch_streaming/"

	fatalEventType = "FatalError"
)

// Stream is a live answer stream. Events delivers every chunk notification in
// order and is closed after the terminal event; callers must receive until the
// channel is closed. Cancel is safe to call at any point, including before the
// first connection attempt completes.
type Stream struct {
	events chan ChunkEvent
	cancel context.CancelFunc
	state  atomic.Int32

	// err is written before events is closed, so receiving until close
	// establishes the ordering for readers.
	err error
}

// Events returns the notification channel of the stream.
func (s *Stream) Events() <-chan ChunkEvent {
	return s.events
}

// State returns the current lifecycle state of the stream.
func (s *Stream) State() StreamState {
	return StreamState(s.state.Load())
}

// Cancel interrupts the stream. The in-flight connection or backoff wait is
// aborted and the terminal event carries the terminated marker.
func (s *Stream) Cancel() {
	s.cancel()
}

// Err returns the error that terminated the stream: the fatal failure, the
// context error after cancellation, or nil after a normal close. It is valid
// once Events is closed.
func (s *Stream) Err() error {
	return s.err
}

func (s *Stream) setState(state StreamState) {
	s.state.Store(int32(state))
}

// Chat opens an answer stream against the chat endpoint. The returned stream is
// live immediately; the connection is established in the background.
func (c *Client) Chat(ctx context.Context, req ChatRequest) *Stream {
	return c.openStream(ctx, chatStreamPath, req)
}

// Think opens an answer stream against the reasoning endpoint.
func (c *Client) Think(ctx context.Context, req ChatRequest) *Stream {
	return c.openStream(ctx, thinkStreamPath, req)
}

// Research opens an answer stream against the research endpoint.
func (c *Client) Research(ctx context.Context, req ChatRequest) *Stream {
	return c.openStream(ctx, researchStreamPath, req)
}

// StreamFunc receives incremental answer text. Chunks arrive with final false;
// a normal server close is signalled by one empty non-final call before the
// single final call. The final call carries the terminated marker if the stream
// was cancelled, and an empty string otherwise.
type StreamFunc func(chunk string, final bool)

// ChatStream runs a chat stream to completion, forwarding every notification to
// fn. It returns the fatal error that terminated the stream, the context error
// if it was cancelled, or nil on a normal close.
func (c *Client) ChatStream(ctx context.Context, req ChatRequest, fn StreamFunc) error {
	return drain(c.Chat(ctx, req), fn)
}

// ThinkStream runs a reasoning stream to completion, forwarding every
// notification to fn.
func (c *Client) ThinkStream(ctx context.Context, req ChatRequest, fn StreamFunc) error {
	return drain(c.Think(ctx, req), fn)
}

// ResearchStream runs a research stream to completion, forwarding every
// notification to fn.
func (c *Client) ResearchStream(ctx context.Context, req ChatRequest, fn StreamFunc) error {
	return drain(c.Research(ctx, req), fn)
}

func drain(s *Stream, fn StreamFunc) error {
	for ev := range s.Events() {
		fn(ev.Text, ev.Final)
	}
	return s.Err()
}

func (c *Client) openStream(ctx context.Context, path string, req ChatRequest) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		events: make(chan ChunkEvent, 16),
		cancel: cancel,
	}

	msgs := make([]chatMessage, len(req.Messages))
	for i, msg := range req.Messages {
		msgs[i] = chatMessage{
			Role:    string(msg.Role),
			Content: msg.Content,
		}
	}
	body, err := json.Marshal(chatStreamRequest{
		Keyword:  req.Keyword,
		Messages: msgs,
		Product:  req.Product,
	})
	if err != nil {
		// Nothing was sent yet, so the request error is the fatal failure.
		go s.fail(fmt.Errorf("error marshaling request: %w", err))
		return s
	}

	go s.run(ctx, c, path, body)
	return s
}

// fail terminates a stream that never reached the network.
func (s *Stream) fail(err error) {
	s.events <- ChunkEvent{Err: err}
	s.err = err
	s.setState(StreamFatal)
	s.events <- ChunkEvent{Final: true}
	close(s.events)
}

// run drives the stream state machine: connect, stream, classify failures, and
// retry retriable ones until the server closes, a fatal error occurs, or the
// caller cancels. Exactly one connection is in flight at any time.
func (s *Stream) run(ctx context.Context, c *Client, path string, body []byte) {
	defer close(s.events)

	metrics.ActiveStreams.Inc()
	defer metrics.ActiveStreams.Dec()

	attempt := 0
	for {
		s.setState(StreamConnecting)
		err := s.connectOnce(ctx, c, path, body)

		if ctx.Err() != nil {
			s.err = ctx.Err()
			s.setState(StreamCancelled)
			s.events <- ChunkEvent{Text: TerminatedMarker, Final: true}
			return
		}

		if err == nil {
			// The server ended the stream normally. Signal that no more natural
			// content is coming before the separate terminal event.
			s.events <- ChunkEvent{}
			s.err = nil
			s.setState(StreamClosed)
			s.events <- ChunkEvent{Final: true}
			return
		}

		c.logger.Warn("Stream attempt failed",
			slog.String("path", path),
			slog.Int("attempt", attempt+1),
			slog.String(errLoggerKey, err.Error()))
		s.events <- ChunkEvent{Err: err}

		if isFatal(err) {
			metrics.StreamFatalFailures.Inc()
			s.err = err
			s.setState(StreamFatal)
			s.events <- ChunkEvent{Final: true}
			return
		}

		attempt++
		if c.maxAttempts > 0 && attempt >= c.maxAttempts {
			s.err = fmt.Errorf("stream failed after %d attempts: %w", attempt, err)
			s.setState(StreamFatal)
			s.events <- ChunkEvent{Final: true}
			return
		}

		s.setState(StreamRetrying)
		metrics.StreamRetries.Inc()
		select {
		case <-time.After(c.retryDelay(attempt, err)):
		case <-ctx.Done():
			s.err = ctx.Err()
			s.setState(StreamCancelled)
			s.events <- ChunkEvent{Text: TerminatedMarker, Final: true}
			return
		}
	}
}

// connectOnce performs a single connection attempt. It returns nil when the
// server closes the stream normally, and the classified error otherwise.
func (s *Stream) connectOnce(ctx context.Context, c *Client, path string, body []byte) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.streamClient.Do(req)
	if err != nil {
		return fmt.Errorf("error sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode > 299 {
		return newAPIError(resp)
	}

	s.setState(StreamStreaming)

	for ev, err := range sse.Read(resp.Body, nil) {
		if err != nil {
			return fmt.Errorf("error reading stream: %w", err)
		}

		if ev.Type == fatalEventType {
			return &FatalEventError{Payload: ev.Data}
		}
		if ev.Data == "" {
			continue
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			c.logger.Warn("Skipping malformed stream event",
				slog.String("data", ev.Data),
				slog.String(errLoggerKey, err.Error()))
			continue
		}

		metrics.StreamChunks.Inc()
		select {
		case s.events <- ChunkEvent{Text: chunk.Text}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return nil
}

// retryDelay computes the wait before the next attempt: the server's
// Retry-After when present, otherwise exponential backoff with jitter.
func (c *Client) retryDelay(attempt int, err error) time.Duration {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.RetryAfter > 0 {
		return apiErr.RetryAfter
	}

	delay := c.retryBaseDelay << (attempt - 1)
	if delay <= 0 || delay > c.retryMaxDelay {
		delay = c.retryMaxDelay
	}
	// Jitter in [delay/2, delay) keeps reconnecting clients spread out.
	return delay/2 + time.Duration(rand.Int64N(int64(delay/2)+1))
}
