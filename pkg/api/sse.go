package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// heartbeatInterval keeps intermediaries from timing out quiet streams.
const heartbeatInterval = 30 * time.Second

// streamIDHeader carries the cancellation handle. It is set before the first
// body byte so clients can stop a stream they have only just opened.
const streamIDHeader = "X-Stream-ID"

// completionChunk is the OpenAI-compatible streaming envelope. Every frame
// carries the full envelope so generic chat clients can consume the stream.
type completionChunk struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Model   string         `json:"model"`
	Choices []streamChoice `json:"choices"`
}

type streamChoice struct {
	Index         int            `json:"index"`
	Delta         streamDelta    `json:"delta"`
	FinishReason  *string        `json:"finish_reason"`
	MessageExtras map[string]any `json:"message_extras,omitempty"`
}

type streamDelta struct {
	Content string `json:"content,omitempty"`
}

// sseWriter emits server-sent-event frames for one chat completion stream.
// It is not safe for concurrent use; the pump goroutine owns it.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	id      string
	model   string
}

func newSSEWriter(w http.ResponseWriter, streamID, model string) *sseWriter {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set(streamIDHeader, streamID)
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	return &sseWriter{
		w:       w,
		flusher: flusher,
		id:      "chat" + strconv.FormatInt(time.Now().UnixNano(), 10),
		model:   model,
	}
}

func (s *sseWriter) chunk(delta streamDelta, finish *string, extras map[string]any) completionChunk {
	return completionChunk{
		ID:      s.id,
		Object:  "chat.completion.chunk",
		Created: time.Now().Unix(),
		Model:   s.model,
		Choices: []streamChoice{{
			Delta:         delta,
			FinishReason:  finish,
			MessageExtras: extras,
		}},
	}
}

// Content writes a text delta frame.
func (s *sseWriter) Content(text string) error {
	return s.frame(s.chunk(streamDelta{Content: text}, nil, nil))
}

// Extras writes a frame carrying only message_extras, no content.
func (s *sseWriter) Extras(extras map[string]any) error {
	return s.frame(s.chunk(streamDelta{}, nil, extras))
}

// Finish writes the terminal chunk with a finish_reason.
func (s *sseWriter) Finish(reason string) error {
	return s.frame(s.chunk(streamDelta{}, &reason, nil))
}

// Done writes the stream terminator.
func (s *sseWriter) Done() error {
	return s.raw("data: [DONE]\n\n")
}

// Heartbeat writes an SSE comment so the connection stays warm.
func (s *sseWriter) Heartbeat() error {
	return s.raw(": heartbeat\n\n")
}

func (s *sseWriter) frame(chunk completionChunk) error {
	payload, err := json.Marshal(chunk)
	if err != nil {
		return fmt.Errorf("encoding stream chunk: %w", err)
	}
	return s.raw("data: " + string(payload) + "\n\n")
}

func (s *sseWriter) raw(frame string) error {
	if _, err := s.w.Write([]byte(frame)); err != nil {
		return err
	}
	if s.flusher != nil {
		s.flusher.Flush()
	}
	return nil
}
