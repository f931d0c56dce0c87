// Package inference implements the backend-facing half of the
// Dispatcher (C5): an OpenAI/vLLM-compatible HTTP client supporting
// both synchronous chat completions and SSE-sourced streaming.
package inference

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const requestTimeout = 300 * time.Second

// Message is one chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is the inner, decrypted chat-completion request (§3/§6).
type Request struct {
	Model       string    `json:"model,omitempty"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream,omitempty"`
	Temperature *float32  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

// ModelOrDefault returns the requested model, defaulting to "default"
// per spec.md §4.5's tie-break rule.
func (r Request) ModelOrDefault() string {
	if r.Model == "" {
		return "default"
	}
	return r.Model
}

// Response is the non-streaming inner response shape.
type Response struct {
	Content      string `json:"content"`
	FinishReason string `json:"finish_reason,omitempty"`
	Error        string `json:"error,omitempty"`
}

// ChunkType tags a streaming chunk's variant.
type ChunkType string

const (
	ChunkTextDelta ChunkType = "text-delta"
	ChunkFinish    ChunkType = "finish"
	ChunkError     ChunkType = "error"
)

// StreamChunk is one tagged-union streaming chunk.
type StreamChunk struct {
	Type         ChunkType `json:"type"`
	Text         string    `json:"text,omitempty"`
	FinishReason string    `json:"finish_reason,omitempty"`
	Message      string    `json:"message,omitempty"`
}

// Client talks to a single OpenAI-compatible backend (vLLM or
// compatible), used by the Dispatcher in server mode and by the HTTP
// API's model listing.
type Client struct {
	http    *http.Client
	baseURL string
}

// NewClient trims a trailing slash from baseURL, matching the
// reference client's base_url normalization.
func NewClient(baseURL string) *Client {
	return &Client{
		http:    &http.Client{Timeout: requestTimeout},
		baseURL: strings.TrimRight(baseURL, "/"),
	}
}

type vllmChatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature *float32  `json:"temperature,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

type vllmChoice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
	Delta        Message `json:"delta"`
}

type vllmChatResponse struct {
	Choices []vllmChoice `json:"choices"`
}

type vllmModelsResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// ChatCompletion performs a synchronous (non-streaming) chat completion.
func (c *Client) ChatCompletion(ctx context.Context, req Request) (Response, error) {
	body := vllmChatRequest{
		Model:       req.ModelOrDefault(),
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      false,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return Response{}, fmt.Errorf("inference: encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return Response{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("inference: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return Response{}, fmt.Errorf("inference: backend returned %d: %s", resp.StatusCode, string(b))
	}

	var vr vllmChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&vr); err != nil {
		return Response{}, fmt.Errorf("inference: decoding response: %w", err)
	}
	if len(vr.Choices) == 0 {
		return Response{}, nil
	}
	return Response{
		Content:      vr.Choices[0].Message.Content,
		FinishReason: vr.Choices[0].FinishReason,
	}, nil
}

// ChatCompletionStream performs a streaming chat completion, invoking
// emit once per produced chunk in backend order. emit is also called
// with a ChunkFinish chunk when the backend reports a finish reason,
// and with a ChunkError chunk for each event that is not valid JSON
// (parsing continues after it); request and read failures are returned
// as errors without emitting a chunk. emit is never called with a
// zero-content text-delta (those are suppressed per the
// streaming-ingestion rule), and ChatCompletionStream itself never
// writes the wire terminator — that is the caller's responsibility
// once this returns.
func (c *Client) ChatCompletionStream(ctx context.Context, req Request, emit func(StreamChunk) error) error {
	body := vllmChatRequest{
		Model:       req.ModelOrDefault(),
		Messages:    req.Messages,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
		Stream:      true,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("inference: encoding request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("inference: request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("inference: backend returned %d: %s", resp.StatusCode, string(b))
	}

	return consumeSSE(resp.Body, emit)
}

// consumeSSE parses `\n\n`-delimited SSE events frame-by-frame from a
// growing buffer, retaining partial frames across reads, per the
// streaming-ingestion design note. Each event's `data:` lines are
// joined; "[DONE]" ends the stream; zero-content deltas are dropped.
func consumeSSE(r io.Reader, emit func(StreamChunk) error) error {
	reader := bufio.NewReader(r)
	var buf bytes.Buffer

	flushEvent := func(event string) (done bool, err error) {
		var data strings.Builder
		for _, line := range strings.Split(event, "\n") {
			line = strings.TrimRight(line, "\r")
			if after, ok := strings.CutPrefix(line, "data:"); ok {
				data.WriteString(strings.TrimPrefix(after, " "))
			}
		}
		payload := data.String()
		if payload == "" {
			return false, nil
		}
		if payload == "[DONE]" {
			return true, nil
		}

		var vr vllmChatResponse
		if jerr := json.Unmarshal([]byte(payload), &vr); jerr != nil {
			return false, emit(StreamChunk{Type: ChunkError, Message: fmt.Sprintf("malformed stream event: %v", jerr)})
		}
		if len(vr.Choices) == 0 {
			return false, nil
		}
		choice := vr.Choices[0]
		if choice.FinishReason != "" {
			return false, emit(StreamChunk{Type: ChunkFinish, FinishReason: choice.FinishReason})
		}
		if choice.Delta.Content == "" {
			return false, nil
		}
		return false, emit(StreamChunk{Type: ChunkTextDelta, Text: choice.Delta.Content})
	}

	chunk := make([]byte, 4096)
	for {
		n, rerr := reader.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			for {
				data := buf.Bytes()
				idx := bytes.Index(data, []byte("\n\n"))
				if idx < 0 {
					break
				}
				event := string(data[:idx])
				buf.Next(idx + 2)
				done, err := flushEvent(event)
				if err != nil {
					return err
				}
				if done {
					return nil
				}
			}
		}
		if rerr == io.EOF {
			if buf.Len() > 0 {
				if _, err := flushEvent(buf.String()); err != nil {
					return err
				}
			}
			return nil
		}
		if rerr != nil {
			return fmt.Errorf("inference: reading stream: %w", rerr)
		}
	}
}

// HealthCheck reports whether the backend answered successfully.
func (c *Client) HealthCheck(ctx context.Context) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return false, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("inference: health check failed: %w", err)
	}
	defer resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}

// ListModels returns the backend's advertised model IDs.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference: listing models failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("inference: listing models failed: %d", resp.StatusCode)
	}
	var mr vllmModelsResponse
	if err := json.NewDecoder(resp.Body).Decode(&mr); err != nil {
		return nil, fmt.Errorf("inference: decoding models response: %w", err)
	}
	ids := make([]string, 0, len(mr.Data))
	for _, m := range mr.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
