package inference

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatCompletionNonStreaming(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"hi there"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	resp, err := client.ChatCompletion(context.Background(), Request{Messages: []Message{{Role: "user", Content: "hi"}}})
	require.NoError(t, err)
	assert.Equal(t, "hi there", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
}

func TestChatCompletionBackendError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	_, err := client.ChatCompletion(context.Background(), Request{})
	assert.Error(t, err)
}

func TestChatCompletionStreamEmitsDeltasFinishAndSuppressesEmpty(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		flusher, _ := w.(http.Flusher)
		events := []string{
			`data: {"choices":[{"delta":{"content":"Hel"}}]}` + "\n\n",
			`data: {"choices":[{"delta":{"content":""}}]}` + "\n\n", // suppressed
			`data: {"choices":[{"delta":{"content":"lo"}}]}` + "\n\n",
			`data: {"choices":[{"delta":{},"finish_reason":"stop"}]}` + "\n\n",
			`data: [DONE]` + "\n\n",
		}
		for _, e := range events {
			_, _ = w.Write([]byte(e))
			if flusher != nil {
				flusher.Flush()
			}
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	var chunks []StreamChunk
	err := client.ChatCompletionStream(context.Background(), Request{Stream: true}, func(c StreamChunk) error {
		chunks = append(chunks, c)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, chunks, 3)
	assert.Equal(t, ChunkTextDelta, chunks[0].Type)
	assert.Equal(t, "Hel", chunks[0].Text)
	assert.Equal(t, ChunkTextDelta, chunks[1].Type)
	assert.Equal(t, "lo", chunks[1].Text)
	assert.Equal(t, ChunkFinish, chunks[2].Type)
	assert.Equal(t, "stop", chunks[2].FinishReason)
}

func TestModelOrDefault(t *testing.T) {
	assert.Equal(t, "default", Request{}.ModelOrDefault())
	assert.Equal(t, "llama", Request{Model: "llama"}.ModelOrDefault())
}

func TestHealthCheck(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/health", r.URL.Path)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	ok, err := client.HealthCheck(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestListModels(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"data":[{"id":"llama-70b"},{"id":"qwen-72b"}]}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL)
	ids, err := client.ListModels(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"llama-70b", "qwen-72b"}, ids)
}
