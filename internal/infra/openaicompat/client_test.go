package openaicompat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/deskchat/internal/core/apperr"
	"github.com/jinford/deskchat/internal/core/chat"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func sseWrite(t *testing.T, w http.ResponseWriter, payload string) {
	t.Helper()
	_, err := fmt.Fprintf(w, "data: %s\n\n", payload)
	require.NoError(t, err)
	w.(http.Flusher).Flush()
}

type capturedChatRequest struct {
	Model    string `json:"model"`
	Stream   bool   `json:"stream"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
	StreamOptions struct {
		IncludeUsage bool `json:"include_usage"`
	} `json:"stream_options"`
}

func TestStreamChatDeltas(t *testing.T) {
	var mu sync.Mutex
	var captured capturedChatRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
		mu.Lock()
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(t, w, `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m1","choices":[{"index":0,"delta":{"role":"assistant","reasoning_content":"考え中"},"finish_reason":null}]}`)
		sseWrite(t, w, `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m1","choices":[{"index":0,"delta":{"content":"Hel"},"finish_reason":null}]}`)
		sseWrite(t, w, `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m1","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`)
		sseWrite(t, w, `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m1","choices":[],"usage":{"prompt_tokens":3,"completion_tokens":5,"total_tokens":8}}`)
		sseWrite(t, w, "[DONE]")
	}))
	defer server.Close()

	client := New(server.URL, "test-key", WithClientLogger(discardLogger()))
	ch, err := client.StreamChat(context.Background(), chat.StreamRequest{
		Model: "m1",
		Messages: []chat.Message{
			{Role: chat.RoleUser, Content: "こんにちは"},
			{Role: chat.RoleAssistant, Content: "はい"},
			{Role: chat.RoleUser, Content: "続けて"},
		},
	})
	require.NoError(t, err)

	var deltas []chat.Delta
	for d := range ch {
		require.NoError(t, d.Err)
		deltas = append(deltas, d)
	}

	require.Len(t, deltas, 4)
	assert.Equal(t, "考え中", deltas[0].Reasoning)
	assert.Equal(t, "Hel", deltas[1].Content)
	assert.Equal(t, "lo", deltas[2].Content)
	assert.True(t, deltas[3].Done)
	assert.Equal(t, int64(8), deltas[3].Stat["total_tokens"])
	assert.Equal(t, int64(3), deltas[3].Stat["prompt_tokens"])

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "m1", captured.Model)
	assert.True(t, captured.Stream)
	assert.True(t, captured.StreamOptions.IncludeUsage)
	require.Len(t, captured.Messages, 3)
	assert.Equal(t, "user", captured.Messages[0].Role)
	assert.Equal(t, "assistant", captured.Messages[1].Role)
	assert.Equal(t, "続けて", captured.Messages[2].Content)
}

func TestStreamChatOpenFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"message":"boom","type":"server_error"}}`))
	}))
	defer server.Close()

	client := New(server.URL, "test-key", WithClientLogger(discardLogger()))
	_, err := client.StreamChat(context.Background(), chat.StreamRequest{
		Model:    "m1",
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "q"}},
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstreamFailure, apperr.KindOf(err))
}

func TestStreamChatCancelMidStream(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		sseWrite(t, w, `{"id":"c1","object":"chat.completion.chunk","created":1,"model":"m1","choices":[{"index":0,"delta":{"content":"Hel"},"finish_reason":null}]}`)
		<-r.Context().Done()
	}))
	defer server.Close()

	ctx, cancel := context.WithCancel(context.Background())
	client := New(server.URL, "test-key", WithClientLogger(discardLogger()))
	ch, err := client.StreamChat(ctx, chat.StreamRequest{
		Model:    "m1",
		Messages: []chat.Message{{Role: chat.RoleUser, Content: "q"}},
	})
	require.NoError(t, err)

	first := <-ch
	require.Equal(t, "Hel", first.Content)

	cancel()
	var last chat.Delta
	for d := range ch {
		last = d
	}
	require.Error(t, last.Err)
	assert.Equal(t, apperr.KindCanceled, apperr.KindOf(last.Err))
}

func TestEmbedRetriesRateLimit(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.True(t, strings.HasSuffix(r.URL.Path, "/embeddings"))
		calls++
		if calls == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"emb","data":[` +
			`{"object":"embedding","index":1,"embedding":[0.3,0.4]},` +
			`{"object":"embedding","index":0,"embedding":[0.1,0.2]}],` +
			`"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	}))
	defer server.Close()

	client := New(server.URL, "test-key", WithClientLogger(discardLogger()))
	client.embedBackoff = time.Millisecond

	vectors, err := client.Embed(context.Background(), "emb", []string{"一つ目", "二つ目"})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)

	// index に従って並び戻される
	require.Len(t, vectors, 2)
	assert.Equal(t, []float32{0.1, 0.2}, vectors[0])
	assert.Equal(t, []float32{0.3, 0.4}, vectors[1])
}

func TestEmbedCountMismatch(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","model":"emb","data":[` +
			`{"object":"embedding","index":0,"embedding":[0.1]}],` +
			`"usage":{"prompt_tokens":2,"total_tokens":2}}`))
	}))
	defer server.Close()

	client := New(server.URL, "test-key", WithClientLogger(discardLogger()))
	_, err := client.Embed(context.Background(), "emb", []string{"a", "b"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUpstreamFailure, apperr.KindOf(err))
}

func TestProbe(t *testing.T) {
	t.Run("モデル一覧が取れれば成功", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.True(t, strings.HasSuffix(r.URL.Path, "/models"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"object":"list","data":[]}`))
		}))
		defer server.Close()

		client := New(server.URL, "test-key", WithClientLogger(discardLogger()))
		assert.NoError(t, client.Probe(context.Background(), "m1"))
	})

	t.Run("モデル一覧が404なら最小のチャット補完で確認する", func(t *testing.T) {
		var chatCalled bool
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/models") {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			require.True(t, strings.HasSuffix(r.URL.Path, "/chat/completions"))
			chatCalled = true
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"id":"c1","object":"chat.completion","created":1,"model":"m1",` +
				`"choices":[{"index":0,"message":{"role":"assistant","content":"pong"},"finish_reason":"stop"}],` +
				`"usage":{"prompt_tokens":1,"completion_tokens":1,"total_tokens":2}}`))
		}))
		defer server.Close()

		client := New(server.URL, "test-key", WithClientLogger(discardLogger()))
		assert.NoError(t, client.Probe(context.Background(), "m1"))
		assert.True(t, chatCalled)
	})

	t.Run("失敗理由は上流のメッセージを含む", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if strings.HasSuffix(r.URL.Path, "/models") {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":{"message":"invalid api key","type":"auth_error"}}`))
		}))
		defer server.Close()

		client := New(server.URL, "bad-key", WithClientLogger(discardLogger()))
		err := client.Probe(context.Background(), "m1")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid api key")
	})
}
