package ollama

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/deskchat/internal/core/apperr"
	"github.com/jinford/deskchat/internal/core/chat"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return New(server.URL, WithClientLogger(discardLogger()))
}

func ndjsonWrite(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	payload, err := json.Marshal(v)
	require.NoError(t, err)
	_, err = fmt.Fprintf(w, "%s\n", payload)
	require.NoError(t, err)
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}

func TestStreamChatDeltas(t *testing.T) {
	var captured chatRequest
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/api/chat", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		ndjsonWrite(t, w, map[string]any{"message": map[string]any{"role": "assistant", "thinking": "考え中"}})
		ndjsonWrite(t, w, map[string]any{"message": map[string]any{"role": "assistant", "content": "こんに"}})
		ndjsonWrite(t, w, map[string]any{"message": map[string]any{"role": "assistant", "content": "ちは"}})
		ndjsonWrite(t, w, map[string]any{
			"message":           map[string]any{"role": "assistant"},
			"done":              true,
			"total_duration":    5000000000,
			"prompt_eval_count": 7,
			"eval_count":        42,
		})
	}))

	deltas, err := client.StreamChat(context.Background(), chat.StreamRequest{
		Model:      "llama3",
		Parameters: "8b",
		Messages: []chat.Message{
			{Role: chat.RoleUser, Content: "こんにちは"},
		},
	})
	require.NoError(t, err)

	var got []chat.Delta
	for d := range deltas {
		require.NoError(t, d.Err)
		got = append(got, d)
	}

	require.Len(t, got, 4)
	assert.Equal(t, "考え中", got[0].Reasoning)
	assert.Equal(t, "こんに", got[1].Content)
	assert.Equal(t, "ちは", got[2].Content)
	require.True(t, got[3].Done)
	assert.Equal(t, int64(42), got[3].Stat["eval_count"])
	assert.Equal(t, int64(7), got[3].Stat["prompt_eval_count"])
	assert.Equal(t, int64(5000000000), got[3].Stat["total_duration"])

	assert.Equal(t, "llama3:8b", captured.Model)
	assert.True(t, captured.Stream)
	require.Len(t, captured.Messages, 1)
	assert.Equal(t, chat.RoleUser, captured.Messages[0].Role)
	assert.Equal(t, "こんにちは", captured.Messages[0].Content)
}

func TestStreamChatRuntimeError(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ndjsonWrite(t, w, map[string]any{"message": map[string]any{"role": "assistant", "content": "途中"}})
		ndjsonWrite(t, w, map[string]any{"error": "model requires more system memory"})
	}))

	deltas, err := client.StreamChat(context.Background(), chat.StreamRequest{Model: "llama3"})
	require.NoError(t, err)

	var last chat.Delta
	for d := range deltas {
		last = d
	}
	require.Error(t, last.Err)
	assert.Equal(t, apperr.KindUpstreamFailure, apperr.KindOf(last.Err))
	assert.Contains(t, last.Err.Error(), "model requires more system memory")
}

func TestStreamChatOpenFailure(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"error":"model 'missing' not found"}`)
	}))

	deltas, err := client.StreamChat(context.Background(), chat.StreamRequest{Model: "missing"})
	require.Error(t, err)
	assert.Nil(t, deltas)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestStreamChatTruncatedStream(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ndjsonWrite(t, w, map[string]any{"message": map[string]any{"role": "assistant", "content": "最初"}})
	}))

	deltas, err := client.StreamChat(context.Background(), chat.StreamRequest{Model: "llama3"})
	require.NoError(t, err)

	var last chat.Delta
	for d := range deltas {
		last = d
	}
	require.Error(t, last.Err)
	assert.Equal(t, apperr.KindUpstreamFailure, apperr.KindOf(last.Err))
}

func TestStreamChatCancelMidStream(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ndjsonWrite(t, w, map[string]any{"message": map[string]any{"role": "assistant", "content": "最初"}})
		<-r.Context().Done()
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	deltas, err := client.StreamChat(ctx, chat.StreamRequest{Model: "llama3"})
	require.NoError(t, err)

	first := <-deltas
	require.NoError(t, first.Err)
	assert.Equal(t, "最初", first.Content)

	cancel()

	var last chat.Delta
	for d := range deltas {
		last = d
	}
	require.Error(t, last.Err)
	assert.Equal(t, apperr.KindCanceled, apperr.KindOf(last.Err))
}

func TestListModels(t *testing.T) {
	client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodGet, r.Method)
		require.Equal(t, "/api/tags", r.URL.Path)
		fmt.Fprint(w, `{"models":[
			{"name":"llama3:8b","size":4661224676,"details":{"family":"llama","parameter_size":"8.0B"}},
			{"name":"nomic-embed-text:latest","size":274302450,"details":{"family":"nomic-bert","parameter_size":"137M"}}
		]}`)
	}))

	models, err := client.ListModels(context.Background())
	require.NoError(t, err)
	require.Len(t, models, 2)
	assert.Equal(t, "llama3:8b", models[0].Name)
	assert.Equal(t, int64(4661224676), models[0].Size)
	assert.Equal(t, "llama", models[0].Family)
	assert.Equal(t, "8.0B", models[0].ParameterSize)
	assert.Equal(t, "nomic-embed-text:latest", models[1].Name)
}

func TestDeleteModel(t *testing.T) {
	t.Run("モデルを削除できる", func(t *testing.T) {
		var captured map[string]string
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodDelete, r.Method)
			require.Equal(t, "/api/delete", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			w.WriteHeader(http.StatusOK)
		}))

		err := client.DeleteModel(context.Background(), "llama3:8b")
		require.NoError(t, err)
		assert.Equal(t, "llama3:8b", captured["model"])
	})

	t.Run("未インストールのモデルはnot_found", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
			fmt.Fprint(w, `{"error":"model 'missing' not found"}`)
		}))

		err := client.DeleteModel(context.Background(), "missing")
		require.Error(t, err)
		assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
	})
}

func TestPull(t *testing.T) {
	t.Run("進捗を順に通知して完了する", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/api/pull", r.URL.Path)

			ndjsonWrite(t, w, map[string]any{"status": "pulling manifest"})
			ndjsonWrite(t, w, map[string]any{"status": "pulling sha256:abc", "digest": "sha256:abc", "total": 1000, "completed": 100})
			ndjsonWrite(t, w, map[string]any{"status": "pulling sha256:abc", "digest": "sha256:abc", "total": 1000, "completed": 1000})
			ndjsonWrite(t, w, map[string]any{"status": "verifying sha256 digest"})
			ndjsonWrite(t, w, map[string]any{"status": "success"})
		}))

		var got []PullProgress
		err := client.Pull(context.Background(), "llama3:8b", func(p PullProgress) {
			got = append(got, p)
		})
		require.NoError(t, err)

		require.Len(t, got, 5)
		assert.Equal(t, "pulling manifest", got[0].Status)
		assert.Equal(t, "sha256:abc", got[1].Digest)
		assert.Equal(t, int64(1000), got[1].Total)
		assert.Equal(t, int64(100), got[1].Completed)
		assert.Equal(t, int64(1000), got[2].Completed)
		assert.Equal(t, "success", got[4].Status)
	})

	t.Run("エラー行で失敗する", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ndjsonWrite(t, w, map[string]any{"status": "pulling manifest"})
			ndjsonWrite(t, w, map[string]any{"error": "pull model manifest: file does not exist"})
		}))

		calls := 0
		err := client.Pull(context.Background(), "missing", func(PullProgress) { calls++ })
		require.Error(t, err)
		assert.Equal(t, apperr.KindUpstreamFailure, apperr.KindOf(err))
		assert.Contains(t, err.Error(), "file does not exist")
		assert.Equal(t, 1, calls)
	})

	t.Run("successの前に切断されたら失敗する", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ndjsonWrite(t, w, map[string]any{"status": "pulling manifest"})
			ndjsonWrite(t, w, map[string]any{"status": "pulling sha256:abc", "digest": "sha256:abc", "total": 1000, "completed": 100})
		}))

		err := client.Pull(context.Background(), "llama3:8b", nil)
		require.Error(t, err)
		assert.Equal(t, apperr.KindUpstreamFailure, apperr.KindOf(err))
	})
}

func TestEmbed(t *testing.T) {
	t.Run("埋め込みを計算できる", func(t *testing.T) {
		var captured embedRequest
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, http.MethodPost, r.Method)
			require.Equal(t, "/api/embed", r.URL.Path)
			require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
			fmt.Fprint(w, `{"embeddings":[[0.1,0.2],[0.3,0.4]]}`)
		}))

		vecs, err := client.Embed(context.Background(), "nomic-embed-text", []string{"第一段落", "第二段落"})
		require.NoError(t, err)
		require.Len(t, vecs, 2)
		assert.InDelta(t, 0.1, vecs[0][0], 1e-6)
		assert.InDelta(t, 0.4, vecs[1][1], 1e-6)
		assert.Equal(t, "nomic-embed-text", captured.Model)
		assert.Equal(t, []string{"第一段落", "第二段落"}, captured.Input)
	})

	t.Run("入力が空ならリクエストしない", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			t.Error("リクエストされないはず")
		}))

		_, err := client.Embed(context.Background(), "nomic-embed-text", nil)
		require.Error(t, err)
		assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))
	})

	t.Run("件数が一致しなければエラー", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			fmt.Fprint(w, `{"embeddings":[[0.1,0.2]]}`)
		}))

		_, err := client.Embed(context.Background(), "nomic-embed-text", []string{"a", "b"})
		require.Error(t, err)
		assert.Equal(t, apperr.KindUpstreamFailure, apperr.KindOf(err))
	})
}

func TestVersionAndProbe(t *testing.T) {
	t.Run("バージョンを取得できる", func(t *testing.T) {
		client := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			require.Equal(t, "/api/version", r.URL.Path)
			fmt.Fprint(w, `{"version":"0.5.7"}`)
		}))

		version, err := client.Version(context.Background())
		require.NoError(t, err)
		assert.Equal(t, "0.5.7", version)
		require.NoError(t, client.Probe(context.Background()))
	})

	t.Run("到達できなければエラー", func(t *testing.T) {
		server := httptest.NewServer(http.NotFoundHandler())
		server.Close()

		client := New(server.URL, WithClientLogger(discardLogger()))
		err := client.Probe(context.Background())
		require.Error(t, err)
		assert.Equal(t, apperr.KindUpstreamFailure, apperr.KindOf(err))
	})
}

func TestModelTag(t *testing.T) {
	tests := []struct {
		name       string
		model      string
		parameters string
		want       string
	}{
		{name: "パラメータタグを付与する", model: "llama3", parameters: "8b", want: "llama3:8b"},
		{name: "タグ済みの名前はそのまま", model: "llama3:8b", parameters: "8b", want: "llama3:8b"},
		{name: "パラメータなしはそのまま", model: "llama3", parameters: "", want: "llama3"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, modelTag(tt.model, tt.parameters))
		})
	}
}
