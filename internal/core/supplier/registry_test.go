package supplier

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/deskchat/internal/core/apperr"
	"github.com/jinford/deskchat/internal/core/objstore"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := objstore.New(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRegistry(store, WithRegistryLogger(logger))
}

func TestAddListRemoveRoundTrip(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	before, err := registry.List(ctx)
	require.NoError(t, err)
	require.Empty(t, before)

	added, err := registry.Add(ctx, &Supplier{
		Name:    "deepseek",
		Title:   "DeepSeek",
		BaseURL: "https://api.deepseek.com/v1",
		APIKey:  "sk-test",
		Enabled: true,
	})
	require.NoError(t, err)
	assert.Equal(t, "deepseek", added.Name)

	listed, err := registry.List(ctx)
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.Equal(t, "deepseek", listed[0].Name)

	require.NoError(t, registry.Remove(ctx, "deepseek"))

	after, err := registry.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, after)
}

func TestAddGeneratesRandomName(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	added, err := registry.Add(ctx, &Supplier{
		Title:   "Unnamed",
		BaseURL: "https://example.com/v1",
		Enabled: true,
	})
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^[A-Za-z0-9]{10}$`), added.Name)
}

func TestAddRejectsDuplicateAndInvalidNames(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	_, err := registry.Add(ctx, &Supplier{Name: "mistral", Enabled: true})
	require.NoError(t, err)

	_, err = registry.Add(ctx, &Supplier{Name: "mistral", Enabled: true})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	_, err = registry.Add(ctx, &Supplier{Name: "../escape", Enabled: true})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))
}

func TestLocalSupplierIsSingletonAndProtected(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	require.NoError(t, registry.EnsureLocal(ctx, "http://127.0.0.1:11434"))

	// 2つ目のローカルサプライヤは登録できない
	_, err := registry.Add(ctx, &Supplier{Name: "local2", IsLocal: true, Enabled: true})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	// ローカルサプライヤは削除できない
	err = registry.Remove(ctx, LocalName)
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	// EnsureLocal は冪等で、URL変更には追従する
	require.NoError(t, registry.EnsureLocal(ctx, "http://127.0.0.1:11434"))
	require.NoError(t, registry.EnsureLocal(ctx, "http://127.0.0.1:21434"))
	local, err := registry.GetConfig(ctx, LocalName)
	require.NoError(t, err)
	assert.Equal(t, "http://127.0.0.1:21434", local.BaseURL)
}

func TestModelOperations(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	_, err := registry.Add(ctx, &Supplier{Name: "openrouter", Enabled: true})
	require.NoError(t, err)

	require.NoError(t, registry.AddModel(ctx, "openrouter", Model{
		Name:         "qwen3:8b",
		Parameters:   "8b",
		Capabilities: []string{CapabilityChat},
		Enabled:      true,
	}))

	// 同名モデルの二重登録は conflict
	err = registry.AddModel(ctx, "openrouter", Model{Name: "qwen3:8b", Parameters: "8b", Enabled: true})
	require.Error(t, err)
	assert.Equal(t, apperr.KindConflict, apperr.KindOf(err))

	require.NoError(t, registry.SetModelTitle(ctx, "openrouter", "qwen3:8b", "Qwen3 8B"))
	require.NoError(t, registry.SetModelStatus(ctx, "openrouter", "qwen3:8b", false))

	models, err := registry.ListModels(ctx, "openrouter")
	require.NoError(t, err)
	require.Len(t, models, 1)
	assert.Equal(t, "Qwen3 8B", models[0].Title)
	assert.False(t, models[0].Enabled)

	require.NoError(t, registry.RemoveModel(ctx, "openrouter", "qwen3:8b", "8b"))
	models, err = registry.ListModels(ctx, "openrouter")
	require.NoError(t, err)
	assert.Empty(t, models)
}

func TestListEmbeddingModelsAcrossSuppliers(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	_, err := registry.Add(ctx, &Supplier{Name: "sup1", Enabled: true, Models: []Model{
		{Name: "text-embedding-3-small", Capabilities: []string{CapabilityEmbedding}, Enabled: true},
		{Name: "gpt-4o-mini", Capabilities: []string{CapabilityChat}, Enabled: true},
	}})
	require.NoError(t, err)

	_, err = registry.Add(ctx, &Supplier{Name: "sup2", Enabled: false, Models: []Model{
		{Name: "bge-m3", Capabilities: []string{CapabilityEmbedding}, Enabled: true},
	}})
	require.NoError(t, err)

	refs, err := registry.ListEmbeddingModels(ctx)
	require.NoError(t, err)

	// 無効サプライヤのモデルは含まれない
	require.Len(t, refs, 1)
	assert.Equal(t, EmbeddingModelRef{Supplier: "sup1", Model: "text-embedding-3-small"}, refs[0])
}

func TestResolveChatModel(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	_, err := registry.Add(ctx, &Supplier{Name: "sup1", Enabled: true, Models: []Model{
		{Name: "chat-a", Capabilities: []string{CapabilityChat}, Enabled: true},
		{Name: "chat-off", Capabilities: []string{CapabilityChat}, Enabled: false},
		{Name: "embed-only", Capabilities: []string{CapabilityEmbedding}, Enabled: true},
		{Name: "llama3", Parameters: "8b", Capabilities: []string{CapabilityChat}, Enabled: true},
		{Name: "llama3", Parameters: "70b", Capabilities: []string{CapabilityChat}, Enabled: true},
	}})
	require.NoError(t, err)

	tests := []struct {
		name       string
		supplier   string
		model      string
		parameters string
		wantKind   apperr.Kind
		wantParams string
	}{
		{
			name:     "有効なサプライヤとモデルは解決できる",
			supplier: "sup1",
			model:    "chat-a",
		},
		{
			name:       "同名モデルはパラメータタグで区別される",
			supplier:   "sup1",
			model:      "llama3",
			parameters: "70b",
			wantParams: "70b",
		},
		{
			name:       "存在しないパラメータタグは not_found",
			supplier:   "sup1",
			model:      "llama3",
			parameters: "405b",
			wantKind:   apperr.KindNotFound,
		},
		{
			name:     "未登録サプライヤは invalid_request",
			supplier: "ghost",
			model:    "chat-a",
			wantKind: apperr.KindInvalidRequest,
		},
		{
			name:     "未知のモデルは not_found",
			supplier: "sup1",
			model:    "nope",
			wantKind: apperr.KindNotFound,
		},
		{
			name:     "無効化されたモデルは conflict",
			supplier: "sup1",
			model:    "chat-off",
			wantKind: apperr.KindConflict,
		},
		{
			name:     "チャット非対応モデルは invalid_request",
			supplier: "sup1",
			model:    "embed-only",
			wantKind: apperr.KindInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sup, m, err := registry.ResolveChatModel(ctx, tt.supplier, tt.model, tt.parameters)
			if tt.wantKind != "" {
				require.Error(t, err)
				assert.Equal(t, tt.wantKind, apperr.KindOf(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.supplier, sup.Name)
			assert.Equal(t, tt.model, m.Name)
			assert.Equal(t, tt.wantParams, m.Parameters)
		})
	}
}

func TestSyncLocalModelsKeepsUserState(t *testing.T) {
	ctx := context.Background()
	registry := newTestRegistry(t)

	require.NoError(t, registry.EnsureLocal(ctx, "http://127.0.0.1:11434"))
	require.NoError(t, registry.SyncLocalModels(ctx, []Model{
		{Name: "llama3:8b", Parameters: "8b", Capabilities: []string{CapabilityChat}, Enabled: true},
	}))
	require.NoError(t, registry.SetModelTitle(ctx, LocalName, "llama3:8b", "Llama 3"))
	require.NoError(t, registry.SetModelStatus(ctx, LocalName, "llama3:8b", false))

	// ランタイム側の再同期後もユーザー設定は残る
	require.NoError(t, registry.SyncLocalModels(ctx, []Model{
		{Name: "llama3:8b", Parameters: "8b", Capabilities: []string{CapabilityChat}, Enabled: true},
		{Name: "qwen3:4b", Parameters: "4b", Capabilities: []string{CapabilityChat}, Enabled: true},
	}))

	models, err := registry.ListModels(ctx, LocalName)
	require.NoError(t, err)
	require.Len(t, models, 2)

	var llama *Model
	for i := range models {
		if models[i].Name == "llama3:8b" {
			llama = &models[i]
		}
	}
	require.NotNil(t, llama)
	assert.Equal(t, "Llama 3", llama.Title)
	assert.False(t, llama.Enabled)
}

type stubProber struct {
	err error
}

func (p *stubProber) Probe(ctx context.Context, sup *Supplier) error {
	return p.err
}

func TestCheckConfig(t *testing.T) {
	ctx := context.Background()
	store, err := objstore.New(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	prober := &stubProber{}
	registry := NewRegistry(store, WithRegistryLogger(logger), WithRegistryProber(prober))

	_, err = registry.Add(ctx, &Supplier{Name: "sup1", Enabled: true})
	require.NoError(t, err)

	reason, err := registry.CheckConfig(ctx, "sup1")
	require.NoError(t, err)
	assert.Empty(t, reason)

	prober.err = errors.New("401 unauthorized: invalid api key")
	reason, err = registry.CheckConfig(ctx, "sup1")
	require.NoError(t, err)
	assert.Equal(t, "401 unauthorized: invalid api key", reason)

	_, err = registry.CheckConfig(ctx, "ghost")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}
