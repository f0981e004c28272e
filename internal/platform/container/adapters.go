package container

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/pkoukk/tiktoken-go"

	"github.com/jinford/deskchat/internal/core/chat"
	"github.com/jinford/deskchat/internal/core/manager"
	"github.com/jinford/deskchat/internal/core/rag"
	"github.com/jinford/deskchat/internal/core/supplier"
	"github.com/jinford/deskchat/internal/infra/ollama"
	"github.com/jinford/deskchat/internal/infra/openaicompat"
)

// clientPool はサプライヤごとの上流クライアントを生成・キャッシュする。
// chat.StreamerResolver / rag.EmbedderFactory / supplier.ConfigProber を
// 1つの実装で兼ねる。
type clientPool struct {
	local   *ollama.Client
	timeout time.Duration
	logger  *slog.Logger

	mu      sync.Mutex
	clients map[string]*openaicompat.Client
}

var (
	_ chat.StreamerResolver = (*clientPool)(nil)
	_ rag.EmbedderFactory   = (*clientPool)(nil)
	_ supplier.ConfigProber = (*clientPool)(nil)
)

func newClientPool(local *ollama.Client, timeout time.Duration, logger *slog.Logger) *clientPool {
	return &clientPool{
		local:   local,
		timeout: timeout,
		logger:  logger,
		clients: make(map[string]*openaicompat.Client),
	}
}

// compatClient はサードパーティサプライヤのクライアントを返す。
// ベースURLかAPIキーが変わると作り直す。
func (p *clientPool) compatClient(sup *supplier.Supplier) *openaicompat.Client {
	key := strings.Join([]string{sup.Name, sup.BaseURL, sup.APIKey}, "|")

	p.mu.Lock()
	defer p.mu.Unlock()
	if client, ok := p.clients[key]; ok {
		return client
	}
	client := openaicompat.New(sup.BaseURL, sup.APIKey,
		openaicompat.WithClientLogger(p.logger),
		openaicompat.WithHeaderTimeout(p.timeout),
	)
	p.clients[key] = client
	return client
}

func (p *clientPool) StreamerFor(sup *supplier.Supplier) (chat.Streamer, error) {
	if sup.IsLocal {
		return p.local, nil
	}
	return p.compatClient(sup), nil
}

func (p *clientPool) EmbedderFor(sup *supplier.Supplier) (rag.Embedder, error) {
	if sup.IsLocal {
		return p.local, nil
	}
	return p.compatClient(sup), nil
}

// Probe はサプライヤ設定の疎通確認を行う。
// サードパーティはモデル一覧が提供されない実装もあるため、
// フォールバック用に最初の有効なチャットモデルを渡す。
func (p *clientPool) Probe(ctx context.Context, sup *supplier.Supplier) error {
	if sup.IsLocal {
		return p.local.Probe(ctx)
	}

	fallback := ""
	for i := range sup.Models {
		m := &sup.Models[i]
		if m.Enabled && m.HasCapability(supplier.CapabilityChat) {
			fallback = m.Name
			break
		}
	}
	return p.compatClient(sup).Probe(ctx, fallback)
}

// retrieverAdapter はナレッジベース検索の結果をチャット側の断片へ写像する。
type retrieverAdapter struct {
	rags *rag.Service
}

var _ chat.Retriever = (*retrieverAdapter)(nil)

func (a *retrieverAdapter) Retrieve(ctx context.Context, bases []string, query string) ([]chat.Snippet, error) {
	snippets, err := a.rags.Retrieve(ctx, bases, query)
	if err != nil {
		return nil, err
	}

	out := make([]chat.Snippet, 0, len(snippets))
	for _, s := range snippets {
		source := s.FileName
		if source == "" {
			source = s.Base
		}
		out = append(out, chat.Snippet{
			Source: source,
			Text:   s.Text,
			Score:  s.Score,
		})
	}
	return out, nil
}

// runtimeAdapter はランタイムのネイティブAPIクライアントを
// manager.Runtime ポートへ適合させる。
type runtimeAdapter struct {
	client *ollama.Client
}

var _ manager.Runtime = (*runtimeAdapter)(nil)

func (a *runtimeAdapter) Version(ctx context.Context) (string, error) {
	return a.client.Version(ctx)
}

func (a *runtimeAdapter) ListModels(ctx context.Context) ([]manager.RuntimeModel, error) {
	infos, err := a.client.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	models := make([]manager.RuntimeModel, 0, len(infos))
	for _, info := range infos {
		models = append(models, manager.RuntimeModel{
			Name:          info.Name,
			Size:          info.Size,
			ParameterSize: info.ParameterSize,
		})
	}
	return models, nil
}

func (a *runtimeAdapter) Pull(ctx context.Context, model string, progress func(manager.PullProgress)) error {
	return a.client.Pull(ctx, model, func(p ollama.PullProgress) {
		progress(manager.PullProgress{
			Status:    p.Status,
			Digest:    p.Digest,
			Total:     p.Total,
			Completed: p.Completed,
		})
	})
}

func (a *runtimeAdapter) DeleteModel(ctx context.Context, model string) error {
	return a.client.DeleteModel(ctx, model)
}

// tokenCounter は tiktoken を利用したチャンカー用の実装。
type tokenCounter struct {
	encoding *tiktoken.Tiktoken
}

func newTokenCounter() (*tokenCounter, error) {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, fmt.Errorf("failed to load tiktoken encoding: %w", err)
	}
	return &tokenCounter{encoding: enc}, nil
}

func (t *tokenCounter) CountTokens(text string) int {
	if t.encoding == nil {
		return 0
	}
	return len(t.encoding.Encode(text, nil, nil))
}
