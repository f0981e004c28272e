// Package container はデーモンの全コンポーネントを組み立てるDIコンテナ。
// ポートはコアパッケージ側が宣言し、アダプタの束ね込みはここで行う。
package container

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jinford/deskchat/internal/core/chat"
	"github.com/jinford/deskchat/internal/core/manager"
	"github.com/jinford/deskchat/internal/core/objstore"
	"github.com/jinford/deskchat/internal/core/rag"
	"github.com/jinford/deskchat/internal/core/rag/chunk"
	"github.com/jinford/deskchat/internal/core/share"
	"github.com/jinford/deskchat/internal/core/supplier"
	"github.com/jinford/deskchat/internal/core/vecindex"
	"github.com/jinford/deskchat/internal/infra/ollama"
	"github.com/jinford/deskchat/internal/infra/websearch"
	"github.com/jinford/deskchat/internal/interface/httpapi"
	"github.com/jinford/deskchat/internal/platform/i18n"
	"github.com/jinford/deskchat/pkg/config"
)

// ServiceContainer はデーモンのサービス群と背景ワーカーの寿命を管理する。
type ServiceContainer struct {
	API      *httpapi.API
	Store    *objstore.Store
	Catalog  *i18n.Catalog
	Registry *supplier.Registry
	Chats    *chat.Store
	Engine   *chat.Engine
	RAG      *rag.Service
	Manager  *manager.Service
	Shares   *share.Service

	logger     *slog.Logger
	supervisor *manager.Supervisor

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type containerOptions struct {
	logger    *slog.Logger
	streamers chat.StreamerResolver
	embedders rag.EmbedderFactory
	prober    supplier.ConfigProber
	runtime   manager.Runtime
	searcher  chat.Searcher
	notifier  manager.Notifier
}

// ContainerOption は ServiceContainer 構築時のオプション
type ContainerOption func(*containerOptions)

// WithContainerLogger はロガーを差し替える
func WithContainerLogger(logger *slog.Logger) ContainerOption {
	return func(opts *containerOptions) {
		opts.logger = logger
	}
}

// WithContainerStreamers は上流ストリーマの解決を差し替える。テスト用。
func WithContainerStreamers(streamers chat.StreamerResolver) ContainerOption {
	return func(opts *containerOptions) {
		opts.streamers = streamers
	}
}

// WithContainerEmbedders は埋め込みクライアントの解決を差し替える。テスト用。
func WithContainerEmbedders(embedders rag.EmbedderFactory) ContainerOption {
	return func(opts *containerOptions) {
		opts.embedders = embedders
	}
}

// WithContainerProber はサプライヤ疎通確認を差し替える。テスト用。
func WithContainerProber(prober supplier.ConfigProber) ContainerOption {
	return func(opts *containerOptions) {
		opts.prober = prober
	}
}

// WithContainerRuntime はローカルランタイムクライアントを差し替える。テスト用。
func WithContainerRuntime(runtime manager.Runtime) ContainerOption {
	return func(opts *containerOptions) {
		opts.runtime = runtime
	}
}

// WithContainerSearcher はWeb検索コラボレータを差し替える。テスト用。
func WithContainerSearcher(searcher chat.Searcher) ContainerOption {
	return func(opts *containerOptions) {
		opts.searcher = searcher
	}
}

// WithContainerNotifier はホストOSへの警告表示先を設定する。
func WithContainerNotifier(notifier manager.Notifier) ContainerOption {
	return func(opts *containerOptions) {
		opts.notifier = notifier
	}
}

// New は設定からコンテナを組み立てる。背景ワーカーは Start で起動する。
func New(ctx context.Context, version string, cfg *config.Config, opts ...ContainerOption) (*ServiceContainer, error) {
	options := containerOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	logger := options.logger

	store, err := objstore.New(cfg.DataRoot)
	if err != nil {
		return nil, fmt.Errorf("オブジェクトストアの初期化に失敗しました: %w", err)
	}

	catalog, err := i18n.New(cfg.Locale.Language)
	if err != nil {
		return nil, fmt.Errorf("ロケールカタログの初期化に失敗しました: %w", err)
	}

	vectors := vecindex.NewStore(store, vecindex.WithStoreLogger(logger))
	if err := vectors.Normalize(); err != nil {
		return nil, fmt.Errorf("ベクトルインデックスの正規化に失敗しました: %w", err)
	}

	upstreamTimeout := time.Duration(cfg.Upstream.TimeoutSeconds) * time.Second
	runtimeClient := ollama.New(cfg.Runtime.Addr,
		ollama.WithClientLogger(logger),
		ollama.WithHeaderTimeout(upstreamTimeout),
	)

	// サプライヤごとの上流クライアントを1つのプールで賄う。
	// ローカルサプライヤはランタイムクライアントへ、それ以外は
	// OpenAI互換クライアントへ解決される。
	pool := newClientPool(runtimeClient, upstreamTimeout, logger)

	var (
		streamers chat.StreamerResolver = pool
		embedders rag.EmbedderFactory   = pool
		prober    supplier.ConfigProber = pool
	)
	if options.streamers != nil {
		streamers = options.streamers
	}
	if options.embedders != nil {
		embedders = options.embedders
	}
	if options.prober != nil {
		prober = options.prober
	}

	registry := supplier.NewRegistry(store,
		supplier.WithRegistryLogger(logger),
		supplier.WithRegistryProber(prober),
	)
	if err := registry.EnsureLocal(ctx, runtimeClient.BaseURL()); err != nil {
		return nil, fmt.Errorf("ローカルサプライヤの初期化に失敗しました: %w", err)
	}

	counter, err := newTokenCounter()
	if err != nil {
		return nil, fmt.Errorf("トークンカウンタの初期化に失敗しました: %w", err)
	}
	chunker := chunk.NewDefaultChunker(counter, cfg.RAG.ChunkMaxTokens)

	rags := rag.NewService(store, vectors, chunker, registry, embedders,
		rag.WithServiceLogger(logger),
		rag.WithTopK(cfg.RAG.TopK),
		rag.WithGlobalLimit(cfg.RAG.GlobalLimit),
		rag.WithEmbedBatchSize(cfg.RAG.EmbeddingBatchSize),
	)

	chats := chat.NewStore(store, chat.WithChatStoreLogger(logger))
	engineOpts := []chat.EngineOption{
		chat.WithEngineLogger(logger),
		chat.WithRetriever(&retrieverAdapter{rags: rags}),
	}
	switch {
	case options.searcher != nil:
		engineOpts = append(engineOpts, chat.WithSearcher(options.searcher))
	case cfg.Search.Endpoint != "":
		engineOpts = append(engineOpts, chat.WithSearcher(
			websearch.New(cfg.Search.Endpoint, websearch.WithClientLogger(logger)),
		))
	}
	engine := chat.NewEngine(chats, registry, streamers, catalog, engineOpts...)

	shares := share.NewService(store, chats, share.WithShareLogger(logger))

	runtime := options.runtime
	if runtime == nil {
		runtime = &runtimeAdapter{client: runtimeClient}
	}
	mgr := manager.NewService(store, registry, runtime,
		manager.WithManagerLogger(logger),
		manager.WithMirrors(cfg.Runtime.Mirrors),
		manager.WithRuntimeDir(cfg.Runtime.Dir),
	)

	var supervisor *manager.Supervisor
	if cfg.Runtime.Managed {
		supOpts := []manager.SupervisorOption{manager.WithSupervisorLogger(logger)}
		if options.notifier != nil {
			supOpts = append(supOpts, manager.WithNotifier(options.notifier))
		}
		supervisor = manager.NewSupervisor(cfg.Runtime.Dir, cfg.Runtime.Addr, runtime, catalog, supOpts...)
	}

	api := httpapi.New(version, httpapi.Services{
		Engine:   engine,
		Chats:    chats,
		Registry: registry,
		RAG:      rags,
		Manager:  mgr,
		Shares:   shares,
		Catalog:  catalog,
	}, httpapi.WithAPILogger(logger))

	return &ServiceContainer{
		API:        api,
		Store:      store,
		Catalog:    catalog,
		Registry:   registry,
		Chats:      chats,
		Engine:     engine,
		RAG:        rags,
		Manager:    mgr,
		Shares:     shares,
		logger:     logger,
		supervisor: supervisor,
	}, nil
}

// Start は管理ランタイムと背景ワーカーを起動する。
// ランタイムの起動失敗は致命傷にしない。インストール前の初回起動では
// バイナリがまだ無いのが正常なため。
func (c *ServiceContainer) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)

	if c.supervisor != nil {
		if err := c.supervisor.Start(ctx); err != nil {
			c.logger.Warn("ランタイムの起動に失敗しました", slog.String("error", err.Error()))
		}
	}

	// 起動時にインストール済みモデルをレジストリへ同期しておく
	if _, err := c.Manager.ListInstalled(ctx); err != nil {
		c.logger.Warn("インストール済みモデルの同期に失敗しました", slog.String("error", err.Error()))
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.RAG.Run(ctx)
	}()
}

// Stop は背景ワーカーを止め、管理ランタイムを回収する。
func (c *ServiceContainer) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
	if c.supervisor != nil {
		c.supervisor.Stop()
	}
}

// Logger はロガーを返す。
func (c *ServiceContainer) Logger() *slog.Logger {
	if c == nil || c.logger == nil {
		return slog.Default()
	}
	return c.logger
}
