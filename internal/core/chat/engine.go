package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/deskchat/internal/core/apperr"
	"github.com/jinford/deskchat/internal/core/supplier"
	"github.com/jinford/deskchat/internal/platform/i18n"
)

// Delta は上流ストリームから届く1単位の増分。
// Done か Err のいずれかを持つデルタが最後の1件になる。
type Delta struct {
	Content   string
	Reasoning string
	Stat      map[string]any
	Done      bool
	Err       error
}

// StreamRequest は上流へのストリーミングチャット要求
type StreamRequest struct {
	Supplier   *supplier.Supplier
	Model      string
	Parameters string
	Messages   []Message
}

// Streamer は上流エンドポイントへのストリーミング呼び出しを開くポート。
// 返すチャネルは Done または Err を送った後に必ず閉じること。
type Streamer interface {
	StreamChat(ctx context.Context, req StreamRequest) (<-chan Delta, error)
}

// StreamerResolver はサプライヤに応じたストリーマを選ぶ
type StreamerResolver interface {
	StreamerFor(sup *supplier.Supplier) (Streamer, error)
}

// Searcher はWeb検索コラボレータ
type Searcher interface {
	Search(ctx context.Context, query, searchType string) ([]SearchResult, error)
}

// Retriever はナレッジベース検索コラボレータ
type Retriever interface {
	Retrieve(ctx context.Context, bases []string, query string) ([]Snippet, error)
}

// SendParams はチャット送信1回分の入力
type SendParams struct {
	ContextID    string
	Supplier     string
	Model        string
	Parameters   string
	Content      string
	DocFiles     []string
	Images       []string
	Search       string
	RAGBases     []string
	TempChat     bool
	RegenerateID string
}

// SendStream は受理された送信のストリーム。Deltas は生成完了時に閉じられる。
type SendStream struct {
	Conversation *Conversation
	Deltas       <-chan Delta
}

// Engine はチャット送信の一連の流れを取り仕切る。
type Engine struct {
	store     *Store
	registry  *supplier.Registry
	hub       *Hub
	streamers StreamerResolver
	searcher  Searcher
	retriever Retriever
	catalog   *i18n.Catalog
	logger    *slog.Logger
}

type EngineOption func(*Engine)

// WithEngineLogger はロガーを差し替える。
func WithEngineLogger(logger *slog.Logger) EngineOption {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithSearcher はWeb検索コラボレータを設定する。
func WithSearcher(s Searcher) EngineOption {
	return func(e *Engine) {
		e.searcher = s
	}
}

// WithRetriever はナレッジベース検索コラボレータを設定する。
func WithRetriever(r Retriever) EngineOption {
	return func(e *Engine) {
		e.retriever = r
	}
}

// NewEngine はチャットエンジンを作成する。
func NewEngine(store *Store, registry *supplier.Registry, streamers StreamerResolver, catalog *i18n.Catalog, opts ...EngineOption) *Engine {
	e := &Engine{
		store:     store,
		registry:  registry,
		hub:       NewHub(),
		streamers: streamers,
		catalog:   catalog,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Send はチャット送信を受理し、応答ストリームを返す。
// ストリーム開始前の失敗はエラーとして返り、開始後の失敗は Deltas 経由で届く。
// 履歴の確定はクライアントの切断と独立して必ず行われる。
func (e *Engine) Send(ctx context.Context, params SendParams) (*SendStream, error) {
	// 1. バリデーション
	if strings.TrimSpace(params.Content) == "" {
		return nil, apperr.InvalidRequest("chat.Send", "content is required")
	}

	// 2. モデル解決。会話を作る前に失敗を検出する
	sup, model, err := e.registry.ResolveChatModel(ctx, params.Supplier, params.Model, params.Parameters)
	if err != nil {
		return nil, err
	}

	// 3. 会話の解決。context_id が空なら新規作成する
	conv, err := e.resolveConversation(ctx, params)
	if err != nil {
		return nil, err
	}

	// 4. 会話スロットの獲得。先行する生成は中断され、その履歴確定を待つ
	streamCtx, cancel := context.WithCancel(ctx)
	release := e.hub.Register(conv.ID, cancel)
	accepted := false
	defer func() {
		if !accepted {
			cancel()
			release()
		}
	}()

	// 5. 履歴の読み込みと再生成位置の確認
	history, err := e.store.History(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	regen := mo.None[uuid.UUID]()
	if params.RegenerateID != "" {
		target, err := uuid.Parse(params.RegenerateID)
		if err != nil {
			return nil, apperr.InvalidRequest("chat.Send", fmt.Sprintf("invalid regenerate id: %s", params.RegenerateID))
		}
		idx := -1
		for i, entry := range history {
			if entry.ID == target {
				idx = i
				break
			}
		}
		if idx < 0 {
			return nil, apperr.NotFound("chat.Send", fmt.Sprintf("history entry %s not found", target))
		}
		history = history[:idx]
		regen = mo.Some(target)
	}

	// 6. コラボレータ呼び出し。Web検索の失敗は結果なしとして続行する
	var results []SearchResult
	if params.Search != "" && e.searcher != nil {
		results, err = e.searcher.Search(streamCtx, params.Content, params.Search)
		if err != nil {
			e.logger.Warn("Web検索に失敗したため検索結果なしで続行します",
				slog.String("context_id", conv.ID.String()),
				slog.String("error", err.Error()),
			)
			results = nil
		}
	}
	var snippets []Snippet
	if len(params.RAGBases) > 0 && e.retriever != nil {
		snippets, err = e.retriever.Retrieve(streamCtx, params.RAGBases, params.Content)
		if err != nil {
			return nil, err
		}
	}

	// 7. 上流メッセージの組み立て。履歴は文字数バジェットに収まる分だけ、
	//    新しい側から採用する
	budget := model.EffectiveContextLength() / 2
	messages := AssembleContext(history, budget)
	messages = append(messages, Message{
		Role:    RoleUser,
		Content: BuildAugmentedContent(params.Content, snippets, results),
	})

	// 8. ストリームを開く
	streamer, err := e.streamers.StreamerFor(sup)
	if err != nil {
		return nil, err
	}
	upstream, err := streamer.StreamChat(streamCtx, StreamRequest{
		Supplier:   sup,
		Model:      model.Name,
		Parameters: model.Parameters,
		Messages:   messages,
	})
	if err != nil {
		return nil, err
	}

	e.logger.Info("生成を開始します",
		slog.String("context_id", conv.ID.String()),
		slog.String("supplier", sup.Name),
		slog.String("model", model.Name),
		slog.Int("history_messages", len(messages)-1),
		slog.Bool("temp_chat", params.TempChat),
	)

	out := make(chan Delta, 8)
	accepted = true
	go e.pump(ctx, streamJob{
		conv:     conv,
		params:   params,
		regen:    regen,
		results:  results,
		upstream: upstream,
		out:      out,
		cancel:   cancel,
		release:  release,
		started:  time.Now(),
	})

	return &SendStream{Conversation: conv, Deltas: out}, nil
}

// StopGenerate は進行中の生成を中断する。進行中の生成が無い場合も成功として扱う。
func (e *Engine) StopGenerate(ctx context.Context, contextID string) error {
	id, err := uuid.Parse(contextID)
	if err != nil {
		return apperr.InvalidRequest("chat.StopGenerate", fmt.Sprintf("invalid context id: %s", contextID))
	}
	if e.hub.Stop(id) {
		e.logger.Info("生成の中断を要求しました", slog.String("context_id", contextID))
	}
	return nil
}

// InFlight は会話で生成が進行中かどうかを返す。
func (e *Engine) InFlight(id uuid.UUID) bool {
	return e.hub.InFlight(id)
}

func (e *Engine) resolveConversation(ctx context.Context, params SendParams) (*Conversation, error) {
	if params.ContextID == "" {
		return e.store.Create(ctx, Conversation{
			Title:      params.Content,
			Model:      params.Model,
			Parameters: params.Parameters,
			Supplier:   params.Supplier,
		})
	}

	id, err := uuid.Parse(params.ContextID)
	if err != nil {
		return nil, apperr.InvalidRequest("chat.Send", fmt.Sprintf("invalid context id: %s", params.ContextID))
	}
	conv, err := e.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if conv.Model != params.Model || conv.Parameters != params.Parameters || conv.Supplier != params.Supplier {
		if err := e.store.SetModel(ctx, id, params.Model, params.Parameters, params.Supplier); err != nil {
			return nil, err
		}
		conv.Model = params.Model
		conv.Parameters = params.Parameters
		conv.Supplier = params.Supplier
	}
	return conv, nil
}

// streamJob は pump へ引き渡すストリーム1本分の状態
type streamJob struct {
	conv     *Conversation
	params   SendParams
	regen    mo.Option[uuid.UUID]
	results  []SearchResult
	upstream <-chan Delta
	out      chan Delta
	cancel   context.CancelFunc
	release  func()
	started  time.Time
}

// pump は上流デルタをクライアントへ中継しつつ全文をバッファし、終了時に履歴を確定する。
// clientCtx はクライアント接続の寿命で、切断は中断として扱う。
func (e *Engine) pump(clientCtx context.Context, job streamJob) {
	defer close(job.out)
	defer job.release()
	defer job.cancel()

	var content, reasoning strings.Builder
	var stat map[string]any
	var streamErr error
	done := false

	for delta := range job.upstream {
		if delta.Err != nil {
			streamErr = delta.Err
			break
		}
		if delta.Stat != nil {
			stat = delta.Stat
		}
		content.WriteString(delta.Content)
		reasoning.WriteString(delta.Reasoning)
		e.forward(clientCtx, job.out, delta)
		if delta.Done {
			done = true
			break
		}
	}

	finalContent := content.String()
	interrupted := streamErr != nil || !done
	if interrupted {
		marker := e.catalog.T("chat.interrupted")
		finalContent += marker
		e.forward(clientCtx, job.out, Delta{Content: marker})

		switch {
		case streamErr != nil && !errors.Is(streamErr, context.Canceled):
			e.logger.Warn("上流ストリームがエラーで終了しました",
				slog.String("context_id", job.conv.ID.String()),
				slog.String("error", streamErr.Error()),
			)
		default:
			e.logger.Info("生成を中断しました", slog.String("context_id", job.conv.ID.String()))
		}
	} else {
		e.logger.Info("生成が完了しました",
			slog.String("context_id", job.conv.ID.String()),
			slog.Int("content_bytes", len(finalContent)),
			slog.Duration("elapsed", time.Since(job.started)),
		)
	}

	if job.params.TempChat {
		return
	}

	// 履歴の確定はクライアント切断や中断と独立して行う
	persistCtx := context.WithoutCancel(clientCtx)
	user := Entry{
		Content:  job.params.Content,
		DocFiles: job.params.DocFiles,
		Images:   job.params.Images,
	}
	assistant := Entry{
		Content:      finalContent,
		Reasoning:    reasoning.String(),
		Stat:         stat,
		SearchResult: job.results,
	}
	if job.params.Search != "" {
		assistant.SearchType = job.params.Search
		assistant.SearchQuery = job.params.Content
	}
	if _, err := e.store.AppendTurn(persistCtx, job.conv.ID, user, assistant, job.regen); err != nil {
		e.logger.Error("履歴の保存に失敗しました",
			slog.String("context_id", job.conv.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// forward はデルタをクライアント側チャネルへ送る。クライアントが消えていれば捨てる。
func (e *Engine) forward(clientCtx context.Context, out chan<- Delta, delta Delta) {
	select {
	case out <- delta:
	case <-clientCtx.Done():
	}
}
