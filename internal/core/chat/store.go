package chat

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/samber/mo"

	"github.com/jinford/deskchat/internal/core/apperr"
	"github.com/jinford/deskchat/internal/core/objstore"
)

const (
	contextDir      = "context"
	configFileName  = "config.json"
	historyFileName = "history.json"

	createAtLayout = "2006-01-02 15:04:05"
)

// Store は会話設定と履歴の永続化を担う。
// 履歴の書き込みは常にファイル全体の置き換えで行い、破損した中間状態を残さない。
type Store struct {
	store  *objstore.Store
	logger *slog.Logger
}

type StoreOption func(*Store)

// WithChatStoreLogger はロガーを差し替える。
func WithChatStoreLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore は会話ストアを作成する。
func NewStore(store *objstore.Store, opts ...StoreOption) *Store {
	s := &Store{
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func configPath(id uuid.UUID) string {
	return contextDir + "/" + id.String() + "/" + configFileName
}

func historyPath(id uuid.UUID) string {
	return contextDir + "/" + id.String() + "/" + historyFileName
}

// Create は会話を作成する。IDと作成時刻が未設定なら採番する。
func (s *Store) Create(ctx context.Context, conv Conversation) (*Conversation, error) {
	if conv.ID == uuid.Nil {
		conv.ID = uuid.New()
	}
	if conv.CreateTime == 0 {
		conv.CreateTime = time.Now().Unix()
	}
	conv.Title = TruncateTitle(conv.Title)

	if s.store.Exists(configPath(conv.ID)) {
		return nil, apperr.Conflict("chat.Create", fmt.Sprintf("conversation %s already exists", conv.ID))
	}
	if err := s.store.Write(configPath(conv.ID), &conv); err != nil {
		return nil, fmt.Errorf("会話設定の保存に失敗しました: %w", err)
	}

	s.logger.Info("会話を作成しました", slog.String("context_id", conv.ID.String()), slog.String("title", conv.Title))
	return &conv, nil
}

// Get は会話設定を返す。
func (s *Store) Get(ctx context.Context, id uuid.UUID) (*Conversation, error) {
	var conv Conversation
	found, err := s.store.Read(configPath(id), &conv)
	if err != nil {
		return nil, fmt.Errorf("会話設定の読み込みに失敗しました: %w", err)
	}
	if !found {
		return nil, apperr.NotFound("chat.Get", fmt.Sprintf("conversation %s not found", id))
	}
	return &conv, nil
}

// List は全会話を作成時刻の新しい順で返す。
func (s *Store) List(ctx context.Context) ([]Conversation, error) {
	names, err := s.store.List(contextDir)
	if err != nil {
		return nil, fmt.Errorf("会話一覧の取得に失敗しました: %w", err)
	}

	convs := make([]Conversation, 0, len(names))
	for _, name := range names {
		id, err := uuid.Parse(name)
		if err != nil {
			continue
		}
		var conv Conversation
		found, err := s.store.Read(configPath(id), &conv)
		if err != nil {
			s.logger.Warn("会話設定の読み込みに失敗したためスキップします",
				slog.String("context_id", name),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !found {
			continue
		}
		convs = append(convs, conv)
	}

	sort.Slice(convs, func(i, j int) bool {
		if convs[i].CreateTime != convs[j].CreateTime {
			return convs[i].CreateTime > convs[j].CreateTime
		}
		return strings.Compare(convs[i].ID.String(), convs[j].ID.String()) < 0
	})
	return convs, nil
}

// Remove は会話を履歴ごと削除する。存在しない場合もエラーにしない。
func (s *Store) Remove(ctx context.Context, id uuid.UUID) error {
	if err := s.store.RemoveTree(contextDir + "/" + id.String()); err != nil {
		return fmt.Errorf("会話の削除に失敗しました: %w", err)
	}
	s.logger.Info("会話を削除しました", slog.String("context_id", id.String()))
	return nil
}

// SetTitle は会話のタイトルを更新する。
func (s *Store) SetTitle(ctx context.Context, id uuid.UUID, title string) error {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	conv.Title = TruncateTitle(title)
	if err := s.store.Write(configPath(id), conv); err != nil {
		return fmt.Errorf("会話設定の保存に失敗しました: %w", err)
	}
	return nil
}

// SetModel は会話が最後に使ったモデル設定を記録する。
func (s *Store) SetModel(ctx context.Context, id uuid.UUID, model, parameters, supplierName string) error {
	conv, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	conv.Model = model
	conv.Parameters = parameters
	conv.Supplier = supplierName
	if err := s.store.Write(configPath(id), conv); err != nil {
		return fmt.Errorf("会話設定の保存に失敗しました: %w", err)
	}
	return nil
}

// History は会話の履歴を返す。履歴ファイルが無い場合は空のスライスを返す。
func (s *Store) History(ctx context.Context, id uuid.UUID) ([]Entry, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}
	var history []Entry
	if _, err := s.store.Read(historyPath(id), &history); err != nil {
		return nil, fmt.Errorf("履歴の読み込みに失敗しました: %w", err)
	}
	if history == nil {
		history = []Entry{}
	}
	return history, nil
}

// LastHistory は最新の会話とその履歴を返す。
// 会話が1件も無い場合はエラーではなく nil を返す。初回起動直後の状態は正常のため。
func (s *Store) LastHistory(ctx context.Context) (*Conversation, []Entry, error) {
	convs, err := s.List(ctx)
	if err != nil {
		return nil, nil, err
	}
	if len(convs) == 0 {
		return nil, nil, nil
	}
	latest := convs[0]
	history, err := s.History(ctx, latest.ID)
	if err != nil {
		return nil, nil, err
	}
	return &latest, history, nil
}

// AppendTurn は user と assistant の組を履歴末尾へ追記し、更新後の履歴を返す。
// regenerateID が指定された場合はその項目以降を切り捨ててから追記する。
func (s *Store) AppendTurn(ctx context.Context, id uuid.UUID, user, assistant Entry, regenerateID mo.Option[uuid.UUID]) ([]Entry, error) {
	history, err := s.History(ctx, id)
	if err != nil {
		return nil, err
	}

	if target, ok := regenerateID.Get(); ok {
		for i, entry := range history {
			if entry.ID == target {
				history = history[:i]
				break
			}
		}
	}

	now := time.Now()
	user.Role = RoleUser
	assistant.Role = RoleAssistant
	for _, e := range []*Entry{&user, &assistant} {
		if e.ID == uuid.Nil {
			e.ID = uuid.New()
		}
		if e.CreateTime == 0 {
			e.CreateTime = now.Unix()
		}
		if e.CreateAt == "" {
			e.CreateAt = time.Unix(e.CreateTime, 0).Format(createAtLayout)
		}
		e.Tokens = len(e.Content)
	}

	history = append(history, user, assistant)
	if err := s.store.Write(historyPath(id), history); err != nil {
		return nil, fmt.Errorf("履歴の保存に失敗しました: %w", err)
	}

	s.logger.Info("履歴を更新しました",
		slog.String("context_id", id.String()),
		slog.Int("entries", len(history)),
	)
	return history, nil
}

// AssembleContext は履歴の新しい側から収まるだけの項目を選び、上流へ渡すメッセージ列を組み立てる。
// budget は履歴部分の content 長の合計に対する上限で、古い項目から順に落とす。
func AssembleContext(history []Entry, budget int) []Message {
	if budget <= 0 {
		return []Message{}
	}

	total := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		total += len(history[i].Content)
		if total > budget {
			break
		}
		start = i
	}

	messages := make([]Message, 0, len(history)-start)
	for _, entry := range history[start:] {
		messages = append(messages, Message{Role: entry.Role, Content: entry.Content})
	}
	return messages
}
