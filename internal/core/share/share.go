// Package share は会話への共有参照を提供する。
// レコードは最小限の参照のみを持ち、内容の解決は取得時に行う。
package share

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/deskchat/internal/core/apperr"
	"github.com/jinford/deskchat/internal/core/chat"
	"github.com/jinford/deskchat/internal/core/objstore"
)

const shareDir = "share"

// Record は共有1件分の永続レコード
type Record struct {
	ID         uuid.UUID `json:"id"`
	ContextID  uuid.UUID `json:"context_id"`
	CreateTime int64     `json:"create_time"`
}

// Info は共有の解決結果。会話の現在の内容を含む。
type Info struct {
	Record
	Title    string       `json:"title"`
	Model    string       `json:"model"`
	Supplier string       `json:"supplierName"`
	History  []chat.Entry `json:"history"`
}

// Service は共有レコードの作成と解決を担う。
type Service struct {
	store  *objstore.Store
	chats  *chat.Store
	logger *slog.Logger
}

type ServiceOption func(*Service)

// WithShareLogger はロガーを差し替える。
func WithShareLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// NewService は共有サービスを作成する。
func NewService(store *objstore.Store, chats *chat.Store, opts ...ServiceOption) *Service {
	s := &Service{
		store:  store,
		chats:  chats,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func recordPath(id uuid.UUID) string {
	return shareDir + "/" + id.String() + ".json"
}

// Create は会話への共有参照を作成する。
func (s *Service) Create(ctx context.Context, contextID string) (*Record, error) {
	convID, err := uuid.Parse(contextID)
	if err != nil {
		return nil, apperr.InvalidRequest("share.Create", fmt.Sprintf("invalid context id: %s", contextID))
	}
	if _, err := s.chats.Get(ctx, convID); err != nil {
		return nil, err
	}

	record := Record{
		ID:         uuid.New(),
		ContextID:  convID,
		CreateTime: time.Now().Unix(),
	}
	if err := s.store.Write(recordPath(record.ID), &record); err != nil {
		return nil, fmt.Errorf("共有レコードの保存に失敗しました: %w", err)
	}

	s.logger.Info("共有を作成しました",
		slog.String("share_id", record.ID.String()),
		slog.String("context_id", contextID),
	)
	return &record, nil
}

// Get は共有を会話の現在の内容へ解決する。
// 参照先の会話が削除済みの場合は not_found を返す。
func (s *Service) Get(ctx context.Context, shareID string) (*Info, error) {
	id, err := uuid.Parse(shareID)
	if err != nil {
		return nil, apperr.InvalidRequest("share.Get", fmt.Sprintf("invalid share id: %s", shareID))
	}

	var record Record
	found, err := s.store.Read(recordPath(id), &record)
	if err != nil {
		return nil, fmt.Errorf("共有レコードの読み込みに失敗しました: %w", err)
	}
	if !found {
		return nil, apperr.NotFound("share.Get", fmt.Sprintf("share %s not found", shareID))
	}

	conv, err := s.chats.Get(ctx, record.ContextID)
	if err != nil {
		return nil, err
	}
	history, err := s.chats.History(ctx, record.ContextID)
	if err != nil {
		return nil, err
	}

	return &Info{
		Record:   record,
		Title:    conv.Title,
		Model:    conv.Model,
		Supplier: conv.Supplier,
		History:  history,
	}, nil
}

// Remove は共有を削除する。存在しない場合もエラーにしない。
func (s *Service) Remove(ctx context.Context, shareID string) error {
	id, err := uuid.Parse(shareID)
	if err != nil {
		return apperr.InvalidRequest("share.Remove", fmt.Sprintf("invalid share id: %s", shareID))
	}
	if err := s.store.Remove(recordPath(id)); err != nil {
		return fmt.Errorf("共有レコードの削除に失敗しました: %w", err)
	}
	s.logger.Info("共有を削除しました", slog.String("share_id", shareID))
	return nil
}
