// Package rag はナレッジベースの管理と文書の取り込み・検索を提供する。
// 文書はバックグラウンドワーカーが1件ずつ解析し、チャンクの埋め込みを
// ベクトルインデックスへ追記する。
package rag

import (
	"github.com/google/uuid"

	"github.com/jinford/deskchat/internal/core/supplier"
)

// Manifest はナレッジベースの設定。rag/<base>/manifest.json に永続化される。
type Manifest struct {
	Name        string                     `json:"name"`
	Description string                     `json:"description"`
	Embedding   supplier.EmbeddingModelRef `json:"embedding"`
	CreateTime  int64                      `json:"create_time"`
}

// DocStatus は文書の解析状態
type DocStatus string

const (
	DocStatusPending DocStatus = "pending"
	DocStatusParsing DocStatus = "parsing"
	DocStatusParsed  DocStatus = "parsed"
	DocStatusFailed  DocStatus = "failed"
)

// Terminal は解析が完了しているかどうかを返す。
func (s DocStatus) Terminal() bool {
	return s == DocStatusParsed || s == DocStatusFailed
}

// Document は取り込まれた文書のメタデータ。
// rag/<base>/docs/<doc_id>.meta に永続化される。
type Document struct {
	ID         uuid.UUID `json:"id"`
	FileName   string    `json:"file_name"`
	SourcePath string    `json:"source_path"`
	Status     DocStatus `json:"status"`
	ChunkCount int       `json:"chunk_count"`
	Abstract   string    `json:"abstract"`
	FailReason string    `json:"fail_reason,omitempty"`
	CreateTime int64     `json:"create_time"`
	UpdateTime int64     `json:"update_time"`
}

// Snippet は検索で選ばれたチャンク
type Snippet struct {
	Base     string    `json:"base"`
	DocID    uuid.UUID `json:"doc_id"`
	FileName string    `json:"file_name"`
	ChunkID  uuid.UUID `json:"chunk_id"`
	Ordinal  uint32    `json:"ordinal"`
	Text     string    `json:"text"`
	Score    float64   `json:"score"`
}
