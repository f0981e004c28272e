// Package chat は会話の永続化とストリーミング応答の生成を提供する。
package chat

import (
	"encoding/json"
	"strings"

	"github.com/google/uuid"
)

// ロール
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// タイトルは先頭18ルーンに切り詰める
const maxTitleRunes = 18

// Conversation は会話の設定。context/<id>/config.json に永続化される。
type Conversation struct {
	ID         uuid.UUID `json:"id"`
	Title      string    `json:"title"`
	Model      string    `json:"model"`
	Parameters string    `json:"parameters"`
	Supplier   string    `json:"supplierName"`
	CreateTime int64     `json:"create_time"`
}

// Entry は履歴の1件。user と assistant が交互に並ぶ。
// 履歴は常に順序付き配列として扱い、マップでは持たない。
type Entry struct {
	ID           uuid.UUID       `json:"id"`
	Role         string          `json:"role"`
	Content      string          `json:"content"`
	Reasoning    string          `json:"reasoning,omitempty"`
	DocFiles     []string        `json:"doc_files,omitempty"`
	Images       []string        `json:"images,omitempty"`
	ToolCalls    json.RawMessage `json:"tool_calls,omitempty"`
	CreateTime   int64           `json:"create_time"`
	CreateAt     string          `json:"create_at"`
	Tokens       int             `json:"tokens"`
	Stat         map[string]any  `json:"stat,omitempty"`
	SearchResult []SearchResult  `json:"search_result,omitempty"`
	SearchType   string          `json:"search_type,omitempty"`
	SearchQuery  string          `json:"search_query,omitempty"`
}

// SearchResult はWeb検索コラボレータが返す1件
type SearchResult struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score,omitempty"`
}

// Snippet はナレッジベース検索で選ばれた断片のチャット側での見え方
type Snippet struct {
	Source string  `json:"source"`
	Text   string  `json:"text"`
	Score  float64 `json:"score"`
}

// Message は上流へ渡す {role, content} の組
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TruncateTitle はタイトルを規定の長さに切り詰める。
func TruncateTitle(s string) string {
	s = strings.TrimSpace(s)
	runes := []rune(s)
	if len(runes) > maxTitleRunes {
		return string(runes[:maxTitleRunes])
	}
	return s
}
