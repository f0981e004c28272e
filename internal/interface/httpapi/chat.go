package httpapi

import (
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jinford/deskchat/internal/core/apperr"
	"github.com/jinford/deskchat/internal/core/chat"
)

type chatRequest struct {
	ContextID    string   `json:"context_id"`
	Supplier     string   `json:"supplierName"`
	Model        string   `json:"model"`
	Parameters   string   `json:"parameters"`
	UserContent  string   `json:"user_content"`
	DocFiles     []string `json:"doc_files"`
	Images       []string `json:"images"`
	Search       string   `json:"search"`
	RAGList      []string `json:"rag_list"`
	TempChat     bool     `json:"temp_chat"`
	RegenerateID string   `json:"regenerate_id"`
}

// chat はストリーミングチャットの唯一のエンドポイント。
// 応答ボディはチャンク転送の text/plain で、デルタごとにフラッシュする。
// 会話IDは X-Context-Id ヘッダで返す。
func (a *API) chat(c *gin.Context) {
	var req chatRequest
	if !a.bind(c, &req) {
		return
	}

	stream, err := a.engine.Send(c.Request.Context(), chat.SendParams{
		ContextID:    req.ContextID,
		Supplier:     req.Supplier,
		Model:        req.Model,
		Parameters:   req.Parameters,
		Content:      req.UserContent,
		DocFiles:     req.DocFiles,
		Images:       req.Images,
		Search:       req.Search,
		RAGBases:     req.RAGList,
		TempChat:     req.TempChat,
		RegenerateID: req.RegenerateID,
	})
	if err != nil {
		a.fail(c, err)
		return
	}

	c.Header("Content-Type", "text/plain; charset=utf-8")
	c.Header("X-Context-Id", stream.Conversation.ID.String())
	c.Status(http.StatusOK)

	flusher, _ := c.Writer.(http.Flusher)
	for delta := range stream.Deltas {
		if delta.Reasoning != "" {
			if _, err := c.Writer.WriteString(delta.Reasoning); err != nil {
				return
			}
		}
		if delta.Content != "" {
			if _, err := c.Writer.WriteString(delta.Content); err != nil {
				return
			}
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

type contextIDRequest struct {
	ContextID string `json:"context_id"`
}

// stopGenerate は進行中の生成を中断する。進行中でなくても成功を返す。
func (a *API) stopGenerate(c *gin.Context) {
	var req contextIDRequest
	if !a.bind(c, &req) {
		return
	}
	if err := a.engine.StopGenerate(c.Request.Context(), req.ContextID); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}

func (a *API) getChatList(c *gin.Context) {
	conversations, err := a.chats.List(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, conversations)
}

type createChatRequest struct {
	Title      string `json:"title"`
	Supplier   string `json:"supplierName"`
	Model      string `json:"model"`
	Parameters string `json:"parameters"`
}

func (a *API) createChat(c *gin.Context) {
	var req createChatRequest
	if !a.bind(c, &req) {
		return
	}
	conv, err := a.chats.Create(c.Request.Context(), chat.Conversation{
		Title:      req.Title,
		Supplier:   req.Supplier,
		Model:      req.Model,
		Parameters: req.Parameters,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, conv)
}

func (a *API) getChatInfo(c *gin.Context) {
	var req contextIDRequest
	if !a.bind(c, &req) {
		return
	}
	id, ok := a.parseContextID(c, req.ContextID)
	if !ok {
		return
	}

	conv, err := a.chats.Get(c.Request.Context(), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	history, err := a.chats.History(c.Request.Context(), id)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, gin.H{
		"config":  conv,
		"history": history,
	})
}

// getLastChatHistory は直近に作成された会話とその履歴を返す。
// 会話が1件も無い場合は空の応答を返す。
func (a *API) getLastChatHistory(c *gin.Context) {
	conv, history, err := a.chats.LastHistory(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	if conv == nil {
		a.ok(c, nil)
		return
	}
	a.ok(c, gin.H{
		"config":  conv,
		"history": history,
	})
}

func (a *API) removeChat(c *gin.Context) {
	var req contextIDRequest
	if !a.bind(c, &req) {
		return
	}
	id, ok := a.parseContextID(c, req.ContextID)
	if !ok {
		return
	}
	if err := a.chats.Remove(c.Request.Context(), id); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}

type modifyChatTitleRequest struct {
	ContextID string `json:"context_id"`
	Title     string `json:"title"`
}

func (a *API) modifyChatTitle(c *gin.Context) {
	var req modifyChatTitleRequest
	if !a.bind(c, &req) {
		return
	}
	id, ok := a.parseContextID(c, req.ContextID)
	if !ok {
		return
	}
	if err := a.chats.SetTitle(c.Request.Context(), id, req.Title); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}

// getModelList はチャット画面のモデル選択肢をサプライヤ単位で返す。
func (a *API) getModelList(c *gin.Context) {
	groups, err := a.registry.ListChatModels(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, groups)
}

func (a *API) parseContextID(c *gin.Context, raw string) (uuid.UUID, bool) {
	id, err := uuid.Parse(raw)
	if err != nil {
		a.fail(c, apperr.InvalidRequest("httpapi.parseContextID", fmt.Sprintf("invalid context id: %s", raw)))
		return uuid.Nil, false
	}
	return id, true
}
