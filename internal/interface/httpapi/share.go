package httpapi

import (
	"github.com/gin-gonic/gin"
)

type createShareRequest struct {
	ContextID string `json:"context_id"`
}

// createShare は会話への共有レコードを作成する。
func (a *API) createShare(c *gin.Context) {
	var req createShareRequest
	if !a.bind(c, &req) {
		return
	}
	record, err := a.shares.Create(c.Request.Context(), req.ContextID)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, record)
}

type shareIDRequest struct {
	ShareID string `json:"share_id"`
}

// getShareInfo は共有レコードを会話の現在の内容へ解決して返す。
func (a *API) getShareInfo(c *gin.Context) {
	var req shareIDRequest
	if !a.bind(c, &req) {
		return
	}
	info, err := a.shares.Get(c.Request.Context(), req.ShareID)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, info)
}

func (a *API) removeShare(c *gin.Context) {
	var req shareIDRequest
	if !a.bind(c, &req) {
		return
	}
	if err := a.shares.Remove(c.Request.Context(), req.ShareID); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}
