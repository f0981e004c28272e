package httpapi

import (
	"github.com/gin-gonic/gin"
)

// getVersion はサービスのバージョンを返す。
// 管理ランタイムに到達できる場合はそのバージョンも添える。
func (a *API) getVersion(c *gin.Context) {
	message := gin.H{"version": a.version}
	if rv := a.manager.RuntimeVersion(c.Request.Context()); rv != "" {
		message["runtime_version"] = rv
	}
	a.ok(c, message)
}

// getLanguages は提供言語の一覧と現在のロケールを返す。
func (a *API) getLanguages(c *gin.Context) {
	a.ok(c, gin.H{
		"languages": a.catalog.Languages(),
		"current":   a.catalog.Current(),
	})
}

type setLanguageRequest struct {
	Language string `json:"language"`
}

// setLanguage は現在のロケールを切り替える。
func (a *API) setLanguage(c *gin.Context) {
	var req setLanguageRequest
	if !a.bind(c, &req) {
		return
	}
	if err := a.catalog.SetLanguage(req.Language); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, a.catalog.Current())
}
