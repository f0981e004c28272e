package httpapi

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/jinford/deskchat/internal/core/apperr"
)

// envelope は非ストリーミング応答の共通形。code はHTTPステータスと同じ値を持つ。
type envelope struct {
	Code     int    `json:"code"`
	Message  any    `json:"message"`
	Msg      string `json:"msg,omitempty"`
	ErrorMsg string `json:"error_msg,omitempty"`
}

// ok は成功応答を返す。
func (a *API) ok(c *gin.Context, message any) {
	c.JSON(http.StatusOK, envelope{
		Code:    http.StatusOK,
		Message: message,
	})
}

// fail はエラーを分類し、ローカライズした error_msg 付きのエンベロープで返す。
func (a *API) fail(c *gin.Context, err error) {
	kind := apperr.KindOf(err)
	status := apperr.HTTPStatus(kind)

	if status >= http.StatusInternalServerError {
		a.logger.Error("リクエストの処理に失敗しました",
			slog.String("path", c.Request.URL.Path),
			slog.String("kind", string(kind)),
			slog.String("error", err.Error()),
		)
	}

	c.JSON(status, envelope{
		Code:     status,
		Msg:      apperr.Detail(err),
		ErrorMsg: a.catalog.T("error." + string(kind)),
	})
}

// bind はJSONボディを展開する。失敗時は invalid_request を返しfalse。
func (a *API) bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		a.fail(c, apperr.InvalidRequest("httpapi.bind", err.Error()))
		return false
	}
	return true
}
