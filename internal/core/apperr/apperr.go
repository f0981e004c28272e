package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Kind はエラー分類を表す。クライアントへの応答コードと
// ローカライズされたメッセージの選択に使われる。
type Kind string

const (
	KindNotFound        Kind = "not_found"
	KindInvalidRequest  Kind = "invalid_request"
	KindConflict        Kind = "conflict"
	KindUpstreamFailure Kind = "upstream_failure"
	KindUpstreamTimeout Kind = "upstream_timeout"
	KindCanceled        Kind = "canceled"
	KindStorageFailure  Kind = "storage_failure"
	KindInternal        Kind = "internal"
)

// Error は分類付きのアプリケーションエラー。
// Op は発生箇所（"registry.Add" など）、Msg は利用者向けの補足。
type Error struct {
	Kind Kind
	Op   string
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %s: %s: %v", e.Op, e.Kind, e.Msg, e.Err)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Msg)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New は分類とメッセージから新しいエラーを作成する。
func New(kind Kind, op, msg string) *Error {
	return &Error{Kind: kind, Op: op, Msg: msg}
}

// Wrap は下位エラーを分類付きで包む。
func Wrap(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func NotFound(op, msg string) *Error        { return New(KindNotFound, op, msg) }
func InvalidRequest(op, msg string) *Error  { return New(KindInvalidRequest, op, msg) }
func Conflict(op, msg string) *Error        { return New(KindConflict, op, msg) }
func UpstreamFailure(op string, err error) *Error { return Wrap(KindUpstreamFailure, op, err) }
func UpstreamTimeout(op string, err error) *Error { return Wrap(KindUpstreamTimeout, op, err) }
func Canceled(op string, err error) *Error  { return Wrap(KindCanceled, op, err) }
func StorageFailure(op string, err error) *Error  { return Wrap(KindStorageFailure, op, err) }
func Internal(op string, err error) *Error  { return Wrap(KindInternal, op, err) }

// KindOf はエラーから分類を取り出す。context 系のエラーは
// タイムアウト/キャンセルへ正規化し、未分類は internal とみなす。
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}

	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindUpstreamTimeout
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}

	return KindInternal
}

// Detail は利用者向けの補足メッセージを返す。分類付きエラーでない場合は空。
func Detail(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		if appErr.Msg != "" {
			return appErr.Msg
		}
		if appErr.Err != nil {
			return appErr.Err.Error()
		}
	}
	return ""
}

// HTTPStatus は分類に対応するHTTPステータスコードを返す。
// 応答エンベロープの code フィールドにも同じ値を用いる。
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindNotFound:
		return http.StatusNotFound
	case KindInvalidRequest:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindUpstreamFailure:
		return http.StatusBadGateway
	case KindUpstreamTimeout:
		return http.StatusGatewayTimeout
	case KindCanceled:
		// nginx 由来の client closed request
		return 499
	case KindStorageFailure, KindInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
