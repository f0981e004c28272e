// Package openaicompat はOpenAI互換エンドポイントへのアダプタ。
// サードパーティサプライヤのチャットストリーム、埋め込み、疎通確認を提供する。
package openaicompat

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/jinford/deskchat/internal/core/apperr"
)

// DefaultHeaderTimeout は応答ヘッダ待ちの既定タイムアウト。
// ストリームの総時間は制限しない。
const DefaultHeaderTimeout = 120 * time.Second

// 埋め込みのリトライ設定。レート制限応答のみ対象にする。
const (
	embedMaxRetries  = 3
	embedBaseBackoff = 2 * time.Second
	embedMaxBackoff  = 16 * time.Second
)

// Client は1つのOpenAI互換サプライヤへのクライアント
type Client struct {
	api          openai.Client
	logger       *slog.Logger
	timeout      time.Duration
	embedBackoff time.Duration
}

type clientOptions struct {
	logger     *slog.Logger
	timeout    time.Duration
	httpClient *http.Client
}

type ClientOption func(*clientOptions)

// WithClientLogger はロガーを差し替える。
func WithClientLogger(logger *slog.Logger) ClientOption {
	return func(o *clientOptions) {
		o.logger = logger
	}
}

// WithHeaderTimeout は応答ヘッダ待ちのタイムアウトを上書きする。
func WithHeaderTimeout(timeout time.Duration) ClientOption {
	return func(o *clientOptions) {
		o.timeout = timeout
	}
}

// WithHTTPClient はHTTPクライアントを差し替える。テスト用。
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(o *clientOptions) {
		o.httpClient = hc
	}
}

// New はベースURLとAPIキーからクライアントを作成する。
func New(baseURL, apiKey string, opts ...ClientOption) *Client {
	options := clientOptions{
		logger:  slog.Default(),
		timeout: DefaultHeaderTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}

	httpClient := options.httpClient
	if httpClient == nil {
		httpClient = &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: options.timeout,
			},
		}
	}

	// 認証なしの互換サーバ向けにプレースホルダを入れておく
	if apiKey == "" {
		apiKey = "not-needed"
	}
	reqOpts := []option.RequestOption{
		option.WithHTTPClient(httpClient),
		option.WithAPIKey(apiKey),
		// リトライはアダプタ側で制御する
		option.WithMaxRetries(0),
	}
	if baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(baseURL))
	}

	return &Client{
		api:          openai.NewClient(reqOpts...),
		logger:       options.logger,
		timeout:      options.timeout,
		embedBackoff: embedBaseBackoff,
	}
}

// mapError は上流エラーをアプリケーションのエラー種別へ写像する。
func mapError(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return apperr.Canceled(op, err)
	case errors.Is(err, context.DeadlineExceeded):
		return apperr.UpstreamTimeout(op, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return apperr.UpstreamTimeout(op, err)
	}
	return apperr.UpstreamFailure(op, err)
}

// isRateLimited はレート制限応答かどうかを返す。
func isRateLimited(err error) bool {
	var apiErr *openai.Error
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusTooManyRequests
}

// statusCodeOf は上流エラーのHTTPステータスを返す。不明なら0。
func statusCodeOf(err error) int {
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return 0
}
