// Package ollama は管理対象ローカルランタイムのネイティブAPIへのアダプタ。
// チャットストリーム、モデル一覧、取得、削除、埋め込み、稼働確認を提供する。
package ollama

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jinford/deskchat/internal/core/apperr"
)

// DefaultBaseURL はランタイムの既定アドレス
const DefaultBaseURL = "http://127.0.0.1:11434"

// DefaultHeaderTimeout は応答ヘッダ待ちの既定タイムアウト。
// ストリームの総時間は制限しない。
const DefaultHeaderTimeout = 120 * time.Second

// Client はランタイム1プロセスへのクライアント
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
	timeout time.Duration
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

// New はランタイムアドレスからクライアントを作成する。
func New(baseURL string, opts ...ClientOption) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
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
				DialContext: (&net.Dialer{
					Timeout:   30 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   10 * time.Second,
				ResponseHeaderTimeout: options.timeout,
			},
		}
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    httpClient,
		logger:  options.logger,
		timeout: options.timeout,
	}
}

// BaseURL はランタイムのアドレスを返す。
func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) request(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("リクエストのエンコードに失敗しました: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("リクエストの作成に失敗しました: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.http.Do(req)
}

// doJSON は単発のAPI呼び出しを行い、応答を out へデコードする。
func (c *Client) doJSON(ctx context.Context, op, method, path string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.request(ctx, method, path, body)
	if err != nil {
		return mapError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(op, resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return apperr.UpstreamFailure(op, fmt.Errorf("応答のデコードに失敗しました: %w", err))
	}
	return nil
}

// apiError はランタイムのエラー応答をアプリケーションのエラーへ変換する。
func apiError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	message := strings.TrimSpace(string(body))
	var payload struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error != "" {
		message = payload.Error
	}
	if message == "" {
		message = resp.Status
	}

	err := fmt.Errorf("runtime error: %s", message)
	if resp.StatusCode == http.StatusNotFound {
		return apperr.NotFound(op, message)
	}
	return apperr.UpstreamFailure(op, err)
}

// mapError は転送層のエラーをアプリケーションのエラー種別へ写像する。
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
