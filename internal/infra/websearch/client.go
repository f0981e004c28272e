// Package websearch はWeb検索コラボレータへのHTTPアダプタ。
// エンドポイントが設定されていない環境では組み込まず、検索機能ごと無効にする。
package websearch

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
	"github.com/jinford/deskchat/internal/core/chat"
)

// DefaultTimeout は検索1回の既定タイムアウト
const DefaultTimeout = 15 * time.Second

// Client は検索エンドポイントへのクライアント
type Client struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger
	timeout  time.Duration
}

var _ chat.Searcher = (*Client)(nil)

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

// WithTimeout は検索1回のタイムアウトを上書きする。
func WithTimeout(timeout time.Duration) ClientOption {
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

// New は検索エンドポイントのURLからクライアントを作成する。
func New(endpoint string, opts ...ClientOption) *Client {
	options := clientOptions{
		logger:  slog.Default(),
		timeout: DefaultTimeout,
	}
	for _, opt := range opts {
		opt(&options)
	}

	httpClient := options.httpClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: options.timeout}
	}

	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		http:     httpClient,
		logger:   options.logger,
		timeout:  options.timeout,
	}
}

type searchRequest struct {
	Query string `json:"query"`
	Type  string `json:"type,omitempty"`
}

type searchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Snippet string  `json:"snippet"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Search は検索エンドポイントへ問い合わせ、結果を返す。
func (c *Client) Search(ctx context.Context, query, searchType string) ([]chat.SearchResult, error) {
	const op = "websearch.Search"

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	payload, err := json.Marshal(searchRequest{Query: query, Type: searchType})
	if err != nil {
		return nil, apperr.Internal(op, fmt.Errorf("リクエストのエンコードに失敗しました: %w", err))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, apperr.Internal(op, fmt.Errorf("リクエストの作成に失敗しました: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, mapError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, apperr.UpstreamFailure(op,
			fmt.Errorf("検索エンドポイントがエラーを返しました: status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(body))))
	}

	var decoded searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, apperr.UpstreamFailure(op, fmt.Errorf("応答のデコードに失敗しました: %w", err))
	}

	results := make([]chat.SearchResult, 0, len(decoded.Results))
	for _, r := range decoded.Results {
		results = append(results, chat.SearchResult{
			Title:   r.Title,
			URL:     r.URL,
			Snippet: r.Snippet,
			Score:   r.Score,
		})
	}
	return results, nil
}

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
