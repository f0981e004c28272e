package openaicompat

import (
	"context"
	"net/http"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"
)

// Probe は設定の疎通を確認する。まずモデル一覧の取得を試み、エンドポイントが
// 未実装（404）の互換サーバでは最小のチャット補完へフォールバックする。
// 返すエラーのメッセージがそのまま失敗理由としてクライアントへ渡る。
func (c *Client) Probe(ctx context.Context, fallbackModel string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	_, err := c.api.Models.List(ctx)
	if err == nil {
		return nil
	}
	if statusCodeOf(err) != http.StatusNotFound || fallbackModel == "" {
		return err
	}

	_, err = c.api.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(fallbackModel),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.UserMessage("ping"),
		},
		MaxTokens: openai.Int(1),
	})
	return err
}
