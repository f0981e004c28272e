package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/jinford/deskchat/internal/core/apperr"
	"github.com/jinford/deskchat/internal/core/chat"
)

type chatMessage struct {
	Role     string `json:"role"`
	Content  string `json:"content"`
	Thinking string `json:"thinking,omitempty"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	Error           string      `json:"error"`
	TotalDuration   int64       `json:"total_duration"`
	LoadDuration    int64       `json:"load_duration"`
	PromptEvalCount int64       `json:"prompt_eval_count"`
	EvalCount       int64       `json:"eval_count"`
	EvalDuration    int64       `json:"eval_duration"`
}

// StreamChat はチャット応答をNDJSONストリームで受け取り、デルタとして届ける。
// 接続までは同期で行い、チャネルは Done または Err を送った後に閉じられる。
func (c *Client) StreamChat(ctx context.Context, req chat.StreamRequest) (<-chan chat.Delta, error) {
	const op = "ollama.StreamChat"

	messages := make([]chatMessage, 0, len(req.Messages))
	for _, m := range req.Messages {
		messages = append(messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	body := chatRequest{
		Model:    modelTag(req.Model, req.Parameters),
		Messages: messages,
		Stream:   true,
	}

	resp, err := c.request(ctx, http.MethodPost, "/api/chat", body)
	if err != nil {
		return nil, mapError(op, err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, apiError(op, resp)
	}

	ch := make(chan chat.Delta, 8)
	go func() {
		defer close(ch)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 64*1024), 1024*1024)

		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}

			var chunk chatResponse
			if err := json.Unmarshal(line, &chunk); err != nil {
				ch <- chat.Delta{Err: apperr.UpstreamFailure(op,
					fmt.Errorf("ストリーム応答の解析に失敗しました: %w", err))}
				return
			}
			if chunk.Error != "" {
				ch <- chat.Delta{Err: apperr.UpstreamFailure(op,
					fmt.Errorf("runtime error: %s", chunk.Error))}
				return
			}

			if chunk.Message.Content != "" || chunk.Message.Thinking != "" {
				ch <- chat.Delta{
					Content:   chunk.Message.Content,
					Reasoning: chunk.Message.Thinking,
				}
			}
			if chunk.Done {
				ch <- chat.Delta{Done: true, Stat: chunkStat(chunk)}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			c.logger.Warn("チャットストリームがエラーで終了しました",
				slog.String("model", body.Model),
				slog.String("error", err.Error()),
			)
			ch <- chat.Delta{Err: mapError(op, err)}
			return
		}
		// done を受け取る前にストリームが閉じた
		ch <- chat.Delta{Err: apperr.UpstreamFailure(op,
			fmt.Errorf("ストリームが完了前に閉じられました"))}
	}()

	return ch, nil
}

// modelTag はモデル名とパラメータタグをランタイムのモデル識別子へ組み立てる。
// 名前が既にタグを含む場合はそのまま使う。
func modelTag(name, parameters string) string {
	if parameters == "" || strings.Contains(name, ":") {
		return name
	}
	return name + ":" + parameters
}

// chunkStat は終端チャンクの統計情報を stat へ写す。
func chunkStat(chunk chatResponse) map[string]any {
	return map[string]any{
		"total_duration":    chunk.TotalDuration,
		"load_duration":     chunk.LoadDuration,
		"prompt_eval_count": chunk.PromptEvalCount,
		"eval_count":        chunk.EvalCount,
		"eval_duration":     chunk.EvalDuration,
	}
}

// インターフェース実装の確認
var _ chat.Streamer = (*Client)(nil)
