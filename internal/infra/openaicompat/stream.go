package openaicompat

import (
	"context"
	"errors"
	"log/slog"
	"strconv"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/shared"

	"github.com/jinford/deskchat/internal/core/chat"
)

// 推論系モデルが思考過程を載せてくる拡張フィールド名
var reasoningFieldNames = []string{"reasoning_content", "reasoning"}

// StreamChat はチャット補完をストリーミングで実行する。
// 接続と最初のチャンクの受信までは同期で行い、以降のデルタをチャネルで届ける。
// チャネルは Done または Err を送った後に閉じられる。
func (c *Client) StreamChat(ctx context.Context, req chat.StreamRequest) (<-chan chat.Delta, error) {
	const op = "openaicompat.StreamChat"

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(req.Model),
		Messages: toMessages(req.Messages),
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}

	stream := c.api.Chat.Completions.NewStreaming(ctx, params)
	if !stream.Next() {
		err := stream.Err()
		_ = stream.Close()
		if err == nil {
			err = errors.New("upstream closed the stream before any data")
		}
		return nil, mapError(op, err)
	}
	first := stream.Current()

	ch := make(chan chat.Delta, 8)
	go func() {
		defer close(ch)
		defer stream.Close()

		var stat map[string]any
		emit := func(chunk openai.ChatCompletionChunk) {
			if s := usageStat(chunk); s != nil {
				stat = s
			}
			delta := chunkDelta(chunk)
			if delta.Content != "" || delta.Reasoning != "" {
				ch <- delta
			}
		}

		emit(first)
		for stream.Next() {
			emit(stream.Current())
		}
		if err := stream.Err(); err != nil {
			c.logger.Warn("チャットストリームがエラーで終了しました",
				slog.String("model", req.Model),
				slog.String("error", err.Error()),
			)
			ch <- chat.Delta{Err: mapError(op, err)}
			return
		}
		ch <- chat.Delta{Done: true, Stat: stat}
	}()

	return ch, nil
}

func toMessages(messages []chat.Message) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case chat.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Content))
		default:
			out = append(out, openai.UserMessage(m.Content))
		}
	}
	return out
}

// chunkDelta はチャンクから本文と思考過程の増分を取り出す。
func chunkDelta(chunk openai.ChatCompletionChunk) chat.Delta {
	if len(chunk.Choices) == 0 {
		return chat.Delta{}
	}
	delta := chunk.Choices[0].Delta
	return chat.Delta{
		Content:   delta.Content,
		Reasoning: extractReasoning(delta),
	}
}

// extractReasoning は delta の拡張フィールドから思考過程の文字列を取り出す。
// OpenAI互換実装ごとにフィールド名が揺れるため複数の名前を試す。
func extractReasoning(delta openai.ChatCompletionChunkChoiceDelta) string {
	for _, name := range reasoningFieldNames {
		field, ok := delta.JSON.ExtraFields[name]
		if !ok || !field.Valid() {
			continue
		}
		text, err := strconv.Unquote(field.Raw())
		if err != nil {
			continue
		}
		if text != "" {
			return text
		}
	}
	return ""
}

// usageStat は利用統計付きの最終チャンクから stat を組み立てる。
func usageStat(chunk openai.ChatCompletionChunk) map[string]any {
	if !chunk.JSON.Usage.Valid() {
		return nil
	}
	return map[string]any{
		"prompt_tokens":     chunk.Usage.PromptTokens,
		"completion_tokens": chunk.Usage.CompletionTokens,
		"total_tokens":      chunk.Usage.TotalTokens,
	}
}

// インターフェース実装の確認
var _ chat.Streamer = (*Client)(nil)
