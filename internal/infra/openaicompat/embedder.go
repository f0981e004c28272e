package openaicompat

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/openai/openai-go/v3"

	"github.com/jinford/deskchat/internal/core/apperr"
	"github.com/jinford/deskchat/internal/core/rag"
)

// Embed はテキスト群の埋め込みベクトルを生成する。
// レート制限応答のみ指数バックオフでリトライする。
func (c *Client) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	const op = "openaicompat.Embed"

	if len(inputs) == 0 {
		return nil, apperr.InvalidRequest(op, "no inputs")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	params := openai.EmbeddingNewParams{
		Model: openai.EmbeddingModel(model),
		Input: openai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: inputs,
		},
	}

	var lastErr error
	for attempt := 0; attempt <= embedMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt-1))) * c.embedBackoff
			if backoff > embedMaxBackoff {
				backoff = embedMaxBackoff
			}
			c.logger.Warn("埋め込みAPIがレート制限応答を返したため待機します",
				slog.String("model", model),
				slog.Int("attempt", attempt),
				slog.Duration("backoff", backoff),
			)
			select {
			case <-ctx.Done():
				return nil, mapError(op, ctx.Err())
			case <-time.After(backoff):
			}
		}

		resp, err := c.api.Embeddings.New(ctx, params)
		if err != nil {
			lastErr = err
			if isRateLimited(err) {
				continue
			}
			return nil, mapError(op, err)
		}

		if len(resp.Data) != len(inputs) {
			return nil, apperr.UpstreamFailure(op,
				fmt.Errorf("embedding count mismatch: got %d, want %d", len(resp.Data), len(inputs)))
		}

		vectors := make([][]float32, len(resp.Data))
		for _, data := range resp.Data {
			vector := make([]float32, len(data.Embedding))
			for i, v := range data.Embedding {
				vector[i] = float32(v)
			}
			if data.Index < 0 || int(data.Index) >= len(vectors) {
				return nil, apperr.UpstreamFailure(op,
					fmt.Errorf("embedding index out of range: %d", data.Index))
			}
			vectors[data.Index] = vector
		}
		return vectors, nil
	}

	return nil, mapError(op, fmt.Errorf("埋め込みのリトライ上限を超えました: %w", lastErr))
}

// インターフェース実装の確認
var _ rag.Embedder = (*Client)(nil)
