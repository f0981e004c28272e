package ollama

import (
	"context"
	"fmt"
	"net/http"

	"github.com/jinford/deskchat/internal/core/apperr"
	"github.com/jinford/deskchat/internal/core/rag"
)

var _ rag.Embedder = (*Client)(nil)

type embedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

// Embed は入力テキスト群の埋め込みベクトルを計算する。
func (c *Client) Embed(ctx context.Context, model string, inputs []string) ([][]float32, error) {
	const op = "ollama.Embed"

	if len(inputs) == 0 {
		return nil, apperr.InvalidRequest(op, "埋め込み対象のテキストがありません")
	}

	var resp embedResponse
	req := embedRequest{Model: model, Input: inputs}
	if err := c.doJSON(ctx, op, http.MethodPost, "/api/embed", req, &resp); err != nil {
		return nil, err
	}

	if len(resp.Embeddings) != len(inputs) {
		return nil, apperr.UpstreamFailure(op, fmt.Errorf("埋め込みの件数が入力と一致しません: got=%d want=%d", len(resp.Embeddings), len(inputs)))
	}
	return resp.Embeddings, nil
}
