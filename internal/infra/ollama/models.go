package ollama

import (
	"context"
	"net/http"
)

// ModelInfo はランタイムにインストール済みのモデル1件
type ModelInfo struct {
	Name          string
	Size          int64
	Family        string
	ParameterSize string
}

type tagsResponse struct {
	Models []struct {
		Name    string `json:"name"`
		Size    int64  `json:"size"`
		Details struct {
			Family        string `json:"family"`
			ParameterSize string `json:"parameter_size"`
		} `json:"details"`
	} `json:"models"`
}

// ListModels はインストール済みモデルの一覧を返す。
func (c *Client) ListModels(ctx context.Context) ([]ModelInfo, error) {
	var resp tagsResponse
	if err := c.doJSON(ctx, "ollama.ListModels", http.MethodGet, "/api/tags", nil, &resp); err != nil {
		return nil, err
	}

	models := make([]ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		models = append(models, ModelInfo{
			Name:          m.Name,
			Size:          m.Size,
			Family:        m.Details.Family,
			ParameterSize: m.Details.ParameterSize,
		})
	}
	return models, nil
}

// DeleteModel はモデルをランタイムから削除する。未インストールは not_found。
func (c *Client) DeleteModel(ctx context.Context, model string) error {
	body := map[string]string{"model": model}
	return c.doJSON(ctx, "ollama.DeleteModel", http.MethodDelete, "/api/delete", body, nil)
}

// Version はランタイムのバージョン文字列を返す。稼働確認を兼ねる。
func (c *Client) Version(ctx context.Context) (string, error) {
	var resp struct {
		Version string `json:"version"`
	}
	if err := c.doJSON(ctx, "ollama.Version", http.MethodGet, "/api/version", nil, &resp); err != nil {
		return "", err
	}
	return resp.Version, nil
}

// Probe はランタイムに到達できるかを確認する。
func (c *Client) Probe(ctx context.Context) error {
	_, err := c.Version(ctx)
	return err
}
