package ollama

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/jinford/deskchat/internal/core/apperr"
)

// PullProgress はモデルダウンロードの進捗1行分。
// Total と Completed はレイヤー単位のバイト数で、レイヤーが切り替わるとリセットされる。
type PullProgress struct {
	Status    string
	Digest    string
	Total     int64
	Completed int64
}

type pullChunk struct {
	Status    string `json:"status"`
	Digest    string `json:"digest"`
	Total     int64  `json:"total"`
	Completed int64  `json:"completed"`
	Error     string `json:"error"`
}

// Pull はモデルをダウンロードし、進捗行ごとに progress を呼び出す。
// 完了(status=success)まで呼び出し元をブロックする。
func (c *Client) Pull(ctx context.Context, model string, progress func(PullProgress)) error {
	const op = "ollama.Pull"

	body := map[string]any{"model": model, "stream": true}
	resp, err := c.request(ctx, http.MethodPost, "/api/pull", body)
	if err != nil {
		return mapError(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apiError(op, resp)
	}

	succeeded := false
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var chunk pullChunk
		if err := json.Unmarshal(line, &chunk); err != nil {
			return apperr.UpstreamFailure(op, fmt.Errorf("進捗行のデコードに失敗しました: %w", err))
		}
		if chunk.Error != "" {
			return apperr.UpstreamFailure(op, fmt.Errorf("runtime error: %s", chunk.Error))
		}

		if progress != nil {
			progress(PullProgress{
				Status:    chunk.Status,
				Digest:    chunk.Digest,
				Total:     chunk.Total,
				Completed: chunk.Completed,
			})
		}
		if chunk.Status == "success" {
			succeeded = true
		}
	}
	if err := scanner.Err(); err != nil {
		return mapError(op, err)
	}
	if !succeeded {
		return apperr.UpstreamFailure(op, fmt.Errorf("ダウンロードが完了前に中断されました"))
	}
	return nil
}
