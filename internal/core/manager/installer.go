package manager

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/jinford/deskchat/internal/core/apperr"
)

// DefaultMirror はランタイム本体の既定の取得元
const DefaultMirror = "https://ollama.com/download"

// downloader はランタイム本体のバイナリをミラー群から取得する。
// 取得中に Reconnect が呼ばれると現在の転送を中断し、
// 次のミラーから取得し直す。
type downloader struct {
	mirrors []string
	dir     string
	http    *http.Client

	mu     sync.Mutex
	idx    int
	cancel context.CancelFunc
}

func newDownloader(mirrors []string, dir string, hc *http.Client) *downloader {
	if len(mirrors) == 0 {
		mirrors = []string{DefaultMirror}
	}
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Minute}
	}
	return &downloader{
		mirrors: mirrors,
		dir:     dir,
		http:    hc,
	}
}

// CurrentMirror は現在選択中のミラーURLを返す。
func (d *downloader) CurrentMirror() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mirrors[d.idx%len(d.mirrors)]
}

// Reconnect は次のミラーへ切り替え、進行中の転送があれば中断する。
// 中断された転送は Download のループが新しいミラーで再開する。
func (d *downloader) Reconnect() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.idx = (d.idx + 1) % len(d.mirrors)
	if d.cancel != nil {
		d.cancel()
	}
	return nil
}

// Download は名前のバイナリを現在のミラーから取得し、
// サンドボックスディレクトリへ実行可能ファイルとして配置する。
// progress は 0..1 の進捗率と補足文字列で呼ばれる。
func (d *downloader) Download(ctx context.Context, name string, progress func(frac float64, notice string)) error {
	const op = "manager.Download"

	if d.dir == "" {
		return apperr.InvalidRequest(op, "runtime directory is not configured")
	}
	if err := os.MkdirAll(d.dir, 0o755); err != nil {
		return apperr.StorageFailure(op, err)
	}

	for {
		d.mu.Lock()
		mirror := d.mirrors[d.idx%len(d.mirrors)]
		attempt, cancel := context.WithCancel(ctx)
		d.cancel = cancel
		d.mu.Unlock()

		err := d.fetch(attempt, mirror, name, progress)
		cancel()

		d.mu.Lock()
		d.cancel = nil
		d.mu.Unlock()

		if err == nil {
			return nil
		}
		// 親コンテキストが生きているキャンセルは Reconnect による中断。
		// 切り替え先のミラーでやり直す。
		if errors.Is(err, context.Canceled) && ctx.Err() == nil {
			progress(0, "reconnecting")
			continue
		}
		return err
	}
}

func (d *downloader) fetch(ctx context.Context, mirror, name string, progress func(float64, string)) error {
	const op = "manager.Download"

	url := fmt.Sprintf("%s/%s", mirror, name)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return apperr.Internal(op, err)
	}

	resp, err := d.http.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return apperr.UpstreamFailure(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return apperr.UpstreamFailure(op, fmt.Errorf("ミラーがエラーを返しました: %s status=%d", url, resp.StatusCode))
	}

	tmp, err := os.CreateTemp(d.dir, "."+name+".download-*")
	if err != nil {
		return apperr.StorageFailure(op, err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	total := resp.ContentLength
	var written int64
	buf := make([]byte, 256*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := tmp.Write(buf[:n]); writeErr != nil {
				tmp.Close()
				return apperr.StorageFailure(op, writeErr)
			}
			written += int64(n)
			if total > 0 {
				progress(float64(written)/float64(total), "downloading")
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			tmp.Close()
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			return apperr.UpstreamFailure(op, readErr)
		}
	}

	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return apperr.StorageFailure(op, err)
	}
	if err := tmp.Close(); err != nil {
		return apperr.StorageFailure(op, err)
	}
	if err := os.Chmod(tmpName, 0o755); err != nil {
		return apperr.StorageFailure(op, err)
	}

	dst := filepath.Join(d.dir, name)
	if err := os.Rename(tmpName, dst); err != nil {
		return apperr.StorageFailure(op, err)
	}
	progress(1, "downloaded")
	return nil
}
