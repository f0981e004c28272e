package manager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jinford/deskchat/internal/core/apperr"
	"github.com/jinford/deskchat/internal/core/objstore"
	"github.com/jinford/deskchat/internal/core/supplier"
)

// fakeRuntime はテスト用のRuntime実装。Pullの進捗はスクリプトで与える。
type fakeRuntime struct {
	mu        sync.Mutex
	models    []RuntimeModel
	pullErr   error
	pulls     int
	progress  []PullProgress
	listErr   error
	deleteErr error
}

func (f *fakeRuntime) Version(ctx context.Context) (string, error) {
	return "0.5.0", nil
}

func (f *fakeRuntime) ListModels(ctx context.Context) ([]RuntimeModel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]RuntimeModel, len(f.models))
	copy(out, f.models)
	return out, nil
}

func (f *fakeRuntime) Pull(ctx context.Context, model string, progress func(PullProgress)) error {
	f.mu.Lock()
	f.pulls++
	script := f.progress
	err := f.pullErr
	f.mu.Unlock()

	for _, p := range script {
		progress(p)
	}
	if err != nil {
		return err
	}

	f.mu.Lock()
	f.models = append(f.models, RuntimeModel{Name: model, Size: 100, ParameterSize: "7b"})
	f.mu.Unlock()
	return nil
}

func (f *fakeRuntime) DeleteModel(ctx context.Context, model string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	kept := f.models[:0]
	for _, m := range f.models {
		if m.Name != model {
			kept = append(kept, m)
		}
	}
	f.models = kept
	return nil
}

func (f *fakeRuntime) pullCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pulls
}

func newTestService(t *testing.T, runtime Runtime) (*Service, *supplier.Registry) {
	t.Helper()

	store, err := objstore.New(t.TempDir())
	require.NoError(t, err)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := supplier.NewRegistry(store, supplier.WithRegistryLogger(logger))
	require.NoError(t, registry.EnsureLocal(context.Background(), "http://127.0.0.1:11434"))

	svc := NewService(store, registry, runtime, WithManagerLogger(logger))
	return svc, registry
}

func waitForStatus(t *testing.T, fetch func() (*Job, error), want Status) *Job {
	t.Helper()
	var job *Job
	require.Eventually(t, func() bool {
		j, err := fetch()
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 3*time.Second, 10*time.Millisecond)
	return job
}

func TestInstallModelLifecycle(t *testing.T) {
	runtime := &fakeRuntime{
		progress: []PullProgress{
			{Status: "pulling", Digest: "sha256:aaa", Total: 100, Completed: 50},
			{Status: "pulling", Digest: "sha256:aaa", Total: 100, Completed: 100},
		},
	}
	svc, registry := newTestService(t, runtime)
	ctx := context.Background()

	job, err := svc.InstallModel(ctx, "qwen2.5", "7b")
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5", job.Model)

	done := waitForStatus(t, func() (*Job, error) {
		return svc.InstallProgress(ctx, "qwen2.5", "7b")
	}, StatusDone)
	assert.InDelta(t, 1.0, done.Progress, 0.001)

	// インストール完了がレジストリのローカルサプライヤへ反映されている
	local, err := registry.Get(ctx, supplier.LocalName)
	require.NoError(t, err)
	sup := local.MustGet()
	model, ok := sup.FindModel("qwen2.5", "7b")
	require.True(t, ok)
	assert.Contains(t, model.Capabilities, supplier.CapabilityChat)

	installed, err := svc.ListInstalled(ctx)
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, "qwen2.5:7b", installed[0].Tag())
}

func TestInstallModelIdempotent(t *testing.T) {
	runtime := &fakeRuntime{}
	svc, _ := newTestService(t, runtime)
	ctx := context.Background()

	_, err := svc.InstallModel(ctx, "gemma2", "2b")
	require.NoError(t, err)
	waitForStatus(t, func() (*Job, error) {
		return svc.InstallProgress(ctx, "gemma2", "2b")
	}, StatusDone)

	// 完了済みのモデルへの再インストールは即doneを返し、再取得は走らない
	pulls := runtime.pullCount()
	again, err := svc.InstallModel(ctx, "gemma2", "2b")
	require.NoError(t, err)
	assert.Equal(t, StatusDone, again.Status)
	assert.Equal(t, pulls, runtime.pullCount())
}

func TestInstallModelFailure(t *testing.T) {
	runtime := &fakeRuntime{pullErr: errors.New("manifest not found")}
	svc, _ := newTestService(t, runtime)
	ctx := context.Background()

	_, err := svc.InstallModel(ctx, "nope", "1b")
	require.NoError(t, err)

	failed := waitForStatus(t, func() (*Job, error) {
		return svc.InstallProgress(ctx, "nope", "1b")
	}, StatusFailed)
	assert.Contains(t, failed.Notice, "manifest not found")

	// failed のジョブは再インストールで上書きできる
	runtime.mu.Lock()
	runtime.pullErr = nil
	runtime.mu.Unlock()
	job, err := svc.InstallModel(ctx, "nope", "1b")
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, job.Status)
}

func TestInstallProgressUnknown(t *testing.T) {
	svc, _ := newTestService(t, &fakeRuntime{})

	_, err := svc.InstallProgress(context.Background(), "ghost", "1b")
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestRemoveModel(t *testing.T) {
	runtime := &fakeRuntime{}
	svc, registry := newTestService(t, runtime)
	ctx := context.Background()

	_, err := svc.InstallModel(ctx, "phi3.5", "3.8b")
	require.NoError(t, err)
	waitForStatus(t, func() (*Job, error) {
		return svc.InstallProgress(ctx, "phi3.5", "3.8b")
	}, StatusDone)

	require.NoError(t, svc.RemoveModel(ctx, "phi3.5", "3.8b"))

	installed, err := svc.ListInstalled(ctx)
	require.NoError(t, err)
	assert.Empty(t, installed)

	local, err := registry.Get(ctx, supplier.LocalName)
	require.NoError(t, err)
	_, ok := local.MustGet().FindModel("phi3.5", "3.8b")
	assert.False(t, ok)

	// 削除後は進捗問い合わせも not_found になる
	_, err = svc.InstallProgress(ctx, "phi3.5", "3.8b")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestListInstalledSnapshotFallback(t *testing.T) {
	runtime := &fakeRuntime{}
	svc, _ := newTestService(t, runtime)
	ctx := context.Background()

	_, err := svc.InstallModel(ctx, "llama3.1", "8b")
	require.NoError(t, err)
	waitForStatus(t, func() (*Job, error) {
		return svc.InstallProgress(ctx, "llama3.1", "8b")
	}, StatusDone)

	// ランタイムが落ちてもスナップショットから一覧を返す
	runtime.mu.Lock()
	runtime.listErr = errors.New("connection refused")
	runtime.mu.Unlock()

	installed, err := svc.ListInstalled(ctx)
	require.NoError(t, err)
	require.Len(t, installed, 1)
	assert.Equal(t, "llama3.1:8b", installed[0].Tag())
}

func TestListVisibleMarksInstalled(t *testing.T) {
	runtime := &fakeRuntime{}
	svc, _ := newTestService(t, runtime)
	ctx := context.Background()

	_, err := svc.InstallModel(ctx, "gemma2", "2b")
	require.NoError(t, err)
	waitForStatus(t, func() (*Job, error) {
		return svc.InstallProgress(ctx, "gemma2", "2b")
	}, StatusDone)

	visible, err := svc.ListVisible(ctx)
	require.NoError(t, err)

	var found bool
	for _, m := range visible {
		if m.Name != "gemma2" {
			continue
		}
		for _, v := range m.Variants {
			if v.Parameters == "2b" {
				found = true
				assert.True(t, v.Installed)
			} else {
				assert.False(t, v.Installed)
			}
		}
	}
	assert.True(t, found)
}

func TestDownloadFraction(t *testing.T) {
	totals := map[string]int64{"a": 100, "b": 300}
	completed := map[string]int64{"a": 100, "b": 100}
	assert.InDelta(t, 0.5, downloadFraction(totals, completed), 0.001)

	// 超過分は切り詰める
	completed["b"] = 400
	assert.InDelta(t, 1.0, downloadFraction(totals, completed), 0.001)

	assert.Zero(t, downloadFraction(nil, nil))
}

func TestTrackerMonotonic(t *testing.T) {
	tr := newTracker()
	tr.begin("m", Job{Status: StatusQueued})

	tr.update("m", func(j *Job) { j.Status = StatusInstalling })
	// 後退する更新は無視される
	tr.update("m", func(j *Job) { j.Status = StatusDownloading })
	job, ok := tr.get("m")
	require.True(t, ok)
	assert.Equal(t, StatusInstalling, job.Status)

	// failed への遷移だけは常に許される
	tr.update("m", func(j *Job) { j.Status = StatusFailed })
	job, _ = tr.get("m")
	assert.Equal(t, StatusFailed, job.Status)

	// 終端後の更新は無視される
	tr.update("m", func(j *Job) { j.Status = StatusDone })
	job, _ = tr.get("m")
	assert.Equal(t, StatusFailed, job.Status)
}

func TestManagerInstall(t *testing.T) {
	payload := []byte("#!/bin/sh\necho runtime\n")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ollama", r.URL.Path)
		w.Write(payload)
	}))
	defer server.Close()

	store, err := objstore.New(t.TempDir())
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	registry := supplier.NewRegistry(store, supplier.WithRegistryLogger(logger))
	require.NoError(t, registry.EnsureLocal(context.Background(), "http://127.0.0.1:11434"))

	dir := t.TempDir()
	svc := NewService(store, registry, &fakeRuntime{},
		WithManagerLogger(logger),
		WithMirrors([]string{server.URL}),
		WithRuntimeDir(dir),
	)
	ctx := context.Background()

	_, err = svc.InstallManager(ctx, "")
	require.NoError(t, err)

	// manager名を省略しても直近のジョブへ辿り着ける
	done := waitForStatus(t, func() (*Job, error) {
		return svc.ManagerInstallProgress(ctx, "")
	}, StatusDone)
	assert.Equal(t, DefaultManagerName, done.Model)

	data, err := os.ReadFile(filepath.Join(dir, "ollama"))
	require.NoError(t, err)
	assert.Equal(t, payload, data)

	info, err := os.Stat(filepath.Join(dir, "ollama"))
	require.NoError(t, err)
	assert.NotZero(t, info.Mode()&0o111)
}

func TestDownloaderReconnectRotatesMirror(t *testing.T) {
	d := newDownloader([]string{"https://a.example", "https://b.example"}, t.TempDir(), nil)
	assert.Equal(t, "https://a.example", d.CurrentMirror())

	require.NoError(t, d.Reconnect())
	assert.Equal(t, "https://b.example", d.CurrentMirror())

	require.NoError(t, d.Reconnect())
	assert.Equal(t, "https://a.example", d.CurrentMirror())
}

func TestArtifactTag(t *testing.T) {
	assert.Equal(t, "qwen2.5:7b", artifactTag("qwen2.5", "7b"))
	assert.Equal(t, "qwen2.5", artifactTag("qwen2.5", ""))
	// 既にタグ付きの名前はそのまま
	assert.Equal(t, "qwen2.5:7b", artifactTag("qwen2.5:7b", "14b"))

	name, params := splitTag("qwen2.5:7b")
	assert.Equal(t, "qwen2.5", name)
	assert.Equal(t, "7b", params)
}
