package manager

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jinford/deskchat/internal/core/apperr"
	"github.com/jinford/deskchat/internal/core/objstore"
	"github.com/jinford/deskchat/internal/core/supplier"
)

// installedPath はインストール済みアーティファクトのスナップショット
const installedPath = "models/installed.json"

// DefaultManagerName はランタイム本体の既定のアーティファクト名
const DefaultManagerName = "ollama"

// Service はモデルとランタイム本体のインストールジョブを管理する。
// ジョブはプロセス内メモリにのみ存在し、確定した結果（インストール済み
// モデル一覧）だけがオブジェクトストアとサプライヤレジストリへ反映される。
type Service struct {
	store    *objstore.Store
	registry *supplier.Registry
	runtime  Runtime
	logger   *slog.Logger

	jobs        *tracker
	managerJobs *tracker
	downloader  *downloader

	mu          sync.Mutex
	lastManager string
}

type serviceOptions struct {
	logger     *slog.Logger
	mirrors    []string
	runtimeDir string
	httpClient *http.Client
}

// ServiceOption はService構築時のオプション
type ServiceOption func(*serviceOptions)

// WithManagerLogger はロガーを差し替える。
func WithManagerLogger(logger *slog.Logger) ServiceOption {
	return func(o *serviceOptions) {
		o.logger = logger
	}
}

// WithMirrors はランタイム本体のダウンロードミラーを設定する。
func WithMirrors(mirrors []string) ServiceOption {
	return func(o *serviceOptions) {
		o.mirrors = mirrors
	}
}

// WithRuntimeDir はランタイムのサンドボックスディレクトリを設定する。
func WithRuntimeDir(dir string) ServiceOption {
	return func(o *serviceOptions) {
		o.runtimeDir = dir
	}
}

// WithDownloadHTTPClient はミラー取得用のHTTPクライアントを差し替える。テスト用。
func WithDownloadHTTPClient(hc *http.Client) ServiceOption {
	return func(o *serviceOptions) {
		o.httpClient = hc
	}
}

// NewService は新しいServiceを作成する。
func NewService(store *objstore.Store, registry *supplier.Registry, runtime Runtime, opts ...ServiceOption) *Service {
	options := serviceOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		store:       store,
		registry:    registry,
		runtime:     runtime,
		logger:      options.logger,
		jobs:        newTracker(),
		managerJobs: newTracker(),
		downloader:  newDownloader(options.mirrors, options.runtimeDir, options.httpClient),
	}
}

// RuntimeVersion はランタイムのバージョン文字列を返す。到達できない場合は空文字列。
func (s *Service) RuntimeVersion(ctx context.Context) string {
	version, err := s.runtime.Version(ctx)
	if err != nil {
		return ""
	}
	return version
}

// InstallModel はモデルのインストールジョブを開始して即座に返す。
// 進行中のジョブがあればそれを、インストール済みなら done のジョブを返す（冪等）。
func (s *Service) InstallModel(ctx context.Context, name, parameters string) (*Job, error) {
	if strings.TrimSpace(name) == "" {
		return nil, apperr.InvalidRequest("manager.InstallModel", "model name is required")
	}
	tag := artifactTag(name, parameters)

	job, started := s.jobs.begin(tag, Job{
		Model:      name,
		Parameters: parameters,
		Status:     StatusQueued,
		Notice:     "queued",
	})
	if !started {
		return &job, nil
	}

	if s.isInstalled(tag) {
		s.jobs.update(tag, func(j *Job) {
			j.Status = StatusDone
			j.Progress = 1
			j.Notice = ""
		})
		job, _ = s.jobs.get(tag)
		return &job, nil
	}

	// ジョブの寿命はリクエストから切り離す
	go s.runInstall(context.WithoutCancel(ctx), tag)
	return &job, nil
}

// runInstall は1件のモデルインストールを最後まで進める。
// 失敗はジョブに記録するだけでプロセスには波及させない。
func (s *Service) runInstall(ctx context.Context, tag string) {
	logger := s.logger.With(slog.String("model", tag))
	logger.Info("モデルのインストールを開始します")

	s.jobs.update(tag, func(j *Job) {
		j.Status = StatusDownloading
		j.Notice = "downloading"
	})

	// ダウンロードはレイヤーごとに進むため、ダイジェスト単位で合算して
	// 全体の進捗率を出す
	totals := make(map[string]int64)
	completed := make(map[string]int64)
	err := s.runtime.Pull(ctx, tag, func(p PullProgress) {
		if p.Digest != "" {
			if p.Total > 0 {
				totals[p.Digest] = p.Total
			}
			if p.Completed > 0 {
				completed[p.Digest] = p.Completed
			}
		}
		frac := downloadFraction(totals, completed)
		s.jobs.update(tag, func(j *Job) {
			j.Progress = frac
			if p.Status != "" {
				j.Notice = p.Status
			}
		})
	})
	if err != nil {
		logger.Warn("モデルのダウンロードに失敗しました", slog.String("error", err.Error()))
		s.jobs.update(tag, func(j *Job) {
			j.Status = StatusFailed
			j.Notice = err.Error()
		})
		return
	}

	s.jobs.update(tag, func(j *Job) {
		j.Status = StatusInstalling
		j.Progress = 1
		j.Notice = "installing"
	})

	if _, err := s.refreshInstalled(ctx); err != nil {
		logger.Warn("インストール結果の反映に失敗しました", slog.String("error", err.Error()))
		s.jobs.update(tag, func(j *Job) {
			j.Status = StatusFailed
			j.Notice = err.Error()
		})
		return
	}

	s.jobs.update(tag, func(j *Job) {
		j.Status = StatusDone
		j.Notice = ""
	})
	logger.Info("モデルのインストールが完了しました")
}

// InstallProgress はモデルインストールジョブの現在値を返す。
// ジョブが追跡されていなくてもインストール済みなら done を合成して返す。
func (s *Service) InstallProgress(ctx context.Context, name, parameters string) (*Job, error) {
	tag := artifactTag(name, parameters)
	if job, ok := s.jobs.get(tag); ok {
		return &job, nil
	}
	if s.isInstalled(tag) {
		return &Job{Model: name, Parameters: parameters, Status: StatusDone, Progress: 1}, nil
	}
	return nil, apperr.NotFound("manager.InstallProgress", fmt.Sprintf("no install job for %s", tag))
}

// RemoveModel はモデルをランタイムから削除し、レジストリへ反映する。
// ランタイム側で既に消えている場合も成功として扱う。
func (s *Service) RemoveModel(ctx context.Context, name, parameters string) error {
	tag := artifactTag(name, parameters)
	if err := s.runtime.DeleteModel(ctx, tag); err != nil && apperr.KindOf(err) != apperr.KindNotFound {
		return err
	}
	s.jobs.drop(tag)
	if _, err := s.refreshInstalled(ctx); err != nil {
		return err
	}
	s.logger.Info("モデルを削除しました", slog.String("model", tag))
	return nil
}

// ListInstalled はインストール済みモデルの一覧を返す。
// ランタイムに到達できた場合はスナップショットとレジストリも更新し、
// 到達できない間は前回のスナップショットを返す。
func (s *Service) ListInstalled(ctx context.Context) ([]InstalledModel, error) {
	models, err := s.refreshInstalled(ctx)
	if err != nil {
		s.logger.Warn("ランタイムに到達できないためスナップショットを返します",
			slog.String("error", err.Error()),
		)
		return s.installedSnapshot()
	}
	return models, nil
}

// ListVisible はインストール可能モデルのカタログを返す。
// 各バリアントにインストール済みフラグを付ける。
func (s *Service) ListVisible(ctx context.Context) ([]VisibleModel, error) {
	installed := make(map[string]bool)
	models, err := s.ListInstalled(ctx)
	if err == nil {
		for _, m := range models {
			installed[m.Tag()] = true
		}
	}

	out := make([]VisibleModel, len(visibleCatalog))
	for i, entry := range visibleCatalog {
		dup := entry
		dup.Variants = make([]VisibleVariant, len(entry.Variants))
		copy(dup.Variants, entry.Variants)
		for j := range dup.Variants {
			dup.Variants[j].Installed = installed[artifactTag(entry.Name, dup.Variants[j].Parameters)]
		}
		out[i] = dup
	}
	return out, nil
}

// InstallManager はランタイム本体のインストールジョブを開始する。
// モデルのジョブとは独立して追跡される。
func (s *Service) InstallManager(ctx context.Context, managerName string) (*Job, error) {
	if managerName == "" {
		managerName = DefaultManagerName
	}

	s.mu.Lock()
	s.lastManager = managerName
	s.mu.Unlock()

	job, started := s.managerJobs.begin(managerName, Job{
		Model:  managerName,
		Status: StatusQueued,
		Notice: "queued",
	})
	if !started {
		return &job, nil
	}

	go s.runManagerInstall(context.WithoutCancel(ctx), managerName)
	return &job, nil
}

// runManagerInstall はミラーからランタイム本体を取得して配置する。
func (s *Service) runManagerInstall(ctx context.Context, name string) {
	logger := s.logger.With(slog.String("manager", name))
	logger.Info("ランタイム本体のインストールを開始します")

	s.managerJobs.update(name, func(j *Job) {
		j.Status = StatusDownloading
		j.Notice = "downloading"
	})

	err := s.downloader.Download(ctx, name, func(frac float64, notice string) {
		s.managerJobs.update(name, func(j *Job) {
			j.Progress = frac
			j.Notice = notice
		})
	})
	if err != nil {
		logger.Warn("ランタイム本体の取得に失敗しました", slog.String("error", err.Error()))
		s.managerJobs.update(name, func(j *Job) {
			j.Status = StatusFailed
			j.Notice = err.Error()
		})
		return
	}

	s.managerJobs.update(name, func(j *Job) {
		j.Status = StatusInstalling
		j.Progress = 1
		j.Notice = "installing"
	})
	s.managerJobs.update(name, func(j *Job) {
		j.Status = StatusDone
		j.Notice = ""
	})
	logger.Info("ランタイム本体のインストールが完了しました")
}

// ManagerInstallProgress はランタイム本体インストールジョブの現在値を返す。
// 名前が空の場合は直近に開始したジョブを返す。
func (s *Service) ManagerInstallProgress(ctx context.Context, managerName string) (*Job, error) {
	if managerName == "" {
		s.mu.Lock()
		managerName = s.lastManager
		s.mu.Unlock()
	}
	if managerName == "" {
		managerName = DefaultManagerName
	}
	if job, ok := s.managerJobs.get(managerName); ok {
		return &job, nil
	}
	return nil, apperr.NotFound("manager.ManagerInstallProgress",
		fmt.Sprintf("no install job for manager %s", managerName))
}

// ReconnectDownload は進行中のランタイム本体ダウンロードを次のミラーへ切り替える。
func (s *Service) ReconnectDownload(ctx context.Context) error {
	if err := s.downloader.Reconnect(); err != nil {
		return err
	}
	s.logger.Info("ダウンロードミラーを切り替えました", slog.String("mirror", s.downloader.CurrentMirror()))
	return nil
}

// refreshInstalled はランタイムの一覧をスナップショットとレジストリへ反映する。
func (s *Service) refreshInstalled(ctx context.Context) ([]InstalledModel, error) {
	runtimeModels, err := s.runtime.ListModels(ctx)
	if err != nil {
		return nil, err
	}

	now := time.Now().Unix()
	prev := make(map[string]InstalledModel)
	if snapshot, err := s.installedSnapshot(); err == nil {
		for _, m := range snapshot {
			prev[m.Tag()] = m
		}
	}

	installed := make([]InstalledModel, 0, len(runtimeModels))
	registryModels := make([]supplier.Model, 0, len(runtimeModels))
	for _, rm := range runtimeModels {
		name, parameters := splitTag(rm.Name)
		if parameters == "" {
			parameters = rm.ParameterSize
		}
		record := InstalledModel{
			Name:        name,
			Parameters:  parameters,
			Size:        rm.Size,
			InstallTime: now,
		}
		if old, ok := prev[record.Tag()]; ok {
			record.InstallTime = old.InstallTime
		}
		installed = append(installed, record)

		registryModels = append(registryModels, supplier.Model{
			Name:         name,
			Title:        name,
			Parameters:   parameters,
			Capabilities: localCapabilities(name),
			Enabled:      true,
		})
	}
	sort.Slice(installed, func(i, j int) bool { return installed[i].Tag() < installed[j].Tag() })

	if err := s.store.Write(installedPath, installed); err != nil {
		return nil, err
	}
	if err := s.registry.SyncLocalModels(ctx, registryModels); err != nil {
		return nil, err
	}
	return installed, nil
}

// installedSnapshot は models/installed.json の現在値を返す。
func (s *Service) installedSnapshot() ([]InstalledModel, error) {
	var installed []InstalledModel
	if _, err := s.store.Read(installedPath, &installed); err != nil {
		return nil, err
	}
	if installed == nil {
		installed = []InstalledModel{}
	}
	return installed, nil
}

func (s *Service) isInstalled(tag string) bool {
	installed, err := s.installedSnapshot()
	if err != nil {
		return false
	}
	for _, m := range installed {
		if m.Tag() == tag {
			return true
		}
	}
	return false
}

// downloadFraction はレイヤー単位のバイト数から全体の進捗率を出す。
func downloadFraction(totals, completed map[string]int64) float64 {
	var total, done int64
	for digest, t := range totals {
		total += t
		c := completed[digest]
		if c > t {
			c = t
		}
		done += c
	}
	if total <= 0 {
		return 0
	}
	return float64(done) / float64(total)
}
