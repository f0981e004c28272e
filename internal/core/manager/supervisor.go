package manager

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/process"

	"github.com/jinford/deskchat/internal/core/apperr"
	"github.com/jinford/deskchat/internal/platform/i18n"
)

// Supervisor はサンドボックス内のランタイムプロセスを起動・監視する。
// 外部で既にランタイムが動いている場合はそれを採用し、新たには起動しない。
type Supervisor struct {
	dir     string
	addr    string
	binary  string
	runtime Runtime
	catalog *i18n.Catalog
	logger  *slog.Logger

	notifier Notifier
	cmd      *exec.Cmd
	done     chan struct{}
}

type supervisorOptions struct {
	logger   *slog.Logger
	notifier Notifier
	binary   string
}

type SupervisorOption func(*supervisorOptions)

// WithSupervisorLogger はロガーを差し替える。
func WithSupervisorLogger(logger *slog.Logger) SupervisorOption {
	return func(o *supervisorOptions) {
		o.logger = logger
	}
}

// WithNotifier はホストOSへの警告表示先を設定する。
func WithNotifier(n Notifier) SupervisorOption {
	return func(o *supervisorOptions) {
		o.notifier = n
	}
}

// WithBinaryName はランタイムのバイナリ名を上書きする。
func WithBinaryName(name string) SupervisorOption {
	return func(o *supervisorOptions) {
		o.binary = name
	}
}

// NewSupervisor は新しいSupervisorを作成する。
// dir はランタイムのサンドボックスディレクトリ、addr はネイティブAPIのURL。
func NewSupervisor(dir, addr string, runtime Runtime, catalog *i18n.Catalog, opts ...SupervisorOption) *Supervisor {
	options := supervisorOptions{
		logger: slog.Default(),
		binary: DefaultManagerName,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Supervisor{
		dir:      dir,
		addr:     addr,
		binary:   options.binary,
		runtime:  runtime,
		catalog:  catalog,
		logger:   options.logger,
		notifier: options.notifier,
	}
}

// Start はランタイムを利用可能な状態にする。
//  1. サンドボックス外で同名ランタイムが動いていれば警告する（継続はする）
//  2. ネイティブAPIに到達できればそのプロセスを採用する
//  3. サンドボックスにバイナリがあれば起動し、到達可能になるまで待つ
func (s *Supervisor) Start(ctx context.Context) error {
	const op = "manager.Supervisor.Start"

	s.warnForeignRuntime(ctx)

	if _, err := s.runtime.Version(ctx); err == nil {
		s.logger.Info("既存のランタイムを採用します", slog.String("addr", s.addr))
		return nil
	}

	bin := filepath.Join(s.dir, s.binary)
	if _, err := os.Stat(bin); err != nil {
		return apperr.NotFound(op, fmt.Sprintf("runtime binary not found: %s", bin))
	}

	cmd := exec.Command(bin, "serve")
	cmd.Env = append(os.Environ(),
		"OLLAMA_HOST="+hostPort(s.addr),
		"OLLAMA_MODELS="+filepath.Join(s.dir, "models"),
	)
	if err := cmd.Start(); err != nil {
		return apperr.Internal(op, fmt.Errorf("ランタイムの起動に失敗しました: %w", err))
	}
	s.cmd = cmd
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		if err := cmd.Wait(); err != nil {
			s.logger.Warn("ランタイムプロセスが終了しました", slog.String("error", err.Error()))
		}
	}()
	s.logger.Info("ランタイムを起動しました",
		slog.String("binary", bin),
		slog.Int("pid", cmd.Process.Pid),
	)

	// 起動直後はAPIが立ち上がるまで少し待つ
	deadline := time.Now().Add(30 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := s.runtime.Version(ctx); err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return apperr.Canceled(op, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
	return apperr.UpstreamTimeout(op, fmt.Errorf("ランタイムが %s で応答しません", s.addr))
}

// Stop は起動したランタイムプロセスを停止する。採用した外部プロセスは止めない。
func (s *Supervisor) Stop() {
	if s.cmd == nil || s.cmd.Process == nil {
		return
	}
	if err := s.cmd.Process.Signal(os.Interrupt); err != nil {
		s.cmd.Process.Kill()
		return
	}
	select {
	case <-s.done:
	case <-time.After(5 * time.Second):
		s.cmd.Process.Kill()
	}
}

// warnForeignRuntime はサンドボックス外で動く同名ランタイムを検出し、
// 利用者へ警告する。検出に失敗しても起動は続ける。
func (s *Supervisor) warnForeignRuntime(ctx context.Context) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		s.logger.Warn("プロセス一覧の取得に失敗しました", slog.String("error", err.Error()))
		return
	}
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || !strings.EqualFold(strings.TrimSuffix(name, ".exe"), s.binary) {
			continue
		}
		exe, err := p.ExeWithContext(ctx)
		if err != nil {
			continue
		}
		if s.dir != "" && strings.HasPrefix(exe, s.dir+string(os.PathSeparator)) {
			continue
		}
		s.logger.Warn("サンドボックス外でランタイムが動作しています",
			slog.String("exe", exe),
			slog.Int("pid", int(p.Pid)),
		)
		if s.notifier != nil {
			s.notifier.Warn(ctx, s.catalog.T("manager.runtime_conflict"))
		}
		return
	}
}

// hostPort はネイティブAPIのURLを OLLAMA_HOST 形式（host:port）へ変換する。
func hostPort(addr string) string {
	u, err := url.Parse(addr)
	if err != nil || u.Host == "" {
		return addr
	}
	if _, _, err := net.SplitHostPort(u.Host); err == nil {
		return u.Host
	}
	return u.Host
}
