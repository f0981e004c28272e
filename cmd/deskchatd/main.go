package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/urfave/cli/v3"

	"github.com/jinford/deskchat/internal/platform/container"
	"github.com/jinford/deskchat/internal/platform/logger"
	"github.com/jinford/deskchat/pkg/config"
)

// version はビルド時に -ldflags で上書きされる
var version = "dev"

// shutdownTimeout は進行中リクエストの退避猶予
const shutdownTimeout = 10 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := &cli.Command{
		Name:  "deskchatd",
		Usage: "デスクトップAIアシスタントのバックエンドデーモン",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env",
				Usage: "環境変数ファイルパス",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "data-root",
				Usage: "永続化データのルートディレクトリ",
			},
			&cli.StringFlag{
				Name:  "bind-addr",
				Usage: "HTTPリッスンアドレス",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "ログレベル (debug, info, warn, error)",
			},
		},
		Action: serveAction,
		Commands: []*cli.Command{
			{
				Name:  "version",
				Usage: "バージョンを表示",
				Action: func(ctx context.Context, cmd *cli.Command) error {
					fmt.Println(version)
					return nil
				},
			},
		},
	}

	if err := app.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

// serveAction はデーモン本体。シグナルで停止するまでHTTPサーバを提供する。
func serveAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := config.Load(cmd.String("env"))
	if err != nil {
		return fmt.Errorf("設定の読み込みに失敗しました: %w", err)
	}

	// フラグは環境変数より優先する
	if v := cmd.String("data-root"); v != "" {
		cfg.DataRoot = v
	}
	if v := cmd.String("bind-addr"); v != "" {
		cfg.Server.BindAddr = v
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.Log.Level = v
	}

	appLogger := logger.New(logger.Config{
		Level:  logger.ParseLevel(cfg.Log.Level),
		Format: cfg.Log.Format,
		Output: os.Stdout,
	})

	gin.SetMode(gin.ReleaseMode)

	services, err := container.New(ctx, version, cfg, container.WithContainerLogger(appLogger))
	if err != nil {
		return err
	}
	services.Start(ctx)
	defer services.Stop()

	server := &http.Server{
		Addr:    cfg.Server.BindAddr,
		Handler: services.API.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		appLogger.Info("デーモンを起動しました",
			slog.String("version", version),
			slog.String("addr", cfg.Server.BindAddr),
			slog.String("data_root", cfg.DataRoot),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("HTTPサーバの起動に失敗しました: %w", err)
	case <-ctx.Done():
	}

	appLogger.Info("シャットダウンを開始します")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		appLogger.Warn("HTTPサーバの退避に失敗しました", slog.String("error", err.Error()))
	}
	return nil
}
