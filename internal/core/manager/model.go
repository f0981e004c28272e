// Package manager はローカルモデルランタイムのライフサイクルと、
// モデルのインストール・削除・進捗ポーリングを管理する。
package manager

import (
	"context"
	"strings"
)

// Status はインストールジョブの状態。
// queued → downloading → installing → done と単調に進み、
// done と failed は終端で以後変化しない。
type Status int

const (
	StatusFailed      Status = -1
	StatusQueued      Status = 0
	StatusDownloading Status = 1
	StatusInstalling  Status = 2
	StatusDone        Status = 3
)

// Terminal は終端状態かどうかを返す。
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusFailed
}

// Job は1件のインストールジョブ。プロセス内メモリにのみ存在し、
// クライアントは1Hzでポーリングする。
type Job struct {
	Model      string  `json:"model"`
	Parameters string  `json:"parameters"`
	Status     Status  `json:"status"`
	Progress   float64 `json:"progress"`
	Notice     string  `json:"notice"`
}

// InstalledModel は models/installed.json に記録されるインストール済み
// アーティファクト1件。ランタイムに届かない間のフォールバックとして使う。
type InstalledModel struct {
	Name        string `json:"name"`
	Parameters  string `json:"parameters"`
	Size        int64  `json:"size"`
	InstallTime int64  `json:"install_time"`
}

// Tag はランタイム上のアーティファクト識別子を返す。
func (m InstalledModel) Tag() string {
	return artifactTag(m.Name, m.Parameters)
}

// RuntimeModel はランタイムが報告するインストール済みモデル1件
type RuntimeModel struct {
	Name          string
	Size          int64
	ParameterSize string
}

// PullProgress はモデルダウンロードの進捗1行分。
// Total と Completed はレイヤー（ダイジェスト）単位のバイト数。
type PullProgress struct {
	Status    string
	Digest    string
	Total     int64
	Completed int64
}

// Runtime はローカルランタイムのネイティブAPIへのポート。
type Runtime interface {
	Version(ctx context.Context) (string, error)
	ListModels(ctx context.Context) ([]RuntimeModel, error)
	Pull(ctx context.Context, model string, progress func(PullProgress)) error
	DeleteModel(ctx context.Context, model string) error
}

// Notifier はホストOSのダイアログなど、デーモン外への警告表示ポート。
type Notifier interface {
	Warn(ctx context.Context, message string)
}

// artifactTag はモデル名とパラメータタグからランタイム上の識別子を組み立てる。
// 名前が既にタグ付きの場合はそのまま使う。
func artifactTag(name, parameters string) string {
	if parameters == "" || strings.Contains(name, ":") {
		return name
	}
	return name + ":" + parameters
}

// splitTag はアーティファクト識別子を名前とパラメータタグへ分解する。
func splitTag(tag string) (name, parameters string) {
	if i := strings.IndexByte(tag, ':'); i >= 0 {
		return tag[:i], tag[i+1:]
	}
	return tag, ""
}
