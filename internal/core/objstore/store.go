// Package objstore はデータディレクトリ配下のJSONドキュメント永続化を提供する。
// すべての書き込みは一時ファイルへの書き出しとrenameで原子的に行われ、
// 読み手は常に書き込み前後いずれかの完全なスナップショットを観測する。
package objstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/jinford/deskchat/internal/core/apperr"
)

// Store はルートディレクトリ配下のファイル群を管理する。
// ファイル単位のミューテックスで書き込みを直列化する。
type Store struct {
	root string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New はルートディレクトリを作成してStoreを返す。
func New(root string) (*Store, error) {
	if root == "" {
		return nil, apperr.InvalidRequest("objstore.New", "data root is empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, apperr.StorageFailure("objstore.New", err)
	}
	return &Store{
		root:  root,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

// Root はルートディレクトリの絶対パスを返す。
func (s *Store) Root() string {
	return s.root
}

// Path は相対パスをルート配下の絶対パスへ解決する。
func (s *Store) Path(rel string) string {
	return filepath.Join(s.root, filepath.FromSlash(rel))
}

// Read は相対パスのJSONドキュメントを読み込みvへ展開する。
// ファイルが存在しない・空・壊れている場合は false を返しvは変更しない。
// クラッシュ後の部分書き込みを起動時に許容するための仕様で、エラーにはしない。
func (s *Store) Read(rel string, v any) (bool, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return false, err
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, apperr.StorageFailure("objstore.Read", err)
	}
	if len(data) == 0 {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		// 壊れたファイルは空として扱う
		return false, nil
	}
	return true, nil
}

// Write は値をJSONとして相対パスへ原子的に書き込む。
// 親ディレクトリは必要に応じて作成される。
func (s *Store) Write(rel string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return apperr.Internal("objstore.Write", fmt.Errorf("JSONエンコードに失敗: %w", err))
	}
	return s.WriteRaw(rel, data)
}

// WriteRaw は生のバイト列を相対パスへ原子的に書き込む。
func (s *Store) WriteRaw(rel string, data []byte) error {
	abs, err := s.resolve(rel)
	if err != nil {
		return err
	}

	lock := s.fileLock(rel)
	lock.Lock()
	defer lock.Unlock()

	return s.writeLocked(abs, data)
}

func (s *Store) writeLocked(abs string, data []byte) error {
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return apperr.StorageFailure("objstore.Write", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(abs)+".tmp-*")
	if err != nil {
		return apperr.StorageFailure("objstore.Write", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperr.StorageFailure("objstore.Write", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return apperr.StorageFailure("objstore.Write", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return apperr.StorageFailure("objstore.Write", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		os.Remove(tmpName)
		return apperr.StorageFailure("objstore.Write", err)
	}
	return nil
}

// ReadRaw は相対パスの生バイト列を返す。存在しない場合は false。
func (s *Store) ReadRaw(rel string) ([]byte, bool, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return nil, false, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, apperr.StorageFailure("objstore.ReadRaw", err)
	}
	return data, true, nil
}

// AppendRaw は相対パスのファイル末尾へバイト列を追記する。
// 追記は単一書き手前提の呼び出し元（ベクトルファイルのパースワーカ等）が使う。
func (s *Store) AppendRaw(rel string, data []byte) error {
	abs, err := s.resolve(rel)
	if err != nil {
		return err
	}

	lock := s.fileLock(rel)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return apperr.StorageFailure("objstore.AppendRaw", err)
	}
	f, err := os.OpenFile(abs, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return apperr.StorageFailure("objstore.AppendRaw", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return apperr.StorageFailure("objstore.AppendRaw", err)
	}
	if err := f.Sync(); err != nil {
		return apperr.StorageFailure("objstore.AppendRaw", err)
	}
	return nil
}

// List は相対ディレクトリ直下のエントリ名をソートして返す。
// ディレクトリが存在しない場合は空を返す。
func (s *Store) List(rel string) ([]string, error) {
	abs, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, apperr.StorageFailure("objstore.List", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// Exists は相対パスにファイルまたはディレクトリが存在するか返す。
func (s *Store) Exists(rel string) bool {
	abs, err := s.resolve(rel)
	if err != nil {
		return false
	}
	_, statErr := os.Stat(abs)
	return statErr == nil
}

// Remove は相対パスのファイルを削除する。存在しない場合は何もしない。
func (s *Store) Remove(rel string) error {
	abs, err := s.resolve(rel)
	if err != nil {
		return err
	}

	lock := s.fileLock(rel)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return apperr.StorageFailure("objstore.Remove", err)
	}
	return nil
}

// RemoveTree は相対パス配下を再帰的に削除する。
func (s *Store) RemoveTree(rel string) error {
	abs, err := s.resolve(rel)
	if err != nil {
		return err
	}
	if abs == s.root {
		return apperr.InvalidRequest("objstore.RemoveTree", "refusing to remove data root")
	}
	if err := os.RemoveAll(abs); err != nil {
		return apperr.StorageFailure("objstore.RemoveTree", err)
	}
	return nil
}

// resolve は相対パスを検証してルート配下の絶対パスへ変換する。
// ルート外への脱出は invalid_request として拒否する。
func (s *Store) resolve(rel string) (string, error) {
	normalized := strings.ReplaceAll(rel, "\\", "/")
	for _, seg := range strings.Split(normalized, "/") {
		if seg == ".." {
			return "", apperr.InvalidRequest("objstore.resolve", fmt.Sprintf("invalid path: %s", rel))
		}
	}
	cleaned := path.Clean("/" + normalized)
	if cleaned == "/" {
		return s.root, nil
	}
	return filepath.Join(s.root, filepath.FromSlash(cleaned[1:])), nil
}

func (s *Store) fileLock(rel string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := path.Clean(strings.ReplaceAll(rel, "\\", "/"))
	lock, ok := s.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		s.locks[key] = lock
	}
	return lock
}
