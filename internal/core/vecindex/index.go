// Package vecindex はナレッジベースごとのベクトルインデックスを提供する。
// チャンクはベースごとの追記型バイナリファイルへ永続化され、メモリ上の
// フラット配列に対するコサイン類似度の全探索で検索する。
package vecindex

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"math"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/jinford/deskchat/internal/core/apperr"
	"github.com/jinford/deskchat/internal/core/objstore"
)

// magic はコサイン正規化済みレイアウトの先頭マーカー。
// これを持たないファイルは旧レイアウトとして起動時に変換される。
var magic = []byte("DCVEC01\n")

// Entry はインデックスに格納される1チャンク
type Entry struct {
	ChunkID uuid.UUID
	DocID   uuid.UUID
	Ordinal uint32
	Offset  uint32
	Text    string
	Vector  []float32
}

// Hit は検索結果の1件
type Hit struct {
	ChunkID uuid.UUID
	DocID   uuid.UUID
	Ordinal uint32
	Text    string
	Score   float64
}

// index は1ベース分のメモリ上インデックス
type index struct {
	mu      sync.RWMutex
	dim     int
	entries []Entry
}

// Store は全ナレッジベースのベクトルインデックスを管理する。
type Store struct {
	mu      sync.Mutex
	store   *objstore.Store
	logger  *slog.Logger
	indexes map[string]*index
}

type storeOptions struct {
	logger *slog.Logger
}

// StoreOption はStore構築時のオプション
type StoreOption func(*storeOptions)

// WithStoreLogger はロガーを差し替える
func WithStoreLogger(logger *slog.Logger) StoreOption {
	return func(opts *storeOptions) {
		opts.logger = logger
	}
}

// NewStore は新しいStoreを作成する。
func NewStore(store *objstore.Store, opts ...StoreOption) *Store {
	options := storeOptions{logger: slog.Default()}
	for _, opt := range opts {
		opt(&options)
	}
	return &Store{
		store:   store,
		logger:  options.logger,
		indexes: make(map[string]*index),
	}
}

// Normalize は全ベースのベクトルファイルをコサインレイアウトへ変換する。
// 変換済みファイルには何もしないため起動ごとに呼んで安全。
func (s *Store) Normalize() error {
	bases, err := s.store.List("rag")
	if err != nil {
		return err
	}

	for _, base := range bases {
		rel := vectorsPath(base)
		data, ok, err := s.store.ReadRaw(rel)
		if err != nil {
			return err
		}
		if !ok || len(data) == 0 {
			continue
		}
		if bytes.HasPrefix(data, magic) {
			continue
		}

		entries, err := decodeEntries(bytes.NewReader(data))
		if err != nil {
			// 読めたレコードまでを採用して変換を続ける
			s.logger.Warn("ベクトルファイル末尾の不完全なレコードを切り捨てます",
				slog.String("base", base),
				slog.String("error", err.Error()),
			)
		}
		for i := range entries {
			normalize(entries[i].Vector)
		}
		if err := s.rewrite(base, entries); err != nil {
			return err
		}
		s.logger.Info("ベクトルファイルをコサインレイアウトへ変換しました",
			slog.String("base", base),
			slog.Int("entries", len(entries)),
		)
	}
	return nil
}

// Append はエントリ群を正規化して追記する。
// ベースの次元と一致しないベクトルは invalid_request を返す。
func (s *Store) Append(base string, entries []Entry) error {
	if len(entries) == 0 {
		return nil
	}

	idx, err := s.open(base)
	if err != nil {
		return err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	dim := idx.dim
	for i := range entries {
		if len(entries[i].Vector) == 0 {
			return apperr.InvalidRequest("vecindex.Append", "empty embedding vector")
		}
		if dim == 0 {
			dim = len(entries[i].Vector)
		}
		if len(entries[i].Vector) != dim {
			return apperr.InvalidRequest("vecindex.Append",
				fmt.Sprintf("embedding dimension mismatch: want %d got %d", dim, len(entries[i].Vector)))
		}
	}

	buf := &bytes.Buffer{}
	appendHeader := idx.dim == 0 && len(idx.entries) == 0 && !s.store.Exists(vectorsPath(base))
	if appendHeader {
		buf.Write(magic)
	}

	stored := make([]Entry, len(entries))
	for i, e := range entries {
		stored[i] = e
		stored[i].Vector = append([]float32(nil), e.Vector...)
		normalize(stored[i].Vector)
		if err := encodeEntry(buf, stored[i]); err != nil {
			return apperr.Internal("vecindex.Append", err)
		}
	}

	if err := s.store.AppendRaw(vectorsPath(base), buf.Bytes()); err != nil {
		return err
	}

	idx.dim = dim
	idx.entries = append(idx.entries, stored...)
	return nil
}

// Query はコサイン類似度の降順で上位k件を返す。
// allowed が非nilの場合、対象ドキュメントを絞り込む。
func (s *Store) Query(base string, vector []float32, k int, allowed func(docID uuid.UUID) bool) ([]Hit, error) {
	if k <= 0 {
		return nil, nil
	}

	idx, err := s.open(base)
	if err != nil {
		return nil, err
	}

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if len(idx.entries) == 0 {
		return nil, nil
	}
	if len(vector) != idx.dim {
		return nil, apperr.InvalidRequest("vecindex.Query",
			fmt.Sprintf("query dimension mismatch: want %d got %d", idx.dim, len(vector)))
	}

	query := append([]float32(nil), vector...)
	normalize(query)

	hits := make([]Hit, 0, len(idx.entries))
	for i := range idx.entries {
		e := &idx.entries[i]
		if allowed != nil && !allowed(e.DocID) {
			continue
		}
		hits = append(hits, Hit{
			ChunkID: e.ChunkID,
			DocID:   e.DocID,
			Ordinal: e.Ordinal,
			Text:    e.Text,
			Score:   dot(query, e.Vector),
		})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		if hits[i].Ordinal != hits[j].Ordinal {
			return hits[i].Ordinal < hits[j].Ordinal
		}
		return bytes.Compare(hits[i].ChunkID[:], hits[j].ChunkID[:]) < 0
	})

	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// RemoveDocument はドキュメントのチャンクをインデックスと永続ファイルの
// 両方から取り除き、ファイルをコンパクションする。削除件数を返す。
func (s *Store) RemoveDocument(base string, docID uuid.UUID) (int, error) {
	idx, err := s.open(base)
	if err != nil {
		return 0, err
	}

	idx.mu.Lock()
	defer idx.mu.Unlock()

	kept := make([]Entry, 0, len(idx.entries))
	removed := 0
	for _, e := range idx.entries {
		if e.DocID == docID {
			removed++
			continue
		}
		kept = append(kept, e)
	}
	if removed == 0 {
		return 0, nil
	}

	if err := s.rewrite(base, kept); err != nil {
		return 0, err
	}
	idx.entries = kept
	if len(kept) == 0 {
		idx.dim = 0
	}
	return removed, nil
}

// Count はベースのエントリ数を返す。
func (s *Store) Count(base string) (int, error) {
	idx, err := s.open(base)
	if err != nil {
		return 0, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.entries), nil
}

// Dimension はベースの埋め込み次元を返す。未確定なら0。
func (s *Store) Dimension(base string) (int, error) {
	idx, err := s.open(base)
	if err != nil {
		return 0, err
	}
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return idx.dim, nil
}

// Drop はベースのメモリ上インデックスを破棄する。
// ファイルの削除は呼び出し元（RAGサービス）の責務。
func (s *Store) Drop(base string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.indexes, base)
}

// open はベースのインデックスを必要に応じてディスクから読み込む。
func (s *Store) open(base string) (*index, error) {
	if base == "" {
		return nil, apperr.InvalidRequest("vecindex.open", "base name is empty")
	}

	s.mu.Lock()
	if idx, ok := s.indexes[base]; ok {
		s.mu.Unlock()
		return idx, nil
	}
	s.mu.Unlock()

	data, ok, err := s.store.ReadRaw(vectorsPath(base))
	if err != nil {
		return nil, err
	}

	idx := &index{}
	if ok && len(data) > 0 {
		payload := data
		if bytes.HasPrefix(data, magic) {
			payload = data[len(magic):]
		}
		entries, err := decodeEntries(bytes.NewReader(payload))
		if err != nil {
			// 末尾の部分書き込みは読めた分まで採用する
			s.logger.Warn("ベクトルファイル末尾の不完全なレコードを切り捨てます",
				slog.String("base", base),
				slog.String("error", err.Error()),
			)
		}
		idx.entries = entries
		if len(entries) > 0 {
			idx.dim = len(entries[0].Vector)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.indexes[base]; ok {
		return existing, nil
	}
	s.indexes[base] = idx
	return idx, nil
}

// rewrite はベースの永続ファイルを与えられたエントリで書き直す。
func (s *Store) rewrite(base string, entries []Entry) error {
	buf := &bytes.Buffer{}
	buf.Write(magic)
	for _, e := range entries {
		if err := encodeEntry(buf, e); err != nil {
			return apperr.Internal("vecindex.rewrite", err)
		}
	}
	return s.store.WriteRaw(vectorsPath(base), buf.Bytes())
}

func vectorsPath(base string) string {
	return "rag/" + base + "/vectors.bin"
}

// --- バイナリレコード ---

// レコード: chunkID(16) docID(16) ordinal(4) offset(4) dim(4) textLen(4)
// vector(dim*4) text(textLen) すべてリトルエンディアン。

func encodeEntry(w io.Writer, e Entry) error {
	if _, err := w.Write(e.ChunkID[:]); err != nil {
		return err
	}
	if _, err := w.Write(e.DocID[:]); err != nil {
		return err
	}
	text := []byte(e.Text)
	header := [4]uint32{e.Ordinal, e.Offset, uint32(len(e.Vector)), uint32(len(text))}
	if err := binary.Write(w, binary.LittleEndian, header[:]); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, e.Vector); err != nil {
		return err
	}
	if _, err := w.Write(text); err != nil {
		return err
	}
	return nil
}

func decodeEntries(r *bytes.Reader) ([]Entry, error) {
	var entries []Entry
	for r.Len() > 0 {
		var e Entry
		if _, err := io.ReadFull(r, e.ChunkID[:]); err != nil {
			return entries, fmt.Errorf("チャンクIDの読み込みに失敗: %w", err)
		}
		if _, err := io.ReadFull(r, e.DocID[:]); err != nil {
			return entries, fmt.Errorf("ドキュメントIDの読み込みに失敗: %w", err)
		}
		var header [4]uint32
		if err := binary.Read(r, binary.LittleEndian, header[:]); err != nil {
			return entries, fmt.Errorf("レコードヘッダの読み込みに失敗: %w", err)
		}
		e.Ordinal = header[0]
		e.Offset = header[1]
		dim := header[2]
		textLen := header[3]

		if dim == 0 || dim > 1<<16 || textLen > 1<<24 {
			return entries, fmt.Errorf("不正なレコードヘッダ: dim=%d textLen=%d", dim, textLen)
		}

		e.Vector = make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, e.Vector); err != nil {
			return entries, fmt.Errorf("ベクトルの読み込みに失敗: %w", err)
		}
		text := make([]byte, textLen)
		if _, err := io.ReadFull(r, text); err != nil {
			return entries, fmt.Errorf("テキストの読み込みに失敗: %w", err)
		}
		e.Text = string(text)

		entries = append(entries, e)
	}
	return entries, nil
}

// --- ベクトル演算 ---

func normalize(v []float32) {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return
	}
	norm := math.Sqrt(sum)
	for i := range v {
		v[i] = float32(float64(v[i]) / norm)
	}
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}
