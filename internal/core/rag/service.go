package rag

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/deskchat/internal/core/apperr"
	"github.com/jinford/deskchat/internal/core/objstore"
	"github.com/jinford/deskchat/internal/core/rag/chunk"
	"github.com/jinford/deskchat/internal/core/supplier"
	"github.com/jinford/deskchat/internal/core/vecindex"
)

// Embedder は埋め込みベクトルを計算する。
type Embedder interface {
	Embed(ctx context.Context, model string, inputs []string) ([][]float32, error)
}

// EmbedderFactory はサプライヤ設定に応じたEmbedderを返す。
type EmbedderFactory interface {
	EmbedderFor(sup *supplier.Supplier) (Embedder, error)
}

// ベース名にパス区切りや先頭ドットは使えない
var baseNamePattern = regexp.MustCompile(`^[^/\\.][^/\\]{0,63}$`)

// Service はナレッジベースと文書取り込みの窓口。
// 解析はRunで起動するワーカーが直列に行う。
type Service struct {
	store     *objstore.Store
	vectors   *vecindex.Store
	chunker   *chunk.DefaultChunker
	registry  *supplier.Registry
	embedders EmbedderFactory
	logger    *slog.Logger

	topK        int
	globalLimit int
	batchSize   int

	wake chan struct{}
}

type serviceOptions struct {
	logger      *slog.Logger
	topK        int
	globalLimit int
	batchSize   int
}

// ServiceOption はService構築時のオプション
type ServiceOption func(*serviceOptions)

// WithServiceLogger はロガーを差し替える
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(opts *serviceOptions) {
		opts.logger = logger
	}
}

// WithTopK はベースごとの検索件数を設定する
func WithTopK(k int) ServiceOption {
	return func(opts *serviceOptions) {
		opts.topK = k
	}
}

// WithGlobalLimit はベース横断の検索件数上限を設定する
func WithGlobalLimit(limit int) ServiceOption {
	return func(opts *serviceOptions) {
		opts.globalLimit = limit
	}
}

// WithEmbedBatchSize は1回の埋め込み呼び出しに載せるチャンク数を設定する
func WithEmbedBatchSize(size int) ServiceOption {
	return func(opts *serviceOptions) {
		opts.batchSize = size
	}
}

// NewService は新しいServiceを作成する。
func NewService(store *objstore.Store, vectors *vecindex.Store, chunker *chunk.DefaultChunker, registry *supplier.Registry, embedders EmbedderFactory, opts ...ServiceOption) *Service {
	options := serviceOptions{
		logger:      slog.Default(),
		topK:        4,
		globalLimit: 12,
		batchSize:   32,
	}
	for _, opt := range opts {
		opt(&options)
	}
	return &Service{
		store:       store,
		vectors:     vectors,
		chunker:     chunker,
		registry:    registry,
		embedders:   embedders,
		logger:      options.logger,
		topK:        options.topK,
		globalLimit: options.globalLimit,
		batchSize:   options.batchSize,
		wake:        make(chan struct{}, 1),
	}
}

// CreateBase は新しいナレッジベースを作成する。
// 埋め込みモデルの参照はこの時点で解決できなければならない。
func (s *Service) CreateBase(ctx context.Context, m Manifest) (*Manifest, error) {
	if !baseNamePattern.MatchString(m.Name) {
		return nil, apperr.InvalidRequest("rag.CreateBase", fmt.Sprintf("invalid knowledge base name: %q", m.Name))
	}
	if _, _, err := s.registry.ResolveEmbeddingModel(ctx, m.Embedding.Supplier, m.Embedding.Model); err != nil {
		return nil, err
	}
	if s.store.Exists(manifestPath(m.Name)) {
		return nil, apperr.Conflict("rag.CreateBase", fmt.Sprintf("knowledge base %s already exists", m.Name))
	}

	m.CreateTime = time.Now().Unix()
	if err := s.store.Write(manifestPath(m.Name), &m); err != nil {
		return nil, err
	}
	s.logger.Info("ナレッジベースを作成しました",
		slog.String("base", m.Name),
		slog.String("embedding_supplier", m.Embedding.Supplier),
		slog.String("embedding_model", m.Embedding.Model),
	)
	return &m, nil
}

// ModifyBase は説明と埋め込みモデル参照を更新する。
// 文書が1件でも存在するベースの埋め込みモデルは変更できない。
func (s *Service) ModifyBase(ctx context.Context, m Manifest) (*Manifest, error) {
	var current Manifest
	ok, err := s.store.Read(manifestPath(m.Name), &current)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.NotFound("rag.ModifyBase", fmt.Sprintf("knowledge base %s not found", m.Name))
	}

	if m.Embedding != current.Embedding {
		if _, _, err := s.registry.ResolveEmbeddingModel(ctx, m.Embedding.Supplier, m.Embedding.Model); err != nil {
			return nil, err
		}
		docs, err := s.ListDocs(ctx, m.Name)
		if err != nil {
			return nil, err
		}
		if len(docs) > 0 {
			return nil, apperr.Conflict("rag.ModifyBase",
				"embedding model cannot change while the knowledge base has documents")
		}
		current.Embedding = m.Embedding
	}
	current.Description = m.Description

	if err := s.store.Write(manifestPath(m.Name), &current); err != nil {
		return nil, err
	}
	return &current, nil
}

// RemoveBase はナレッジベースを文書・ベクトルごと削除する。
func (s *Service) RemoveBase(ctx context.Context, name string) error {
	if !s.store.Exists(manifestPath(name)) {
		return apperr.NotFound("rag.RemoveBase", fmt.Sprintf("knowledge base %s not found", name))
	}
	if err := s.store.RemoveTree(basePath(name)); err != nil {
		return err
	}
	s.vectors.Drop(name)
	s.logger.Info("ナレッジベースを削除しました", slog.String("base", name))
	return nil
}

// ListBases は全ナレッジベースを作成順に返す。
func (s *Service) ListBases(ctx context.Context) ([]Manifest, error) {
	names, err := s.store.List("rag")
	if err != nil {
		return nil, err
	}

	manifests := make([]Manifest, 0, len(names))
	for _, name := range names {
		var m Manifest
		ok, err := s.store.Read(manifestPath(name), &m)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		manifests = append(manifests, m)
	}
	sort.Slice(manifests, func(i, j int) bool {
		if manifests[i].CreateTime != manifests[j].CreateTime {
			return manifests[i].CreateTime < manifests[j].CreateTime
		}
		return manifests[i].Name < manifests[j].Name
	})
	return manifests, nil
}

// UploadDocs は文書をpending状態で登録し、ワーカーを起こす。
// 登録された時点でlist_docsに現れる。ファイルの実在確認は解析時に行う。
func (s *Service) UploadDocs(ctx context.Context, base string, paths []string) ([]Document, error) {
	if !s.store.Exists(manifestPath(base)) {
		return nil, apperr.NotFound("rag.UploadDocs", fmt.Sprintf("knowledge base %s not found", base))
	}
	if len(paths) == 0 {
		return nil, apperr.InvalidRequest("rag.UploadDocs", "no document paths given")
	}

	now := time.Now().Unix()
	docs := make([]Document, 0, len(paths))
	for _, path := range paths {
		if strings.TrimSpace(path) == "" {
			return nil, apperr.InvalidRequest("rag.UploadDocs", "empty document path")
		}
		doc := Document{
			ID:         uuid.New(),
			FileName:   filepath.Base(path),
			SourcePath: path,
			Status:     DocStatusPending,
			CreateTime: now,
			UpdateTime: now,
		}
		if err := s.store.Write(docPath(base, doc.ID), &doc); err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}

	s.signal()
	s.logger.Info("文書を受け付けました", slog.String("base", base), slog.Int("count", len(docs)))
	return docs, nil
}

// ListDocs はベース内の文書を登録順に返す。
func (s *Service) ListDocs(ctx context.Context, base string) ([]Document, error) {
	if !s.store.Exists(manifestPath(base)) {
		return nil, apperr.NotFound("rag.ListDocs", fmt.Sprintf("knowledge base %s not found", base))
	}

	names, err := s.store.List(docsDir(base))
	if err != nil {
		return nil, err
	}

	docs := make([]Document, 0, len(names))
	for _, name := range names {
		if !strings.HasSuffix(name, ".meta") {
			continue
		}
		var doc Document
		ok, err := s.store.Read(docsDir(base)+"/"+name, &doc)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool {
		if docs[i].CreateTime != docs[j].CreateTime {
			return docs[i].CreateTime < docs[j].CreateTime
		}
		return bytes.Compare(docs[i].ID[:], docs[j].ID[:]) < 0
	})
	return docs, nil
}

// GetDocContent は文書の元ファイルの内容を返す。
func (s *Service) GetDocContent(ctx context.Context, base string, docID uuid.UUID) (string, error) {
	var doc Document
	ok, err := s.store.Read(docPath(base, docID), &doc)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", apperr.NotFound("rag.GetDocContent", fmt.Sprintf("document %s not found", docID))
	}

	content, err := os.ReadFile(doc.SourcePath)
	if err != nil {
		return "", apperr.StorageFailure("rag.GetDocContent",
			fmt.Errorf("文書ファイルの読み込みに失敗しました: %w", err))
	}
	return string(content), nil
}

// RemoveDocs は文書のメタデータとベクトルを削除する。
// 既に存在しないIDは黙って読み飛ばす。削除した件数を返す。
func (s *Service) RemoveDocs(ctx context.Context, base string, ids []uuid.UUID) (int, error) {
	if !s.store.Exists(manifestPath(base)) {
		return 0, apperr.NotFound("rag.RemoveDocs", fmt.Sprintf("knowledge base %s not found", base))
	}

	removed := 0
	for _, id := range ids {
		if !s.store.Exists(docPath(base, id)) {
			continue
		}
		if err := s.store.Remove(docPath(base, id)); err != nil {
			return removed, err
		}
		if _, err := s.vectors.RemoveDocument(base, id); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("文書を削除しました", slog.String("base", base), slog.Int("count", removed))
	}
	return removed, nil
}

// Retrieve は指定ベース群からクエリに関連するチャンクを集める。
// ベースごとにtopK件を取り、スコア順に並べ直してglobalLimit件へ切り詰める。
// 参照が壊れているベースは読み飛ばし、埋め込み呼び出しの失敗はエラーにする。
func (s *Service) Retrieve(ctx context.Context, bases []string, query string) ([]Snippet, error) {
	seen := make(map[string]bool, len(bases))
	embCache := make(map[supplier.EmbeddingModelRef][]float32)

	var snippets []Snippet
	for _, base := range bases {
		if base == "" || seen[base] {
			continue
		}
		seen[base] = true

		var m Manifest
		ok, err := s.store.Read(manifestPath(base), &m)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.logger.Warn("存在しないナレッジベースが指定されました", slog.String("base", base))
			continue
		}

		sup, model, err := s.registry.ResolveEmbeddingModel(ctx, m.Embedding.Supplier, m.Embedding.Model)
		if err != nil {
			s.logger.Warn("埋め込みモデルの参照を解決できないためベースを読み飛ばします",
				slog.String("base", base),
				slog.String("error", err.Error()),
			)
			continue
		}

		vec, ok := embCache[m.Embedding]
		if !ok {
			embedder, err := s.embedders.EmbedderFor(sup)
			if err != nil {
				return nil, err
			}
			vecs, err := embedder.Embed(ctx, model.Name, []string{query})
			if err != nil {
				return nil, err
			}
			if len(vecs) != 1 {
				return nil, apperr.UpstreamFailure("rag.Retrieve",
					fmt.Errorf("クエリ埋め込みの応答数が不正です: %d", len(vecs)))
			}
			vec = vecs[0]
			embCache[m.Embedding] = vec
		}

		docs, err := s.ListDocs(ctx, base)
		if err != nil {
			return nil, err
		}
		parsed := make(map[uuid.UUID]*Document, len(docs))
		for i := range docs {
			if docs[i].Status == DocStatusParsed {
				parsed[docs[i].ID] = &docs[i]
			}
		}

		hits, err := s.vectors.Query(base, vec, s.topK, func(docID uuid.UUID) bool {
			return parsed[docID] != nil
		})
		if err != nil {
			return nil, err
		}
		for _, h := range hits {
			snippet := Snippet{
				Base:    base,
				DocID:   h.DocID,
				ChunkID: h.ChunkID,
				Ordinal: h.Ordinal,
				Text:    h.Text,
				Score:   h.Score,
			}
			if doc := parsed[h.DocID]; doc != nil {
				snippet.FileName = doc.FileName
			}
			snippets = append(snippets, snippet)
		}
	}

	sort.Slice(snippets, func(i, j int) bool {
		if snippets[i].Score != snippets[j].Score {
			return snippets[i].Score > snippets[j].Score
		}
		if snippets[i].Base != snippets[j].Base {
			return snippets[i].Base < snippets[j].Base
		}
		if snippets[i].Ordinal != snippets[j].Ordinal {
			return snippets[i].Ordinal < snippets[j].Ordinal
		}
		return bytes.Compare(snippets[i].ChunkID[:], snippets[j].ChunkID[:]) < 0
	})
	if len(snippets) > s.globalLimit {
		snippets = snippets[:s.globalLimit]
	}
	return snippets, nil
}

// --- パス規約 ---

func basePath(name string) string {
	return "rag/" + name
}

func manifestPath(name string) string {
	return basePath(name) + "/manifest.json"
}

func docsDir(name string) string {
	return basePath(name) + "/docs"
}

func docPath(base string, id uuid.UUID) string {
	return docsDir(base) + "/" + id.String() + ".meta"
}
