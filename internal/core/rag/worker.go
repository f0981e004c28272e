package rag

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jinford/deskchat/internal/core/rag/chunk"
	"github.com/jinford/deskchat/internal/core/vecindex"
)

// 概要は解析後テキストの先頭200ルーン
const abstractRunes = 200

// Run は解析ワーカーのループ。ctxのキャンセルまで文書を1件ずつ処理する。
// 前回起動時にparsingのまま残った文書はpendingへ戻してから始める。
func (s *Service) Run(ctx context.Context) {
	s.logger.Info("文書解析ワーカーを開始します")
	s.recoverStuckDocuments(ctx)
	s.signal()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("文書解析ワーカーを停止します")
			return
		case <-s.wake:
		}

		for {
			base, doc, ok := s.nextPending(ctx)
			if !ok {
				break
			}
			s.parseDocument(ctx, base, doc)
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// signal はワーカーを起こす。既に起床待ちがあれば何もしない。
func (s *Service) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// recoverStuckDocuments はクラッシュでparsingのまま残った文書を
// pendingへ戻す。解析時に残骸ベクトルも掃除されるためここでは触らない。
func (s *Service) recoverStuckDocuments(ctx context.Context) {
	bases, err := s.store.List("rag")
	if err != nil {
		s.logger.Warn("ナレッジベース一覧の取得に失敗しました", slog.String("error", err.Error()))
		return
	}
	for _, base := range bases {
		docs, err := s.ListDocs(ctx, base)
		if err != nil {
			continue
		}
		for _, doc := range docs {
			if doc.Status != DocStatusParsing {
				continue
			}
			doc.Status = DocStatusPending
			doc.UpdateTime = time.Now().Unix()
			if err := s.store.Write(docPath(base, doc.ID), &doc); err != nil {
				s.logger.Warn("解析中文書の復旧に失敗しました",
					slog.String("base", base),
					slog.String("doc", doc.ID.String()),
					slog.String("error", err.Error()),
				)
				continue
			}
			s.logger.Info("中断されていた文書を再解析キューへ戻しました",
				slog.String("base", base),
				slog.String("doc", doc.ID.String()),
			)
		}
	}
}

// nextPending は全ベースを走査して最も古いpending文書を返す。
func (s *Service) nextPending(ctx context.Context) (string, Document, bool) {
	bases, err := s.store.List("rag")
	if err != nil {
		s.logger.Warn("ナレッジベース一覧の取得に失敗しました", slog.String("error", err.Error()))
		return "", Document{}, false
	}

	var (
		oldestBase string
		oldest     Document
		found      bool
	)
	for _, base := range bases {
		docs, err := s.ListDocs(ctx, base)
		if err != nil {
			continue
		}
		for _, doc := range docs {
			if doc.Status != DocStatusPending {
				continue
			}
			if !found || doc.CreateTime < oldest.CreateTime ||
				(doc.CreateTime == oldest.CreateTime && bytes.Compare(doc.ID[:], oldest.ID[:]) < 0) {
				oldestBase = base
				oldest = doc
				found = true
			}
		}
	}
	return oldestBase, oldest, found
}

// parseDocument は1文書を解析して埋め込みをインデックスへ追記する。
// 失敗は文書のfail_reasonに記録するだけでワーカーは止めない。
func (s *Service) parseDocument(ctx context.Context, base string, doc Document) {
	logger := s.logger.With(
		slog.String("base", base),
		slog.String("doc", doc.ID.String()),
		slog.String("file", doc.FileName),
	)
	logger.Info("文書の解析を開始します")

	doc.Status = DocStatusParsing
	doc.UpdateTime = time.Now().Unix()
	if !s.updateDoc(base, &doc) {
		return
	}

	var m Manifest
	ok, err := s.store.Read(manifestPath(base), &m)
	if err != nil || !ok {
		s.failDocument(base, doc, "ナレッジベースの設定が読めません")
		return
	}

	sup, model, err := s.registry.ResolveEmbeddingModel(ctx, m.Embedding.Supplier, m.Embedding.Model)
	if err != nil {
		s.failDocument(base, doc, fmt.Sprintf("埋め込みモデルを解決できません: %v", err))
		return
	}
	embedder, err := s.embedders.EmbedderFor(sup)
	if err != nil {
		s.failDocument(base, doc, fmt.Sprintf("埋め込みクライアントの作成に失敗しました: %v", err))
		return
	}

	content, err := os.ReadFile(doc.SourcePath)
	if err != nil {
		s.failDocument(base, doc, fmt.Sprintf("ファイルの読み込みに失敗しました: %v", err))
		return
	}

	text := string(content)
	contentType := chunk.DetectContentType(doc.SourcePath, content)
	chunks := s.chunker.Split(text, contentType)

	// 再解析やクラッシュの残骸を先に取り除く
	if _, err := s.vectors.RemoveDocument(base, doc.ID); err != nil {
		s.failDocument(base, doc, fmt.Sprintf("既存ベクトルの掃除に失敗しました: %v", err))
		return
	}

	for start := 0; start < len(chunks); start += s.batchSize {
		end := start + s.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		inputs := make([]string, len(batch))
		for i, c := range batch {
			inputs[i] = c.Text
		}
		vecs, err := embedder.Embed(ctx, model.Name, inputs)
		if err != nil {
			s.cleanupVectors(base, doc)
			s.failDocument(base, doc, fmt.Sprintf("埋め込みの計算に失敗しました: %v", err))
			return
		}
		if len(vecs) != len(inputs) {
			s.cleanupVectors(base, doc)
			s.failDocument(base, doc, fmt.Sprintf("埋め込みの応答数が入力数と一致しません: %d != %d", len(vecs), len(inputs)))
			return
		}

		entries := make([]vecindex.Entry, len(batch))
		for i, c := range batch {
			entries[i] = vecindex.Entry{
				ChunkID: uuid.New(),
				DocID:   doc.ID,
				Ordinal: uint32(c.Ordinal),
				Offset:  uint32(c.Offset),
				Text:    c.Text,
				Vector:  vecs[i],
			}
		}
		if err := s.vectors.Append(base, entries); err != nil {
			s.cleanupVectors(base, doc)
			s.failDocument(base, doc, fmt.Sprintf("ベクトルの書き込みに失敗しました: %v", err))
			return
		}
	}

	doc.Status = DocStatusParsed
	doc.ChunkCount = len(chunks)
	doc.Abstract = abstractOf(text, contentType)
	doc.FailReason = ""
	doc.UpdateTime = time.Now().Unix()
	if !s.updateDoc(base, &doc) {
		s.cleanupVectors(base, doc)
		return
	}
	logger.Info("文書の解析が完了しました", slog.Int("chunks", len(chunks)))
}

// updateDoc は文書メタを書き戻す。解析中に削除された文書は復活させない。
func (s *Service) updateDoc(base string, doc *Document) bool {
	if !s.store.Exists(docPath(base, doc.ID)) {
		s.logger.Info("解析中に文書が削除されたため処理を打ち切ります",
			slog.String("base", base),
			slog.String("doc", doc.ID.String()),
		)
		return false
	}
	if err := s.store.Write(docPath(base, doc.ID), doc); err != nil {
		s.logger.Error("文書メタデータの書き込みに失敗しました",
			slog.String("base", base),
			slog.String("doc", doc.ID.String()),
			slog.String("error", err.Error()),
		)
		return false
	}
	return true
}

// failDocument は文書を失敗状態にして理由を記録する。
func (s *Service) failDocument(base string, doc Document, reason string) {
	s.logger.Warn("文書の解析に失敗しました",
		slog.String("base", base),
		slog.String("doc", doc.ID.String()),
		slog.String("file", doc.FileName),
		slog.String("reason", reason),
	)
	doc.Status = DocStatusFailed
	doc.FailReason = reason
	doc.UpdateTime = time.Now().Unix()
	s.updateDoc(base, &doc)
}

// cleanupVectors は解析途中まで追記したベクトルを取り除く。
func (s *Service) cleanupVectors(base string, doc Document) {
	if _, err := s.vectors.RemoveDocument(base, doc.ID); err != nil {
		s.logger.Warn("部分的に書かれたベクトルの掃除に失敗しました",
			slog.String("base", base),
			slog.String("doc", doc.ID.String()),
			slog.String("error", err.Error()),
		)
	}
}

// abstractOf は解析後テキストから概要を切り出す。
func abstractOf(text, contentType string) string {
	if contentType == "text/html" {
		text = chunk.ExtractHTMLText(text)
	}
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > abstractRunes {
		return string(runes[:abstractRunes])
	}
	return text
}
