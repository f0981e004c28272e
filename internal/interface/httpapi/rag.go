package httpapi

import (
	"fmt"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jinford/deskchat/internal/core/apperr"
	"github.com/jinford/deskchat/internal/core/rag"
	"github.com/jinford/deskchat/internal/core/supplier"
)

type ragManifestRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Embedding   struct {
		Supplier string `json:"supplierName"`
		Model    string `json:"model"`
	} `json:"embedding"`
}

func (r ragManifestRequest) manifest() rag.Manifest {
	return rag.Manifest{
		Name:        r.Name,
		Description: r.Description,
		Embedding: supplier.EmbeddingModelRef{
			Supplier: r.Embedding.Supplier,
			Model:    r.Embedding.Model,
		},
	}
}

func (a *API) createRAG(c *gin.Context) {
	var req ragManifestRequest
	if !a.bind(c, &req) {
		return
	}
	manifest, err := a.rags.CreateBase(c.Request.Context(), req.manifest())
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, manifest)
}

func (a *API) modifyRAG(c *gin.Context) {
	var req ragManifestRequest
	if !a.bind(c, &req) {
		return
	}
	manifest, err := a.rags.ModifyBase(c.Request.Context(), req.manifest())
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, manifest)
}

type ragNameRequest struct {
	Name string `json:"name"`
}

func (a *API) removeRAG(c *gin.Context) {
	var req ragNameRequest
	if !a.bind(c, &req) {
		return
	}
	if err := a.rags.RemoveBase(c.Request.Context(), req.Name); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}

func (a *API) listRAG(c *gin.Context) {
	bases, err := a.rags.ListBases(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, bases)
}

type uploadDocRequest struct {
	Name  string   `json:"name"`
	Paths []string `json:"paths"`
}

// uploadDoc は文書を pending として登録して即座に返す。
// 解析はバックグラウンドワーカーが進め、クライアントは list_docs をポーリングする。
func (a *API) uploadDoc(c *gin.Context) {
	var req uploadDocRequest
	if !a.bind(c, &req) {
		return
	}
	docs, err := a.rags.UploadDocs(c.Request.Context(), req.Name, req.Paths)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, docs)
}

func (a *API) listDocs(c *gin.Context) {
	var req ragNameRequest
	if !a.bind(c, &req) {
		return
	}
	docs, err := a.rags.ListDocs(c.Request.Context(), req.Name)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, docs)
}

// getDocContent は GET /rag/get_doc_content?name=...&doc_id=... で文書本文を返す。
func (a *API) getDocContent(c *gin.Context) {
	name := c.Query("name")
	docID, err := uuid.Parse(c.Query("doc_id"))
	if err != nil {
		a.fail(c, apperr.InvalidRequest("httpapi.getDocContent", fmt.Sprintf("invalid doc id: %s", c.Query("doc_id"))))
		return
	}
	content, err := a.rags.GetDocContent(c.Request.Context(), name, docID)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, content)
}

// removeDoc は GET /rag/remove_doc?name=...&doc_ids=a,b,c で文書を削除する。
func (a *API) removeDoc(c *gin.Context) {
	name := c.Query("name")
	raw := strings.Split(c.Query("doc_ids"), ",")
	ids := make([]uuid.UUID, 0, len(raw))
	for _, s := range raw {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		id, err := uuid.Parse(s)
		if err != nil {
			a.fail(c, apperr.InvalidRequest("httpapi.removeDoc", fmt.Sprintf("invalid doc id: %s", s)))
			return
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		a.fail(c, apperr.InvalidRequest("httpapi.removeDoc", "doc_ids is required"))
		return
	}

	removed, err := a.rags.RemoveDocs(c.Request.Context(), name, ids)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, gin.H{"removed": removed})
}
