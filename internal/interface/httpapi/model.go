package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/jinford/deskchat/internal/core/supplier"
)

func (a *API) listSuppliers(c *gin.Context) {
	suppliers, err := a.registry.List(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, suppliers)
}

type supplierConfigRequest struct {
	Name    string `json:"supplierName"`
	Title   string `json:"title"`
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key"`
}

// addSupplier はサードパーティサプライヤを登録する。
// ローカルサプライヤはランタイム管理側が所有するため、ここからは作れない。
func (a *API) addSupplier(c *gin.Context) {
	var req supplierConfigRequest
	if !a.bind(c, &req) {
		return
	}
	added, err := a.registry.Add(c.Request.Context(), &supplier.Supplier{
		Name:    req.Name,
		Title:   req.Title,
		BaseURL: req.BaseURL,
		APIKey:  req.APIKey,
		Enabled: true,
		IsLocal: false,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, added)
}

type supplierNameRequest struct {
	Name string `json:"supplierName"`
}

func (a *API) removeSupplier(c *gin.Context) {
	var req supplierNameRequest
	if !a.bind(c, &req) {
		return
	}
	if err := a.registry.Remove(c.Request.Context(), req.Name); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}

type supplierStatusRequest struct {
	Name    string `json:"supplierName"`
	Enabled bool   `json:"enabled"`
}

func (a *API) setSupplierStatus(c *gin.Context) {
	var req supplierStatusRequest
	if !a.bind(c, &req) {
		return
	}
	if err := a.registry.SetStatus(c.Request.Context(), req.Name, req.Enabled); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}

func (a *API) getSupplierConfig(c *gin.Context) {
	var req supplierNameRequest
	if !a.bind(c, &req) {
		return
	}
	cfg, err := a.registry.GetConfig(c.Request.Context(), req.Name)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, cfg)
}

func (a *API) setSupplierConfig(c *gin.Context) {
	var req supplierConfigRequest
	if !a.bind(c, &req) {
		return
	}
	err := a.registry.SetConfig(c.Request.Context(), req.Name, &supplier.Supplier{
		Title:   req.Title,
		BaseURL: req.BaseURL,
		APIKey:  req.APIKey,
	})
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}

// checkSupplierConfig は設定の疎通確認を行う。
// message は {ok, reason} で、reason は上流の失敗文字列そのまま。
func (a *API) checkSupplierConfig(c *gin.Context) {
	var req supplierNameRequest
	if !a.bind(c, &req) {
		return
	}
	reason, err := a.registry.CheckConfig(c.Request.Context(), req.Name)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, gin.H{
		"ok":     reason == "",
		"reason": reason,
	})
}

func (a *API) listModels(c *gin.Context) {
	var req supplierNameRequest
	if !a.bind(c, &req) {
		return
	}
	models, err := a.registry.ListModels(c.Request.Context(), req.Name)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, models)
}

type addModelRequest struct {
	Supplier string         `json:"supplierName"`
	Model    supplier.Model `json:"model"`
}

func (a *API) addModel(c *gin.Context) {
	var req addModelRequest
	if !a.bind(c, &req) {
		return
	}
	if err := a.registry.AddModel(c.Request.Context(), req.Supplier, req.Model); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}

type removeModelRequest struct {
	Supplier   string `json:"supplierName"`
	Model      string `json:"model"`
	Parameters string `json:"parameters"`
}

func (a *API) removeModel(c *gin.Context) {
	var req removeModelRequest
	if !a.bind(c, &req) {
		return
	}
	if err := a.registry.RemoveModel(c.Request.Context(), req.Supplier, req.Model, req.Parameters); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}

type modelStatusRequest struct {
	Supplier string `json:"supplierName"`
	Model    string `json:"model"`
	Enabled  bool   `json:"enabled"`
}

func (a *API) setModelStatus(c *gin.Context) {
	var req modelStatusRequest
	if !a.bind(c, &req) {
		return
	}
	if err := a.registry.SetModelStatus(c.Request.Context(), req.Supplier, req.Model, req.Enabled); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}

type modelTitleRequest struct {
	Supplier string `json:"supplierName"`
	Model    string `json:"model"`
	Title    string `json:"title"`
}

func (a *API) setModelTitle(c *gin.Context) {
	var req modelTitleRequest
	if !a.bind(c, &req) {
		return
	}
	if err := a.registry.SetModelTitle(c.Request.Context(), req.Supplier, req.Model, req.Title); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}

// listEmbeddingModels は全サプライヤ横断の埋め込みモデル一覧を返す。
func (a *API) listEmbeddingModels(c *gin.Context) {
	refs, err := a.registry.ListEmbeddingModels(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, refs)
}
