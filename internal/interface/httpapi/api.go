// Package httpapi はデスクトップクライアント向けのHTTPエンドポイント群を提供する。
// 応答は /chat/chat のストリームを除きすべてJSONエンベロープで返す。
package httpapi

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/jinford/deskchat/internal/core/chat"
	"github.com/jinford/deskchat/internal/core/manager"
	"github.com/jinford/deskchat/internal/core/rag"
	"github.com/jinford/deskchat/internal/core/share"
	"github.com/jinford/deskchat/internal/core/supplier"
	"github.com/jinford/deskchat/internal/platform/i18n"
)

// Services はAPIが仲介するサービス群
type Services struct {
	Engine   *chat.Engine
	Chats    *chat.Store
	Registry *supplier.Registry
	RAG      *rag.Service
	Manager  *manager.Service
	Shares   *share.Service
	Catalog  *i18n.Catalog
}

// API はルータとハンドラを束ねる。
type API struct {
	version  string
	engine   *chat.Engine
	chats    *chat.Store
	registry *supplier.Registry
	rags     *rag.Service
	manager  *manager.Service
	shares   *share.Service
	catalog  *i18n.Catalog
	logger   *slog.Logger
}

type Option func(*API)

// WithAPILogger はロガーを差し替える。
func WithAPILogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// New はAPIを作成する。
func New(version string, services Services, opts ...Option) *API {
	a := &API{
		version:  version,
		engine:   services.Engine,
		chats:    services.Chats,
		registry: services.Registry,
		rags:     services.RAG,
		manager:  services.Manager,
		shares:   services.Shares,
		catalog:  services.Catalog,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Router は全エンドポイントを登録したginエンジンを返す。
func (a *API) Router() *gin.Engine {
	router := gin.New()
	router.Use(a.accessLog(), gin.Recovery())

	index := router.Group("/index")
	{
		index.GET("/get_version", a.getVersion)
		index.POST("/get_languages", a.getLanguages)
		index.POST("/set_language", a.setLanguage)
	}

	chats := router.Group("/chat")
	{
		chats.POST("/chat", a.chat)
		chats.POST("/stop_generate", a.stopGenerate)
		chats.POST("/get_chat_list", a.getChatList)
		chats.POST("/create_chat", a.createChat)
		chats.POST("/get_chat_info", a.getChatInfo)
		chats.POST("/get_last_chat_history", a.getLastChatHistory)
		chats.POST("/remove_chat", a.removeChat)
		chats.POST("/modify_chat_title", a.modifyChatTitle)
		chats.POST("/get_model_list", a.getModelList)
	}

	mgr := router.Group("/manager")
	{
		mgr.POST("/install_model", a.installModel)
		mgr.POST("/get_model_install_progress", a.getModelInstallProgress)
		mgr.POST("/remove_model", a.removeInstalledModel)
		mgr.POST("/list_installed_models", a.listInstalledModels)
		mgr.POST("/list_visible_models", a.listVisibleModels)
		mgr.POST("/install_model_manager", a.installModelManager)
		mgr.POST("/get_model_manager_install_progress", a.getModelManagerInstallProgress)
		mgr.POST("/reconnect_model_download", a.reconnectModelDownload)
	}

	rags := router.Group("/rag")
	{
		rags.POST("/create_rag", a.createRAG)
		rags.POST("/modify_rag", a.modifyRAG)
		rags.POST("/remove_rag", a.removeRAG)
		rags.POST("/list_rag", a.listRAG)
		rags.POST("/upload_doc", a.uploadDoc)
		rags.POST("/list_docs", a.listDocs)
		rags.GET("/get_doc_content", a.getDocContent)
		rags.GET("/remove_doc", a.removeDoc)
	}

	models := router.Group("/model")
	{
		models.POST("/list_suppliers", a.listSuppliers)
		models.POST("/add_supplier", a.addSupplier)
		models.POST("/remove_supplier", a.removeSupplier)
		models.POST("/set_supplier_status", a.setSupplierStatus)
		models.POST("/get_supplier_config", a.getSupplierConfig)
		models.POST("/set_supplier_config", a.setSupplierConfig)
		models.POST("/check_supplier_config", a.checkSupplierConfig)
		models.POST("/list_models", a.listModels)
		models.POST("/add_model", a.addModel)
		models.POST("/remove_model", a.removeModel)
		models.POST("/set_model_status", a.setModelStatus)
		models.POST("/set_model_title", a.setModelTitle)
		models.POST("/list_embedding_models", a.listEmbeddingModels)
	}

	shares := router.Group("/share")
	{
		shares.POST("/create_share", a.createShare)
		shares.POST("/get_share_info", a.getShareInfo)
		shares.POST("/remove_share", a.removeShare)
	}

	return router
}

// accessLog はリクエスト1件ごとのアクセスログを出す。
func (a *API) accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		a.logger.Info("リクエストを処理しました",
			slog.String("method", c.Request.Method),
			slog.String("path", c.Request.URL.Path),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("elapsed", time.Since(start)),
		)
	}
}
