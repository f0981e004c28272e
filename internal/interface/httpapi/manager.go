package httpapi

import (
	"github.com/gin-gonic/gin"
)

type modelArtifactRequest struct {
	Model      string `json:"model"`
	Parameters string `json:"parameters"`
}

// installModel はモデルのインストールジョブを開始し、ジョブの現在値を返す。
// 非同期で進むため、クライアントは get_model_install_progress をポーリングする。
func (a *API) installModel(c *gin.Context) {
	var req modelArtifactRequest
	if !a.bind(c, &req) {
		return
	}
	job, err := a.manager.InstallModel(c.Request.Context(), req.Model, req.Parameters)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, job)
}

func (a *API) getModelInstallProgress(c *gin.Context) {
	var req modelArtifactRequest
	if !a.bind(c, &req) {
		return
	}
	job, err := a.manager.InstallProgress(c.Request.Context(), req.Model, req.Parameters)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, job)
}

func (a *API) removeInstalledModel(c *gin.Context) {
	var req modelArtifactRequest
	if !a.bind(c, &req) {
		return
	}
	if err := a.manager.RemoveModel(c.Request.Context(), req.Model, req.Parameters); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}

func (a *API) listInstalledModels(c *gin.Context) {
	installed, err := a.manager.ListInstalled(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, installed)
}

func (a *API) listVisibleModels(c *gin.Context) {
	visible, err := a.manager.ListVisible(c.Request.Context())
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, visible)
}

type managerNameRequest struct {
	ManagerName string `json:"manager_name"`
}

func (a *API) installModelManager(c *gin.Context) {
	var req managerNameRequest
	if !a.bind(c, &req) {
		return
	}
	job, err := a.manager.InstallManager(c.Request.Context(), req.ManagerName)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, job)
}

func (a *API) getModelManagerInstallProgress(c *gin.Context) {
	var req managerNameRequest
	if !a.bind(c, &req) {
		return
	}
	job, err := a.manager.ManagerInstallProgress(c.Request.Context(), req.ManagerName)
	if err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, job)
}

// reconnectModelDownload は進行中のランタイム本体ダウンロードを次のミラーへ切り替える。
func (a *API) reconnectModelDownload(c *gin.Context) {
	if err := a.manager.ReconnectDownload(c.Request.Context()); err != nil {
		a.fail(c, err)
		return
	}
	a.ok(c, nil)
}
