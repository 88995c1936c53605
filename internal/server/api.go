package server

import (
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/oapi-codegen/runtime"

	"camstream/internal/effect"
	"camstream/internal/pipeline"
	"camstream/internal/sink"
)

// HealthStatus はヘルスチェックの状態
type HealthStatus string

// Healthy は正常稼働を表す
const Healthy HealthStatus = "healthy"

// HealthResponse はヘルスチェックのレスポンス
type HealthResponse struct {
	Status    HealthStatus `json:"status"`
	Timestamp time.Time    `json:"timestamp"`
}

// StatusResponse はシステム状態のレスポンス
type StatusResponse struct {
	Pipeline  pipeline.Status       `json:"pipeline"`
	Effect    string                `json:"effect,omitempty"`
	MJPEG     *sink.MJPEGStats      `json:"mjpeg,omitempty"`
	Timelapse *sink.TimelapseStatus `json:"timelapse,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
}

// EffectsResponse はエフェクト一覧のレスポンス
type EffectsResponse struct {
	Current   string   `json:"current"`
	Available []string `json:"available"`
}

// EffectRequest はエフェクト切り替えのリクエスト
type EffectRequest struct {
	Name string `json:"name"`
}

// FacesRequest は顔位置更新のリクエスト
type FacesRequest struct {
	Faces []effect.Face `json:"faces"`
}

// VideosResponse はタイムラプス動画一覧のレスポンス
type VideosResponse struct {
	Videos []sink.Video `json:"videos"`
}

// ErrorResponse はエラーレスポンス
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Details   *string   `json:"details,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// GetPreviewParams はプレビュー取得のクエリパラメータ
type GetPreviewParams struct {
	Quality *int `form:"quality" json:"quality,omitempty"`
}

// ServerInterface はAPIの各エンドポイントの実装
type ServerInterface interface {
	HealthCheck(c *gin.Context)
	GetStatus(c *gin.Context)
	GetParameters(c *gin.Context)
	PutParameters(c *gin.Context)
	GetEffects(c *gin.Context)
	PutEffect(c *gin.Context)
	PutFaces(c *gin.Context)
	PostFocus(c *gin.Context)
	GetStream(c *gin.Context)
	GetPreview(c *gin.Context, params GetPreviewParams)
	GetTimelapseVideos(c *gin.Context)
}

// serverInterfaceWrapper はパラメータを取り出してから ServerInterface を呼ぶ
type serverInterfaceWrapper struct {
	handler ServerInterface
}

// GetPreview はクエリパラメータを解析して GetPreview を呼ぶ
func (w *serverInterfaceWrapper) GetPreview(c *gin.Context) {
	var params GetPreviewParams

	if err := runtime.BindQueryParameter("form", true, false, "quality", c.Request.URL.Query(), &params.Quality); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_parameter", fmt.Sprintf("quality の形式が不正です: %v", err))
		return
	}

	w.handler.GetPreview(c, params)
}

// RegisterHandlers はルーターに各エンドポイントを登録する
func RegisterHandlers(router gin.IRouter, si ServerInterface) {
	wrapper := &serverInterfaceWrapper{handler: si}

	router.GET("/health", si.HealthCheck)
	router.GET("/api/status", si.GetStatus)
	router.GET("/api/parameters", si.GetParameters)
	router.PUT("/api/parameters", si.PutParameters)
	router.GET("/api/effects", si.GetEffects)
	router.PUT("/api/effect", si.PutEffect)
	router.PUT("/api/faces", si.PutFaces)
	router.POST("/api/focus", si.PostFocus)
	router.GET("/api/stream", si.GetStream)
	router.GET("/api/preview", wrapper.GetPreview)
	router.GET("/api/timelapse/videos", si.GetTimelapseVideos)
}

// writeError はエラーレスポンスを書き込む
func writeError(c *gin.Context, status int, code, message string) {
	c.AbortWithStatusJSON(status, ErrorResponse{
		Error:     code,
		Message:   message,
		Timestamp: time.Now(),
	})
}
