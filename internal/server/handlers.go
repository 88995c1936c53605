package server

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"camstream/internal/effect"
	"camstream/internal/pipeline"
	"camstream/internal/sink"
)

// Pipeline はハンドラーから操作するパイプライン
type Pipeline interface {
	Configure(ctx context.Context, params pipeline.Parameters) error
	Parameters() pipeline.Parameters
	SetTransform(transform pipeline.Transform)
	Focus(ctx context.Context) error
	Status() pipeline.Status
}

// Deps はハンドラーが利用するコンポーネント
// MJPEG・Preview・Timelapse は無効なら nil
type Deps struct {
	Pipeline  Pipeline
	MJPEG     *sink.MJPEG
	Preview   *sink.Preview
	Timelapse *sink.Timelapse
	Locator   *effect.StaticLocator
	Effect    effect.Options
	// PreviewQuality はクエリで指定がないときのJPEG品質
	PreviewQuality int
	// EffectName は起動時に適用したエフェクト名
	EffectName string
	Logger     *zap.Logger
}

// CamstreamHandler は ServerInterface を実装する
type CamstreamHandler struct {
	deps   Deps
	logger *zap.Logger

	mu     sync.Mutex
	effect string
}

// NewHandler はハンドラーを作成する
func NewHandler(deps Deps) *CamstreamHandler {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.Locator == nil {
		deps.Locator = effect.NewStaticLocator()
	}
	deps.Effect.Locator = deps.Locator

	name := deps.EffectName
	if name == "" {
		name = effect.NameNone
	}

	return &CamstreamHandler{
		deps:   deps,
		logger: logger,
		effect: name,
	}
}

// HealthCheck はヘルスチェックエンドポイントの実装
func (h *CamstreamHandler) HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    Healthy,
		Timestamp: time.Now(),
	})
}

// GetStatus はシステム状態取得エンドポイントの実装
func (h *CamstreamHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.status())
}

func (h *CamstreamHandler) status() StatusResponse {
	resp := StatusResponse{
		Pipeline:  h.deps.Pipeline.Status(),
		Effect:    h.currentEffect(),
		Timestamp: time.Now(),
	}
	if h.deps.MJPEG != nil {
		stats := h.deps.MJPEG.Stats()
		resp.MJPEG = &stats
	}
	if h.deps.Timelapse != nil {
		st := h.deps.Timelapse.Status()
		resp.Timelapse = &st
	}
	return resp
}

// GetParameters は現在のパラメータを返す
func (h *CamstreamHandler) GetParameters(c *gin.Context) {
	c.JSON(http.StatusOK, h.deps.Pipeline.Parameters())
}

// PutParameters はパラメータを変更してカメラを開き直す
func (h *CamstreamHandler) PutParameters(c *gin.Context) {
	var params pipeline.Parameters
	if err := c.ShouldBindJSON(&params); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "リクエストボディが不正です")
		return
	}

	if err := h.deps.Pipeline.Configure(c.Request.Context(), params); err != nil {
		switch {
		case errors.Is(err, pipeline.ErrInvalidParameters):
			writeError(c, http.StatusBadRequest, "invalid_parameters", err.Error())
		case errors.Is(err, pipeline.ErrClosed):
			writeError(c, http.StatusServiceUnavailable, "pipeline_closed", err.Error())
		default:
			h.logger.Error("パラメータの変更に失敗", zap.Error(err))
			writeError(c, http.StatusInternalServerError, "configure_failed", err.Error())
		}
		return
	}

	h.logger.Info("パラメータを変更しました",
		zap.Int("width", params.Width),
		zap.Int("height", params.Height),
		zap.Bool("front_camera", params.FrontCamera),
		zap.Int("screen_angle", params.ScreenAngle))

	c.JSON(http.StatusOK, h.status())
}

// GetEffects はエフェクト一覧を返す
func (h *CamstreamHandler) GetEffects(c *gin.Context) {
	c.JSON(http.StatusOK, EffectsResponse{
		Current:   h.currentEffect(),
		Available: effect.Names(),
	})
}

// PutEffect はエフェクトを切り替える
// 次のフレームから新しいエフェクトが適用される
func (h *CamstreamHandler) PutEffect(c *gin.Context) {
	var req EffectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "リクエストボディが不正です")
		return
	}

	transform, err := effect.New(req.Name, h.deps.Effect)
	if err != nil {
		if errors.Is(err, effect.ErrUnknownEffect) {
			writeError(c, http.StatusBadRequest, "unknown_effect", err.Error())
			return
		}
		h.logger.Error("エフェクトの作成に失敗", zap.String("effect", req.Name), zap.Error(err))
		writeError(c, http.StatusInternalServerError, "effect_failed", err.Error())
		return
	}

	h.mu.Lock()
	h.deps.Pipeline.SetTransform(transform)
	h.effect = req.Name
	h.mu.Unlock()

	h.logger.Info("エフェクトを切り替えました", zap.String("effect", req.Name))
	c.JSON(http.StatusOK, EffectRequest{Name: req.Name})
}

// PutFaces は重ね描きに使う顔の位置を更新する
func (h *CamstreamHandler) PutFaces(c *gin.Context) {
	var req FacesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, "invalid_request", "リクエストボディが不正です")
		return
	}
	if req.Faces == nil {
		req.Faces = []effect.Face{}
	}

	h.deps.Locator.Set(req.Faces...)
	c.JSON(http.StatusOK, req)
}

// PostFocus はオートフォーカスを要求する
func (h *CamstreamHandler) PostFocus(c *gin.Context) {
	if err := h.deps.Pipeline.Focus(c.Request.Context()); err != nil {
		h.logger.Warn("オートフォーカスに失敗", zap.Error(err))
		writeError(c, http.StatusInternalServerError, "focus_failed", err.Error())
		return
	}
	c.Status(http.StatusNoContent)
}

// GetStream はMJPEGストリーミングエンドポイントの実装
func (h *CamstreamHandler) GetStream(c *gin.Context) {
	if h.deps.MJPEG == nil {
		writeError(c, http.StatusNotFound, "sink_disabled", "MJPEG配信は無効です")
		return
	}

	h.streamMJPEG(c)
}

// GetPreview は最新フレームをJPEGで返す
func (h *CamstreamHandler) GetPreview(c *gin.Context, params GetPreviewParams) {
	if h.deps.Preview == nil {
		writeError(c, http.StatusNotFound, "sink_disabled", "プレビューは無効です")
		return
	}

	quality := h.deps.PreviewQuality
	if quality <= 0 {
		quality = sink.DefaultQuality
	}
	if params.Quality != nil {
		quality = *params.Quality
	}

	data, img, err := h.deps.Preview.Snapshot(quality)
	if err != nil {
		if errors.Is(err, sink.ErrNoFrame) {
			writeError(c, http.StatusServiceUnavailable, "no_frame", err.Error())
			return
		}
		writeError(c, http.StatusInternalServerError, "encode_failed", err.Error())
		return
	}

	c.Header("Cache-Control", "no-cache")
	c.Header("X-Frame-Seq", formatSeq(img.Seq))
	c.Header("Last-Modified", img.CapturedAt.UTC().Format(http.TimeFormat))
	c.Data(http.StatusOK, "image/jpeg", data)
}

// GetTimelapseVideos はタイムラプス動画の一覧を返す
func (h *CamstreamHandler) GetTimelapseVideos(c *gin.Context) {
	if h.deps.Timelapse == nil {
		writeError(c, http.StatusNotFound, "sink_disabled", "タイムラプスは無効です")
		return
	}

	videos, err := h.deps.Timelapse.Videos()
	if err != nil {
		h.logger.Error("動画一覧の取得に失敗", zap.Error(err))
		writeError(c, http.StatusInternalServerError, "list_failed", err.Error())
		return
	}
	if videos == nil {
		videos = []sink.Video{}
	}
	c.JSON(http.StatusOK, VideosResponse{Videos: videos})
}

// ヘルパー関数

func (h *CamstreamHandler) currentEffect() string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.effect
}

// streamMJPEG はMJPEGストリームを配信する
func (h *CamstreamHandler) streamMJPEG(c *gin.Context) {
	clientID, frameChan, cancel, err := h.deps.MJPEG.Subscribe()
	if err != nil {
		writeError(c, http.StatusServiceUnavailable, "sink_closed", err.Error())
		return
	}
	defer cancel()

	// レスポンスヘッダーを設定
	c.Header("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("Access-Control-Allow-Origin", "*")
	c.Status(http.StatusOK)

	writer := c.Writer
	clientGone := c.Request.Context().Done()

	for {
		select {
		case <-clientGone:
			return

		case frame, ok := <-frameChan:
			if !ok {
				// シンクが閉じられた
				return
			}

			if err := writePart(writer, frame.JPEG); err != nil {
				h.logger.Debug("MJPEGの書き込みに失敗", zap.String("client_id", clientID), zap.Error(err))
				return
			}
			writer.Flush()
		}
	}
}

// writePart はマルチパートの1フレーム分を書き込む
func writePart(w gin.ResponseWriter, jpeg []byte) error {
	if _, err := w.WriteString("--frame\r\nContent-Type: image/jpeg\r\n\r\n"); err != nil {
		return err
	}
	if _, err := w.Write(jpeg); err != nil {
		return err
	}
	_, err := w.WriteString("\r\n")
	return err
}
