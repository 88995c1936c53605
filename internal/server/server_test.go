package server

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"camstream/internal/config"
	"camstream/internal/effect"
	"camstream/internal/pipeline"
	"camstream/internal/sink"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	provider  *pipeline.MockProvider
	pipeline  *pipeline.Coordinator
	mjpeg     *sink.MJPEG
	preview   *sink.Preview
	locator   *effect.StaticLocator
	handler   *CamstreamHandler
	engine    *gin.Engine
	frameSize int
}

// newTestEnv はモックカメラとMJPEG・プレビューを繋いだ環境を作る
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	provider := pipeline.NewMockProvider(pipeline.DeviceInfo{Facing: pipeline.FacingBack})
	transform, err := effect.New(effect.NameNone, effect.Options{})
	if err != nil {
		t.Fatalf("effect.New failed: %v", err)
	}

	ctx := context.Background()
	coord, err := pipeline.New(ctx, provider, pipeline.Parameters{Width: 8, Height: 6}, transform)
	if err != nil {
		t.Fatalf("pipeline.New failed: %v", err)
	}

	mjpeg := sink.NewMJPEG(sink.DefaultQuality, nil)
	preview := sink.NewPreview()
	for _, s := range []pipeline.Sink{mjpeg, preview} {
		if _, err := coord.AddSink(s); err != nil {
			t.Fatalf("AddSink failed: %v", err)
		}
	}
	t.Cleanup(func() {
		_ = coord.Teardown(context.Background())
	})

	locator := effect.NewStaticLocator()
	handler := NewHandler(Deps{
		Pipeline: coord,
		MJPEG:    mjpeg,
		Preview:  preview,
		Locator:  locator,
	})
	engine, err := NewEngine(handler, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	return &testEnv{
		provider:  provider,
		pipeline:  coord,
		mjpeg:     mjpeg,
		preview:   preview,
		locator:   locator,
		handler:   handler,
		engine:    engine,
		frameSize: 8 * 6 * 3,
	}
}

// emit はフレームを1枚流し、プレビューに届くまで待つ
func (e *testEnv) emit(t *testing.T) {
	t.Helper()

	device := e.provider.Last()
	if device == nil {
		t.Fatal("デバイスが開かれていません")
	}
	frame := pipeline.Frame{Data: make([]byte, e.frameSize), Width: 8, Height: 6}
	if !device.Emit(frame) {
		t.Fatal("フレームを流せませんでした")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := e.preview.Wait(ctx, 0); err != nil {
		t.Fatalf("プレビューにフレームが届きません: %v", err)
	}

	// MJPEGは別タスクでエンコードされる
	for {
		if _, ok := e.mjpeg.Latest(); ok {
			return
		}
		select {
		case <-ctx.Done():
			t.Fatal("MJPEGにフレームが届きません")
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (e *testEnv) do(method, path, body string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	w := httptest.NewRecorder()
	e.engine.ServeHTTP(w, req)
	return w
}

// TestServerStartAndShutdown はサーバーの起動とシャットダウンをテストする
func TestServerStartAndShutdown(t *testing.T) {
	env := newTestEnv(t)

	srv, err := New(config.ServerConfig{
		Host:            "127.0.0.1",
		Port:            0, // ランダムポートを使用
		ReadTimeout:     5 * time.Second,
		ShutdownTimeout: time.Second,
	}, env.handler, nil)
	if err != nil {
		t.Fatalf("サーバーの作成に失敗: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start(ctx)
	}()

	// サーバーが起動するまで少し待つ
	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("サーバーの停止でエラーが発生: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Error("サーバーの停止がタイムアウトしました")
	}
}

// TestHealthCheck はヘルスチェックエンドポイントをテストする
func TestHealthCheck(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Fatalf("期待されるステータスコード: %d, 実際: %d", http.StatusOK, w.Code)
	}

	var resp HealthResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗: %v", err)
	}
	if resp.Status != Healthy {
		t.Errorf("Status = %q, want %q", resp.Status, Healthy)
	}
}

// TestGetStatus はステータスエンドポイントをテストする
func TestGetStatus(t *testing.T) {
	env := newTestEnv(t)
	env.emit(t)

	w := env.do(http.MethodGet, "/api/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("期待されるステータスコード: %d, 実際: %d", http.StatusOK, w.Code)
	}

	var resp StatusResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("レスポンスの解析に失敗: %v", err)
	}
	if resp.Pipeline.State != pipeline.StateRunning {
		t.Errorf("State = %q, want running", resp.Pipeline.State)
	}
	if resp.Pipeline.Sinks != 2 {
		t.Errorf("Sinks = %d, want 2", resp.Pipeline.Sinks)
	}
	if resp.Pipeline.FramesProduced != 1 {
		t.Errorf("FramesProduced = %d, want 1", resp.Pipeline.FramesProduced)
	}
	if resp.Effect != effect.NameNone {
		t.Errorf("Effect = %q, want none", resp.Effect)
	}
	if resp.MJPEG == nil {
		t.Error("MJPEGの統計がありません")
	}
	if resp.Timelapse != nil {
		t.Error("無効なタイムラプスの状態が含まれています")
	}
}

// TestParameters はパラメータの取得と変更をテストする
func TestParameters(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/parameters", "")
	if w.Code != http.StatusOK {
		t.Fatalf("期待されるステータスコード: %d, 実際: %d", http.StatusOK, w.Code)
	}
	var params pipeline.Parameters
	if err := json.Unmarshal(w.Body.Bytes(), &params); err != nil {
		t.Fatalf("レスポンスの解析に失敗: %v", err)
	}
	if params.Width != 8 || params.Height != 6 {
		t.Errorf("Parameters = %+v", params)
	}

	w = env.do(http.MethodPut, "/api/parameters", `{"width":16,"height":12,"screen_angle":90}`)
	if w.Code != http.StatusOK {
		t.Fatalf("期待されるステータスコード: %d, 実際: %d body=%s", http.StatusOK, w.Code, w.Body.String())
	}
	got := env.pipeline.Parameters()
	if got.Width != 16 || got.Height != 12 || got.ScreenAngle != 90 {
		t.Errorf("パラメータが反映されていません: %+v", got)
	}
	// 再設定でカメラが開き直される
	if n := len(env.provider.Opened()); n != 2 {
		t.Errorf("Opened = %d, want 2", n)
	}
	w16, h12 := env.provider.Last().Size()
	if w16 != 16 || h12 != 12 {
		t.Errorf("プレビュー解像度 = %dx%d", w16, h12)
	}
}

// TestParameters_Invalid は不正なパラメータを拒否することをテストする
func TestParameters_Invalid(t *testing.T) {
	env := newTestEnv(t)

	testCases := []struct {
		name string
		body string
	}{
		{name: "幅が0", body: `{"width":0,"height":12}`},
		{name: "高さなし", body: `{"width":16}`},
		{name: "型が違う", body: `{"width":"wide","height":12}`},
		{name: "JSONでない", body: `not json`},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do(http.MethodPut, "/api/parameters", tc.body)
			if w.Code != http.StatusBadRequest {
				t.Errorf("期待されるステータスコード: %d, 実際: %d", http.StatusBadRequest, w.Code)
			}
		})
	}

	if got := env.pipeline.Parameters(); got.Width != 8 {
		t.Errorf("不正なリクエストでパラメータが変わりました: %+v", got)
	}
}

// TestParameters_Closed は終了後の変更が503になることをテストする
func TestParameters_Closed(t *testing.T) {
	env := newTestEnv(t)
	if err := env.pipeline.Teardown(context.Background()); err != nil {
		t.Fatalf("Teardown failed: %v", err)
	}

	w := env.do(http.MethodPut, "/api/parameters", `{"width":16,"height":12}`)
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("期待されるステータスコード: %d, 実際: %d", http.StatusServiceUnavailable, w.Code)
	}
}

// TestEffects はエフェクトの一覧と切り替えをテストする
func TestEffects(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/effects", "")
	if w.Code != http.StatusOK {
		t.Fatalf("期待されるステータスコード: %d, 実際: %d", http.StatusOK, w.Code)
	}
	var list EffectsResponse
	if err := json.Unmarshal(w.Body.Bytes(), &list); err != nil {
		t.Fatalf("レスポンスの解析に失敗: %v", err)
	}
	if list.Current != effect.NameNone {
		t.Errorf("Current = %q", list.Current)
	}
	if len(list.Available) != len(effect.Names()) {
		t.Errorf("Available = %v", list.Available)
	}

	w = env.do(http.MethodPut, "/api/effect", `{"name":"hat"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("期待されるステータスコード: %d, 実際: %d body=%s", http.StatusOK, w.Code, w.Body.String())
	}
	if got := env.handler.currentEffect(); got != "hat" {
		t.Errorf("currentEffect = %q, want hat", got)
	}

	w = env.do(http.MethodPut, "/api/effect", `{"name":"sparkles"}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("不明なエフェクト: 期待されるステータスコード: %d, 実際: %d", http.StatusBadRequest, w.Code)
	}
	if got := env.handler.currentEffect(); got != "hat" {
		t.Errorf("失敗した切り替えでエフェクトが変わりました: %q", got)
	}
}

// TestPutFaces は顔位置の更新をテストする
func TestPutFaces(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPut, "/api/faces", `{"faces":[{"x":10,"y":20,"eye_distance":8}]}`)
	if w.Code != http.StatusOK {
		t.Fatalf("期待されるステータスコード: %d, 実際: %d body=%s", http.StatusOK, w.Code, w.Body.String())
	}

	faces, err := env.locator.Locate(nil)
	if err != nil {
		t.Fatalf("Locate failed: %v", err)
	}
	if len(faces) != 1 || faces[0] != (effect.Face{X: 10, Y: 20, EyeDistance: 8}) {
		t.Errorf("faces = %+v", faces)
	}

	w = env.do(http.MethodPut, "/api/faces", `{"faces":[{"x":10,"y":20,"eye_distance":-1}]}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("負の目の間隔: 期待されるステータスコード: %d, 実際: %d", http.StatusBadRequest, w.Code)
	}
}

// TestPostFocus はオートフォーカス要求をテストする
func TestPostFocus(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodPost, "/api/focus", "")
	if w.Code != http.StatusNoContent {
		t.Fatalf("期待されるステータスコード: %d, 実際: %d", http.StatusNoContent, w.Code)
	}
	if n := env.provider.Last().Autofocus; n != 1 {
		t.Errorf("Autofocus = %d, want 1", n)
	}
}

// TestGetPreview はプレビュー取得をテストする
func TestGetPreview(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/preview", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Errorf("フレームなし: 期待されるステータスコード: %d, 実際: %d", http.StatusServiceUnavailable, w.Code)
	}

	env.emit(t)

	w = env.do(http.MethodGet, "/api/preview?quality=50", "")
	if w.Code != http.StatusOK {
		t.Fatalf("期待されるステータスコード: %d, 実際: %d body=%s", http.StatusOK, w.Code, w.Body.String())
	}
	if ct := w.Header().Get("Content-Type"); ct != "image/jpeg" {
		t.Errorf("Content-Type = %q", ct)
	}
	if seq := w.Header().Get("X-Frame-Seq"); seq != "1" {
		t.Errorf("X-Frame-Seq = %q, want 1", seq)
	}
	body := w.Body.Bytes()
	if len(body) < 2 || body[0] != 0xFF || body[1] != 0xD8 {
		t.Error("JPEGのSOIマーカーがありません")
	}

	w = env.do(http.MethodGet, "/api/preview?quality=0", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("範囲外の品質: 期待されるステータスコード: %d, 実際: %d", http.StatusBadRequest, w.Code)
	}
	w = env.do(http.MethodGet, "/api/preview?quality=high", "")
	if w.Code != http.StatusBadRequest {
		t.Errorf("数値でない品質: 期待されるステータスコード: %d, 実際: %d", http.StatusBadRequest, w.Code)
	}
}

// TestDisabledSinks は無効なシンクのエンドポイントが404になることをテストする
func TestDisabledSinks(t *testing.T) {
	env := newTestEnv(t)
	handler := NewHandler(Deps{Pipeline: env.pipeline})
	engine, err := NewEngine(handler, nil)
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	for _, path := range []string{"/api/stream", "/api/preview", "/api/timelapse/videos"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		w := httptest.NewRecorder()
		engine.ServeHTTP(w, req)
		if w.Code != http.StatusNotFound {
			t.Errorf("%s: 期待されるステータスコード: %d, 実際: %d", path, http.StatusNotFound, w.Code)
		}
	}
}

// TestUnknownRoute は未定義のAPIが拒否されることをテストする
func TestUnknownRoute(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(http.MethodGet, "/api/cameras", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("期待されるステータスコード: %d, 実際: %d", http.StatusNotFound, w.Code)
	}
	w = env.do(http.MethodDelete, "/api/parameters", "")
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("期待されるステータスコード: %d, 実際: %d", http.StatusMethodNotAllowed, w.Code)
	}
}

// TestGetStream はMJPEGストリーミングをテストする
func TestGetStream(t *testing.T) {
	env := newTestEnv(t)
	env.emit(t)

	ts := httptest.NewServer(env.engine)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	if err != nil {
		t.Fatalf("リクエストの作成に失敗: %v", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("ストリームへの接続に失敗: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("期待されるステータスコード: %d, 実際: %d", http.StatusOK, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Errorf("Content-Type = %q", ct)
	}

	// 接続直後に最新フレームが届く
	reader := bufio.NewReader(resp.Body)
	lines := make([]string, 0, 2)
	for len(lines) < 2 {
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("フレームの読み込みに失敗: %v", err)
		}
		lines = append(lines, strings.TrimRight(line, "\r\n"))
	}
	want := []string{"--frame", "Content-Type: image/jpeg"}
	if fmt.Sprint(lines) != fmt.Sprint(want) {
		t.Errorf("パートヘッダー = %q, want %q", lines, want)
	}
}
