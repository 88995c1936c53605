package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"camstream/internal/camera"
	"camstream/internal/effect"
	"camstream/internal/pipeline"
	"camstream/internal/sink"
)

// Config はアプリケーション全体の設定を保持する構造体
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Camera   CameraConfig   `yaml:"camera"`
	Pipeline PipelineConfig `yaml:"pipeline"`
	Effect   EffectConfig   `yaml:"effect"`
	Sinks    SinksConfig    `yaml:"sinks"`
	Logging  LoggingConfig  `yaml:"logging"`
}

// ServerConfig はHTTPサーバーの設定
type ServerConfig struct {
	Host string `yaml:"host"` // リッスンするホスト
	Port int    `yaml:"port"` // リッスンするポート番号

	// タイムアウト設定
	ReadTimeout     time.Duration `yaml:"read_timeout"`     // 読み込みタイムアウト
	WriteTimeout    time.Duration `yaml:"write_timeout"`    // 書き込みタイムアウト
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // 終了処理のタイムアウト
}

// CameraConfig はカメラ関連の設定
type CameraConfig struct {
	Devices       []CameraDevice `yaml:"devices"`
	AutoDiscovery bool           `yaml:"auto_discovery"` // /dev/video* を自動検出する

	// デフォルト設定
	DefaultFPS    int `yaml:"default_fps"`    // フレームレート (fps)
	DefaultWidth  int `yaml:"default_width"`  // 画像幅
	DefaultHeight int `yaml:"default_height"` // 画像高さ

	FrontCamera bool `yaml:"front_camera"` // 起動時に前面カメラを要求する
	ScreenAngle int  `yaml:"screen_angle"` // 画面の回転角度（度）
}

// CameraDevice は個別カメラの設定
type CameraDevice struct {
	ID          string `yaml:"id"`          // カメラID
	Name        string `yaml:"name"`        // カメラ名
	Device      string `yaml:"device"`      // デバイスパス (例: /dev/video0) またはX11ディスプレイ
	Type        string `yaml:"type"`        // v4l2 / x11 / testpattern
	Facing      string `yaml:"facing"`      // back / front / external
	Orientation int    `yaml:"orientation"` // センサーの取り付け角度
	FPS         int    `yaml:"fps"`
}

// PipelineConfig はパイプラインの設定
type PipelineConfig struct {
	Pool              pipeline.PoolConfig `yaml:"pool"`
	MaxPendingPerSink int                 `yaml:"max_pending_per_sink"` // シンクごとの未処理配信の上限（0で無制限）
}

// EffectConfig はエフェクトの設定
type EffectConfig struct {
	Name      string        `yaml:"name"`       // none / coolface / beard / hat / moustache
	Rotate    bool          `yaml:"rotate"`     // 実効角度で回転する
	Timestamp bool          `yaml:"timestamp"`  // 時刻を書き込む
	SpriteDir string        `yaml:"sprite_dir"` // スプライト画像のディレクトリ
	Faces     []effect.Face `yaml:"faces"`      // 顔の位置
}

// SinksConfig は出力先の設定
type SinksConfig struct {
	MJPEG     MJPEGConfig     `yaml:"mjpeg"`
	Preview   PreviewConfig   `yaml:"preview"`
	Timelapse TimelapseConfig `yaml:"timelapse"`
}

// MJPEGConfig はMJPEG配信の設定
type MJPEGConfig struct {
	Enabled bool `yaml:"enabled"`
	Quality int  `yaml:"quality"` // JPEG品質 (1-100)
}

// PreviewConfig はプレビューの設定
type PreviewConfig struct {
	Enabled bool `yaml:"enabled"`
	Quality int  `yaml:"quality"` // スナップショットの既定JPEG品質 (1-100)
}

// TimelapseConfig はタイムラプスの設定
type TimelapseConfig struct {
	Enabled              bool `yaml:"enabled"`
	sink.TimelapseConfig `yaml:",inline"`
}

// LoggingConfig はログの設定
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug / info / warn / error
	Development bool   `yaml:"development"` // コンソール向けの出力にする
}

// Default はデフォルト設定を返す
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     10 * time.Second,
			WriteTimeout:    0, // ストリーミング用にタイムアウト無効化
			ShutdownTimeout: 5 * time.Second,
		},
		Camera: CameraConfig{
			Devices:       []CameraDevice{},
			AutoDiscovery: true,
			DefaultFPS:    15,
			DefaultWidth:  1280,
			DefaultHeight: 720,
		},
		Pipeline: PipelineConfig{
			Pool: pipeline.DefaultPoolConfig(),
		},
		Effect: EffectConfig{
			Name: effect.NameNone,
		},
		Sinks: SinksConfig{
			MJPEG:   MJPEGConfig{Enabled: true, Quality: sink.DefaultQuality},
			Preview: PreviewConfig{Enabled: true, Quality: sink.DefaultQuality},
			Timelapse: TimelapseConfig{
				Enabled:         false,
				TimelapseConfig: sink.DefaultTimelapseConfig(),
			},
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load は設定を読み込む
// path が空ならデフォルト値、指定があればYAMLファイルで上書きし、最後に環境変数を反映する
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("設定ファイルの読み込みに失敗: %w", err)
		}
		// デフォルト値の上に上書きする
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("設定ファイルの解析に失敗: %w", err)
		}
	}

	cfg.applyEnv()

	// 設定の検証
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("設定の検証に失敗: %w", err)
	}

	return cfg, nil
}

// applyEnv は環境変数で設定を上書きする
func (c *Config) applyEnv() {
	c.Server.Host = getEnvOrDefault("SERVER_HOST", c.Server.Host)
	c.Server.Port = getEnvAsIntOrDefault("PORT", c.Server.Port)
	c.Server.Port = getEnvAsIntOrDefault("SERVER_PORT", c.Server.Port)
	c.Logging.Level = getEnvOrDefault("CAMSTREAM_LOG_LEVEL", c.Logging.Level)
}

// Validate は設定の妥当性を検証する
func (c *Config) Validate() error {
	// サーバー設定の検証
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("無効なポート番号: %d", c.Server.Port)
	}

	// カメラ設定の検証
	if c.Camera.DefaultWidth <= 0 || c.Camera.DefaultHeight <= 0 {
		return fmt.Errorf("無効な解像度: %dx%d", c.Camera.DefaultWidth, c.Camera.DefaultHeight)
	}
	if len(c.Camera.Devices) == 0 && !c.Camera.AutoDiscovery {
		return errors.New("カメラデバイスが設定されていません")
	}
	ids := make(map[string]bool)
	for i, d := range c.Camera.Devices {
		if d.ID == "" {
			return fmt.Errorf("カメラ %d のIDが設定されていません", i)
		}
		if ids[d.ID] {
			return fmt.Errorf("カメラID %s が重複しています", d.ID)
		}
		ids[d.ID] = true

		if _, err := d.spec(); err != nil {
			return fmt.Errorf("カメラ %s: %w", d.ID, err)
		}
	}

	// パイプライン設定の検証
	pool := c.Pipeline.Pool
	if pool.CoreWorkers < 1 || pool.MaxWorkers < pool.CoreWorkers {
		return fmt.Errorf("無効なワーカー数: core=%d max=%d", pool.CoreWorkers, pool.MaxWorkers)
	}
	if c.Pipeline.MaxPendingPerSink < 0 {
		return fmt.Errorf("無効な未処理配信の上限: %d", c.Pipeline.MaxPendingPerSink)
	}

	// エフェクト設定の検証
	if !validEffect(c.Effect.Name) {
		return fmt.Errorf("不明なエフェクト: %s (使用可能: %s)", c.Effect.Name, strings.Join(effect.Names(), ", "))
	}

	// 出力先設定の検証
	if q := c.Sinks.MJPEG.Quality; q < 1 || q > 100 {
		return fmt.Errorf("無効なMJPEG品質: %d", q)
	}
	if q := c.Sinks.Preview.Quality; q < 1 || q > 100 {
		return fmt.Errorf("無効なプレビュー品質: %d", q)
	}
	if tl := c.Sinks.Timelapse; tl.Enabled {
		if tl.Dir == "" {
			return errors.New("タイムラプスの出力先が設定されていません")
		}
		if tl.Quality < 1 || tl.Quality > 5 {
			return fmt.Errorf("無効なタイムラプス品質: %d", tl.Quality)
		}
	}

	// ログ設定の検証
	if _, err := zap.ParseAtomicLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("無効なログレベル: %s", c.Logging.Level)
	}

	return nil
}

// ServerAddress はサーバーのリッスンアドレスを返す
func (c *Config) ServerAddress() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// Parameters は起動時のパイプライン設定値を返す
func (c *Config) Parameters() pipeline.Parameters {
	return pipeline.Parameters{
		Width:       c.Camera.DefaultWidth,
		Height:      c.Camera.DefaultHeight,
		FrontCamera: c.Camera.FrontCamera,
		ScreenAngle: c.Camera.ScreenAngle,
	}
}

// CameraSettings はデバイスの既定値を返す
func (c *Config) CameraSettings() camera.Settings {
	return camera.Settings{
		FPS:    c.Camera.DefaultFPS,
		Width:  c.Camera.DefaultWidth,
		Height: c.Camera.DefaultHeight,
	}
}

// DeviceSpecs は設定されたデバイス定義を返す
func (c *Config) DeviceSpecs() ([]camera.DeviceSpec, error) {
	specs := make([]camera.DeviceSpec, 0, len(c.Camera.Devices))
	for _, d := range c.Camera.Devices {
		spec, err := d.spec()
		if err != nil {
			return nil, fmt.Errorf("カメラ %s: %w", d.ID, err)
		}
		if spec.FPS <= 0 {
			spec.FPS = c.Camera.DefaultFPS
		}
		specs = append(specs, spec)
	}
	return specs, nil
}

// EffectOptions はエフェクト構築用のオプションを返す
// 顔の位置は locator に設定される
func (c *Config) EffectOptions(locator *effect.StaticLocator) effect.Options {
	locator.Set(c.Effect.Faces...)
	return effect.Options{
		Rotate:    c.Effect.Rotate,
		Timestamp: c.Effect.Timestamp,
		Locator:   locator,
		SpriteDir: c.Effect.SpriteDir,
	}
}

// spec はカメラ設定をデバイス定義へ変換する
func (d CameraDevice) spec() (camera.DeviceSpec, error) {
	sourceType := camera.SourceType(d.Type)
	switch sourceType {
	case "":
		sourceType = camera.SourceTypeV4L2
	case camera.SourceTypeV4L2, camera.SourceTypeX11, camera.SourceTypeTestPattern:
	default:
		return camera.DeviceSpec{}, fmt.Errorf("不明なソースタイプ: %s", d.Type)
	}

	if sourceType == camera.SourceTypeV4L2 && d.Device == "" {
		return camera.DeviceSpec{}, errors.New("デバイスパスが設定されていません")
	}

	facing := pipeline.FacingExternal
	if d.Facing != "" {
		f, err := pipeline.ParseFacing(d.Facing)
		if err != nil {
			return camera.DeviceSpec{}, err
		}
		facing = f
	}

	return camera.DeviceSpec{
		ID:          d.ID,
		Name:        d.Name,
		Device:      d.Device,
		Type:        sourceType,
		Facing:      facing,
		Orientation: d.Orientation,
		FPS:         d.FPS,
	}, nil
}

func validEffect(name string) bool {
	if name == "" {
		return true
	}
	for _, n := range effect.Names() {
		if n == name {
			return true
		}
	}
	return false
}

// getEnvOrDefault は環境変数を取得し、設定されていない場合はデフォルト値を返す
func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAsIntOrDefault は環境変数を整数として取得し、設定されていない場合はデフォルト値を返す
func getEnvAsIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		var intVal int
		if _, err := fmt.Sscanf(value, "%d", &intVal); err == nil {
			return intVal
		}
	}
	return defaultValue
}
