package pipeline

import (
	"context"
	"fmt"
	"image"
	"strings"
	"time"
)

// Facing はカメラの向きを表す
type Facing int

const (
	FacingBack     Facing = iota // 背面カメラ
	FacingFront                  // 前面カメラ
	FacingExternal               // 外付けカメラ（USBなど）
)

// String は向きの文字列表現を返す
func (f Facing) String() string {
	switch f {
	case FacingFront:
		return "front"
	case FacingExternal:
		return "external"
	default:
		return "back"
	}
}

// ParseFacing は文字列からFacingを解析する
// 空文字列は背面カメラとして扱う
func ParseFacing(s string) (Facing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "back", "rear":
		return FacingBack, nil
	case "front", "user":
		return FacingFront, nil
	case "external", "usb":
		return FacingExternal, nil
	default:
		return FacingBack, fmt.Errorf("不明なカメラの向き: %q", s)
	}
}

// Parameters はパイプラインの設定値
// 一度作成したら変更せず、差し替える場合は Configure に新しい値を渡す
type Parameters struct {
	Width       int  `json:"width"`        // プレビュー幅
	Height      int  `json:"height"`       // プレビュー高さ
	FrontCamera bool `json:"front_camera"` // 前面カメラを要求するか
	ScreenAngle int  `json:"screen_angle"` // 画面の回転角度（度）
}

// Validate は設定値の妥当性を検証する
func (p Parameters) Validate() error {
	if p.Width <= 0 {
		return fmt.Errorf("%w: 無効な幅: %d", ErrInvalidParameters, p.Width)
	}
	if p.Height <= 0 {
		return fmt.Errorf("%w: 無効な高さ: %d", ErrInvalidParameters, p.Height)
	}
	return nil
}

// Frame はカメラから届いた生フレーム
// Data はRGB24（1ピクセル3バイト）で詰められている
// コールバック終了後に再利用される可能性があるため保持してはならない
type Frame struct {
	Data   []byte
	Width  int
	Height int
}

// Image は表示可能な画像とそのメタデータ
type Image struct {
	Picture    image.Image // 変換済み画像
	Seq        uint64      // フレーム番号（単調増加）
	CapturedAt time.Time   // 変換が完了した時刻
}

// Transform は生フレームを表示可能な画像へ変換する
// パイプラインの状態に副作用を与えてはならない
type Transform interface {
	Process(frame Frame, angle int) (image.Image, error)
}

// TransformFunc は関数をTransformとして扱うためのアダプタ
type TransformFunc func(frame Frame, angle int) (image.Image, error)

// Process は f(frame, angle) を呼び出す
func (f TransformFunc) Process(frame Frame, angle int) (image.Image, error) {
	return f(frame, angle)
}

// Sink は変換済み画像の受け取り先
type Sink interface {
	// Send は画像を1枚配信する
	Send(ctx context.Context, img Image) error

	// Close はシンクを終了する
	Close() error
}

// DeviceInfo はカメラデバイスの情報
type DeviceInfo struct {
	Index       int    // プロバイダ内での番号
	Name        string // 表示名
	Facing      Facing // 向き
	Orientation int    // センサーの取り付け角度（度）
}

// Device は1回のオープンからクローズまでのカメラデバイスハンドル
type Device interface {
	// ConfigurePreview はプレビューの解像度を設定する
	ConfigurePreview(width, height int) error

	// SetFrameCallback はフレーム到着時のコールバックを登録する（nilで解除）
	SetFrameCallback(cb func(Frame))

	// StartStreaming はフレームの配信を開始する
	StartStreaming(ctx context.Context) error

	// StopStreaming はフレームの配信を停止する
	// 戻った時点でコールバックが呼ばれていないことを保証する
	StopStreaming() error

	// Release はデバイスを解放する
	Release() error

	// RequestAutofocus はオートフォーカスを1回要求する
	RequestAutofocus(ctx context.Context) error

	// NativeOrientation はセンサーの取り付け角度を返す
	NativeOrientation() int
}

// DeviceProvider はカメラデバイスの列挙とオープンを担う
type DeviceProvider interface {
	// Devices は利用可能なデバイス一覧を返す
	Devices(ctx context.Context) ([]DeviceInfo, error)

	// Open は指定された番号のデバイスを開く
	Open(ctx context.Context, index int) (Device, error)
}

// State はコーディネーターの状態
type State string

const (
	StateStopped State = "stopped" // デバイス未オープン
	StateRunning State = "running" // ストリーミング中
	StateClosed  State = "closed"  // Teardown済み
)

// Status はコーディネーターの状態スナップショット
type Status struct {
	State            State      `json:"state"`
	Device           string     `json:"device,omitempty"`
	Facing           string     `json:"facing,omitempty"`
	Angle            int        `json:"angle"`
	Parameters       Parameters `json:"parameters"`
	Sinks            int        `json:"sinks"`
	FramesProduced   uint64     `json:"frames_produced"`
	FramesDropped    uint64     `json:"frames_dropped"`
	Deliveries       uint64     `json:"deliveries"`
	DeliveryFailures uint64     `json:"delivery_failures"`
	SinkDrops        uint64     `json:"sink_drops"`
	Pool             PoolStats  `json:"pool"`
	LastError        string     `json:"last_error,omitempty"`
}
