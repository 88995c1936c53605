package camera

import (
	"context"

	"camstream/internal/pipeline"
)

// SourceType はデバイスの種類を定義
type SourceType string

const (
	// SourceTypeV4L2 はV4L2カメラ（USBカメラなど）を表す
	SourceTypeV4L2 SourceType = "v4l2"
	// SourceTypeX11 はX11画面キャプチャを表す
	SourceTypeX11 SourceType = "x11"
	// SourceTypeTestPattern は合成テストパターンを表す
	SourceTypeTestPattern SourceType = "testpattern"
)

// DeviceSpec は1台のデバイスの定義
type DeviceSpec struct {
	ID          string          // 識別子
	Name        string          // 表示名
	Device      string          // デバイスパス（例: /dev/video0）またはX11ディスプレイ（例: :0.0）
	Type        SourceType      // 種類
	Facing      pipeline.Facing // 向き
	Orientation int             // センサーの取り付け角度（度）
	FPS         int             // フレームレート
}

// Settings はデバイスの既定値
type Settings struct {
	FPS    int // フレームレート
	Width  int // 画像幅
	Height int // 画像高さ
}

// Discovery はカメラデバイスの検出機能を提供する
type Discovery interface {
	// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
	ScanDevices(ctx context.Context) ([]string, error)

	// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
	IsDeviceAvailable(ctx context.Context, device string) bool

	// GetDeviceInfo はデバイスの詳細情報を取得する
	GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error)
}

// DeviceInfo はカメラデバイスの詳細情報を表す
type DeviceInfo struct {
	Device  string   // デバイスパス
	Name    string   // デバイス名
	Driver  string   // ドライバー名
	Formats []string // サポートされるフォーマット
}
