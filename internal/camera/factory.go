package camera

import (
	"context"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"camstream/internal/pipeline"
)

// Creator はデバイス定義から pipeline.Device を作成する関数の型
type Creator func(spec DeviceSpec, settings Settings, logger *zap.Logger) (pipeline.Device, error)

// Factory はソース種類ごとの Creator を保持する
type Factory struct {
	mu       sync.RWMutex
	creators map[SourceType]Creator
}

// NewFactory は標準のソース種類を登録済みのファクトリーを作成する
func NewFactory() *Factory {
	f := &Factory{creators: make(map[SourceType]Creator)}

	f.Register(SourceTypeV4L2, newV4L2Device)
	f.Register(SourceTypeX11, newX11Device)
	f.Register(SourceTypeTestPattern, newTestPatternDevice)

	return f
}

// Register はソース作成関数を登録する
func (f *Factory) Register(sourceType SourceType, creator Creator) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creators[sourceType] = creator
}

// Create はデバイスを作成する
func (f *Factory) Create(spec DeviceSpec, settings Settings, logger *zap.Logger) (pipeline.Device, error) {
	f.mu.RLock()
	creator, exists := f.creators[spec.Type]
	f.mu.RUnlock()

	if !exists {
		return nil, errors.Errorf("サポートされていないソースタイプ: %s", spec.Type)
	}

	if spec.FPS <= 0 {
		spec.FPS = settings.FPS
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return creator(spec, settings, logger)
}

// SupportedTypes はサポートされているソース種類を名前順で返す
func (f *Factory) SupportedTypes() []SourceType {
	f.mu.RLock()
	defer f.mu.RUnlock()

	types := make([]SourceType, 0, len(f.creators))
	for sourceType := range f.creators {
		types = append(types, sourceType)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}

// newV4L2Device はV4L2カメラを作成する
func newV4L2Device(spec DeviceSpec, _ Settings, logger *zap.Logger) (pipeline.Device, error) {
	if spec.Device == "" {
		return nil, errors.New("V4L2カメラの作成にはデバイスパスが必要です")
	}

	d := newFFmpegDevice(spec, v4l2Input, logger)
	device := spec.Device
	d.autofocus = func(ctx context.Context) error {
		return triggerAutofocus(ctx, device)
	}
	return d, nil
}

// newX11Device はX11画面キャプチャを作成する
func newX11Device(spec DeviceSpec, _ Settings, logger *zap.Logger) (pipeline.Device, error) {
	if spec.Device == "" {
		spec.Device = ":0.0"
	}
	return newFFmpegDevice(spec, x11Input, logger), nil
}

// newTestPatternDevice はテストパターンを作成する
func newTestPatternDevice(spec DeviceSpec, _ Settings, _ *zap.Logger) (pipeline.Device, error) {
	return NewTestPatternDevice(spec), nil
}
