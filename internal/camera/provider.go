package camera

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"camstream/internal/pipeline"
)

// Provider は設定済みデバイスと自動検出デバイスをまとめて pipeline.DeviceProvider として提供する
type Provider struct {
	discovery     Discovery
	factory       *Factory
	settings      Settings
	autoDiscovery bool
	logger        *zap.Logger

	mu    sync.Mutex
	specs []DeviceSpec // 設定済みデバイス
	last  []DeviceSpec // 直近の Devices で返した一覧
}

// ProviderOption は Provider のオプション
type ProviderOption func(*Provider)

// WithDiscovery はデバイス検出の実装を差し替える
func WithDiscovery(d Discovery) ProviderOption {
	return func(p *Provider) { p.discovery = d }
}

// WithFactory はファクトリーを差し替える
func WithFactory(f *Factory) ProviderOption {
	return func(p *Provider) { p.factory = f }
}

// WithAutoDiscovery は自動検出の有無を設定する
func WithAutoDiscovery(enabled bool) ProviderOption {
	return func(p *Provider) { p.autoDiscovery = enabled }
}

// WithProviderLogger はロガーを設定する
func WithProviderLogger(logger *zap.Logger) ProviderOption {
	return func(p *Provider) { p.logger = logger }
}

// NewProvider は新しいProviderを作成する
func NewProvider(specs []DeviceSpec, settings Settings, opts ...ProviderOption) *Provider {
	p := &Provider{
		discovery:     NewLinuxDiscovery(),
		factory:       NewFactory(),
		settings:      settings,
		autoDiscovery: true,
		logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}

	p.specs = make([]DeviceSpec, 0, len(specs))
	for _, spec := range specs {
		if spec.ID == "" {
			spec.ID = uuid.New().String()
		}
		if spec.Name == "" {
			spec.Name = spec.Device
		}
		p.specs = append(p.specs, spec)
	}
	return p
}

// Devices は利用可能なデバイス一覧を返す
// 設定済みデバイスが先頭、自動検出で見つかった未設定のV4L2デバイスがその後に続く
func (p *Provider) Devices(ctx context.Context) ([]pipeline.DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	list := make([]DeviceSpec, 0, len(p.specs))
	list = append(list, p.specs...)

	if p.autoDiscovery && p.discovery != nil {
		found, err := p.discovery.ScanDevices(ctx)
		if err != nil {
			p.logger.Warn("デバイスの自動検出に失敗しました", zap.Error(err))
		}
		for _, device := range found {
			if containsDevice(list, device) {
				continue
			}
			list = append(list, p.discoveredSpec(ctx, device))
		}
	}

	p.last = list

	infos := make([]pipeline.DeviceInfo, len(list))
	for i, spec := range list {
		infos[i] = pipeline.DeviceInfo{
			Index:       i,
			Name:        spec.Name,
			Facing:      spec.Facing,
			Orientation: spec.Orientation,
		}
	}
	return infos, nil
}

// Open は直近の Devices で返したインデックスのデバイスを開く
func (p *Provider) Open(_ context.Context, index int) (pipeline.Device, error) {
	p.mu.Lock()
	list := p.last
	if list == nil {
		list = p.specs
	}
	p.mu.Unlock()

	if index < 0 || index >= len(list) {
		return nil, errors.Errorf("デバイスインデックスが範囲外です: %d", index)
	}

	spec := list[index]
	device, err := p.factory.Create(spec, p.settings, p.logger)
	if err != nil {
		return nil, errors.Wrapf(err, "デバイス %s を開けません", spec.Name)
	}

	p.logger.Info("デバイスを開きました",
		zap.String("id", spec.ID),
		zap.String("name", spec.Name),
		zap.String("facing", spec.Facing.String()),
	)
	return device, nil
}

// discoveredSpec は検出されたデバイスの定義を作る
func (p *Provider) discoveredSpec(ctx context.Context, device string) DeviceSpec {
	spec := DeviceSpec{
		ID:     uuid.New().String(),
		Name:   fmt.Sprintf("カメラ %d", extractDeviceNumber(device)),
		Device: device,
		Type:   SourceTypeV4L2,
		Facing: pipeline.FacingExternal,
		FPS:    p.settings.FPS,
	}
	if info, err := p.discovery.GetDeviceInfo(ctx, device); err == nil && info.Name != "" {
		spec.Name = info.Name
	}
	return spec
}

func containsDevice(specs []DeviceSpec, device string) bool {
	for _, spec := range specs {
		if spec.Device == device {
			return true
		}
	}
	return false
}
