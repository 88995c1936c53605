package camera

import (
	"context"
	"testing"
	"time"

	"go.uber.org/zap"

	"camstream/internal/pipeline"
)

func TestFactory_SupportedTypes(t *testing.T) {
	factory := NewFactory()

	types := factory.SupportedTypes()
	want := []SourceType{SourceTypeTestPattern, SourceTypeV4L2, SourceTypeX11}
	if len(types) != len(want) {
		t.Fatalf("Expected %d types, got %d", len(want), len(types))
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("types[%d] = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestFactory_Create(t *testing.T) {
	factory := NewFactory()

	tests := []struct {
		name    string
		spec    DeviceSpec
		wantErr bool
	}{
		{"テストパターン", DeviceSpec{Type: SourceTypeTestPattern}, false},
		{"V4L2", DeviceSpec{Type: SourceTypeV4L2, Device: "/dev/video0"}, false},
		{"V4L2 デバイスパスなし", DeviceSpec{Type: SourceTypeV4L2}, true},
		{"X11 既定ディスプレイ", DeviceSpec{Type: SourceTypeX11}, false},
		{"未登録の種類", DeviceSpec{Type: "rtsp"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			device, err := factory.Create(tt.spec, Settings{FPS: 10}, zap.NewNop())
			if tt.wantErr {
				if err == nil {
					t.Error("Expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Create failed: %v", err)
			}
			if device == nil {
				t.Fatal("Expected device")
			}
		})
	}
}

func TestFactory_Register(t *testing.T) {
	factory := NewFactory()
	mock := &pipeline.MockDevice{}

	factory.Register("mock", func(DeviceSpec, Settings, *zap.Logger) (pipeline.Device, error) {
		return mock, nil
	})

	device, err := factory.Create(DeviceSpec{Type: "mock"}, Settings{}, nil)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if device != mock {
		t.Error("登録した作成関数が使われていません")
	}
}

func TestProvider_Devices(t *testing.T) {
	ctx := context.Background()
	discovery := NewMockDiscovery([]string{"/dev/video0", "/dev/video2"})

	specs := []DeviceSpec{
		{Name: "背面", Device: "/dev/video0", Type: SourceTypeV4L2, Facing: pipeline.FacingBack, Orientation: 90},
		{Name: "前面", Type: SourceTypeTestPattern, Facing: pipeline.FacingFront, Orientation: 270},
	}
	provider := NewProvider(specs, Settings{FPS: 15}, WithDiscovery(discovery))

	devices, err := provider.Devices(ctx)
	if err != nil {
		t.Fatalf("Devices failed: %v", err)
	}

	// 設定済み2台 + 未設定の /dev/video2
	if len(devices) != 3 {
		t.Fatalf("Expected 3 devices, got %d", len(devices))
	}

	if devices[0].Name != "背面" || devices[0].Orientation != 90 {
		t.Errorf("Unexpected first device: %+v", devices[0])
	}
	if devices[1].Facing != pipeline.FacingFront {
		t.Errorf("Expected front facing, got %s", devices[1].Facing)
	}
	if devices[2].Facing != pipeline.FacingExternal {
		t.Errorf("検出デバイスは外付け扱いになるべき: %s", devices[2].Facing)
	}
	for i, d := range devices {
		if d.Index != i {
			t.Errorf("devices[%d].Index = %d", i, d.Index)
		}
	}
}

func TestProvider_AutoDiscoveryDisabled(t *testing.T) {
	discovery := NewMockDiscovery([]string{"/dev/video0"})
	provider := NewProvider(nil, Settings{}, WithDiscovery(discovery), WithAutoDiscovery(false))

	devices, err := provider.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices failed: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("Expected no devices, got %d", len(devices))
	}
}

func TestProvider_Open(t *testing.T) {
	ctx := context.Background()
	provider := NewProvider([]DeviceSpec{
		{Name: "pattern", Type: SourceTypeTestPattern, Orientation: 180},
	}, Settings{FPS: 30}, WithAutoDiscovery(false))

	if _, err := provider.Devices(ctx); err != nil {
		t.Fatalf("Devices failed: %v", err)
	}

	device, err := provider.Open(ctx, 0)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	if device.NativeOrientation() != 180 {
		t.Errorf("Expected orientation 180, got %d", device.NativeOrientation())
	}

	if _, err := provider.Open(ctx, 1); err == nil {
		t.Error("範囲外のインデックスはエラーになるべき")
	}
	if _, err := provider.Open(ctx, -1); err == nil {
		t.Error("負のインデックスはエラーになるべき")
	}
}

func TestTestPatternDevice_Streaming(t *testing.T) {
	ctx := context.Background()
	device := NewTestPatternDevice(DeviceSpec{FPS: 100})

	if err := device.StartStreaming(ctx); err == nil {
		t.Error("解像度未設定での開始はエラーになるべき")
	}

	if err := device.ConfigurePreview(16, 8); err != nil {
		t.Fatalf("ConfigurePreview failed: %v", err)
	}

	frames := make(chan pipeline.Frame, 16)
	device.SetFrameCallback(func(frame pipeline.Frame) {
		select {
		case frames <- pipeline.Frame{Width: frame.Width, Height: frame.Height, Data: append([]byte(nil), frame.Data...)}:
		default:
		}
	})

	if err := device.StartStreaming(ctx); err != nil {
		t.Fatalf("StartStreaming failed: %v", err)
	}

	select {
	case frame := <-frames:
		if frame.Width != 16 || frame.Height != 8 || len(frame.Data) != 16*8*3 {
			t.Errorf("Unexpected frame: %dx%d (%d bytes)", frame.Width, frame.Height, len(frame.Data))
		}
	case <-time.After(2 * time.Second):
		t.Fatal("フレームが届きません")
	}

	if err := device.StopStreaming(); err != nil {
		t.Fatalf("StopStreaming failed: %v", err)
	}
	stopped := device.Frames()
	time.Sleep(50 * time.Millisecond)
	if device.Frames() != stopped {
		t.Error("停止後もフレームが生成されています")
	}

	if err := device.Release(); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if err := device.ConfigurePreview(16, 8); err == nil {
		t.Error("解放後の操作はエラーになるべき")
	}
}

func TestFillColorBars(t *testing.T) {
	const width, height = 8, 1
	buf := make([]byte, width*height*3)

	FillColorBars(buf, width, height, 0)
	// 先頭は白、末尾は黒
	if buf[0] != 255 || buf[1] != 255 || buf[2] != 255 {
		t.Errorf("Expected white at x=0, got %v", buf[0:3])
	}
	last := (width - 1) * 3
	if buf[last] != 0 || buf[last+1] != 0 || buf[last+2] != 0 {
		t.Errorf("Expected black at x=%d, got %v", width-1, buf[last:last+3])
	}

	// 1ピクセルずらすと先頭に黒が来る
	FillColorBars(buf, width, height, 1)
	if buf[0] != 0 || buf[1] != 0 || buf[2] != 0 {
		t.Errorf("Expected black at x=0 after shift, got %v", buf[0:3])
	}
}
