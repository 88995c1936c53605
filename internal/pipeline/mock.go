package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// MockProvider はテスト用のDeviceProvider実装
type MockProvider struct {
	mu        sync.Mutex
	devices   []DeviceInfo
	opened    []*MockDevice
	failOpen  bool
	failStart bool
}

// NewMockProvider は指定されたデバイス一覧を持つMockProviderを作成する
func NewMockProvider(devices ...DeviceInfo) *MockProvider {
	for i := range devices {
		devices[i].Index = i
		if devices[i].Name == "" {
			devices[i].Name = fmt.Sprintf("モックカメラ %d", i)
		}
	}
	return &MockProvider{devices: devices}
}

// Devices はモックデバイス一覧を返す
func (p *MockProvider) Devices(_ context.Context) ([]DeviceInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]DeviceInfo, len(p.devices))
	copy(result, p.devices)
	return result, nil
}

// Open はモックデバイスを作成する
func (p *MockProvider) Open(_ context.Context, index int) (Device, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.failOpen {
		return nil, errors.New("モック: オープンに失敗")
	}
	if index < 0 || index >= len(p.devices) {
		return nil, fmt.Errorf("モック: デバイス %d は存在しません", index)
	}

	device := &MockDevice{
		Info:      p.devices[index],
		failStart: p.failStart,
	}
	p.opened = append(p.opened, device)
	return device, nil
}

// Opened はこれまでに開かれたデバイスを順に返す
func (p *MockProvider) Opened() []*MockDevice {
	p.mu.Lock()
	defer p.mu.Unlock()

	result := make([]*MockDevice, len(p.opened))
	copy(result, p.opened)
	return result
}

// Last は最後に開かれたデバイスを返す
func (p *MockProvider) Last() *MockDevice {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.opened) == 0 {
		return nil
	}
	return p.opened[len(p.opened)-1]
}

// SetDevices はテスト用にデバイス一覧を差し替える
func (p *MockProvider) SetDevices(devices ...DeviceInfo) {
	for i := range devices {
		devices[i].Index = i
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.devices = devices
}

// SetShouldFailOpen はテスト用にOpen失敗を設定する
func (p *MockProvider) SetShouldFailOpen(shouldFail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failOpen = shouldFail
}

// SetShouldFailStart はテスト用にStartStreaming失敗を設定する
func (p *MockProvider) SetShouldFailStart(shouldFail bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failStart = shouldFail
}

// MockDevice はテスト用のDevice実装
// Emit を呼ぶとデバイス側のスレッドからのフレーム到着を模倣する
type MockDevice struct {
	Info DeviceInfo

	mu            sync.Mutex
	callback      func(Frame)
	width, height int
	streaming     bool
	released      bool
	failStart     bool

	Starts    int
	Stops     int
	Releases  int
	Autofocus int
}

// ConfigurePreview はプレビュー解像度を記録する
func (d *MockDevice) ConfigurePreview(width, height int) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.width, d.height = width, height
	return nil
}

// SetFrameCallback はコールバックを記録する
func (d *MockDevice) SetFrameCallback(cb func(Frame)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.callback = cb
}

// StartStreaming はストリーミング状態にする
func (d *MockDevice) StartStreaming(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.failStart {
		return errors.New("モック: ストリーミング開始に失敗")
	}
	d.streaming = true
	d.Starts++
	return nil
}

// StopStreaming はストリーミングを止める
func (d *MockDevice) StopStreaming() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.streaming = false
	d.Stops++
	return nil
}

// Release はデバイスを解放済みにする
func (d *MockDevice) Release() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.released = true
	d.Releases++
	return nil
}

// RequestAutofocus は呼び出し回数を記録する
func (d *MockDevice) RequestAutofocus(_ context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Autofocus++
	return nil
}

// NativeOrientation は取り付け角度を返す
func (d *MockDevice) NativeOrientation() int {
	return d.Info.Orientation
}

// Size はConfigurePreviewで設定された解像度を返す
func (d *MockDevice) Size() (int, int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.width, d.height
}

// Streaming はストリーミング中かどうかを返す
func (d *MockDevice) Streaming() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.streaming
}

// Released は解放済みかどうかを返す
func (d *MockDevice) Released() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.released
}

// Emit は登録されたコールバックにフレームを渡す
// ストリーミング中でなければ何もせず false を返す
func (d *MockDevice) Emit(frame Frame) bool {
	d.mu.Lock()
	cb := d.callback
	streaming := d.streaming
	d.mu.Unlock()

	if !streaming || cb == nil {
		return false
	}
	cb(frame)
	return true
}

// Callback は登録中のコールバックを返す（解除済みならnil）
func (d *MockDevice) Callback() func(Frame) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.callback
}

// MockSink はテスト用のSink実装
type MockSink struct {
	mu        sync.Mutex
	received  []Image
	closed    int
	sendErr   error
	closeErr  error
	delivered chan Image
}

// NewMockSink は新しいMockSinkを作成する
func NewMockSink() *MockSink {
	return &MockSink{delivered: make(chan Image, 256)}
}

// Send は受け取った画像を記録する
func (s *MockSink) Send(_ context.Context, img Image) error {
	s.mu.Lock()
	err := s.sendErr
	if err == nil {
		s.received = append(s.received, img)
	}
	s.mu.Unlock()

	select {
	case s.delivered <- img:
	default:
	}
	return err
}

// Close は呼び出し回数を記録する
func (s *MockSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed++
	return s.closeErr
}

// Delivered はSendが呼ばれるたびに画像が届くチャンネルを返す
func (s *MockSink) Delivered() <-chan Image {
	return s.delivered
}

// Received は正常に受け取った画像を返す
func (s *MockSink) Received() []Image {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Image, len(s.received))
	copy(result, s.received)
	return result
}

// Closed はCloseの呼び出し回数を返す
func (s *MockSink) Closed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SetSendError はテスト用にSend失敗を設定する
func (s *MockSink) SetSendError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendErr = err
}

// SetCloseError はテスト用にClose失敗を設定する
func (s *MockSink) SetCloseError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeErr = err
}
