package camera

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var videoDevicePattern = regexp.MustCompile(`^/dev/video(\d+)$`)

// LinuxDiscovery はLinux環境でのカメラデバイス検出を実装する
type LinuxDiscovery struct {
	// v4l2-ctl の実行（テストで差し替える）
	v4l2ctl func(ctx context.Context, args ...string) ([]byte, error)
}

// NewLinuxDiscovery は新しいLinuxDiscoveryを作成する
func NewLinuxDiscovery() *LinuxDiscovery {
	return &LinuxDiscovery{v4l2ctl: runV4L2Ctl}
}

// ScanDevices はシステム内の利用可能なカメラデバイスをスキャンする
// 同じカメラの複数ノード（メタデータ用ノードなど）は番号の小さいものだけを返す
func (d *LinuxDiscovery) ScanDevices(ctx context.Context) ([]string, error) {
	matches, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, errors.Wrap(err, "デバイスのスキャンに失敗")
	}

	// デバイス番号でソート
	sort.Slice(matches, func(i, j int) bool {
		return extractDeviceNumber(matches[i]) < extractDeviceNumber(matches[j])
	})

	var devices []string
	seenNames := make(map[string]bool)
	for _, match := range matches {
		select {
		case <-ctx.Done():
			return devices, ctx.Err()
		default:
		}

		if !d.IsDeviceAvailable(ctx, match) || !d.hasColorFormat(ctx, match) {
			continue
		}

		// 同じカメラ名なら先に見つかった（番号の小さい）ノードを優先
		if name := d.cardName(ctx, match); name != "" {
			if seenNames[name] {
				continue
			}
			seenNames[name] = true
		}

		devices = append(devices, match)
	}

	return devices, nil
}

// IsDeviceAvailable は指定されたデバイスが利用可能かチェックする
func (d *LinuxDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	if !videoDevicePattern.MatchString(device) {
		return false
	}

	file, err := os.OpenFile(device, os.O_RDONLY, 0)
	if err != nil {
		return false
	}
	_ = file.Close()
	return true
}

// GetDeviceInfo はデバイスの詳細情報を取得する
func (d *LinuxDiscovery) GetDeviceInfo(ctx context.Context, device string) (*DeviceInfo, error) {
	if !d.IsDeviceAvailable(ctx, device) {
		return nil, errors.Errorf("デバイスが利用できません: %s", device)
	}

	info := &DeviceInfo{
		Device: device,
		Name:   d.cardName(ctx, device),
		Driver: "uvcvideo",
	}
	if info.Name == "" {
		info.Name = fmt.Sprintf("カメラ %d", extractDeviceNumber(device))
	}

	if output, err := d.v4l2ctl(ctx, "--device", device, "--info"); err == nil {
		if driver := parseField(string(output), "Driver name"); driver != "" {
			info.Driver = driver
		}
	}

	if output, err := d.v4l2ctl(ctx, "--device", device, "--list-formats"); err == nil {
		info.Formats = parseFormats(string(output))
	}

	return info, nil
}

// cardName はv4l2-ctlからカメラ名（Card type）を取得する
func (d *LinuxDiscovery) cardName(ctx context.Context, device string) string {
	output, err := d.v4l2ctl(ctx, "--device", device, "--info")
	if err != nil {
		return ""
	}
	return parseField(string(output), "Card type")
}

// hasColorFormat はデバイスがカラー映像を出力できるか判定する
func (d *LinuxDiscovery) hasColorFormat(ctx context.Context, device string) bool {
	output, err := d.v4l2ctl(ctx, "--device", device, "--list-formats-ext")
	if err != nil {
		return false
	}
	s := string(output)
	return strings.Contains(s, "YUYV") || strings.Contains(s, "MJPG")
}

// runV4L2Ctl はタイムアウト付きでv4l2-ctlを実行する
func runV4L2Ctl(ctx context.Context, args ...string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return exec.CommandContext(ctx, "v4l2-ctl", args...).Output()
}

// parseField は "Key : Value" 形式の出力から値を取り出す
func parseField(output, key string) string {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, key) {
			continue
		}
		parts := strings.SplitN(line, ":", 2)
		if len(parts) == 2 {
			return strings.TrimSpace(parts[1])
		}
	}
	return ""
}

// parseFormats は --list-formats の出力からフォーマット名を取り出す
// 例: "[0]: 'YUYV' (YUYV 4:2:2)" → "YUYV"
func parseFormats(output string) []string {
	var formats []string
	for _, line := range strings.Split(output, "\n") {
		start := strings.Index(line, "'")
		if start < 0 {
			continue
		}
		end := strings.Index(line[start+1:], "'")
		if end < 0 {
			continue
		}
		formats = append(formats, line[start+1:start+1+end])
	}
	return formats
}

// extractDeviceNumber はデバイスパスから番号を抽出する
func extractDeviceNumber(device string) int {
	matches := videoDevicePattern.FindStringSubmatch(device)
	if len(matches) < 2 {
		return 0
	}

	num, err := strconv.Atoi(matches[1])
	if err != nil {
		return 0
	}
	return num
}

// MockDiscovery はテスト用のモックDiscovery実装
type MockDiscovery struct {
	mu          sync.Mutex
	devices     []string
	deviceInfos map[string]*DeviceInfo
}

// NewMockDiscovery は新しいMockDiscoveryを作成する
func NewMockDiscovery(devices []string) *MockDiscovery {
	m := &MockDiscovery{deviceInfos: make(map[string]*DeviceInfo)}
	for _, device := range devices {
		m.AddDevice(device)
	}
	return m
}

// ScanDevices はモックデバイス一覧を返す
func (m *MockDiscovery) ScanDevices(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	result := make([]string, len(m.devices))
	copy(result, m.devices)
	return result, nil
}

// IsDeviceAvailable はモックデバイスが利用可能かチェックする
func (m *MockDiscovery) IsDeviceAvailable(_ context.Context, device string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, exists := m.deviceInfos[device]
	return exists
}

// GetDeviceInfo はモックデバイス情報を取得する
func (m *MockDiscovery) GetDeviceInfo(_ context.Context, device string) (*DeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	info, exists := m.deviceInfos[device]
	if !exists {
		return nil, errors.Errorf("デバイスが見つかりません: %s", device)
	}

	result := *info
	return &result, nil
}

// AddDevice はテスト用にデバイスを追加する
func (m *MockDiscovery) AddDevice(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.deviceInfos[device]; exists {
		return
	}

	m.devices = append(m.devices, device)
	m.deviceInfos[device] = &DeviceInfo{
		Device:  device,
		Name:    fmt.Sprintf("テストカメラ %d", len(m.devices)),
		Driver:  "mock",
		Formats: []string{"MJPG"},
	}
}

// RemoveDevice はテスト用にデバイスを削除する
func (m *MockDiscovery) RemoveDevice(device string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, d := range m.devices {
		if d == device {
			m.devices = append(m.devices[:i], m.devices[i+1:]...)
			break
		}
	}
	delete(m.deviceInfos, device)
}
