package pipeline

// selectDevice は要求された向きに一致する最初のデバイスの位置を返す
// 一致するものがなければ先頭（0）を、デバイスがなければ -1 を返す
func selectDevice(devices []DeviceInfo, front bool) int {
	if len(devices) == 0 {
		return -1
	}

	for i, d := range devices {
		if (d.Facing == FacingFront) == front {
			return i
		}
	}

	return 0
}

// EffectiveAngle はセンサーの取り付け角度と画面の回転から表示角度を求める
// 結果は常に [0, 360) に正規化される
func EffectiveAngle(nativeOrientation, screenAngle int) int {
	angle := (nativeOrientation - screenAngle) % 360
	if angle < 0 {
		angle += 360
	}
	return angle
}
