package pipeline

import "errors"

var (
	// ErrInvalidParameters は設定値が不正な場合に返される
	ErrInvalidParameters = errors.New("パラメータが不正です")

	// ErrDeliveryFailed はシンクへの配信に失敗した場合に返される
	ErrDeliveryFailed = errors.New("シンクへの配信に失敗しました")

	// ErrNoDevice は利用可能なカメラが存在しない場合に返される
	ErrNoDevice = errors.New("利用可能なカメラがありません")

	// ErrClosed はTeardown後に操作した場合に返される
	ErrClosed = errors.New("パイプラインは終了しています")

	// ErrPoolClosed は停止済みのワーカープールにタスクを投入した場合に返される
	ErrPoolClosed = errors.New("ワーカープールは停止しています")

	// ErrShortFrame はフレームのバッファが解像度に対して不足している場合に返される
	ErrShortFrame = errors.New("フレームのバッファが不足しています")
)
