// Package camera カメラデバイスの検出とデバイスハンドルを提供する
//
// # 責務
// - カメラデバイスの自動検出（V4L2）
// - 設定ファイルで定義されたデバイス（向き・取り付け角度付き）の列挙
// - pipeline.Device の実装（ffmpeg経由のV4L2/X11キャプチャ、テストパターン）
// - オートフォーカスなどのデバイスコントロール
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 実カメラ（/dev/video*）の映像をパイプラインに流したい
// - 画面キャプチャをカメラの代わりに使いたい
// - カメラのない環境で動作確認をしたい（testpattern）
//
// # 仕様
// - Provider: pipeline.DeviceProvider の実装。設定済みデバイスを優先し、なければ自動検出する
// - Factory: ソースタイプごとのデバイス生成関数を登録する
// - ffmpegDevice: ffmpegのrawvideo(rgb24)出力を1フレームずつ読み取りコールバックに渡す
// - TestPatternDevice: 一定間隔でカラーバーを生成する
// - StopStreaming はフレーム読み取りゴルーチンの終了を待ってから戻る
//
// # 前提要件
//   - v4l-utils: カメラ名の取得とデバイス制御に使用
//     Ubuntu/Debian: sudo apt install v4l-utils
//   - ffmpeg: 画像キャプチャとストリーミングに使用
//     Ubuntu/Debian: sudo apt install ffmpeg
//   - videoグループへの参加: デバイスアクセス権限
//     sudo usermod -a -G video $USER
package camera
