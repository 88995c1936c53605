// Package sink パイプラインが生成した画像の配信先を提供する
//
// # 責務
// - MJPEG配信: 接続中のクライアントへ最新フレームのJPEGを配る
// - プレビュー: 最新フレームを保持し、要求に応じてJPEGで返す
// - タイムラプス: 一定間隔でフレームを記録し、ffmpegでmp4へ追記する
//
// # 仕様
// - 全てのシンクは pipeline.Sink を実装する
// - Send は並行に呼ばれ得る。Image.Seq が保持中のものより古い画像は捨てる
// - 受け取った画像は読み取り専用として扱う
package sink
