// Package effect 生フレームを表示用の画像へ変換するTransform群を提供する
//
// # 責務
// - RGB24 → RGBA のパススルー変換
// - 実効角度による回転
// - 顔位置に合わせたスプライトの重ね描き（サングラス顔・ひげ・帽子・口ひげ）
// - タイムスタンプの書き込み
//
// # 仕様
// - 各Transformは pipeline.Transform を実装し、互いに包んで組み合わせる
// - スプライトは縮小・拡大結果をキャッシュし、要求サイズとの差が1/16未満なら再利用する
// - 変換処理はパイプラインの状態を変更しない
package effect
