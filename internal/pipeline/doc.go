// Package pipeline カメラからシンクまでのフレーム配信を統括する
//
// # 責務
// - カメラデバイスのライフサイクル管理（オープン・プレビュー設定・ストリーミング・解放）
// - 生フレームへの変換処理（Transform）の適用
// - 登録された全シンクへのファンアウト配信
// - 配信用ワーカープールの管理
//
// # 使い分け
// このパッケージは以下の場合に使用する：
// - 1台のカメラ映像を複数の出力先（MJPEG配信、プレビュー、タイムラプス）へ同時に流したい
// - 実行時に解像度・前面/背面カメラ・画面回転を切り替えたい
// - 映像エフェクトを停止なしで差し替えたい
//
// # 仕様
// - Coordinator: 単一のミューテックスで全ての状態変更を直列化する
// - フレームコールバックはロックを取らず、状態変更時に公開されたスナップショットを読む
// - 停止ごとに世代番号を進め、古い世代のコールバックは無視される
// - 各シンクへの配信はワーカープール上の独立したタスクとして実行される
// - あるシンクの失敗は他のシンクへの配信に影響しない
// - 同一シンクに対するフレーム順序は保証しない（Image.Seq で古いフレームを判別できる）
package pipeline
