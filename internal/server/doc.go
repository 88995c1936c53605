// Package server は、パイプラインを操作するHTTP APIと映像配信を提供します。
//
// 責務:
//   - HTTPサーバーの起動とグレースフルシャットダウン
//   - パイプラインの状態取得と設定変更（解像度・前面/背面・画面回転）
//   - エフェクトの切り替えと顔位置の更新
//   - MJPEGストリームとプレビュー画像の配信
//   - タイムラプス動画の一覧
//
// 仕様:
//   - ルーティングはgin、APIの定義は埋め込みのOpenAPIドキュメント
//   - /api 配下のリクエストはOpenAPIドキュメントに対して検証される
//   - MJPEGは multipart/x-mixed-replace で配信し、遅いクライアントには最新フレームだけを送る
package server
