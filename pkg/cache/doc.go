// Package cache はGETレスポンスを一定時間保持するレスポンスキャッシュを提供する。
//
// エントリはパス+クエリから作ったキーで保持し、TTLを過ぎたものは返さない。
// 更新系リクエストに合わせて部分文字列パターンで一括無効化できる。
// 保存先はインメモリとRedisを差し替えられる。
package cache
