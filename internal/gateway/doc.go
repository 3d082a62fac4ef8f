// Package gateway はAPI Gatewayの内部実装を提供する。
//
// パスの前方一致でルートを決定し、認証、ティア別レート制限、
// レスポンスキャッシュ、上流サービスへのリバースプロキシを
// 明示的なステージの列として順に実行する。全体レート制限は
// すべてのリクエストに対してステージより先に適用される。
// 外部からアクセス可能な唯一の入口であり、セキュリティの境界線として機能する。
package gateway
