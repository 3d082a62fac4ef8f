// Package middleware はGatewayで使用するGinミドルウェアと認証ゲートを提供する。
//
// Bearerトークンの検証と公開ルートの判定、ロールによる認可、
// リクエストIDの付与、アクセスログ、パニックリカバリ、CORS、
// セキュリティヘッダーの付与を含む。
package middleware
