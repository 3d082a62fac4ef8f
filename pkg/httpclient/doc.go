// Package httpclient はGatewayから上流サービスへのHTTP通信を行うクライアントを提供する。
//
// 受信したリクエストをメソッド・パス・クエリ・ボディを保ったまま転送し、
// 接続拒否・タイムアウト・名前解決失敗をErrUnavailableとして分類する。
// 自動リトライは行わない。
package httpclient
