// Package apierror はGatewayが生成するすべてのエラーレスポンスの共通形式を提供する。
//
// エラーは {"error": {"code": ..., "message": ...}} の封筒形式で返し、
// 認証・レート制限・プロキシなど発生源に関わらず同じ構造を保つ。
package apierror
