// Package ratelimit はクライアント単位の固定ウィンドウ方式レート制限を提供する。
//
// ティア（general/auth/write/read）ごとに独立したカウンタを持ち、
// ウィンドウ終了時にカウントを丸ごとリセットする。バケットの保存先は
// インメモリとRedisを差し替えられる。
package ratelimit
