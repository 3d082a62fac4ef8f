package ratelimit

import (
	"context"
	"time"
)

// Bucket は1回のTake後のバケット状態のスナップショット。
type Bucket struct {
	// WindowStart は現在のウィンドウの開始時刻。
	WindowStart time.Time
	// ResetAt は現在のウィンドウの終了時刻。
	ResetAt time.Time
	// Count はウィンドウ内で受理済みのリクエスト数。
	Count int64
}

// BucketStore は (クライアント, ティア) ごとのバケットを保持する。
// 実装は並行呼び出しに対して安全で、カウントの取りこぼしがあってはならない。
type BucketStore interface {
	// Take はバケットを取得（無ければ作成）し、上限未満であればカウントを1増やす。
	// ウィンドウが終了していれば新しいウィンドウから数え直す。
	Take(ctx context.Context, key string, max int64, window time.Duration, now time.Time) (Bucket, bool, error)
	// Refund はwindowStartのウィンドウで受理した1件をカウントから差し戻す。
	Refund(ctx context.Context, key string, windowStart time.Time) error
}
