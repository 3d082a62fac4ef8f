package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/nao1215/edgegate/pkg/apierror"
	"github.com/nao1215/edgegate/pkg/middleware"
	"github.com/nao1215/edgegate/pkg/ratelimit"
)

// X-Cacheヘッダーの値。
const (
	cacheHit  = "HIT"
	cacheMiss = "MISS"
)

// RequestContext は1リクエストの処理中だけ存在する状態。
// リクエストをまたいで共有してはならない。
type RequestContext struct {
	// Request は受信したリクエスト。
	Request *http.Request
	// ClientIP はレート制限のキーに使うクライアントIP。
	ClientIP string
	// Rule は一致したルール。
	Rule Rule
	// Upstream は転送先の上流サービス。
	Upstream Upstream
	// Claims は認証済みの場合のクレーム。
	Claims *middleware.Claims
	// Decisions はティア別レート制限の判定結果。
	Decisions []ratelimit.Decision
	// CacheStatus はキャッシュの判定結果（HIT、MISS、または空）。
	CacheStatus string
	// CacheKey は参照したキャッシュキー。
	CacheKey string
	// Header はどの結果にも付与するレスポンスヘッダー。
	Header http.Header

	onComplete []func(*Outcome)
}

// newRequestContext は新しいRequestContextを生成する。
func newRequestContext(r *http.Request, clientIP string, rule Rule, up Upstream) *RequestContext {
	return &RequestContext{
		Request:  r,
		ClientIP: clientIP,
		Rule:     rule,
		Upstream: up,
		Header:   make(http.Header),
	}
}

// OnComplete は上流からの結果を書き込む前に呼ぶ関数を登録する。
// 途中のステージで打ち切られた場合は呼ばれない。
func (rc *RequestContext) OnComplete(fn func(*Outcome)) {
	rc.onComplete = append(rc.onComplete, fn)
}

// Outcome はパイプラインが返すレスポンス。
type Outcome struct {
	// Status はHTTPステータスコード。
	Status int
	// Header はレスポンスヘッダー。
	Header http.Header
	// Body はレスポンスボディ。
	Body []byte
}

// errorOutcome はエラー封筒のレスポンスを作る。
func errorOutcome(status int, e apierror.Error) *Outcome {
	body, err := json.Marshal(e.Wrap())
	if err != nil {
		// apierror.Errorは常にエンコードできる
		panic(err)
	}
	h := make(http.Header)
	h.Set("Content-Type", "application/json; charset=utf-8")
	return &Outcome{Status: status, Header: h, Body: body}
}

// Stage はパイプラインの1段。Runがnilを返すと次のステージに進み、
// nil以外を返すとその結果でパイプラインを終了する。
type Stage struct {
	// Name はログとテストで使うステージ名。
	Name string
	// Run はステージの処理。
	Run func(*RequestContext) *Outcome
}

// Pipeline はステージの列と、全ステージを通過した後に呼ぶ終端処理。
type Pipeline struct {
	stages   []Stage
	terminal func(*RequestContext) *Outcome
}

// NewPipeline は新しいPipelineを生成する。
func NewPipeline(terminal func(*RequestContext) *Outcome, stages ...Stage) *Pipeline {
	return &Pipeline{stages: stages, terminal: terminal}
}

// StageNames はステージ名を実行順に返す。
func (p *Pipeline) StageNames() []string {
	names := make([]string, 0, len(p.stages))
	for _, st := range p.stages {
		names = append(names, st.Name)
	}
	return names
}

// Execute はステージを順に実行する。
// 終端処理がnilを返した場合（呼び出し元の切断）はnilを返す。
func (p *Pipeline) Execute(rc *RequestContext) *Outcome {
	for _, st := range p.stages {
		if out := st.Run(rc); out != nil {
			return out
		}
	}

	out := p.terminal(rc)
	if out == nil {
		return nil
	}
	for _, fn := range rc.onComplete {
		fn(out)
	}
	return out
}
