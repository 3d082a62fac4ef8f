package gateway

import (
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/nao1215/edgegate/internal/config"
	"github.com/nao1215/edgegate/pkg/ratelimit"
)

// ServiceKey は上流サービスの識別子。
type ServiceKey string

const (
	// ServiceUser はユーザー/認証サービス。
	ServiceUser ServiceKey = "user"
	// ServiceProduct は商品サービス。
	ServiceProduct ServiceKey = "product"
	// ServiceOrder は注文サービス。
	ServiceOrder ServiceKey = "order"
)

// Upstream は転送先の上流サービス。
type Upstream struct {
	// Key はサービスの識別子。/health/:service のパラメータにも使う。
	Key ServiceKey
	// Name はエラーメッセージに使う表示名（例: "User Service"）。
	Name string
	// BaseURL はサービスのベースURL。
	BaseURL *url.URL
}

// Rule はパス接頭辞から上流サービスと適用するポリシーへの対応。
type Rule struct {
	// Prefix はパス接頭辞。セグメント境界で一致する。
	Prefix string
	// Service は転送先のサービス。
	Service ServiceKey
	// RequireAuth が真の場合は認証ゲートを通す。
	RequireAuth bool
	// Tiers は全体制限に加えて適用するティア。記載順に判定する。
	Tiers []ratelimit.TierName
	// CacheTTL はGETレスポンスのキャッシュ期間。0の場合はキャッシュしない。
	CacheTTL time.Duration
	// InvalidatePattern は更新系リクエストで無効化するキャッシュキーの部分文字列。
	InvalidatePattern string
	// Roles は許可するロール。空の場合はロールを問わない。
	Roles []string
}

// matches はpathがこのルールの接頭辞にセグメント境界で一致するかを返す。
func (r Rule) matches(path string) bool {
	if r.Prefix == "/" {
		return strings.HasPrefix(path, "/")
	}
	return path == r.Prefix || strings.HasPrefix(path, r.Prefix+"/")
}

// RouteTable は起動時に構築され、以後変更されないルート表。
type RouteTable struct {
	// rules は接頭辞の長い順に並べたルール。
	rules     []Rule
	upstreams map[ServiceKey]Upstream
	order     []ServiceKey
}

// NewRouteTable はルールと上流サービスからルート表を構築する。
// 接頭辞の重複、相対パス、未定義の上流サービスはエラーとして拒否する。
func NewRouteTable(rules []Rule, upstreams []Upstream) (*RouteTable, error) {
	t := &RouteTable{
		upstreams: make(map[ServiceKey]Upstream, len(upstreams)),
	}

	var errs []error
	for _, u := range upstreams {
		if u.Key == "" || u.BaseURL == nil {
			errs = append(errs, fmt.Errorf("上流サービス %q の設定が不完全です", u.Key))
			continue
		}
		if _, dup := t.upstreams[u.Key]; dup {
			errs = append(errs, fmt.Errorf("上流サービス %q が重複しています", u.Key))
			continue
		}
		t.upstreams[u.Key] = u
		t.order = append(t.order, u.Key)
	}

	seen := make(map[string]struct{}, len(rules))
	for _, r := range rules {
		switch {
		case !strings.HasPrefix(r.Prefix, "/"):
			errs = append(errs, fmt.Errorf("ルート %q は / で始まる必要があります", r.Prefix))
			continue
		case r.Prefix != "/" && strings.HasSuffix(r.Prefix, "/"):
			errs = append(errs, fmt.Errorf("ルート %q の末尾に / は付けられません", r.Prefix))
			continue
		}
		if _, dup := seen[r.Prefix]; dup {
			errs = append(errs, fmt.Errorf("ルート %q が重複しています", r.Prefix))
			continue
		}
		seen[r.Prefix] = struct{}{}
		if _, ok := t.upstreams[r.Service]; !ok {
			errs = append(errs, fmt.Errorf("ルート %q が未定義の上流サービス %q を参照しています", r.Prefix, r.Service))
			continue
		}
		r.Tiers = slices.Clone(r.Tiers)
		r.Roles = slices.Clone(r.Roles)
		t.rules = append(t.rules, r)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	slices.SortStableFunc(t.rules, func(a, b Rule) int {
		return len(b.Prefix) - len(a.Prefix)
	})
	return t, nil
}

// Match はpathに最長一致するルールと転送先を返す。
func (t *RouteTable) Match(path string) (Rule, Upstream, bool) {
	for _, r := range t.rules {
		if r.matches(path) {
			return r, t.upstreams[r.Service], true
		}
	}
	return Rule{}, Upstream{}, false
}

// Upstream はkeyの上流サービスを返す。
func (t *RouteTable) Upstream(key ServiceKey) (Upstream, bool) {
	u, ok := t.upstreams[key]
	return u, ok
}

// Upstreams は登録順の上流サービス一覧を返す。
func (t *RouteTable) Upstreams() []Upstream {
	out := make([]Upstream, 0, len(t.order))
	for _, k := range t.order {
		out = append(out, t.upstreams[k])
	}
	return out
}

// Rules は接頭辞の長い順のルール一覧を返す。
func (t *RouteTable) Rules() []Rule {
	return slices.Clone(t.rules)
}

// DefaultRules は既定のルール表を返す。
func DefaultRules() []Rule {
	return []Rule{
		{
			Prefix:            "/users",
			Service:           ServiceUser,
			RequireAuth:       true,
			CacheTTL:          5 * time.Minute,
			InvalidatePattern: "/users",
		},
		{
			Prefix:  "/auth/login",
			Service: ServiceUser,
			Tiers:   []ratelimit.TierName{ratelimit.TierAuth},
		},
		{
			Prefix:      "/auth",
			Service:     ServiceUser,
			RequireAuth: true,
		},
		{
			Prefix:            "/products",
			Service:           ServiceProduct,
			RequireAuth:       true,
			Tiers:             []ratelimit.TierName{ratelimit.TierRead, ratelimit.TierWrite},
			CacheTTL:          10 * time.Minute,
			InvalidatePattern: "/products",
		},
		{
			Prefix:            "/orders",
			Service:           ServiceOrder,
			RequireAuth:       true,
			Tiers:             []ratelimit.TierName{ratelimit.TierWrite},
			CacheTTL:          time.Minute,
			InvalidatePattern: "/orders",
		},
	}
}

// DefaultUpstreams は設定されたURLから3つの上流サービスを組み立てる。
func DefaultUpstreams(cfg config.Upstreams) ([]Upstream, error) {
	defs := []struct {
		key  ServiceKey
		name string
		raw  string
	}{
		{ServiceUser, "User Service", cfg.User},
		{ServiceProduct, "Product Service", cfg.Product},
		{ServiceOrder, "Order Service", cfg.Order},
	}

	out := make([]Upstream, 0, len(defs))
	for _, d := range defs {
		u, err := url.Parse(d.raw)
		if err != nil {
			return nil, fmt.Errorf("%sのURLが不正です: %w", d.name, err)
		}
		out = append(out, Upstream{Key: d.key, Name: d.name, BaseURL: u})
	}
	return out, nil
}
