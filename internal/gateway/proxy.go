package gateway

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/nao1215/edgegate/pkg/apierror"
	"github.com/nao1215/edgegate/pkg/httpclient"
	"github.com/sirupsen/logrus"
)

// statusClientClosedRequest は呼び出し元が応答前に切断したことを表すステータス。
const statusClientClosedRequest = 499

// proxy は上流サービスへの転送を行う。
type proxy struct {
	clients map[ServiceKey]*httpclient.Client
	logger  logrus.FieldLogger
	debug   bool
}

// newProxy は上流サービスごとのクライアントを持つproxyを生成する。
func newProxy(upstreams []Upstream, timeout time.Duration, logger logrus.FieldLogger, debug bool) (*proxy, error) {
	p := &proxy{
		clients: make(map[ServiceKey]*httpclient.Client, len(upstreams)),
		logger:  logger,
		debug:   debug,
	}
	for _, u := range upstreams {
		c, err := httpclient.New(u.BaseURL.String(), timeout)
		if err != nil {
			return nil, fmt.Errorf("%sのクライアント生成に失敗: %w", u.Name, err)
		}
		p.clients[u.Key] = c
	}
	return p, nil
}

// forward はrcのリクエストを上流サービスへ転送する。
// 認証済みの場合は識別情報をヘッダーとして付与する。
// 呼び出し元が切断した場合はnilを返す。
func (p *proxy) forward(rc *RequestContext) *Outcome {
	ctx := rc.Request.Context()
	if rc.Claims != nil {
		ctx = httpclient.WithIdentity(ctx, rc.Claims.UserID, rc.Claims.Email)
	}
	return p.do(ctx, rc.Upstream, rc.Request, "")
}

// do はrをupのpathへ転送し、結果をOutcomeに変換する。pathが空の場合はrのパスを使う。
func (p *proxy) do(ctx context.Context, up Upstream, r *http.Request, path string) *Outcome {
	log := p.logger.WithFields(logrus.Fields{
		"service": up.Name,
		"method":  r.Method,
		"path":    r.URL.Path,
	})

	client, ok := p.clients[up.Key]
	if !ok {
		log.Error("[Proxy] 上流サービスのクライアントが見つかりません")
		return errorOutcome(http.StatusInternalServerError,
			apierror.Internal("An error occurred in the API Gateway", nil, p.debug))
	}

	resp, err := client.Forward(ctx, r, path)
	switch {
	case err == nil:
	case errors.Is(err, context.Canceled):
		log.WithError(err).Info("[Proxy] 呼び出し元が切断したため転送を中断しました")
		return nil
	case httpclient.IsUnavailable(err):
		log.WithError(err).Warn("[Proxy] 上流サービスに到達できません")
		e := apierror.ServiceUnavailable(up.Name)
		if p.debug {
			e.Details = err.Error()
		}
		return errorOutcome(http.StatusServiceUnavailable, e)
	default:
		log.WithError(err).Error("[Proxy] 転送に失敗しました")
		return errorOutcome(http.StatusInternalServerError,
			apierror.Internal("An error occurred in the API Gateway", err, p.debug))
	}

	log.WithField("status", resp.StatusCode).Debug("[Proxy] 上流サービスが応答しました")
	return &Outcome{Status: resp.StatusCode, Header: resp.Header, Body: resp.Body}
}
