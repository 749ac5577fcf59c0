package check

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/goupter/nerve/pkg/errors"
)

const maxHTTPBody = 64 << 10

type httpParams struct {
	URI        string `mapstructure:"uri"`
	Scheme     string `mapstructure:"scheme"`
	HostHeader string `mapstructure:"host_header"`
	Expect     string `mapstructure:"expect"`
}

// httpProbe GET 请求返回 2xx 视为通过，可选校验响应体
type httpProbe struct {
	url    string
	params httpParams
	client *http.Client
}

func newHTTPProbe(spec Spec) (Probe, error) {
	var params httpParams
	if err := decodeParams(spec.Params, &params); err != nil {
		return nil, err
	}
	if params.URI == "" {
		return nil, errors.New(errors.CodeConfig, "http check requires uri")
	}
	if !strings.HasPrefix(params.URI, "/") {
		params.URI = "/" + params.URI
	}
	if params.Scheme == "" {
		params.Scheme = "http"
	}

	return &httpProbe{
		url:    fmt.Sprintf("%s://%s%s", params.Scheme, spec.Address(), params.URI),
		params: params,
		client: &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
	}, nil
}

func (p *httpProbe) Probe(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.url, nil)
	if err != nil {
		return err
	}
	if p.params.HostHeader != "" {
		req.Host = p.params.HostHeader
	}
	req.Header.Set("User-Agent", "nerve-health-check")

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxHTTPBody))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return errors.Newf(errors.CodeProbe, "http %s returned %d", p.url, resp.StatusCode)
	}
	if p.params.Expect != "" && !strings.Contains(string(body), p.params.Expect) {
		return errors.Newf(errors.CodeProbe, "http %s body does not contain %q", p.url, p.params.Expect)
	}
	return nil
}

func (p *httpProbe) Close() error {
	p.client.CloseIdleConnections()
	return nil
}
