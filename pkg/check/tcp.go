package check

import (
	"context"
	"net"

	"github.com/goupter/nerve/pkg/errors"
)

// tcpProbe 建立 TCP 连接即视为通过
type tcpProbe struct {
	addr   string
	dialer net.Dialer
}

func newTCPProbe(spec Spec) (Probe, error) {
	if spec.Host == "" || spec.Port <= 0 {
		return nil, errors.New(errors.CodeConfig, "tcp check requires host and port")
	}
	return &tcpProbe{addr: spec.Address()}, nil
}

func (p *tcpProbe) Probe(ctx context.Context) error {
	conn, err := p.dialer.DialContext(ctx, "tcp", p.addr)
	if err != nil {
		return err
	}
	return conn.Close()
}
