package check

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/goupter/nerve/pkg/errors"
	"github.com/goupter/nerve/pkg/log"
)

type natsParams struct {
	URL           string `mapstructure:"url"`
	SubjectPrefix string `mapstructure:"subject_prefix"`
}

// natsProbe 订阅一个随机主题，发布一条消息，等到原样收到为止
type natsProbe struct {
	url    string
	prefix string
	conn   *nats.Conn
	mu     sync.Mutex
	opts   []nats.Option
}

func newNATSProbe(spec Spec) (Probe, error) {
	var params natsParams
	if err := decodeParams(spec.Params, &params); err != nil {
		return nil, err
	}
	if params.URL == "" {
		params.URL = "nats://" + spec.Address()
	}
	if params.SubjectPrefix == "" {
		params.SubjectPrefix = "nerve.check"
	}

	logger := componentLogger("nats").With(log.String("url", params.URL))
	return &natsProbe{
		url:    params.URL,
		prefix: params.SubjectPrefix,
		opts: []nats.Option{
			nats.Name("nerve-health-check"),
			nats.Timeout(spec.Timeout),
			nats.MaxReconnects(-1),
			nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
				logger.Debug("NATS disconnected", log.Error(err))
			}),
			nats.ReconnectHandler(func(nc *nats.Conn) {
				logger.Debug("NATS reconnected", log.String("server", nc.ConnectedUrl()))
			}),
		},
	}, nil
}

func (p *natsProbe) connection() (*nats.Conn, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil && !p.conn.IsClosed() {
		if !p.conn.IsConnected() {
			return nil, errors.Newf(errors.CodeProbe, "nats %s not connected: %s", p.url, p.conn.Status())
		}
		return p.conn, nil
	}
	conn, err := nats.Connect(p.url, p.opts...)
	if err != nil {
		return nil, err
	}
	p.conn = conn
	return conn, nil
}

func (p *natsProbe) Probe(ctx context.Context) error {
	conn, err := p.connection()
	if err != nil {
		return err
	}

	id := uuid.New().String()
	sub, err := conn.SubscribeSync(p.prefix + "." + id)
	if err != nil {
		return err
	}
	defer func() {
		_ = sub.Unsubscribe()
	}()

	payload := []byte(id)
	if err := conn.Publish(sub.Subject, payload); err != nil {
		return err
	}
	msg, err := sub.NextMsgWithContext(ctx)
	if err != nil {
		return err
	}
	if !bytes.Equal(msg.Data, payload) {
		return errors.Newf(errors.CodeProbe, "nats echo mismatch on %s", sub.Subject)
	}
	return nil
}

func (p *natsProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn != nil {
		p.conn.Close()
		p.conn = nil
	}
	return nil
}
