package check

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/goupter/nerve/pkg/errors"
)

type grpcParams struct {
	Service string `mapstructure:"service"`
}

// grpcProbe 调用标准健康检查服务，SERVING 视为通过
type grpcProbe struct {
	conn    *grpc.ClientConn
	client  healthpb.HealthClient
	service string
}

func newGRPCProbe(spec Spec) (Probe, error) {
	var params grpcParams
	if err := decodeParams(spec.Params, &params); err != nil {
		return nil, err
	}

	conn, err := grpc.NewClient(spec.Address(), grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	return &grpcProbe{
		conn:    conn,
		client:  healthpb.NewHealthClient(conn),
		service: params.Service,
	}, nil
}

func (p *grpcProbe) Probe(ctx context.Context) error {
	resp, err := p.client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return err
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return errors.Newf(errors.CodeProbe, "grpc health status %s", resp.GetStatus())
	}
	return nil
}

func (p *grpcProbe) Close() error {
	return p.conn.Close()
}
