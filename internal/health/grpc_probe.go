package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
)

// GRPCProbe checks a backend that implements the standard grpc.health.v1 service.
// The connection is created lazily and reused across checks.
type GRPCProbe struct {
	target  string
	service string

	mu   sync.Mutex
	conn *grpc.ClientConn
}

// NewGRPCProbe creates a probe for target. service may be empty to ask for overall server health.
func NewGRPCProbe(target, service string) *GRPCProbe {
	return &GRPCProbe{target: target, service: service}
}

func (p *GRPCProbe) client() (healthpb.HealthClient, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		conn, err := grpc.NewClient(p.target,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			// Keepalive settings for long-lived connections
			grpc.WithKeepaliveParams(keepalive.ClientParameters{
				Time:                10 * time.Second,
				Timeout:             3 * time.Second,
				PermitWithoutStream: true,
			}),
		)
		if err != nil {
			return nil, fmt.Errorf("failed to create grpc client for %s: %w", p.target, err)
		}
		p.conn = conn
	}
	return healthpb.NewHealthClient(p.conn), nil
}

func (p *GRPCProbe) Check(ctx context.Context) error {
	client, err := p.client()
	if err != nil {
		return err
	}

	resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: p.service})
	if err != nil {
		return fmt.Errorf("grpc health check %s: %w", p.target, err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("grpc health check %s: status %s", p.target, resp.GetStatus())
	}
	return nil
}

// Close releases the underlying connection.
func (p *GRPCProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close()
	p.conn = nil
	return err
}
