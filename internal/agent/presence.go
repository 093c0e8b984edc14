package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// HealthDirectoryConfig holds configuration for the presence client.
type HealthDirectoryConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
}

// DefaultHealthDirectoryConfig returns default configuration for addr.
func DefaultHealthDirectoryConfig(addr string) HealthDirectoryConfig {
	return HealthDirectoryConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// HealthDirectory overlays live presence from the relay's gRPC health
// service onto another directory. The health service name is the agent
// address; SERVING means online.
type HealthDirectory struct {
	next   Directory
	conn   *grpc.ClientConn
	client healthpb.HealthClient
	logger *slog.Logger
}

// NewHealthDirectory connects to the relay's gRPC endpoint. next may be nil,
// in which case lookups report presence only.
func NewHealthDirectory(cfg HealthDirectoryConfig, next Directory, logger *slog.Logger) (*HealthDirectory, error) {
	if logger == nil {
		logger = slog.Default()
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	conn, err := grpc.NewClient(cfg.Address,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create presence client for %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("relay presence at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to relay presence service", "address", cfg.Address)
	return &HealthDirectory{
		next:   next,
		conn:   conn,
		client: healthpb.NewHealthClient(conn),
		logger: logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Lookup resolves address through next, then replaces Online with the
// health service's answer. A presence failure other than NotFound keeps the
// upstream value.
func (d *HealthDirectory) Lookup(ctx context.Context, address string) (*Info, error) {
	info := &Info{Address: address}
	if d.next != nil {
		var err error
		if info, err = d.next.Lookup(ctx, address); err != nil {
			return nil, err
		}
	}

	resp, err := d.client.Check(ctx, &healthpb.HealthCheckRequest{Service: address})
	switch {
	case err == nil:
		info.Online = resp.GetStatus() == healthpb.HealthCheckResponse_SERVING
	case status.Code(err) == codes.NotFound:
		info.Online = false
	default:
		d.logger.Debug("presence check failed", "agent", address, "error", err)
	}
	return info, nil
}

// Close closes the gRPC connection.
func (d *HealthDirectory) Close() {
	if err := d.conn.Close(); err != nil {
		d.logger.Warn("failed to close gRPC connection", "error", err)
	}
}
