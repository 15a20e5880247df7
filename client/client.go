// Package client talks to a running pktcount daemon.
//
//	c, err := client.Dial(client.DefaultSocketPath())
//	c, err := client.Dial("localhost:50051")
package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/frobware/go-pktcount"
	"github.com/frobware/go-pktcount/config"
	"github.com/frobware/go-pktcount/server"
)

// ErrNotAttached is returned when the daemon has no attached counter.
var ErrNotAttached = errors.New("daemon counter is not attached")

// DefaultSocketPath returns the default unix socket path of the
// daemon.
func DefaultSocketPath() string {
	return config.DefaultRuntimeDirs().SocketPath()
}

// Option configures a Client.
type Option func(*dialOptions)

type dialOptions struct {
	logger   *slog.Logger
	grpcOpts []grpc.DialOption
}

// WithLogger sets the logger for client operations.
func WithLogger(l *slog.Logger) Option {
	return func(o *dialOptions) { o.logger = l }
}

// WithDialOptions appends gRPC dial options, for example a custom
// dialer in tests.
func WithDialOptions(opts ...grpc.DialOption) Option {
	return func(o *dialOptions) { o.grpcOpts = append(o.grpcOpts, opts...) }
}

// Client is a connection to a pktcount daemon.
type Client struct {
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	logger *slog.Logger
}

// Dial connects to the daemon at address: a unix socket path, a
// unix:// URL, or host:port.
func Dial(address string, opts ...Option) (*Client, error) {
	o := dialOptions{logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(&o)
	}

	target := parseAddress(address)
	grpcOpts := append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, o.grpcOpts...)
	conn, err := grpc.NewClient(target, grpcOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect to %s: %w", target, err)
	}
	logger := o.logger.With("component", "client")
	logger.Debug("created client", "target", target)
	return &Client{
		conn:   conn,
		health: healthpb.NewHealthClient(conn),
		logger: logger,
	}, nil
}

// parseAddress normalises an address for gRPC.
func parseAddress(address string) string {
	if strings.HasPrefix(address, "unix://") {
		return address
	}
	if strings.HasPrefix(address, "/") {
		return "unix://" + address
	}
	return address
}

// Close releases the gRPC connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Read returns the daemon's current packet count.
func (c *Client) Read(ctx context.Context) (uint64, error) {
	out := new(wrapperspb.UInt64Value)
	if err := c.conn.Invoke(ctx, server.ReadMethod, &emptypb.Empty{}, out); err != nil {
		c.logger.Debug("read failed", "error", err)
		return 0, translateError(err)
	}
	return out.GetValue(), nil
}

// Reset zeroes the daemon's counter.
func (c *Client) Reset(ctx context.Context) error {
	if err := c.conn.Invoke(ctx, server.ResetMethod, &emptypb.Empty{}, new(emptypb.Empty)); err != nil {
		return translateError(err)
	}
	return nil
}

// Status returns the daemon's lifecycle state and attachment record.
func (c *Client) Status(ctx context.Context) (pktcount.Status, error) {
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, server.StatusMethod, &emptypb.Empty{}, out); err != nil {
		return pktcount.Status{}, translateError(err)
	}
	return statusFromStruct(out), nil
}

// Healthy reports whether the daemon answers health checks with
// SERVING.
func (c *Client) Healthy(ctx context.Context) (bool, error) {
	resp, err := c.health.Check(ctx, &healthpb.HealthCheckRequest{Service: server.ServiceName})
	if err != nil {
		return false, err
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

func translateError(err error) error {
	if s, ok := status.FromError(err); ok && s.Code() == codes.FailedPrecondition {
		return fmt.Errorf("%w: %s", ErrNotAttached, s.Message())
	}
	return err
}

func statusFromStruct(s *structpb.Struct) pktcount.Status {
	f := s.GetFields()
	str := func(k string) string { return f[k].GetStringValue() }
	num := func(k string) float64 { return f[k].GetNumberValue() }

	st := pktcount.Status{
		StateName: str("state"),
		Count:     uint64(num("count")),
		LastError: str("last_error"),
		Record: pktcount.AttachmentRecord{
			ID:        str("attachment_id"),
			Interface: str("interface"),
			Ifindex:   int(num("ifindex")),
			Netns:     str("netns"),
			Mode:      pktcount.AttachMode(str("mode")),
			Backend:   pktcount.Backend(str("backend")),
			ProgramID: uint32(num("program_id")),
			MapID:     uint32(num("map_id")),
			MapPin:    str("map_pin"),
		},
	}
	for _, candidate := range []pktcount.State{pktcount.StateUnattached, pktcount.StateAttaching, pktcount.StateAttached, pktcount.StateDetaching} {
		if candidate.String() == st.StateName {
			st.State = candidate
		}
	}
	if t, err := time.Parse(time.RFC3339Nano, str("last_read")); err == nil {
		st.LastRead = t
	}
	return st
}
