package transport

import (
	"context"
	"fmt"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"driftpursuit/prediction/internal/logging"
	"driftpursuit/prediction/internal/timesync"
	"driftpursuit/prediction/internal/wire"
)

const (
	pongServiceName = "driftpursuit.prediction.TimeSync"
	pingMethod      = "/" + pongServiceName + "/Ping"
	pingTimeout     = 2 * time.Second
)

// PongServer answers unary ping calls.
type PongServer interface {
	Ping(ctx context.Context, ping *timesync.Ping) (*timesync.Pong, error)
}

var pongServiceDesc = grpc.ServiceDesc{
	ServiceName: pongServiceName,
	HandlerType: (*PongServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Ping", Handler: pingHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "prediction/timesync",
}

func pingHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(timesync.Ping)
	if err := dec(in); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode ping: %v", err)
	}
	if interceptor == nil {
		return srv.(PongServer).Ping(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: pingMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(PongServer).Ping(ctx, req.(*timesync.Ping))
	}
	return interceptor(ctx, in, info, handler)
}

// NewGRPCServer creates a server that speaks the wire codec.
func NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append([]grpc.ServerOption{grpc.ForceServerCodec(wire.Codec{})}, opts...)
	return grpc.NewServer(opts...)
}

// RegisterPongService installs srv on s.
func RegisterPongService(s grpc.ServiceRegistrar, srv PongServer) {
	s.RegisterService(&pongServiceDesc, srv)
}

// GRPCPinger issues pings as unary calls. Calls run in the background so
// SendPing never blocks a frame on the network.
type GRPCPinger struct {
	conn   *grpc.ClientConn
	sink   PongSink
	now    func() time.Time
	logger *logging.Logger
	wg     sync.WaitGroup
}

// NewGRPCPinger wraps an existing client connection.
func NewGRPCPinger(conn *grpc.ClientConn, sink PongSink, logger *logging.Logger) (*GRPCPinger, error) {
	if conn == nil || sink == nil {
		return nil, fmt.Errorf("grpc pinger requires a connection and a pong sink")
	}
	if logger == nil {
		logger = logging.L()
	}
	return &GRPCPinger{conn: conn, sink: sink, now: time.Now, logger: logger}, nil
}

// Call performs one synchronous ping round trip.
func (p *GRPCPinger) Call(ctx context.Context, ping timesync.Ping) (timesync.Pong, error) {
	var pong timesync.Pong
	err := p.conn.Invoke(ctx, pingMethod, &ping, &pong, grpc.ForceCodec(wire.Codec{}))
	return pong, err
}

// SendPing starts a ping round trip and forwards the pong to the sink.
func (p *GRPCPinger) SendPing(ctx context.Context, ping timesync.Ping) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pingTimeout)
		defer cancel()
		pong, err := p.Call(callCtx, ping)
		if err != nil {
			p.logger.Warn("grpc ping failed",
				logging.Uint16("ping_id", uint16(ping.ID)),
				logging.String("code", status.Code(err).String()),
				logging.Error(err),
			)
			return
		}
		p.sink(pong, p.now())
	}()
	return nil
}

// Wait blocks until every in-flight ping has finished.
func (p *GRPCPinger) Wait() { p.wg.Wait() }

// Close waits for in-flight pings and closes the connection.
func (p *GRPCPinger) Close() error {
	p.wg.Wait()
	return p.conn.Close()
}
