package distributed

import (
	"context"
	"math"
	"net"
	"time"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protowire"
	"google.golang.org/protobuf/types/known/wrapperspb"
	"k8s.io/klog/v2"
)

const (
	serviceName     = "trainhelper.rendezvous.v1.Rendezvous"
	barrierMethod   = "/" + serviceName + "/Barrier"
	allReduceMethod = "/" + serviceName + "/AllReduce"
	broadcastMethod = "/" + serviceName + "/Broadcast"
)

// Request and response bodies travel as google.protobuf.BytesValue payloads:
//
//	request  { 1 rank varint, 2 name string, 3 data packed float }
//	response { 1 data packed float }
const (
	fieldRank protowire.Number = 1
	fieldName protowire.Number = 2
	fieldData protowire.Number = 3

	fieldResult protowire.Number = 1
)

type rendezvousServer interface {
	Barrier(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	AllReduce(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
	Broadcast(context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)
}

var rendezvousServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*rendezvousServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Barrier", Handler: unaryHandler(barrierMethod, rendezvousServer.Barrier)},
		{MethodName: "AllReduce", Handler: unaryHandler(allReduceMethod, rendezvousServer.AllReduce)},
		{MethodName: "Broadcast", Handler: unaryHandler(broadcastMethod, rendezvousServer.Broadcast)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "trainhelper/rendezvous/v1/rendezvous.proto",
}

type rpcFunc func(rendezvousServer, context.Context, *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error)

func unaryHandler(fullMethod string, call rpcFunc) func(any, context.Context, func(any) error, grpc.UnaryServerInterceptor) (any, error) {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(wrapperspb.BytesValue)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(rendezvousServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(rendezvousServer), ctx, req.(*wrapperspb.BytesValue))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Server exposes a Hub over gRPC for ranks in other processes
type Server struct {
	hub *Hub
}

// NewServer creates a rendezvous service for hub
func NewServer(hub *Hub) *Server {
	return &Server{hub: hub}
}

// Register adds the rendezvous service to s
func (srv *Server) Register(s *grpc.Server) {
	s.RegisterService(&rendezvousServiceDesc, srv)
}

func (srv *Server) Barrier(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return srv.serve(ctx, opBarrier, in)
}

func (srv *Server) AllReduce(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return srv.serve(ctx, opMean, in)
}

func (srv *Server) Broadcast(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	return srv.serve(ctx, opBroadcast, in)
}

func (srv *Server) serve(ctx context.Context, o op, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	rank, name, data, err := decodeRequest(in.GetValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "malformed %s request: %v", o, err)
	}
	result, err := srv.hub.enter(ctx, rank, o, name, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, status.Error(codes.DeadlineExceeded, err.Error())
		}
		if errors.Is(err, context.Canceled) {
			return nil, status.Error(codes.Canceled, err.Error())
		}
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	}
	return wrapperspb.Bytes(encodeFloats(nil, fieldResult, result)), nil
}

// Client is a Communicator for a non-leader rank talking to the leader's server
type Client struct {
	conn    grpc.ClientConnInterface
	closer  func() error
	rank    int
	world   int
	timeout time.Duration
}

// NewClient wraps an existing connection to a rendezvous server
func NewClient(conn grpc.ClientConnInterface, cfg Config) *Client {
	return &Client{
		conn:    conn,
		closer:  func() error { return nil },
		rank:    cfg.Rank,
		world:   cfg.WorldSize,
		timeout: cfg.BarrierTimeout,
	}
}

// ServerOptions sizes a rendezvous server for cfg's message limit
func ServerOptions(cfg Config) []grpc.ServerOption {
	return []grpc.ServerOption{
		grpc.MaxRecvMsgSize(cfg.MessageSize()),
		grpc.MaxSendMsgSize(cfg.MessageSize()),
	}
}

// DialOptions sizes a rendezvous connection for cfg's message limit
func DialOptions(cfg Config) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(cfg.MessageSize()),
			grpc.MaxCallSendMsgSize(cfg.MessageSize()),
		),
	}
}

// Dial connects to cfg.MasterAddr
func Dial(cfg Config, opts ...grpc.DialOption) (*Client, error) {
	base := append(DialOptions(cfg), grpc.WithTransportCredentials(insecure.NewCredentials()))
	opts = append(base, opts...)
	conn, err := grpc.NewClient(cfg.MasterAddr, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to dial rendezvous at %s", cfg.MasterAddr)
	}
	c := NewClient(conn, cfg)
	c.closer = conn.Close
	return c, nil
}

func (c *Client) Rank() int      { return c.rank }
func (c *Client) WorldSize() int { return c.world }
func (c *Client) Close() error   { return c.closer() }

func (c *Client) Barrier(ctx context.Context, name string) error {
	_, err := c.call(ctx, barrierMethod, opBarrier, name, nil)
	return err
}

func (c *Client) AllReduceMean(ctx context.Context, key string, data []float32) error {
	result, err := c.call(ctx, allReduceMethod, opMean, key, data)
	if err != nil {
		return err
	}
	if len(result) != len(data) {
		return errors.Errorf("all-reduce %q: got %d values, expected %d", key, len(result), len(data))
	}
	copy(data, result)
	return nil
}

func (c *Client) Broadcast(ctx context.Context, key string, data []float32) error {
	result, err := c.call(ctx, broadcastMethod, opBroadcast, key, data)
	if err != nil {
		return err
	}
	if len(result) != len(data) {
		return errors.Errorf("broadcast %q: leader sent %d values, expected %d", key, len(result), len(data))
	}
	copy(data, result)
	return nil
}

func (c *Client) call(ctx context.Context, method string, o op, name string, data []float32) ([]float32, error) {
	ctx, cancel := withTimeout(ctx, c.timeout)
	defer cancel()

	in := wrapperspb.Bytes(encodeRequest(c.rank, name, data))
	out := new(wrapperspb.BytesValue)
	if err := c.conn.Invoke(ctx, method, in, out, grpc.WaitForReady(true)); err != nil {
		if status.Code(err) == codes.DeadlineExceeded {
			err = context.DeadlineExceeded
		}
		return nil, collectiveError(err, o.String(), name)
	}
	return decodeFloats(out.GetValue(), fieldResult)
}

// leader is rank 0 of a multi-process run: it hosts the server and joins the
// hub directly.
type leader struct {
	*member
	server *grpc.Server
}

func (l *leader) Close() error {
	l.server.Stop()
	return nil
}

// Init builds the Communicator for cfg. A single rank gets Local; rank 0
// starts the rendezvous server on MasterAddr; other ranks dial it.
func Init(ctx context.Context, cfg Config, opts ...grpc.DialOption) (Communicator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if !cfg.Enabled() {
		return Local{}, nil
	}

	if cfg.IsLeader() {
		lis, err := net.Listen("tcp", cfg.MasterAddr)
		if err != nil {
			return nil, errors.Wrapf(err, "rendezvous listen on %s", cfg.MasterAddr)
		}
		hub := NewHub(cfg.WorldSize)
		server := grpc.NewServer(ServerOptions(cfg)...)
		NewServer(hub).Register(server)
		go func() {
			klog.Infof("rendezvous listening on %s for %d ranks", lis.Addr(), cfg.WorldSize)
			if err := server.Serve(lis); err != nil {
				klog.Errorf("rendezvous serve: %v", err)
			}
		}()
		return &leader{
			member: &member{hub: hub, rank: 0, timeout: cfg.BarrierTimeout},
			server: server,
		}, nil
	}

	client, err := Dial(cfg, opts...)
	if err != nil {
		return nil, err
	}
	klog.Infof("rank %d/%d joining rendezvous at %s", cfg.Rank, cfg.WorldSize, cfg.MasterAddr)
	return client, nil
}

func encodeRequest(rank int, name string, data []float32) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldRank, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(rank))
	b = protowire.AppendTag(b, fieldName, protowire.BytesType)
	b = protowire.AppendString(b, name)
	return encodeFloats(b, fieldData, data)
}

func decodeRequest(b []byte) (rank int, name string, data []float32, err error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return 0, "", nil, protowire.ParseError(n)
		}
		b = b[n:]
		switch {
		case num == fieldRank && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return 0, "", nil, protowire.ParseError(n)
			}
			rank = int(v)
			b = b[n:]
		case num == fieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return 0, "", nil, protowire.ParseError(n)
			}
			name = v
			b = b[n:]
		case num == fieldData && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return 0, "", nil, protowire.ParseError(n)
			}
			data, err = unpackFloats(v)
			if err != nil {
				return 0, "", nil, err
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return 0, "", nil, protowire.ParseError(n)
			}
			b = b[n:]
		}
	}
	return rank, name, data, nil
}

func encodeFloats(b []byte, num protowire.Number, data []float32) []byte {
	if len(data) == 0 {
		return b
	}
	packed := make([]byte, 0, 4*len(data))
	for _, v := range data {
		packed = protowire.AppendFixed32(packed, math.Float32bits(v))
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, packed)
}

func decodeFloats(b []byte, want protowire.Number) ([]float32, error) {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
		if num == want && typ == protowire.BytesType {
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return nil, protowire.ParseError(n)
			}
			return unpackFloats(v)
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		b = b[n:]
	}
	return nil, nil
}

func unpackFloats(b []byte) ([]float32, error) {
	if len(b)%4 != 0 {
		return nil, errors.Errorf("packed float field is %d bytes", len(b))
	}
	data := make([]float32, 0, len(b)/4)
	for len(b) > 0 {
		bits, n := protowire.ConsumeFixed32(b)
		if n < 0 {
			return nil, protowire.ParseError(n)
		}
		data = append(data, math.Float32frombits(bits))
		b = b[n:]
	}
	return data, nil
}
