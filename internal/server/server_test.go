package server

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/genproto/googleapis/rpc/errdetails"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/oggyb/muzz-connect/internal/config"
	svcErr "github.com/oggyb/muzz-connect/internal/errors"
	"github.com/oggyb/muzz-connect/internal/logger"
)

type echoRequest struct {
	Fail string `json:"fail"`
}

type echoResponse struct {
	Caller uint64 `json:"caller,string"`
}

type echoRegistrar struct{}

const echoService = "muzz.connect.test.Echo"

func (echoRegistrar) Register(s *grpc.Server) {
	s.RegisterService(NewServiceDesc(echoService,
		Unary(echoService, "Echo", func(ctx context.Context, req *echoRequest) (*echoResponse, error) {
			switch req.Fail {
			case "forbidden":
				return nil, svcErr.Forbidden("not yours")
			case "store":
				return nil, svcErr.TransientStore(errors.New("dial tcp 10.0.0.1:3306: refused"))
			case "panic":
				panic("boom")
			}
			id, _ := Caller(ctx)
			return &echoResponse{Caller: id}, nil
		}),
	), nil)
}

type staticIdentity map[string]uint64

func (s staticIdentity) Authenticate(_ context.Context, token string) (uint64, error) {
	if id, ok := s[token]; ok {
		return id, nil
	}
	return 0, errors.New("bad token")
}

func startServer(t *testing.T) *grpc.ClientConn {
	t.Helper()
	cfg := config.New()
	srv := NewGRPCServer(cfg, logger.Nop(), staticIdentity{"good": 42}, echoRegistrar{})

	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.ServeListener(lis) }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		srv.Stop(ctx)
	})

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func call(conn *grpc.ClientConn, token string, req *echoRequest) (*echoResponse, error) {
	ctx := context.Background()
	if token != "" {
		ctx = metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
	}
	resp := &echoResponse{}
	err := conn.Invoke(ctx, "/"+echoService+"/Echo", req, resp)
	return resp, err
}

func TestGRPC_AuthenticatedCall(t *testing.T) {
	conn := startServer(t)

	resp, err := call(conn, "good", &echoRequest{})
	require.NoError(t, err)
	assert.Equal(t, uint64(42), resp.Caller)
}

func TestGRPC_RejectsMissingOrBadToken(t *testing.T) {
	conn := startServer(t)

	_, err := call(conn, "", &echoRequest{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))

	_, err = call(conn, "forged", &echoRequest{})
	assert.Equal(t, codes.Unauthenticated, status.Code(err))
}

func TestGRPC_MapsServiceErrors(t *testing.T) {
	conn := startServer(t)

	_, err := call(conn, "good", &echoRequest{Fail: "forbidden"})
	st := status.Convert(err)
	assert.Equal(t, codes.PermissionDenied, st.Code())
	require.Len(t, st.Details(), 1)
	info, ok := st.Details()[0].(*errdetails.ErrorInfo)
	require.True(t, ok)
	assert.Equal(t, string(svcErr.KindForbidden), info.Reason)

	_, err = call(conn, "good", &echoRequest{Fail: "store"})
	st = status.Convert(err)
	assert.Equal(t, codes.Unavailable, st.Code())
	assert.NotContains(t, st.Message(), "10.0.0.1")
}

func TestGRPC_RecoversPanics(t *testing.T) {
	conn := startServer(t)

	_, err := call(conn, "good", &echoRequest{Fail: "panic"})
	assert.Equal(t, codes.Internal, status.Code(err))

	// server still serves
	_, err = call(conn, "good", &echoRequest{})
	assert.NoError(t, err)
}

func TestGRPC_HealthIsPublic(t *testing.T) {
	conn := startServer(t)

	resp, err := healthpb.NewHealthClient(conn).Check(context.Background(), &healthpb.HealthCheckRequest{})
	require.NoError(t, err)
	assert.Equal(t, healthpb.HealthCheckResponse_SERVING, resp.GetStatus())
}

func TestJSONCodec_EmptyBody(t *testing.T) {
	var req echoRequest
	require.NoError(t, JSONCodec{}.Unmarshal(nil, &req))
	assert.Equal(t, "", req.Fail)
}

func TestRouter_Healthz(t *testing.T) {
	healthy := NewRouter(logger.Nop(), nil, map[string]HealthCheck{
		"db": func(context.Context) error { return nil },
	})
	w := httptest.NewRecorder()
	healthy.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, w.Code)

	broken := NewRouter(logger.Nop(), nil, map[string]HealthCheck{
		"db":    func(context.Context) error { return nil },
		"redis": func(context.Context) error { return errors.New("down") },
	})
	w = httptest.NewRecorder()
	broken.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "redis")
}

func TestRouter_Metrics(t *testing.T) {
	r := NewRouter(logger.Nop(), nil, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, w.Code)
}
