package face

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // frames may arrive as PNG
	"log/slog"
	"time"

	"github.com/ashureev/replyhelper/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the gRPC service exposed by the model sidecar.
const ServiceName = "facedetect.v1.FaceDetector"

const (
	methodLoadModels = "/" + ServiceName + "/LoadModels"
	methodDetect     = "/" + ServiceName + "/Detect"
	methodHealth     = "/" + ServiceName + "/Health"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// Wire messages. They travel as google.protobuf.Struct.
type loadModelsRequest struct {
	URI  string   `json:"uri"`
	Nets []string `json:"nets"`
}

type loadModelsResponse struct {
	Loaded []string `json:"loaded"`
}

type detectRequest struct {
	Image          string  `json:"image"`
	Format         string  `json:"format"`
	InputSize      int     `json:"input_size"`
	ScoreThreshold float64 `json:"score_threshold"`
}

type detectResponse struct {
	Faces []domain.Detection `json:"faces"`
}

// HealthStatus is the model service health.
type HealthStatus struct {
	Status string `json:"status"`
	Ready  bool   `json:"ready"`
}

// GrpcDetectorConfig holds configuration for the gRPC detector client.
type GrpcDetectorConfig struct {
	Address          string
	ConnectTimeout   time.Duration
	RequestTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	JPEGQuality      int
	// DialOptions are appended to the defaults.
	DialOptions []grpc.DialOption
}

// DefaultGrpcDetectorConfig returns default configuration for addr.
func DefaultGrpcDetectorConfig(addr string) GrpcDetectorConfig {
	return GrpcDetectorConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		RequestTimeout:   10 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
		JPEGQuality:      85,
	}
}

// GrpcDetector is a Detector backed by the model sidecar.
type GrpcDetector struct {
	conn   *grpc.ClientConn
	cfg    GrpcDetectorConfig
	logger *slog.Logger
}

// NewGrpcDetector connects to the model service and waits until it is reachable.
func NewGrpcDetector(cfg GrpcDetectorConfig, logger *slog.Logger) (*GrpcDetector, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, errors.New("detector address is required")
	}
	if cfg.JPEGQuality <= 0 {
		cfg.JPEGQuality = 85
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to face detector at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("face detector at %s not ready: %w", cfg.Address, err)
	}

	logger.Info("Connected to face detector", "address", cfg.Address)
	return &GrpcDetector{conn: conn, cfg: cfg, logger: logger}, nil
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

// Close closes the gRPC connection.
func (d *GrpcDetector) Close() error {
	if d.conn == nil {
		return nil
	}
	if err := d.conn.Close(); err != nil {
		return fmt.Errorf("close detector connection: %w", err)
	}
	return nil
}

// LoadModels asks the service to load nets from uri. Nets default to AllNets.
func (d *GrpcDetector) LoadModels(ctx context.Context, uri string, nets ...ModelNet) error {
	if len(nets) == 0 {
		nets = AllNets
	}
	req := loadModelsRequest{URI: uri, Nets: make([]string, len(nets))}
	for i, n := range nets {
		req.Nets[i] = string(n)
	}

	var resp loadModelsResponse
	if err := d.invoke(ctx, methodLoadModels, req, &resp); err != nil {
		return fmt.Errorf("load models from %s: %w", uri, err)
	}
	d.logger.Info("Face models loaded", "uri", uri, "nets", resp.Loaded)
	return nil
}

// Detect sends frame to the service and returns detections in frame coordinates.
func (d *GrpcDetector) Detect(ctx context.Context, frame image.Image, opts DetectOptions) ([]domain.Detection, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, frame, &jpeg.Options{Quality: d.cfg.JPEGQuality}); err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	req := detectRequest{
		Image:          base64.StdEncoding.EncodeToString(buf.Bytes()),
		Format:         "jpeg",
		InputSize:      opts.InputSize,
		ScoreThreshold: opts.ScoreThreshold,
	}

	var resp detectResponse
	if err := d.invoke(ctx, methodDetect, req, &resp); err != nil {
		return nil, fmt.Errorf("detect faces: %w", err)
	}
	return resp.Faces, nil
}

// Health checks if the model service is serving.
func (d *GrpcDetector) Health(ctx context.Context) (*HealthStatus, error) {
	var resp HealthStatus
	if err := d.invoke(ctx, methodHealth, struct{}{}, &resp); err != nil {
		return nil, fmt.Errorf("health check failed: %w", err)
	}
	return &resp, nil
}

func (d *GrpcDetector) invoke(ctx context.Context, method string, req, resp any) error {
	if d.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.cfg.RequestTimeout)
		defer cancel()
	}

	in, err := toStruct(req)
	if err != nil {
		return err
	}
	out := new(structpb.Struct)
	if err := d.conn.Invoke(ctx, method, in, out); err != nil {
		if status.Code(err) == codes.FailedPrecondition {
			return fmt.Errorf("%w: %s", ErrModelsNotLoaded, status.Convert(err).Message())
		}
		return err
	}
	return fromStruct(out, resp)
}

func toStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	m := map[string]any{}
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("unmarshal request: %w", err)
	}
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, fmt.Errorf("build request struct: %w", err)
	}
	return s, nil
}

func fromStruct(s *structpb.Struct, v any) error {
	data, err := protojson.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal response struct: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// DetectorServer is implemented by model backends served over gRPC.
type DetectorServer interface {
	LoadModels(ctx context.Context, uri string, nets ...ModelNet) error
	Detect(ctx context.Context, frame image.Image, opts DetectOptions) ([]domain.Detection, error)
}

// RegisterFaceDetectorServer exposes srv as the face detector service.
func RegisterFaceDetectorServer(s grpc.ServiceRegistrar, srv DetectorServer) {
	s.RegisterService(&faceDetectorServiceDesc, srv)
}

var faceDetectorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DetectorServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "LoadModels", Handler: unaryHandler(methodLoadModels, serveLoadModels)},
		{MethodName: "Detect", Handler: unaryHandler(methodDetect, serveDetect)},
		{MethodName: "Health", Handler: unaryHandler(methodHealth, serveHealth)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "facedetect/v1/face_detector.proto",
}

type structHandler func(ctx context.Context, srv DetectorServer, in *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(fullMethod string, fn structHandler) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return fn(ctx, srv.(DetectorServer), req.(*structpb.Struct))
		}
		if interceptor == nil {
			return handler(ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		return interceptor(ctx, in, info, handler)
	}
}

func serveLoadModels(ctx context.Context, srv DetectorServer, in *structpb.Struct) (*structpb.Struct, error) {
	var req loadModelsRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	nets := make([]ModelNet, 0, len(req.Nets))
	for _, name := range req.Nets {
		n, err := ParseModelNet(name)
		if err != nil {
			return nil, status.Error(codes.InvalidArgument, err.Error())
		}
		nets = append(nets, n)
	}
	if err := srv.LoadModels(ctx, req.URI, nets...); err != nil {
		return nil, status.Error(codes.Unavailable, err.Error())
	}
	return toStruct(loadModelsResponse{Loaded: req.Nets})
}

func serveDetect(ctx context.Context, srv DetectorServer, in *structpb.Struct) (*structpb.Struct, error) {
	var req detectRequest
	if err := fromStruct(in, &req); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	data, err := base64.StdEncoding.DecodeString(req.Image)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "image is not valid base64")
	}
	frame, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "decode image: %v", err)
	}

	opts := DetectOptions{InputSize: req.InputSize, ScoreThreshold: req.ScoreThreshold}
	if opts == (DetectOptions{}) {
		opts = DefaultDetectOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	faces, err := srv.Detect(ctx, frame, opts)
	if err != nil {
		if errors.Is(err, ErrModelsNotLoaded) {
			return nil, status.Error(codes.FailedPrecondition, err.Error())
		}
		return nil, status.Error(codes.Internal, err.Error())
	}
	if faces == nil {
		faces = []domain.Detection{}
	}
	return toStruct(detectResponse{Faces: faces})
}

func serveHealth(_ context.Context, _ DetectorServer, _ *structpb.Struct) (*structpb.Struct, error) {
	return toStruct(HealthStatus{Status: "SERVING", Ready: true})
}
