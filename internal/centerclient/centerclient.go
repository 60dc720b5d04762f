// Package centerclient implements the center bus connector (§4.12, §6):
// a gRPC bidirectional stream to the external center service. Unlike the
// worker bus, the center is reached over a single configurable endpoint
// rather than a passive multi-peer listener, so it is modeled directly on
// grpc.ClientConn.NewStream with a JSON wire codec rather than the
// router's length-prefixed frame codec — there is no .proto file or
// protoc-generated stub here, only the raw stream API and a hand-written
// envelope.
package centerclient

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/cuemby/legion/internal/logx"
	"github.com/cuemby/legion/internal/message"
	"github.com/cuemby/legion/internal/metrics"
)

const (
	codecName  = "legion-center-json"
	serviceRPC = "/legion.center.v1.CenterService/Stream"
)

// wireEnvelope is the JSON shape exchanged on the stream. Data is kept as
// raw JSON rather than unpacked into a structpb.Struct — the center
// payload's Data is free-form (§3) and not reliably object-shaped.
type wireEnvelope struct {
	Dest     string                 `json:"dest"`
	Subject  string                 `json:"subject"`
	EntityID string                 `json:"entity_id"`
	Message  string                 `json:"message"`
	Data     json.RawMessage        `json:"data,omitempty"`
	TS       *timestamppb.Timestamp `json:"ts"`
}

func toWire(p message.CenterPayload) (wireEnvelope, error) {
	data, err := json.Marshal(p.Data)
	if err != nil {
		return wireEnvelope{}, err
	}
	return wireEnvelope{
		Dest:     string(p.Dest),
		Subject:  string(p.Subject),
		EntityID: p.EntityID,
		Message:  p.Message,
		Data:     data,
		TS:       timestamppb.New(p.TS),
	}, nil
}

func fromWire(w wireEnvelope) message.CenterPayload {
	var data any
	if len(w.Data) > 0 {
		_ = json.Unmarshal(w.Data, &data)
	}
	ts := time.Now().UTC()
	if w.TS != nil {
		ts = w.TS.AsTime()
	}
	return message.CenterPayload{
		Dest:     message.Dest(w.Dest),
		Subject:  message.Subject(w.Subject),
		EntityID: w.EntityID,
		Message:  w.Message,
		Data:     data,
		TS:       ts,
	}
}

// jsonCodec lets the stream carry wireEnvelope values without a protobuf
// message type; grpc only requires a registered codec name matching the
// call's content-subtype.
type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return codecName }

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

// FrameDispatcher decodes and routes a raw inbound frame — the center
// dispatcher (internal/dispatch) implements this.
type FrameDispatcher interface {
	Dispatch(frame message.RawFrame)
}

// Client is a standing gRPC connection to the center service.
type Client struct {
	endpoint   string
	dispatcher FrameDispatcher

	mu     sync.Mutex
	conn   *grpc.ClientConn
	stream grpc.ClientStream

	log zerolog.Logger
}

// New builds a disconnected center client. Dial must be called before Send.
func New(endpoint string, dispatcher FrameDispatcher) *Client {
	return &Client{
		endpoint:   endpoint,
		dispatcher: dispatcher,
		log:        logx.WithComponent("centerclient").Logger(),
	}
}

// Dial connects to the center service and starts the receive loop.
func (c *Client) Dial(ctx context.Context) error {
	conn, err := grpc.NewClient(c.endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(codecName)),
	)
	if err != nil {
		return err
	}

	desc := &grpc.StreamDesc{StreamName: "Stream", ServerStreams: true, ClientStreams: true}
	stream, err := conn.NewStream(ctx, desc, serviceRPC)
	if err != nil {
		_ = conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.stream = stream
	c.mu.Unlock()

	go c.recvLoop()
	return nil
}

// Send implements tracker.CenterSender and tree/appstate's CenterSender.
func (c *Client) Send(payload message.CenterPayload) {
	wire, err := toWire(payload)
	if err != nil {
		c.log.Warn().Err(err).Msg("centerclient: failed to encode outbound payload")
		return
	}

	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		c.log.Warn().Msg("centerclient: send before dial, dropping payload")
		return
	}

	if err := stream.SendMsg(&wire); err != nil {
		c.log.Warn().Err(err).Msg("centerclient: stream send failed")
		return
	}
	metrics.CenterMessagesTotal.WithLabelValues(string(payload.Subject)).Inc()
}

func (c *Client) recvLoop() {
	c.mu.Lock()
	stream := c.stream
	c.mu.Unlock()
	if stream == nil {
		return
	}

	for {
		var wire wireEnvelope
		if err := stream.RecvMsg(&wire); err != nil {
			c.log.Warn().Err(err).Msg("centerclient: stream closed")
			return
		}

		payload := fromWire(wire)
		body, err := json.Marshal(payload)
		if err != nil {
			c.log.Warn().Err(err).Msg("centerclient: failed to re-encode inbound payload")
			continue
		}
		c.dispatcher.Dispatch(message.RawFrame{Body: body})
	}
}

// Close tears down the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.conn.Close()
	}
	return nil
}
