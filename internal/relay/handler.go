package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strconv"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/pulserelay/pulse/internal/observability"
	"github.com/pulserelay/pulse/internal/opencloud"
	"github.com/pulserelay/pulse/internal/registry"
)

// Envelope is the client wire format for a relayed message.
type Envelope struct {
	Topic    string          `json:"topic"`
	Message  json.RawMessage `json:"message"`
	ServerID *string         `json:"serverId,omitempty"`
}

var (
	pingFrame = []byte("ping")
	pongFrame = []byte("pong")
	ackFrame  = []byte(`{"success":true}`)

	errMalformedJSON = errors.New("malformed json")
	errMissingTopic  = errors.New("topic is required")
)

func errorFrame(msg string) []byte {
	b, _ := json.Marshal(map[string]string{"error": msg})
	return b
}

// Handler implements the relay message protocol on top of an established
// connection. One Handler serves every universe; the per-universe state
// travels in the registry passed to each call.
type Handler struct {
	publisher opencloud.Publisher
	metrics   *observability.Metrics
	logger    *zap.Logger
}

// NewHandler creates the shared protocol handler.
//
// Precondition: publisher, metrics, and logger must be non-nil.
func NewHandler(publisher opencloud.Publisher, metrics *observability.Metrics, logger *zap.Logger) *Handler {
	return &Handler{
		publisher: publisher,
		metrics:   metrics,
		logger:    logger,
	}
}

// HandleMessage processes one inbound frame from the connection identified
// by id.
//
// A literal "ping" is answered with "pong" before any session lookup, so
// keepalive works even while a session is tearing down. Everything else must
// be a valid envelope from a live session: the envelope is relayed to the
// external platform on the fixed relay topic and acknowledged, while
// malformed frames are answered with an error frame and dropped.
func (h *Handler) HandleMessage(ctx context.Context, reg *registry.Registry, id string, t registry.Transport, data []byte) {
	if bytes.Equal(data, pingFrame) {
		if err := t.Send(pongFrame); err != nil {
			h.logger.Debug("pong not delivered", zap.String("connection_id", id), zap.Error(err))
		}
		return
	}

	sess, ok := reg.Get(id)
	if !ok || sess.Quit() {
		t.Close(websocket.CloseInternalServerErr, "WebSocket broken")
		return
	}

	env, err := decodeEnvelope(data)
	if err != nil {
		h.logger.Debug("rejecting malformed frame",
			zap.String("connection_id", id),
			zap.Error(err),
		)
		// Frames that are not JSON at all get the generic rejection;
		// well-formed JSON that fails envelope validation is answered
		// with the specific issue.
		msg := err.Error()
		if errors.Is(err, errMalformedJSON) {
			msg = "Invalid message"
		}
		t.Send(errorFrame(msg))
		return
	}

	universe := strconv.FormatInt(sess.UniverseID, 10)
	result, err := h.publisher.Publish(ctx, sess.Credential, sess.UniverseID, opencloud.RelayTopic, env)
	if err != nil || !result.OK {
		h.metrics.PublishFailures.WithLabelValues(universe).Inc()
		if err != nil {
			h.logger.Error("relay publish failed",
				zap.Int64("universe_id", sess.UniverseID),
				zap.String("topic", env.Topic),
				zap.Error(err),
			)
		}
		t.Send(errorFrame("Failed to publish message"))
		return
	}

	h.metrics.MessagesRelayed.WithLabelValues(universe).Inc()
	t.Send(ackFrame)
}

// HandleClose tears the connection down exactly once: the session is marked
// quitting, the registry entry and its durable count are released, and the
// close is echoed back with the code the peer reported.
//
// Postcondition: calling HandleClose again for the same id is a no-op apart
// from the close echo.
func (h *Handler) HandleClose(ctx context.Context, reg *registry.Registry, id string, t registry.Transport, code int) {
	h.logger.Debug("closing connection",
		zap.String("connection_id", id),
		zap.Int("code", code),
	)

	if reg.Remove(ctx, id) {
		h.metrics.ActiveConnections.WithLabelValues(strconv.FormatInt(reg.UniverseID(), 10)).Dec()
	}
	t.Close(code, "Closing...")
}

// decodeEnvelope parses a frame strictly: unknown fields and a missing topic
// are rejected. Frames that are not a single well-formed JSON value fail with
// errMalformedJSON; a well-formed frame that fails validation returns the
// specific issue.
func decodeEnvelope(data []byte) (*Envelope, error) {
	if !json.Valid(data) {
		return nil, errMalformedJSON
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var raw struct {
		Topic    *string         `json:"topic"`
		Message  json.RawMessage `json:"message"`
		ServerID *string         `json:"serverId"`
	}
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if raw.Topic == nil {
		return nil, errMissingTopic
	}
	return &Envelope{
		Topic:    *raw.Topic,
		Message:  raw.Message,
		ServerID: raw.ServerID,
	}, nil
}
