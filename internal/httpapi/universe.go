package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/pulserelay/pulse/internal/analytics"
	"github.com/pulserelay/pulse/internal/opencloud"
	"github.com/pulserelay/pulse/internal/registry"
	"github.com/pulserelay/pulse/internal/relay"
	"github.com/pulserelay/pulse/internal/store"
)

const (
	destinationExternal = "external"
	destinationLocal    = "local"
)

func universeID(r *http.Request) int64 {
	// The route pattern constrains {id} to digits.
	id, _ := strconv.ParseInt(mux.Vars(r)["id"], 10, 64)
	return id
}

// handleConnect runs the connect handshake: key check, credential lookup,
// protocol upgrade, then registration. The connection is registered before
// the first frame is read, so no message can race a half-added connection.
func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	apiKey := r.URL.Query().Get("apiKey")
	if apiKey == "" {
		writeError(w, http.StatusBadRequest, "Missing API Key")
		return
	}
	if apiKey != a.cfg.Auth.APIKey {
		writeError(w, http.StatusUnauthorized, "Invalid API Key")
		return
	}

	id := universeID(r)
	credential, err := a.store.GetCredential(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrUniverseNotFound) {
			writeError(w, http.StatusNotFound, "Universe does not exist")
			return
		}
		a.logger.Error("credential lookup failed", zap.Int64("universe_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	if r.Header.Get("Upgrade") != "websocket" {
		writeError(w, http.StatusUpgradeRequired, "Expected header Upgrade: websocket")
		return
	}

	ws, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own error response.
		a.logger.Warn("websocket upgrade failed", zap.Int64("universe_id", id), zap.Error(err))
		return
	}

	conn := relay.NewConn(ws, a.cfg.Relay, a.logger)
	sess := registry.NewSession(id, credential)
	reg := a.host.Registry(id)
	connID := reg.Add(r.Context(), conn, sess)
	a.metrics.ActiveConnections.WithLabelValues(strconv.FormatInt(id, 10)).Inc()

	a.logger.Info("connection established",
		zap.Int64("universe_id", id),
		zap.String("connection_id", connID),
	)

	// The request context dies with this handler; the pumps outlive it.
	go conn.Run(
		func(data []byte) {
			a.relay.HandleMessage(context.Background(), reg, connID, conn, data)
		},
		func(code int) {
			a.relay.HandleClose(context.Background(), reg, connID, conn, code)
		},
	)
}

type sendRequest struct {
	Message     json.RawMessage `json:"message"`
	Topic       string          `json:"topic"`
	ServerID    *string         `json:"serverId,omitempty"`
	Destination string          `json:"destination"`
}

// decodeSendRequest parses a send body strictly, returning the first
// validation issue as the error message.
func decodeSendRequest(r *http.Request) (*sendRequest, error) {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()

	var raw struct {
		Message     json.RawMessage `json:"message"`
		Topic       *string         `json:"topic"`
		ServerID    *string         `json:"serverId"`
		Destination *string         `json:"destination"`
	}
	if err := dec.Decode(&raw); err != nil {
		return nil, errors.New("Invalid message")
	}
	if raw.Topic == nil {
		return nil, errors.New("topic is required")
	}
	if raw.Destination == nil {
		return nil, errors.New("destination is required")
	}
	if *raw.Destination != destinationExternal && *raw.Destination != destinationLocal {
		return nil, errors.New(`destination must be "external" or "local"`)
	}
	return &sendRequest{
		Message:     raw.Message,
		Topic:       *raw.Topic,
		ServerID:    raw.ServerID,
		Destination: *raw.Destination,
	}, nil
}

// handleSend accepts a message over plain HTTP and routes it either to the
// external platform or to every local connection of the universe.
func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" || token != a.cfg.Auth.APIKey {
		writeError(w, http.StatusUnauthorized, "Invalid API Key")
		return
	}

	id := universeID(r)
	body, err := decodeSendRequest(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	serverID := ""
	if body.ServerID != nil {
		serverID = *body.ServerID
	}
	a.recorder.Record(r.Context(), analytics.Point{
		UniverseID:  id,
		Topic:       body.Topic,
		Destination: body.Destination,
		ServerID:    serverID,
		Payload:     body.Message,
	})

	switch body.Destination {
	case destinationExternal:
		if !a.sendExternal(w, r, id, body) {
			return
		}
	case destinationLocal:
		a.sendLocal(id, body)
	}

	writeSuccess(w)
}

// sendExternal relays the message upstream. The whole envelope travels as
// the payload; the platform-level topic is the fixed relay channel.
func (a *API) sendExternal(w http.ResponseWriter, r *http.Request, id int64, body *sendRequest) bool {
	credential, err := a.store.GetCredential(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrUniverseNotFound) {
			writeError(w, http.StatusNotFound, "Universe does not exist")
			return false
		}
		a.logger.Error("credential lookup failed", zap.Int64("universe_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error")
		return false
	}

	envelope := relay.Envelope{
		Topic:    body.Topic,
		Message:  body.Message,
		ServerID: body.ServerID,
	}
	universe := strconv.FormatInt(id, 10)
	result, err := a.publisher.Publish(r.Context(), credential, id, opencloud.RelayTopic, envelope)
	if err != nil || !result.OK {
		a.metrics.PublishFailures.WithLabelValues(universe).Inc()
		if err != nil {
			a.logger.Error("send publish failed", zap.Int64("universe_id", id), zap.Error(err))
		}
		writeError(w, http.StatusBadGateway, "Failed to publish message")
		return false
	}
	a.metrics.MessagesRelayed.WithLabelValues(universe).Inc()
	return true
}

// sendLocal fans the message out to every live connection of the universe.
// Delivery is best-effort: a stale transport never fails the request.
func (a *API) sendLocal(id int64, body *sendRequest) {
	frame, err := json.Marshal(map[string]json.RawMessage{
		"topic":   rawString(body.Topic),
		"message": body.Message,
	})
	if err != nil {
		a.logger.Error("encoding fan-out frame failed", zap.Int64("universe_id", id), zap.Error(err))
		return
	}

	universe := strconv.FormatInt(id, 10)
	reg := a.host.Registry(id)
	for transport := range reg.FindByUniverse(id) {
		if err := transport.Send(frame); err != nil {
			a.logger.Debug("fan-out delivery skipped", zap.Int64("universe_id", id), zap.Error(err))
			continue
		}
		a.metrics.FanoutDeliveries.WithLabelValues(universe).Inc()
	}
}

func rawString(s string) json.RawMessage {
	b, _ := json.Marshal(s)
	return b
}

// handleClients reports the durable live-connection count for a universe.
func (a *API) handleClients(w http.ResponseWriter, r *http.Request) {
	id := universeID(r)
	clients, err := a.store.GetClients(r.Context(), id)
	if err != nil {
		a.logger.Error("counter lookup failed", zap.Int64("universe_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"clients": clients})
}
