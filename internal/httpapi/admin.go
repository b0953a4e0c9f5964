package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/pulserelay/pulse/internal/opencloud"
	"github.com/pulserelay/pulse/internal/store"
)

type registryAddRequest struct {
	UniverseID      int64  `json:"universeId"`
	OpenCloudAPIKey string `json:"openCloudApiKey"`
}

// probeCredential validates a publish credential against the platform with a
// throwaway message before it is trusted.
func (a *API) probeCredential(r *http.Request, universeID int64, credential string) bool {
	result, err := a.publisher.Publish(r.Context(), credential, universeID, opencloud.ProbeTopic, "test")
	if err != nil {
		a.logger.Warn("credential probe failed", zap.Int64("universe_id", universeID), zap.Error(err))
		return false
	}
	return result.OK
}

// handleRegistryAdd registers a universe. The credential is probed upstream
// before anything is written, so a rejected key leaves no record behind.
func (a *API) handleRegistryAdd(w http.ResponseWriter, r *http.Request) {
	var body registryAddRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UniverseID <= 0 || body.OpenCloudAPIKey == "" {
		writeError(w, http.StatusBadRequest, "Invalid message")
		return
	}

	_, err := a.store.GetCredential(r.Context(), body.UniverseID)
	switch {
	case err == nil:
		writeError(w, http.StatusConflict, "Universe already exists")
		return
	case !errors.Is(err, store.ErrUniverseNotFound):
		a.logger.Error("credential lookup failed", zap.Int64("universe_id", body.UniverseID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	if !a.probeCredential(r, body.UniverseID, body.OpenCloudAPIKey) {
		writeError(w, http.StatusBadRequest, "Invalid Open Cloud API Key")
		return
	}

	if err := a.store.PutCredential(r.Context(), body.UniverseID, body.OpenCloudAPIKey); err != nil {
		a.logger.Error("storing credential failed", zap.Int64("universe_id", body.UniverseID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	a.logger.Info("universe registered", zap.Int64("universe_id", body.UniverseID))
	writeSuccess(w)
}

// handleRegistryRemove deletes a universe's credential.
func (a *API) handleRegistryRemove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		UniverseID int64 `json:"universeId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UniverseID <= 0 {
		writeError(w, http.StatusBadRequest, "Invalid message")
		return
	}

	if err := a.store.DeleteCredential(r.Context(), body.UniverseID); err != nil {
		if errors.Is(err, store.ErrUniverseNotFound) {
			writeError(w, http.StatusNotFound, "Universe does not exist")
			return
		}
		a.logger.Error("deleting credential failed", zap.Int64("universe_id", body.UniverseID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	a.logger.Info("universe removed", zap.Int64("universe_id", body.UniverseID))
	writeSuccess(w)
}

// handleRegistryUpdate rotates a universe's credential in place.
func (a *API) handleRegistryUpdate(w http.ResponseWriter, r *http.Request) {
	var body registryAddRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.UniverseID <= 0 || body.OpenCloudAPIKey == "" {
		writeError(w, http.StatusBadRequest, "Invalid message")
		return
	}

	if _, err := a.store.GetCredential(r.Context(), body.UniverseID); err != nil {
		if errors.Is(err, store.ErrUniverseNotFound) {
			writeError(w, http.StatusNotFound, "Universe does not exist")
			return
		}
		a.logger.Error("credential lookup failed", zap.Int64("universe_id", body.UniverseID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	if err := a.store.PutCredential(r.Context(), body.UniverseID, body.OpenCloudAPIKey); err != nil {
		a.logger.Error("storing credential failed", zap.Int64("universe_id", body.UniverseID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	a.logger.Info("universe credential updated", zap.Int64("universe_id", body.UniverseID))
	writeSuccess(w)
}

type registryEntry struct {
	Valid   bool  `json:"valid"`
	Clients int64 `json:"clients"`
}

// handleRegistryList reports every registered universe with its probe result
// and live-client count.
func (a *API) handleRegistryList(w http.ResponseWriter, r *http.Request) {
	ids, err := a.store.ListUniverses(r.Context())
	if err != nil {
		a.logger.Error("listing universes failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "Internal error")
		return
	}

	out := make(map[string]registryEntry, len(ids))
	for _, id := range ids {
		credential, err := a.store.GetCredential(r.Context(), id)
		if err != nil {
			a.logger.Warn("skipping unreadable universe", zap.Int64("universe_id", id), zap.Error(err))
			continue
		}

		clients, err := a.store.GetClients(r.Context(), id)
		if err != nil {
			a.logger.Warn("counter lookup failed", zap.Int64("universe_id", id), zap.Error(err))
		}

		out[strconv.FormatInt(id, 10)] = registryEntry{
			Valid:   a.probeCredential(r, id, credential),
			Clients: clients,
		}
	}
	writeJSON(w, http.StatusOK, out)
}
