package registry

import (
	"encoding/json"
	"sync/atomic"
)

// Session is the metadata attached to one relay connection. It is written
// at connect time, travels with the connection across registry restarts,
// and is recovered verbatim by Rehydrate.
type Session struct {
	// UniverseID is the universe the connection belongs to. Immutable.
	UniverseID int64
	// Credential is the decrypted publish credential resolved at connect
	// time and cached for the connection's lifetime.
	Credential string

	quit atomic.Bool
}

// NewSession creates a live session for the given universe.
func NewSession(universeID int64, credential string) *Session {
	return &Session{
		UniverseID: universeID,
		Credential: credential,
	}
}

// Quit reports whether teardown has begun for this session.
func (s *Session) Quit() bool {
	return s.quit.Load()
}

// MarkQuit flags the session as tearing down. It returns true only for the
// first caller; teardown work must happen on that path alone.
func (s *Session) MarkQuit() bool {
	return s.quit.CompareAndSwap(false, true)
}

type sessionJSON struct {
	UniverseID int64  `json:"universeId"`
	CloudKey   string `json:"cloudKey"`
	Quit       bool   `json:"quit"`
}

// MarshalJSON serializes the session in the connection-attachment layout.
func (s *Session) MarshalJSON() ([]byte, error) {
	return json.Marshal(sessionJSON{
		UniverseID: s.UniverseID,
		CloudKey:   s.Credential,
		Quit:       s.quit.Load(),
	})
}

// UnmarshalJSON restores a session from a connection attachment.
func (s *Session) UnmarshalJSON(data []byte) error {
	var raw sessionJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.UniverseID = raw.UniverseID
	s.Credential = raw.CloudKey
	s.quit.Store(raw.Quit)
	return nil
}
