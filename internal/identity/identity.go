// Package identity provides the stable opaque client identifier that
// the workflow host uses to route session traffic back to this client.
// The identifier is generated once per installation and reused across
// reconnects and process restarts.
package identity

import (
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// Backend loads and persists the client identifier.
type Backend interface {
	// Load returns the stored identifier, or "" if none is stored.
	Load() (string, error)
	// Save persists id, replacing any previous value.
	Save(id string) error
}

// Store hands out the client identifier. GetOrCreate never fails: a
// storage problem is logged and the generated identifier is still used
// for the rest of the process lifetime.
type Store struct {
	backend Backend
	logger  *slog.Logger

	once sync.Once
	id   string
}

// New creates a Store over backend. A nil backend keeps the identifier
// in memory only.
func New(backend Backend, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{backend: backend, logger: logger}
}

// GetOrCreate returns the persisted identifier, generating and saving
// a new UUIDv4 when storage has none.
func (s *Store) GetOrCreate() string {
	s.once.Do(func() {
		s.id = s.load()
	})
	return s.id
}

func (s *Store) load() string {
	if s.backend != nil {
		id, err := s.backend.Load()
		if err != nil {
			s.logger.Warn("failed to read client id, generating a new one", "error", err)
		} else if id != "" {
			return id
		}
	}

	id := uuid.NewString()

	if s.backend != nil {
		if err := s.backend.Save(id); err != nil {
			s.logger.Warn("failed to persist client id, using it for this process only",
				"client_id", id,
				"error", err,
			)
		} else {
			s.logger.Info("generated new client id", "client_id", id)
		}
	}
	return id
}
