package settings

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/cockroachdb/errors"
	"golang.org/x/crypto/bcrypt"
)

// Repository persists the settings document.
type Repository interface {
	LoadSettings(ctx context.Context) ([]byte, bool, error)
	SaveSettings(ctx context.Context, payload []byte) error
}

// Store serves the current settings and is the only place where the
// administrator credential is checked.
type Store struct {
	mu        sync.RWMutex
	current   Settings
	adminHash []byte
	repo      Repository
	logger    *slog.Logger

	subMu       sync.Mutex
	subscribers []chan struct{}
}

// NewStore starts from defaults and replaces them with the persisted document
// when one exists and is valid.
func NewStore(ctx context.Context, defaults Settings, adminHash []byte, repo Repository, logger *slog.Logger) (*Store, error) {
	if err := defaults.Validate(); err != nil {
		return nil, errors.Wrap(err, "default settings")
	}
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{current: defaults.Clone(), adminHash: adminHash, repo: repo, logger: logger}
	if len(adminHash) == 0 {
		logger.Warn("no administrator credential configured, settings are read-only")
	}
	if repo == nil {
		return s, nil
	}

	payload, ok, err := repo.LoadSettings(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load persisted settings")
	}
	if !ok {
		return s, nil
	}
	var persisted Settings
	if err := json.Unmarshal(payload, &persisted); err != nil {
		logger.Warn("ignoring unreadable persisted settings", slog.String("error", err.Error()))
		return s, nil
	}
	if err := persisted.Validate(); err != nil {
		logger.Warn("ignoring invalid persisted settings", slog.String("error", err.Error()))
		return s, nil
	}
	if persisted.Channels == nil {
		persisted.Channels = defaults.Clone().Channels
	}
	s.current = persisted
	logger.Info("loaded persisted settings")
	return s, nil
}

// Current returns a copy of the active settings, secrets included.
func (s *Store) Current() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Redacted returns the active settings with secrets masked.
func (s *Store) Redacted() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Redacted()
}

// Authorize verifies the administrator credential against the configured
// bcrypt hash. Every authenticated mutation goes through here.
func (s *Store) Authorize(credential string) error {
	if len(s.adminHash) == 0 {
		return errors.Mark(errors.New("administrator credential not configured"), ErrUnauthorized)
	}
	if credential == "" {
		return errors.Mark(errors.New("administrator credential required"), ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword(s.adminHash, []byte(credential)); err != nil {
		return errors.Mark(errors.New("invalid administrator credential"), ErrUnauthorized)
	}
	return nil
}

// Update replaces the settings after authorizing the caller. Masked secrets in
// next keep their stored values. The redacted result is returned.
func (s *Store) Update(ctx context.Context, credential string, next Settings) (Settings, error) {
	if err := s.Authorize(credential); err != nil {
		return Settings{}, err
	}

	s.mu.Lock()
	merged := next.Clone()
	for ch, cfg := range merged.Channels {
		merged.Channels[ch] = cfg.KeepSecrets(s.current.Channels[ch])
	}
	if err := merged.Validate(); err != nil {
		s.mu.Unlock()
		return Settings{}, err
	}
	if s.repo != nil {
		payload, err := json.Marshal(merged)
		if err != nil {
			s.mu.Unlock()
			return Settings{}, errors.Wrap(err, "encode settings")
		}
		if err := s.repo.SaveSettings(ctx, payload); err != nil {
			s.mu.Unlock()
			return Settings{}, errors.Wrap(err, "persist settings")
		}
	}
	s.current = merged
	redacted := merged.Redacted()
	s.mu.Unlock()

	s.logger.Info("settings updated",
		slog.Int("intervalSeconds", merged.Monitoring.IntervalSeconds),
		slog.Int("retentionDays", merged.Monitoring.RetentionDays),
	)
	s.broadcast()
	return redacted, nil
}

// Subscribe returns a channel that receives a value after every update.
// Notifications coalesce when the reader is slow.
func (s *Store) Subscribe() <-chan struct{} {
	ch := make(chan struct{}, 1)
	s.subMu.Lock()
	s.subscribers = append(s.subscribers, ch)
	s.subMu.Unlock()
	return ch
}

func (s *Store) broadcast() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// HashCredential returns the bcrypt hash stored in configuration.
func HashCredential(credential string) ([]byte, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(credential), bcrypt.DefaultCost)
	if err != nil {
		return nil, errors.Wrap(err, "hash administrator credential")
	}
	return hash, nil
}
