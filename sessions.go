package main

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

type Outcome string

const (
	OutcomeOpen      Outcome = "open"
	OutcomeCompleted Outcome = "completed"
	OutcomeFailed    Outcome = "failed"
	OutcomeCancelled Outcome = "cancelled"
)

// CompletionFunc persists a delivered artifact and returns where it went.
type CompletionFunc func(ctx context.Context, id string, artifact CropArtifact) (string, error)

type SessionManagerConfig struct {
	Crop       CropConfig
	Loader     ImageLoader
	Rasterizer ArtifactRasterizer
	OnComplete CompletionFunc
}

// Session is one crop dialog hosted by the web app.
type Session struct {
	ID         string
	CreatedAt  time.Time
	Controller *Controller

	mu         sync.Mutex
	outcome    Outcome
	result     string
	hostErr    string
	completed  bool
	loadFailed bool
}

// SessionView is the JSON shape of a session.
type SessionView struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
	Outcome   Outcome   `json:"outcome"`
	Result    string    `json:"result,omitempty"`
	HostError string    `json:"hostError,omitempty"`
	Snapshot
}

func (s *Session) View() SessionView {
	snap := s.Controller.Snapshot()
	s.mu.Lock()
	defer s.mu.Unlock()
	return SessionView{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		Outcome:   s.outcome,
		Result:    s.result,
		HostError: s.hostErr,
		Snapshot:  snap,
	}
}

type SessionManager struct {
	config SessionManagerConfig

	mu       sync.Mutex
	sessions map[string]*Session
}

func NewSessionManager(config SessionManagerConfig) *SessionManager {
	return &SessionManager{
		config:   config,
		sessions: make(map[string]*Session),
	}
}

// Create registers a new session and opens src in it.
func (m *SessionManager) Create(ctx context.Context, src, fileName string) (*Session, error) {
	s := &Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		outcome:   OutcomeOpen,
	}
	hostCtx := context.WithoutCancel(ctx)

	s.Controller = NewController(ControllerOptions{
		Config:     m.config.Crop,
		Loader:     m.config.Loader,
		Rasterizer: m.config.Rasterizer,
		OnComplete: func(artifact CropArtifact) {
			s.mu.Lock()
			s.completed = true
			s.outcome = OutcomeCompleted
			s.mu.Unlock()

			if m.config.OnComplete == nil {
				return
			}
			result, err := m.config.OnComplete(hostCtx, s.ID, artifact)
			s.mu.Lock()
			defer s.mu.Unlock()
			if err != nil {
				log.Ctx(hostCtx).Error().Err(err).Str("session", s.ID).Msg("failed to store artifact")
				s.hostErr = err.Error()
				return
			}
			s.result = result
		},
		OnError: func(err error) {
			var decodeErr *ImageDecodeError
			if errors.As(err, &decodeErr) {
				s.mu.Lock()
				s.loadFailed = true
				s.mu.Unlock()
			}
		},
		OnClose: func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			switch {
			case s.completed:
			case s.loadFailed:
				s.outcome = OutcomeFailed
			default:
				s.outcome = OutcomeCancelled
			}
		},
	})

	if err := s.Controller.Open(ctx, src, fileName); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.mu.Unlock()

	log.Ctx(ctx).Info().Str("session", s.ID).Str("source", shortSource(src)).Msg("session created")
	return s, nil
}

func (m *SessionManager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove cancels the session and forgets it.
func (m *SessionManager) Remove(id string) error {
	m.mu.Lock()
	s, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()

	if !ok {
		return ErrSessionNotFound
	}
	s.Controller.Cancel()
	return nil
}

func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// Close cancels every session and waits for their background work.
func (m *SessionManager) Close() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for id, s := range m.sessions {
		sessions = append(sessions, s)
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Controller.Cancel()
		s.Controller.Wait()
	}
}

// Wait blocks until the background work of every session has settled.
func (m *SessionManager) Wait() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.Unlock()

	for _, s := range sessions {
		s.Controller.Wait()
	}
}
