package app

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"marlin/internal/chat"
)

// SessionRegistry owns one chat.Service per authenticated user. It is
// the explicit lifecycle root for session-scoped chat state: services
// are created on first use and disposed on logout or shutdown.
type SessionRegistry struct {
	log       *slog.Logger
	store     chat.Store
	transport chat.PushTransport
	snapshots chat.SnapshotStore
	cfg       chat.ServiceConfig

	mu       sync.Mutex
	sessions map[chat.UserID]*session
}

type session struct {
	id        string
	svc       *chat.Service
	startedAt time.Time
}

// NewSessionRegistry constructs an empty registry over shared backends.
func NewSessionRegistry(log *slog.Logger, store chat.Store, transport chat.PushTransport, snapshots chat.SnapshotStore, cfg chat.ServiceConfig) *SessionRegistry {
	if log == nil {
		log = slog.Default()
	}
	return &SessionRegistry{
		log:       log,
		store:     store,
		transport: transport,
		snapshots: snapshots,
		cfg:       cfg,
		sessions:  make(map[chat.UserID]*session),
	}
}

// Service returns the user's chat service, creating it on first use.
func (r *SessionRegistry) Service(user chat.UserID) (*chat.Service, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.sessions[user]; ok {
		return s.svc, nil
	}

	svc, err := chat.NewService(r.log, r.store, r.transport, r.snapshots, user, r.cfg)
	if err != nil {
		return nil, err
	}

	s := &session{
		id:        chat.NewEventID(time.Now()),
		svc:       svc,
		startedAt: time.Now().UTC(),
	}
	r.sessions[user] = s
	r.log.Info("session.start", "session_id", s.id, "user_id", user)
	return svc, nil
}

// End disposes a user's session: local caches and the snapshot are
// dropped, delivery channels closed. Durable data stays. No-op for an
// unknown user.
func (r *SessionRegistry) End(ctx context.Context, user chat.UserID) {
	r.mu.Lock()
	s, ok := r.sessions[user]
	delete(r.sessions, user)
	r.mu.Unlock()

	if !ok {
		return
	}
	s.svc.ClearLocal(ctx)
	_ = s.svc.Close(ctx)
	r.log.Info("session.end", "session_id", s.id, "user_id", user)
}

// CloseAll disposes every session. Snapshots are kept so the next start
// reloads warm.
func (r *SessionRegistry) CloseAll(ctx context.Context) {
	r.mu.Lock()
	sessions := make([]*session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	r.sessions = make(map[chat.UserID]*session)
	r.mu.Unlock()

	for _, s := range sessions {
		_ = s.svc.Close(ctx)
	}
}
