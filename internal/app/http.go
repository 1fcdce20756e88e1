package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"marlin/internal/chat"
)

type httpHandlers struct {
	log      Logger
	cfg      Config
	sessions *SessionRegistry
	resolver UserResolver

	dbPool    *pgxpool.Pool
	dbEnabled bool
}

func newRouter(log Logger, cfg Config, sessions *SessionRegistry, resolver UserResolver, dbPool *pgxpool.Pool, dbEnabled bool) *mux.Router {
	h := &httpHandlers{
		log:       log,
		cfg:       cfg,
		sessions:  sessions,
		resolver:  resolver,
		dbPool:    dbPool,
		dbEnabled: dbEnabled,
	}

	r := mux.NewRouter()

	r.HandleFunc("/healthz", h.healthz).Methods(http.MethodGet)
	r.HandleFunc("/readyz", h.readyz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/orders/{order}/messages", h.listMessages).Methods(http.MethodGet)
	v1.HandleFunc("/orders/{order}/messages", h.sendMessage).Methods(http.MethodPost)
	v1.HandleFunc("/orders/{order}/read", h.markRead).Methods(http.MethodPost)
	v1.HandleFunc("/orders/{order}/unread", h.unreadCount).Methods(http.MethodGet)
	v1.HandleFunc("/orders/{order}/events", h.streamEvents).Methods(http.MethodGet)
	v1.HandleFunc("/unread", h.unreadCounts).Methods(http.MethodPost)
	v1.HandleFunc("/logout", h.logout).Methods(http.MethodPost)

	return r
}

func (h *httpHandlers) healthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

func (h *httpHandlers) readyz(w http.ResponseWriter, r *http.Request) {
	if h.cfg.ReadinessRequireDB && !h.dbEnabled {
		http.Error(w, "db not configured", http.StatusServiceUnavailable)
		return
	}
	if h.dbEnabled && h.dbPool != nil {
		if err := PingDB(r.Context(), h.dbPool, 2*time.Second); err != nil {
			h.log.Info("readyz.db.not_ready", "err", err)
			http.Error(w, "db not ready", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready\n"))
}

// service resolves the request's user and returns their session service.
func (h *httpHandlers) service(w http.ResponseWriter, r *http.Request) (*chat.Service, bool) {
	user, err := h.resolver.CurrentUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return nil, false
	}
	svc, err := h.sessions.Service(user)
	if err != nil {
		h.writeError(w, err)
		return nil, false
	}
	return svc, true
}

func orderID(r *http.Request) (chat.ThreadID, error) {
	raw := mux.Vars(r)["order"]
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid order id %q", raw)
	}
	return chat.ThreadID(n), nil
}

type messageOut struct {
	ID        int64     `json:"id"`
	OrderID   int64     `json:"order_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"message_text"`
	MediaURL  string    `json:"media_url,omitempty"`
	MediaType string    `json:"media_type,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	Own       bool      `json:"own"`
}

func toMessageOut(m chat.Message, own bool) messageOut {
	return messageOut{
		ID:        m.ID,
		OrderID:   int64(m.ThreadID),
		SenderID:  string(m.SenderID),
		Text:      m.Text,
		MediaURL:  m.MediaURL,
		MediaType: m.MediaType,
		CreatedAt: m.CreatedAt,
		Own:       own,
	}
}

func (h *httpHandlers) listMessages(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.service(w, r)
	if !ok {
		return
	}
	order, err := orderID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msgs, err := svc.Messages(r.Context(), order)
	if err != nil {
		h.writeError(w, err)
		return
	}

	out := make([]messageOut, len(msgs))
	for i, m := range msgs {
		out[i] = toMessageOut(m.Message, m.Own)
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"messages": out})
}

func (h *httpHandlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.service(w, r)
	if !ok {
		return
	}
	order, err := orderID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var in struct {
		Text      string `json:"message_text"`
		MediaURL  string `json:"media_url"`
		MediaType string `json:"media_type"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	msg, err := svc.Send(r.Context(), order, in.Text, in.MediaURL, in.MediaType)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, toMessageOut(msg, true))
}

func (h *httpHandlers) markRead(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.service(w, r)
	if !ok {
		return
	}
	order, err := orderID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var in struct {
		MessageID int64 `json:"message_id"`
	}
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	if err := svc.MarkRead(order, in.MessageID); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *httpHandlers) unreadCount(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.service(w, r)
	if !ok {
		return
	}
	order, err := orderID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	n, exact := svc.UnreadCount(order)
	h.writeJSON(w, http.StatusOK, map[string]any{
		"order_id": int64(order),
		"unread":   n,
		"exact":    exact,
	})
}

func (h *httpHandlers) unreadCounts(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.service(w, r)
	if !ok {
		return
	}

	var in struct {
		OrderIDs []int64 `json:"order_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	threads := make([]chat.ThreadID, len(in.OrderIDs))
	for i, id := range in.OrderIDs {
		threads[i] = chat.ThreadID(id)
	}

	svc.ReconcileReadCursors(r.Context(), threads)
	counts := svc.UnreadCounts(r.Context(), threads)

	out := make(map[string]int, len(counts))
	for thread, n := range counts {
		out[strconv.FormatInt(int64(thread), 10)] = n
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"unread": out})
}

// streamEvents bridges a thread subscription onto an SSE stream. One
// live subscription per thread per session: a second stream for the
// same thread is rejected rather than silently sharing.
func (h *httpHandlers) streamEvents(w http.ResponseWriter, r *http.Request) {
	svc, ok := h.service(w, r)
	if !ok {
		return
	}
	order, err := orderID(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	flusher, canFlush := w.(http.Flusher)
	if !canFlush {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	if svc.Subscribed(order) {
		http.Error(w, "already subscribed", http.StatusConflict)
		return
	}

	// Load the thread first so the channel's high-water-mark starts at
	// the current tail instead of replaying history as live events.
	if _, err := svc.Messages(r.Context(), order); err != nil {
		h.writeError(w, err)
		return
	}

	updates := make(chan chat.ThreadUpdate, 64)
	svc.Subscribe(order, func(u chat.ThreadUpdate) {
		select {
		case updates <- u:
		default:
		}
	})
	defer svc.Unsubscribe(order)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case u := <-updates:
			payload, err := json.Marshal(map[string]any{
				"message": toMessageOut(u.Message, u.Message.SenderID == svc.User()),
				"unread":  u.Unread,
			})
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (h *httpHandlers) logout(w http.ResponseWriter, r *http.Request) {
	user, err := h.resolver.CurrentUser(r)
	if err != nil {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	h.sessions.End(r.Context(), user)
	w.WriteHeader(http.StatusNoContent)
}

func (h *httpHandlers) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.log.Warn("http.encode_fail", "err", err)
	}
}

func (h *httpHandlers) writeError(w http.ResponseWriter, err error) {
	switch {
	case chat.IsValidation(err):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, chat.ErrClosed):
		http.Error(w, "session closed", http.StatusGone)
	case chat.IsStorage(err):
		h.log.Error("http.storage_fail", "err", err)
		http.Error(w, "storage unavailable", http.StatusServiceUnavailable)
	case chat.IsTransport(err):
		h.log.Error("http.transport_fail", "err", err)
		http.Error(w, "push transport unavailable", http.StatusBadGateway)
	default:
		h.log.Error("http.fail", "err", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
	}
}
