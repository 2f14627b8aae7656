package pkg

import (
	"errors"
	"io"
	"net/http"
	"sync"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

const maxPublishSize = 1 << 20

// Manager serves the relay over HTTP: websocket sessions, publishing and
// topic inspection.
type Manager struct {
	lock     sync.RWMutex
	broker   *Broker
	sessions map[uuid.UUID]*Session
	upgrader websocket.Upgrader
	limiter  *rate.Limiter
}

// NewManager creates a manager for broker. publishRate is in publishes per
// second; zero or less disables limiting.
func NewManager(broker *Broker, publishRate float64, publishBurst int) *Manager {
	limit := rate.Inf
	if publishRate > 0 {
		limit = rate.Limit(publishRate)
	}
	if publishBurst <= 0 {
		publishBurst = 1
	}

	return &Manager{
		lock:     sync.RWMutex{},
		broker:   broker,
		sessions: make(map[uuid.UUID]*Session),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		limiter: rate.NewLimiter(limit, publishBurst),
	}
}

func (m *Manager) Router() *mux.Router {
	router := mux.NewRouter()
	router.HandleFunc("/api/v1/health", m.HealthHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/topics", m.TopicsHandler).Methods(http.MethodGet)
	router.HandleFunc("/api/v1/publish", m.PublishHandler).Methods(http.MethodPost)
	router.HandleFunc("/api/v1/socket", m.SocketHandler)
	return router
}

func (m *Manager) NewSession(conn *websocket.Conn) *Session {
	m.lock.Lock()
	defer m.lock.Unlock()

	s := &Session{
		lock:    sync.RWMutex{},
		uuid:    uuid.New(),
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		closing: make(chan struct{}),
	}

	m.sessions[s.uuid] = s

	EventServerSessionsGauge.Inc()

	return s
}

func (m *Manager) GetSession(uuid uuid.UUID) *Session {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return m.sessions[uuid]
}

func (m *Manager) SessionCount() int {
	m.lock.RLock()
	defer m.lock.RUnlock()
	return len(m.sessions)
}

// DeleteSession removes the session and detaches its subscription without
// draining it.
func (m *Manager) DeleteSession(session *Session) {
	m.lock.Lock()
	_, ok := m.sessions[session.uuid]
	delete(m.sessions, session.uuid)
	m.lock.Unlock()

	if !ok {
		return
	}

	// Nobody is left to read what is still buffered, so it is discarded
	// before the session stops accepting frames.
	if subscription := session.Subscription(); subscription != nil {
		err := m.broker.Detach(subscription)
		if err != nil && !errors.Is(err, ErrShutdown) {
			log.WithField("session", session.uuid).
				Warn("Failed to unsubscribe session: ", err)
		}
	}

	session.close()

	EventServerSessionsGauge.Dec()
}

// Close ends every live session. Sessions flush what is already queued for
// them before the close frame goes out.
func (m *Manager) Close() {
	m.lock.RLock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, session := range m.sessions {
		sessions = append(sessions, session)
	}
	m.lock.RUnlock()

	for _, session := range sessions {
		session.close()
	}
}

func (m *Manager) HealthHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
}

func (m *Manager) TopicsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, m.broker.Topics())
}

type PublishResponse struct {
	Topic  string `json:"topic"`
	Queues int    `json:"queues"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (m *Manager) PublishHandler(w http.ResponseWriter, r *http.Request) {
	topic := r.URL.Query().Get("topic")

	if !m.limiter.Allow() {
		writeJSON(w, http.StatusTooManyRequests,
			errorResponse{Error: "publish rate exceeded"})
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPublishSize))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge,
			errorResponse{Error: err.Error()})
		return
	}

	queues, err := m.broker.Publish(topic, payload)
	if err != nil {
		writeJSON(w, publishStatus(err), errorResponse{Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, PublishResponse{Topic: topic, Queues: queues})
}

func publishStatus(err error) int {
	switch {
	case errors.Is(err, ErrEmptyTopic):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownTopic):
		return http.StatusNotFound
	case errors.Is(err, ErrShutdown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (m *Manager) SocketHandler(w http.ResponseWriter, r *http.Request) {
	// Set the response headers
	w.Header().Set("Cache-Control", "no-cache")

	topic := r.URL.Query().Get("topic")
	if topic == "" {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: ErrEmptyTopic.Error()})
		return
	}

	// Upgrade the connection to a websocket connection
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error("Failed to upgrade connection: ", err)
		return
	}

	defer conn.Close()

	// Register our new session
	session := m.NewSession(conn)

	defer m.DeleteSession(session)

	subscriber := r.URL.Query().Get("subscriber")
	if subscriber == "" {
		subscriber = session.uuid.String()
	}

	logFields := log.Fields{
		"session":    session.uuid,
		"topic":      topic,
		"subscriber": subscriber,
	}

	session.reply(encodeReply(SessionEventResponse, map[string]interface{}{
		"data":  "Connected",
		"count": 0,
	}))

	// One subscription per connection, for the connection's lifetime
	subscription, err := m.broker.Subscribe(topic, subscriber, session.deliver)
	if err != nil {
		log.WithFields(logFields).Warn("Failed to subscribe session: ", err)
		session.reply(encodeReply(SessionEventError,
			errorResponse{Error: err.Error()}))
		session.close()
		session.write()
		return
	}
	session.setSubscription(subscription)

	// Log that we have a new session
	log.WithFields(logFields).Info("New session")

	// Start reading messages from the connection
	go session.read()

	// Write messages to the connection
	session.write()

	// Log that we have a closed session
	log.WithFields(logFields).Info("Closed session")
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Error("Failed to encode response: ", err)
	}
}
