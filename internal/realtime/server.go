package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"vampire-server/internal/history"
	"vampire-server/internal/metrics"
	"vampire-server/internal/protocol"
	"vampire-server/internal/session"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second
	sendBufSize   = 256
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS is open on every route.
	},
}

// HistoryLister reads recorded runs.
type HistoryLister interface {
	List(ctx context.Context, sessionID string, limit int) ([]history.Run, error)
}

// Options configures a Server.
type Options struct {
	StaticDir  string
	Executable string
	// History is nil when run history is disabled.
	History HistoryLister
	Logger  *slog.Logger
}

// Server exposes the session manager over HTTP and WebSocket.
type Server struct {
	sessionMgr *session.Manager
	history    HistoryLister
	staticDir  string
	log        *slog.Logger

	// ctx outlives single requests; websocket commands run under it.
	ctx    context.Context
	cancel context.CancelFunc

	clients   map[*client]bool
	clientsMu sync.RWMutex

	// subscriptions tracks which event subscriptions exist per client.
	// key: client, value: map[sessionID]subscriptionID
	subscriptions   map[*client]map[string]string
	subscriptionsMu sync.Mutex

	statusMu sync.RWMutex
	status   protocol.ProverStatusPayload
}

type client struct {
	conn   *websocket.Conn
	send   chan []byte
	server *Server
}

// New creates a new realtime server.
func New(sessionMgr *session.Manager, opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		sessionMgr:    sessionMgr,
		history:       opts.History,
		staticDir:     opts.StaticDir,
		log:           opts.Logger.With("component", "realtime"),
		ctx:           ctx,
		cancel:        cancel,
		clients:       make(map[*client]bool),
		subscriptions: make(map[*client]map[string]string),
		status:        protocol.ProverStatusPayload{Executable: opts.Executable},
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// WebSocket endpoint.
	mux.HandleFunc("/ws", s.handleWebSocket)

	// Single-session routes on the default session.
	mux.HandleFunc("POST /vampire/start", s.handleDefault(session.ModeStart))
	mux.HandleFunc("POST /vampire/startmanualcs", s.handleDefault(session.ModeStartInteractive))
	mux.HandleFunc("POST /vampire/select", s.handleDefault(session.ModeSelect))

	// Session API.
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("GET /sessions", s.handleListSessions)
	mux.HandleFunc("GET /sessions/{id}", s.handleGetSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /sessions/{id}/start", s.handleSession(session.ModeStart))
	mux.HandleFunc("POST /sessions/{id}/start-interactive", s.handleSession(session.ModeStartInteractive))
	mux.HandleFunc("POST /sessions/{id}/select", s.handleSession(session.ModeSelect))
	mux.HandleFunc("POST /sessions/{id}/reset", s.handleResetSession)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /history", s.handleHistory)
	mux.Handle("GET /metrics", promhttp.Handler())

	// Static file serving.
	if s.staticDir != "" {
		fileServer := http.FileServer(http.Dir(s.staticDir))
		mux.Handle("/", fileServer)
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Origin, Accept, Content-Type, X-Requested-With, X-CSRF-Token")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Close stops websocket commands still in flight and disconnects clients.
func (s *Server) Close() {
	s.cancel()

	s.clientsMu.RLock()
	for c := range s.clients {
		c.conn.Close()
	}
	s.clientsMu.RUnlock()
}

// handleWebSocket upgrades an HTTP connection to WebSocket.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade error", "error", err)
		return
	}

	c := &client{
		conn:   conn,
		send:   make(chan []byte, sendBufSize),
		server: s,
	}

	s.clientsMu.Lock()
	s.clients[c] = true
	s.clientsMu.Unlock()
	metrics.ClientConnected()

	s.subscriptionsMu.Lock()
	s.subscriptions[c] = make(map[string]string)
	s.subscriptionsMu.Unlock()

	s.send(c, protocol.TypeProverStatus, s.proverStatus())
	s.sendSessionList(c)

	// New clients follow every existing session; later ones are added by
	// subscribeAllClients.
	for _, snap := range s.sessionMgr.List() {
		s.subscribeClient(c, snap.ID)
	}

	go c.writePump()
	go c.readPump()
}

// sendSessionList sends the current session state to a client.
func (s *Server) sendSessionList(c *client) {
	for _, snap := range s.sessionMgr.List() {
		s.send(c, protocol.TypeSessionUpdate, updatePayload(snap))
	}
}

func updatePayload(snap session.Snapshot) protocol.SessionUpdatePayload {
	return protocol.SessionUpdatePayload{
		ID:        snap.ID,
		State:     snap.State.String(),
		Outcome:   string(snap.Outcome),
		UpdatedAt: snap.UpdatedAt.Format(time.RFC3339Nano),
	}
}

// readPump reads messages from the WebSocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.removeClient(c)
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(readDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(readDeadline))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.server.log.Warn("websocket read error", "error", err)
			}
			return
		}

		c.server.handleMessage(c, message)
	}
}

// writePump writes messages to the WebSocket connection.
func (c *client) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// removeClient cleans up a disconnected client.
func (s *Server) removeClient(c *client) {
	s.clientsMu.Lock()
	delete(s.clients, c)
	s.clientsMu.Unlock()
	metrics.ClientDisconnected()

	// Unsubscribe from all session events.
	s.subscriptionsMu.Lock()
	subs := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.subscriptionsMu.Unlock()

	for sessionID, subID := range subs {
		s.sessionMgr.Unsubscribe(sessionID, subID)
	}

	// send checks membership under clientsMu, so nothing writes to c.send
	// once it is closed.
	s.clientsMu.Lock()
	close(c.send)
	s.clientsMu.Unlock()
}

// handleMessage processes a validated client message. Prover work runs in
// its own goroutine so the read loop keeps answering pings.
func (s *Server) handleMessage(c *client, raw []byte) {
	msg, err := protocol.ValidateClientMessage(raw)
	if err != nil {
		s.sendError(c, protocol.ErrInvalidRequest, err.Error(), "")
		return
	}

	switch msg.Type {
	case protocol.TypeSessionSubscribe:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		if _, err := s.sessionMgr.Get(p.SessionID); err != nil {
			code, _, message := protocol.ErrorFrom(err)
			s.sendError(c, code, message, p.SessionID)
			return
		}
		s.subscribeClient(c, p.SessionID)

	case protocol.TypeSessionReset:
		var p protocol.SessionIDPayload
		json.Unmarshal(msg.Payload, &p)
		snap, err := s.sessionMgr.Reset(p.SessionID)
		s.send(c, protocol.TypeSessionResult, protocol.Respond(p.SessionID, session.Result{State: snap.State}, err))

	case protocol.TypeSessionStart, protocol.TypeSessionStartInteractive:
		var p protocol.SessionStartPayload
		json.Unmarshal(msg.Payload, &p)
		mode := session.ModeStart
		if msg.Type == protocol.TypeSessionStartInteractive {
			mode = session.ModeStartInteractive
		}
		go s.runCommand(c, p.SessionID, func(ctx context.Context) (session.Result, error) {
			return s.run(ctx, p.SessionID, mode, p.StartRequest, protocol.SelectRequest{})
		})

	case protocol.TypeSessionSelect:
		var p protocol.SessionSelectPayload
		json.Unmarshal(msg.Payload, &p)
		go s.runCommand(c, p.SessionID, func(ctx context.Context) (session.Result, error) {
			return s.run(ctx, p.SessionID, session.ModeSelect, protocol.StartRequest{}, p.SelectRequest)
		})
	}
}

func (s *Server) runCommand(c *client, sessionID string, call func(context.Context) (session.Result, error)) {
	res, err := call(s.ctx)
	s.send(c, protocol.TypeSessionResult, protocol.Respond(sessionID, res, err))
}

// broadcastSessionUpdate sends a session update to all connected clients.
func (s *Server) broadcastSessionUpdate(snap session.Snapshot) {
	msg, err := protocol.NewMessage(protocol.TypeSessionUpdate, updatePayload(snap))
	if err != nil {
		return
	}
	s.broadcast(msg)
}

// broadcast sends a message to all connected clients.
func (s *Server) broadcast(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()

	for c := range s.clients {
		select {
		case c.send <- data:
		default:
			// Client buffer full, skip.
		}
	}
}

// subscribeAllClients subscribes all connected clients to a session's events.
func (s *Server) subscribeAllClients(sessionID string) {
	s.clientsMu.RLock()
	clients := make([]*client, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.clientsMu.RUnlock()

	for _, c := range clients {
		s.subscribeClient(c, sessionID)
	}
}

// subscribeClient subscribes a single client to a session's events and
// replays the backlog.
func (s *Server) subscribeClient(c *client, sessionID string) {
	s.subscriptionsMu.Lock()
	subs, connected := s.subscriptions[c]
	if !connected {
		s.subscriptionsMu.Unlock()
		return
	}
	if _, exists := subs[sessionID]; exists {
		s.subscriptionsMu.Unlock()
		return // Already subscribed.
	}
	s.subscriptionsMu.Unlock()

	subID, ch, backlog, err := s.sessionMgr.Subscribe(sessionID)
	if err != nil {
		return
	}

	s.subscriptionsMu.Lock()
	if s.subscriptions[c] == nil {
		// Disconnected meanwhile.
		s.subscriptionsMu.Unlock()
		s.sessionMgr.Unsubscribe(sessionID, subID)
		return
	}
	s.subscriptions[c][sessionID] = subID
	s.subscriptionsMu.Unlock()

	for _, event := range backlog {
		s.sendEvent(c, event)
	}

	go func() {
		for event := range ch {
			s.sendEvent(c, event)
		}
	}()
}

// sendEvent forwards a session event: every event updates the state, result
// events also carry their lines.
func (s *Server) sendEvent(c *client, event session.Event) {
	s.send(c, protocol.TypeSessionUpdate, protocol.SessionUpdatePayload{
		ID:        event.SessionID,
		State:     event.State.String(),
		Outcome:   string(event.Outcome),
		Error:     event.Error,
		UpdatedAt: event.Timestamp.Format(time.RFC3339Nano),
	})
	if event.Type == session.EventResult {
		s.send(c, protocol.TypeSessionLines, protocol.SessionLinesPayload{
			SessionID: event.SessionID,
			Lines:     protocol.Lines(event.Lines),
		})
	}
}

func (s *Server) send(c *client, msgType string, payload interface{}) {
	msg, err := protocol.NewMessage(msgType, payload)
	if err != nil {
		s.log.Error("failed to build message", "type", msgType, "error", err)
		return
	}
	s.deliver(c, msg)
}

func (s *Server) sendError(c *client, code, message, sessionID string) {
	msg, err := protocol.NewErrorMessage(code, message, sessionID)
	if err != nil {
		return
	}
	s.deliver(c, msg)
}

func (s *Server) deliver(c *client, msg *protocol.Message) {
	data, _ := json.Marshal(msg)

	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	if !s.clients[c] {
		return
	}
	select {
	case c.send <- data:
	default:
	}
}

// OnProverStatus records whether the prover can be launched and tells every
// client. It is the watcher callback.
func (s *Server) OnProverStatus(available bool, err error) {
	s.statusMu.Lock()
	s.status.Available = available
	s.status.Error = ""
	if err != nil {
		s.status.Error = err.Error()
	}
	status := s.status
	s.statusMu.Unlock()

	metrics.SetProverAvailable(available)
	if available {
		s.log.Info("prover available", "executable", status.Executable)
	} else {
		s.log.Warn("prover unavailable", "executable", status.Executable, "error", err)
	}

	msg, merr := protocol.NewMessage(protocol.TypeProverStatus, status)
	if merr != nil {
		return
	}
	s.broadcast(msg)
}

func (s *Server) proverStatus() protocol.ProverStatusPayload {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}
