package realtime

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"webuiflasher/internal/catalog"
	"webuiflasher/internal/executor"
	"webuiflasher/internal/protocol"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	pingInterval  = 30 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 10 * time.Second

	// channelRetention bounds how long a disconnected channel's state is
	// kept so a reconnecting tab can replay missed events.
	channelRetention = 5 * time.Minute

	// diagnosticTimeout bounds raw esptool commands; flash sessions are
	// never timed out.
	diagnosticTimeout = 2 * time.Minute
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow localhost origins for dev.
	},
}

// Server is the streaming session broker: it owns one logical channel per
// browser tab, routes inbound commands to the executor, and fans each
// session's events out to its owning channel only.
type Server struct {
	catalog   *catalog.Catalog
	executor  *executor.Manager
	staticDir string

	mu       sync.Mutex
	channels map[string]*channelState

	stop     chan struct{}
	stopOnce sync.Once
}

// channelState survives websocket disconnects so an in-flight flash keeps a
// place to deliver its output when the tab comes back.
type channelState struct {
	id        string
	client    *client           // nil while disconnected
	delivered map[string]uint64 // session id → last delivered seq
	subs      map[string]string // session id → subscription id
	monitors  map[string]*monitor
	lastSeen  time.Time
}

type client struct {
	conn    *websocket.Conn
	send    chan []byte
	server  *Server
	channel *channelState

	// sendMu orders enqueues against the close of send: session fanout
	// goroutines may still be draining events when the websocket drops.
	sendMu     sync.Mutex
	sendClosed bool
}

// New creates a broker over the given catalog and executor.
func New(cat *catalog.Catalog, exec *executor.Manager, staticDir string) *Server {
	s := &Server{
		catalog:   cat,
		executor:  exec,
		staticDir: staticDir,
		channels:  make(map[string]*channelState),
		stop:      make(chan struct{}),
	}
	go s.pruneLoop()
	return s
}

// Shutdown stops background housekeeping and detaches all clients.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() { close(s.stop) })

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.channels {
		if ch.client != nil {
			ch.client.conn.Close()
		}
	}
}

// Handler returns an http.Handler with all routes configured.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws/terminal", s.handleWebSocket)

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/firmware", s.handleListFirmware)
	mux.HandleFunc("GET /api/firmware/{name}", s.handleGetFirmware)
	mux.HandleFunc("GET /api/serial-ports", s.handleListPorts)
	mux.HandleFunc("POST /api/flash", s.handleFlash)
	mux.HandleFunc("POST /api/update-firmware", s.handleUpdateFirmware)

	if s.staticDir != "" {
		mux.Handle("/", http.FileServer(http.Dir(s.staticDir)))
	}

	return corsMiddleware(mux)
}

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// handleWebSocket upgrades a connection and binds it to a channel. A tab
// reconnecting within the retention window passes ?channel=<id> to resume
// and replay what it missed.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("websocket upgrade error: %v", err)
		return
	}

	ch := s.attachChannel(r.URL.Query().Get("channel"))
	c := &client{
		conn:    conn,
		send:    make(chan []byte, 256),
		server:  s,
		channel: ch,
	}

	s.mu.Lock()
	ch.client = c
	s.mu.Unlock()

	c.enqueue(protocol.NewMessage(protocol.TypeInfo, "terminal connected (channel "+ch.id+")"))

	// Resume: replay and re-subscribe every session this channel started.
	for _, sessionID := range s.executor.ChannelSessions(ch.id) {
		s.subscribeChannel(ch, sessionID)
	}

	go c.writePump()
	go c.readPump()
}

// attachChannel resumes an existing disconnected channel or creates a fresh
// one. A channel that already has a live client is not shareable; the new
// tab gets its own.
func (s *Server) attachChannel(requested string) *channelState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if requested != "" {
		if ch, ok := s.channels[requested]; ok && ch.client == nil {
			return ch
		}
	}

	ch := &channelState{
		id:        uuid.New().String(),
		delivered: make(map[string]uint64),
		subs:      make(map[string]string),
		monitors:  make(map[string]*monitor),
	}
	s.channels[ch.id] = ch
	return ch
}

// detachClient cleans up when a websocket drops. Running sessions are NOT
// cancelled: a flash must finish even if the tab closes. Serial monitors
// are stopped; their lifetime is tab-scoped.
func (s *Server) detachClient(c *client) {
	ch := c.channel

	s.mu.Lock()
	if ch.client != c {
		s.mu.Unlock()
		return
	}
	ch.client = nil
	ch.lastSeen = time.Now()
	subs := ch.subs
	ch.subs = make(map[string]string)
	monitors := ch.monitors
	ch.monitors = make(map[string]*monitor)
	s.mu.Unlock()

	for sessionID, subID := range subs {
		s.executor.Unsubscribe(sessionID, subID)
	}
	for _, mon := range monitors {
		mon.stop()
	}

	c.sendMu.Lock()
	c.sendClosed = true
	close(c.send)
	c.sendMu.Unlock()
}

// pruneLoop drops channels that stayed disconnected past the retention
// window and have no live session left.
func (s *Server) pruneLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.prune()
		}
	}
}

func (s *Server) prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, ch := range s.channels {
		if ch.client != nil || time.Since(ch.lastSeen) <= channelRetention {
			continue
		}
		// A flash may legitimately outlast the retention window; its
		// channel stays resumable until the session reaches a terminal
		// state.
		if s.channelBusy(id) {
			continue
		}
		delete(s.channels, id)
	}
}

// channelBusy reports whether any session owned by the channel is still
// running.
func (s *Server) channelBusy(channelID string) bool {
	for _, sessionID := range s.executor.ChannelSessions(channelID) {
		sess, err := s.executor.Get(sessionID)
		if err == nil && !sess.State.Terminal() {
			return true
		}
	}
	return false
}

// readPump reads requests from the websocket connection.
func (c *client) readPump() {
	defer func() {
		c.server.detachClient(c)
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
				log.Printf("websocket read error: %v", err)
			}
			return
		}

		c.server.handleRequest(c, message)
	}
}

// writePump writes messages and keepalive pings to the connection.
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

// enqueue serializes a message onto the client's send buffer, dropping it
// if the buffer is full or the client has already detached.
func (c *client) enqueue(msg protocol.Message) bool {
	data, err := json.Marshal(msg)
	if err != nil {
		return false
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.sendClosed {
		return false
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

// handleRequest dispatches a validated client request.
func (s *Server) handleRequest(c *client, raw []byte) {
	req, err := protocol.ValidateRequest(raw)
	if err != nil {
		c.enqueue(protocol.NewMessage(protocol.TypeError, err.Error()))
		return
	}

	switch req.Type {
	case protocol.TypePing:
		c.enqueue(protocol.NewMessage(protocol.TypePong, "Terminal connection alive"))
	case protocol.TypeFlash:
		s.handleFlashRequest(c, req)
	case protocol.TypeEsptool:
		s.handleEsptoolRequest(c, req)
	case protocol.TypeUpdateFirmware:
		s.startSession(c, executor.UpdateSpec())
	case protocol.TypeMonitor:
		s.startMonitor(c, req)
	case protocol.TypeStopMonitor:
		s.stopMonitor(c, req)
	}
}

// handleFlashRequest validates the firmware against the catalog before any
// port token is touched, then starts a flash session.
func (s *Server) handleFlashRequest(c *client, req *protocol.Request) {
	c.enqueue(protocol.NewMessage(protocol.TypeCommand, "flash firmware: "+req.Firmware))

	fw, ok := s.catalog.Get(req.Firmware)
	if !ok {
		c.enqueue(protocol.NewMessage(protocol.TypeError,
			"Firmware '"+req.Firmware+"' not found in configuration"))
		return
	}
	if !fw.Available {
		c.enqueue(protocol.NewMessage(protocol.TypeError,
			"Firmware binary not found for '"+req.Firmware+"'. Run a firmware update first."))
		return
	}

	port := req.Port
	if port == "" {
		port = "auto"
	}
	s.startSession(c, executor.FlashSpec(req.Firmware, fw.ArtifactPath, port))
}

func (s *Server) handleEsptoolRequest(c *client, req *protocol.Request) {
	args := strings.Fields(req.Command)
	s.startSession(c, executor.EsptoolSpec(args, req.Port, diagnosticTimeout))
}

// startSession creates an executor session owned by this client's channel
// and subscribes the channel to it. A busy port is a synchronous rejection,
// never a queue.
func (s *Server) startSession(c *client, spec executor.Spec) {
	sess, err := s.executor.Start(spec, c.channel.id)
	if err != nil {
		c.enqueue(protocol.NewMessage(protocol.TypeError, err.Error()))
		return
	}
	s.subscribeChannel(c.channel, sess.ID)
}

// subscribeChannel attaches a channel to a session's event stream, replaying
// buffered events past the channel's last delivered sequence number.
func (s *Server) subscribeChannel(ch *channelState, sessionID string) {
	s.mu.Lock()
	if _, exists := ch.subs[sessionID]; exists {
		s.mu.Unlock()
		return
	}
	afterSeq := ch.delivered[sessionID]
	c := ch.client
	s.mu.Unlock()

	if c == nil {
		return
	}

	subID, events, history, err := s.executor.Subscribe(sessionID, afterSeq)
	if err != nil {
		return
	}

	s.mu.Lock()
	ch.subs[sessionID] = subID
	s.mu.Unlock()

	for _, event := range history {
		s.sendEvent(ch, c, event)
	}

	go func() {
		for event := range events {
			s.sendEvent(ch, c, event)
		}
	}()
}

// eventMessageTypes maps executor event kinds to the outbound message
// vocabulary.
var eventMessageTypes = map[executor.EventKind]string{
	executor.EventInfo:     protocol.TypeInfo,
	executor.EventCommand:  protocol.TypeCommand,
	executor.EventOutput:   protocol.TypeOutput,
	executor.EventProgress: protocol.TypeProgress,
	executor.EventPartial:  protocol.TypePartial,
	executor.EventSuccess:  protocol.TypeSuccess,
	executor.EventError:    protocol.TypeError,
	executor.EventWarning:  protocol.TypeWarning,
}

func messageType(kind executor.EventKind) string {
	if t, ok := eventMessageTypes[kind]; ok {
		return t
	}
	return protocol.TypeOutput
}

// sendEvent delivers one session event to a channel's client and records
// it as delivered so reconnect replay never duplicates it. An event that
// does not fit the send buffer stays undelivered; the ring buffer replays
// it on the next reconnect.
func (s *Server) sendEvent(ch *channelState, c *client, event executor.Event) {
	s.mu.Lock()
	if event.Seq <= ch.delivered[event.SessionID] {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()

	if !c.enqueue(protocol.At(messageType(event.Kind), event.Message, event.Timestamp)) {
		return
	}

	s.mu.Lock()
	if event.Seq > ch.delivered[event.SessionID] {
		ch.delivered[event.SessionID] = event.Seq
	}
	s.mu.Unlock()
}
