package executor

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

const (
	defaultRingBufCapacity  = 1000
	defaultSubscriberBufCap = 100
	defaultGracefulTimeout  = 5 * time.Second
	defaultRetention        = 2 * time.Minute
	defaultBaudRate         = 921600
)

// SpecKind identifies what a session runs.
type SpecKind string

const (
	SpecFlash   SpecKind = "flash"
	SpecEsptool SpecKind = "esptool"
	SpecUpdate  SpecKind = "update"
)

// Spec describes one command to execute.
type Spec struct {
	Kind     SpecKind
	Target   string   // firmware name (flash) or command label
	Artifact string   // resolved firmware image path (flash)
	Port     string   // serial port path, "" or "auto" for tool auto-detect
	Args     []string // raw tool arguments (esptool)
	Baud     int      // flash baud rate, 0 for the default

	// Timeout bounds diagnostic commands; on expiry the session is
	// cancelled. Zero means unbounded (a flash may legitimately take
	// minutes).
	Timeout time.Duration
}

// FlashSpec describes flashing a resolved firmware image to a port.
func FlashSpec(name, artifact, port string) Spec {
	return Spec{Kind: SpecFlash, Target: name, Artifact: artifact, Port: port}
}

// EsptoolSpec describes a raw diagnostic tool invocation.
func EsptoolSpec(args []string, port string, timeout time.Duration) Spec {
	return Spec{Kind: SpecEsptool, Target: "esptool", Args: args, Port: port, Timeout: timeout}
}

// UpdateSpec describes a refresh of every firmware source.
func UpdateSpec() Spec {
	return Spec{Kind: SpecUpdate, Target: "update_firmware"}
}

// UpdateFunc runs the in-process firmware refresh for update sessions,
// reporting per-source progress through report.
type UpdateFunc func(ctx context.Context, report func(kind EventKind, message string)) error

// Manager supervises command sessions: spawning the external device tool,
// classifying its output into events, and enforcing single-writer access to
// serial ports.
type Manager struct {
	esptool   []string
	update    UpdateFunc
	retention time.Duration

	mu       sync.RWMutex
	sessions map[string]*managedSession
	ports    *portLocks
}

type managedSession struct {
	session *Session
	spec    Spec

	cmd       *exec.Cmd
	cancelFn  context.CancelFunc
	cancelled atomic.Bool
	seq       atomic.Uint64
	terminal  sync.Once
	done      chan struct{}
	pumped    chan struct{} // closed once the output stream is drained
	timeout   *time.Timer

	ring        *RingBuffer
	subMu       sync.RWMutex
	subscribers map[string]chan Event
}

// NewManager creates a session manager. esptool is the command prefix used
// to invoke the device tool (for example ["python", "-m", "esptool"]);
// update runs update-all sessions and may be nil if unsupported.
func NewManager(esptool []string, update UpdateFunc) *Manager {
	if len(esptool) == 0 {
		esptool = []string{"python", "-m", "esptool"}
	}
	return &Manager{
		esptool:   esptool,
		update:    update,
		retention: defaultRetention,
		sessions:  make(map[string]*managedSession),
		ports:     newPortLocks(),
	}
}

// Start creates a session for spec, bound to the given streaming channel.
// It returns PortBusyError without creating a session when the requested
// port is held by another live session.
func (m *Manager) Start(spec Spec, channelID string) (*Session, error) {
	id := uuid.New().String()

	if err := m.ports.acquire(spec.Port, id); err != nil {
		return nil, err
	}

	sess := &Session{
		ID:        id,
		ChannelID: channelID,
		Target:    spec.Target,
		Port:      spec.Port,
		State:     StateStarting,
		CreatedAt: time.Now().UTC(),
	}
	ms := &managedSession{
		session:     sess,
		spec:        spec,
		done:        make(chan struct{}),
		ring:        NewRingBuffer(defaultRingBufCapacity),
		subscribers: make(map[string]chan Event),
	}

	m.mu.Lock()
	m.sessions[id] = ms
	m.mu.Unlock()

	var err error
	if spec.Kind == SpecUpdate {
		err = m.startUpdate(ms)
	} else {
		err = m.startProcess(ms)
	}
	if err != nil {
		m.ports.release(spec.Port, id)
		m.mu.Lock()
		delete(m.sessions, id)
		m.mu.Unlock()
		return nil, err
	}

	if spec.Timeout > 0 {
		ms.timeout = time.AfterFunc(spec.Timeout, func() {
			m.Cancel(id)
		})
	}

	return sess, nil
}

// startProcess spawns the external tool and wires its output into events.
func (m *Manager) startProcess(ms *managedSession) error {
	argv, err := m.argv(ms.spec)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	if ms.spec.Kind == SpecEsptool && ms.spec.Port != "" && ms.spec.Port != "auto" {
		// Diagnostic commands name the port themselves only if the
		// operator typed it; otherwise inject the locked one.
		if !contains(ms.spec.Args, "--port") && !contains(ms.spec.Args, "-p") {
			cmd = exec.CommandContext(ctx, argv[0], append([]string{"--port", ms.spec.Port}, argv[1:]...)...)
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("create stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout

	m.emit(ms, EventCommand, "Executing: "+strings.Join(cmd.Args, " "))

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", argv[0], err)
	}

	ms.cmd = cmd
	ms.cancelFn = cancel
	ms.pumped = make(chan struct{})
	m.setState(ms, StateRunning)

	go m.pumpOutput(ms, stdout)
	go m.waitForExit(ms)
	return nil
}

// startUpdate runs an update-all refresh inside the session without a child
// process: the resolver reports through the same event stream.
func (m *Manager) startUpdate(ms *managedSession) error {
	if m.update == nil {
		return fmt.Errorf("firmware updates are not configured")
	}

	ctx, cancel := context.WithCancel(context.Background())
	ms.cancelFn = cancel
	m.emit(ms, EventCommand, "Updating all firmware sources")
	m.setState(ms, StateRunning)

	go func() {
		err := m.update(ctx, func(kind EventKind, message string) {
			m.emit(ms, kind, message)
		})

		switch {
		case ms.cancelled.Load():
			m.finish(ms, StateCancelled, EventError, "Firmware update cancelled")
		case err != nil:
			m.finish(ms, StateFailed, EventError, fmt.Sprintf("Firmware update failed: %v", err))
		default:
			m.finish(ms, StateSucceeded, EventSuccess, "Firmware update completed successfully")
		}
	}()
	return nil
}

// argv builds the tool invocation for a spec.
func (m *Manager) argv(spec Spec) ([]string, error) {
	switch spec.Kind {
	case SpecFlash:
		if spec.Artifact == "" {
			return nil, fmt.Errorf("flash spec has no artifact path")
		}
		baud := spec.Baud
		if baud == 0 {
			baud = defaultBaudRate
		}
		argv := append([]string{}, m.esptool...)
		if spec.Port != "" && spec.Port != "auto" {
			argv = append(argv, "--port", spec.Port)
		}
		argv = append(argv, "--baud", strconv.Itoa(baud), "write-flash", "0x0", spec.Artifact)
		return argv, nil

	case SpecEsptool:
		if len(spec.Args) == 0 {
			return nil, fmt.Errorf("esptool spec has no arguments")
		}
		return append(append([]string{}, m.esptool...), spec.Args...), nil

	default:
		return nil, fmt.Errorf("spec kind %q has no command line", spec.Kind)
	}
}

// pumpOutput converts the process output stream into classified events. It
// signals pumped once the stream is fully drained.
func (m *Manager) pumpOutput(ms *managedSession, r interface{ Read([]byte) (int, error) }) {
	defer close(ms.pumped)

	err := streamLines(r, func(text string, kind lineKind) {
		switch kind {
		case linePartial:
			m.emit(ms, EventPartial, text)
		case lineOverwrite:
			m.emit(ms, EventProgress, text)
		default:
			m.emit(ms, Classify(text), text)
		}
	})
	if err != nil {
		log.Printf("session %s: output stream: %v", ms.session.ID, err)
	}
}

// waitForExit reaps the process and emits the terminal event. Wait closes
// the stdout pipe, so the drain must complete first or tail output is
// truncated.
func (m *Manager) waitForExit(ms *managedSession) {
	<-ms.pumped
	err := ms.cmd.Wait()

	exitCode := 0
	if err != nil {
		exitCode = -1
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		}
	}

	switch {
	case ms.cancelled.Load():
		m.finish(ms, StateCancelled, EventError, "Command cancelled")
	case exitCode == 0:
		m.finish(ms, StateSucceeded, EventSuccess, successMessage(ms.spec))
	default:
		m.finish(ms, StateFailed, EventError, fmt.Sprintf("Command failed with code %d", exitCode))
	}
}

func successMessage(spec Spec) string {
	if spec.Kind == SpecFlash {
		return spec.Target + " flashed successfully"
	}
	return "Command completed successfully"
}

// emit records and fans out a non-terminal event. After cancellation no
// further output reaches subscribers; only the terminal event does.
func (m *Manager) emit(ms *managedSession, kind EventKind, message string) {
	if ms.cancelled.Load() {
		return
	}
	m.deliver(ms, kind, message)
}

// finish transitions a session to its terminal state and emits the terminal
// event exactly once. The session is retired after the replay grace period.
func (m *Manager) finish(ms *managedSession, state State, kind EventKind, message string) {
	ms.terminal.Do(func() {
		m.ports.release(ms.session.Port, ms.session.ID)
		if ms.timeout != nil {
			ms.timeout.Stop()
		}

		m.setState(ms, state)
		m.deliver(ms, kind, message)
		close(ms.done)

		time.AfterFunc(m.retention, func() {
			m.remove(ms.session.ID)
		})
	})
}

// deliver assigns the next sequence number, buffers the event for replay,
// and fans it out to subscribers.
func (m *Manager) deliver(ms *managedSession, kind EventKind, message string) {
	event := Event{
		SessionID: ms.session.ID,
		Seq:       ms.seq.Add(1),
		Kind:      kind,
		Message:   message,
		Timestamp: time.Now().UTC(),
	}
	ms.ring.Write(event)

	ms.subMu.RLock()
	defer ms.subMu.RUnlock()
	for _, ch := range ms.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber channel full, drop the event.
		}
	}
}

func (m *Manager) setState(ms *managedSession, state State) {
	m.mu.Lock()
	ms.session.State = state
	m.mu.Unlock()
}

// Cancel requests termination of a session. The process gets an interrupt
// first; if it ignores that within the grace window it is killed.
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	ms, ok := m.sessions[id]
	terminal := ok && ms.session.State.Terminal()
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("session not found: %s", id)
	}
	if terminal {
		return nil
	}

	ms.cancelled.Store(true)

	if ms.cmd != nil && ms.cmd.Process != nil {
		ms.cmd.Process.Signal(os.Interrupt)
		go func() {
			select {
			case <-ms.done:
			case <-time.After(defaultGracefulTimeout):
				ms.cancelFn()
			}
		}()
		return nil
	}

	if ms.cancelFn != nil {
		ms.cancelFn()
	}
	return nil
}

// Get returns a snapshot of a session's metadata.
func (m *Manager) Get(id string) (Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.sessions[id]
	if !ok {
		return Session{}, fmt.Errorf("session not found: %s", id)
	}
	return *ms.session, nil
}

// List returns all live sessions, including recently finished ones still
// inside their replay window.
func (m *Manager) List() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.sessions))
	for _, ms := range m.sessions {
		out = append(out, *ms.session)
	}
	return out
}

// ChannelSessions returns the ids of sessions owned by a streaming channel.
func (m *Manager) ChannelSessions(channelID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for id, ms := range m.sessions {
		if ms.session.ChannelID == channelID {
			out = append(out, id)
		}
	}
	return out
}

// Wait returns a channel closed when the session reaches a terminal state.
func (m *Manager) Wait(id string) (<-chan struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ms, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("session not found: %s", id)
	}
	return ms.done, nil
}

// Subscribe attaches a consumer to a session's event stream. Buffered
// events with a sequence number greater than afterSeq are returned for
// replay; later events arrive on the channel.
func (m *Manager) Subscribe(id string, afterSeq uint64) (string, <-chan Event, []Event, error) {
	m.mu.RLock()
	ms, ok := m.sessions[id]
	m.mu.RUnlock()

	if !ok {
		return "", nil, nil, fmt.Errorf("session not found: %s", id)
	}

	subID := uuid.New().String()
	ch := make(chan Event, defaultSubscriberBufCap)

	// Register before snapshotting, under the lock fanout takes: an event
	// in flight lands in the history, the channel, or both, never in
	// neither. Consumers drop the overlap by sequence number.
	ms.subMu.Lock()
	ms.subscribers[subID] = ch
	history := ms.ring.ReadSince(afterSeq)
	ms.subMu.Unlock()

	return subID, ch, history, nil
}

// Unsubscribe detaches a consumer from a session.
func (m *Manager) Unsubscribe(sessionID, subID string) {
	m.mu.RLock()
	ms, ok := m.sessions[sessionID]
	m.mu.RUnlock()

	if !ok {
		return
	}

	ms.subMu.Lock()
	if ch, exists := ms.subscribers[subID]; exists {
		close(ch)
		delete(ms.subscribers, subID)
	}
	ms.subMu.Unlock()
}

// remove drops a retired session and closes its subscriber channels.
func (m *Manager) remove(id string) {
	m.mu.Lock()
	ms, ok := m.sessions[id]
	if ok {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}

	ms.subMu.Lock()
	for subID, ch := range ms.subscribers {
		close(ch)
		delete(ms.subscribers, subID)
	}
	ms.subMu.Unlock()
}

// Shutdown cancels all live sessions and waits out the grace window.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id, ms := range m.sessions {
		if !ms.session.State.Terminal() {
			ids = append(ids, id)
		}
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.Cancel(id)
	}
	if len(ids) > 0 {
		time.Sleep(defaultGracefulTimeout)
	}
}

func contains(args []string, flag string) bool {
	for _, a := range args {
		if a == flag {
			return true
		}
	}
	return false
}
