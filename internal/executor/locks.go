package executor

import (
	"fmt"
	"sync"
)

// PortBusyError is returned when a command needs exclusive access to a
// serial port that another live session already holds. Callers surface it
// to the operator instead of queueing: a silently queued flash would look
// like a finished one.
type PortBusyError struct {
	Port   string
	Holder string // session id holding the port
}

func (e *PortBusyError) Error() string {
	return fmt.Sprintf("port %s is busy (session %s)", e.Port, e.Holder)
}

// portLocks is the single point of mutual exclusion in the system: at most
// one session holds a given physical port path at a time.
type portLocks struct {
	mu   sync.Mutex
	held map[string]string // port path → session id
}

func newPortLocks() *portLocks {
	return &portLocks{held: make(map[string]string)}
}

// acquire claims a port for a session. Empty and "auto" ports are not
// lockable: the external tool picks the device itself.
func (p *portLocks) acquire(port, sessionID string) error {
	if port == "" || port == "auto" {
		return nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if holder, busy := p.held[port]; busy {
		return &PortBusyError{Port: port, Holder: holder}
	}
	p.held[port] = sessionID
	return nil
}

// release gives a port back. Only the holding session may release it.
func (p *portLocks) release(port, sessionID string) {
	if port == "" || port == "auto" {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.held[port] == sessionID {
		delete(p.held, port)
	}
}
