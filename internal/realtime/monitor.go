package realtime

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"webuiflasher/internal/executor"
	"webuiflasher/internal/protocol"

	"go.bug.st/serial"
)

const defaultMonitorBaud = 115200

// monitor reads raw lines from an open serial port and forwards them to one
// channel's client. Monitors are tab-scoped: they stop when the websocket
// drops, unlike command sessions.
type monitor struct {
	port     string
	serial   serial.Port
	stopOnce sync.Once
	stopped  chan struct{}
}

func (m *monitor) stop() {
	m.stopOnce.Do(func() {
		close(m.stopped)
		m.serial.Close()
	})
}

// startMonitor opens the port and begins streaming its output.
func (s *Server) startMonitor(c *client, req *protocol.Request) {
	baud := req.BaudRate
	if baud == 0 {
		baud = defaultMonitorBaud
	}

	s.mu.Lock()
	if _, busy := c.channel.monitors[req.Port]; busy {
		s.mu.Unlock()
		c.enqueue(protocol.NewMessage(protocol.TypeError, "Already monitoring port "+req.Port))
		return
	}
	s.mu.Unlock()

	c.enqueue(protocol.NewMessage(protocol.TypeCommand,
		fmt.Sprintf("Starting serial monitor on %s at %d baud", req.Port, baud)))

	port, err := serial.Open(req.Port, &serial.Mode{BaudRate: baud})
	if err != nil {
		c.enqueue(protocol.NewMessage(protocol.TypeError,
			fmt.Sprintf("Could not open serial port %s: %v", req.Port, err)))
		return
	}
	port.SetReadTimeout(100 * time.Millisecond)

	mon := &monitor{
		port:    req.Port,
		serial:  port,
		stopped: make(chan struct{}),
	}

	s.mu.Lock()
	c.channel.monitors[req.Port] = mon
	s.mu.Unlock()

	c.enqueue(protocol.NewMessage(protocol.TypeSuccess,
		fmt.Sprintf("Connected to %s at %d baud", req.Port, baud)))

	go s.monitorLoop(c, mon)
}

// stopMonitor ends monitoring for one port on this channel.
func (s *Server) stopMonitor(c *client, req *protocol.Request) {
	s.mu.Lock()
	mon, ok := c.channel.monitors[req.Port]
	if ok {
		delete(c.channel.monitors, req.Port)
	}
	s.mu.Unlock()

	if !ok {
		c.enqueue(protocol.NewMessage(protocol.TypeError, "No monitor running for port "+req.Port))
		return
	}

	mon.stop()
	c.enqueue(protocol.NewMessage(protocol.TypeInfo, "Serial monitor stopped for "+req.Port))
}

// monitorLoop reads the port until stopped, splitting on newlines and
// carriage returns. Undecodable bytes are passed through; the payload is
// whatever the device prints.
func (s *Server) monitorLoop(c *client, mon *monitor) {
	var buffer string
	chunk := make([]byte, 256)

	for {
		select {
		case <-mon.stopped:
			return
		default:
		}

		n, err := mon.serial.Read(chunk)
		if err != nil {
			select {
			case <-mon.stopped:
			default:
				c.enqueue(protocol.NewMessage(protocol.TypeError,
					fmt.Sprintf("Serial error on %s: %v", mon.port, err)))
				s.mu.Lock()
				delete(c.channel.monitors, mon.port)
				s.mu.Unlock()
				mon.stop()
			}
			return
		}
		if n == 0 {
			continue // read timeout, check for stop
		}

		buffer += string(chunk[:n])
		for strings.ContainsAny(buffer, "\n\r") {
			i := strings.IndexAny(buffer, "\n\r")
			line := strings.TrimSpace(executor.StripANSI(buffer[:i]))
			buffer = buffer[i+1:]
			if line != "" {
				c.enqueue(protocol.NewMessage(protocol.TypeMonitorOut, line))
			}
		}
	}
}
