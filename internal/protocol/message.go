package protocol

import "time"

// Request is a client→server message on the terminal channel. The wire
// shape is flat: the type field selects which of the remaining fields are
// meaningful.
type Request struct {
	Type     string `json:"type"`
	Firmware string `json:"firmware,omitempty"`
	Port     string `json:"port,omitempty"`
	Command  string `json:"command,omitempty"`
	BaudRate int    `json:"baudrate,omitempty"`
}

// Client → Server request types.
const (
	TypeFlash          = "flash"
	TypeEsptool        = "esptool"
	TypeUpdateFirmware = "update_firmware"
	TypePing           = "ping"
	TypeMonitor        = "monitor"
	TypeStopMonitor    = "stop_monitor"
)

// Server → Client message types. All but pong and monitor mirror the
// executor's event kinds.
const (
	TypeInfo       = "info"
	TypeCommand    = "command"
	TypeOutput     = "output"
	TypeProgress   = "progress"
	TypePartial    = "partial"
	TypeSuccess    = "success"
	TypeError      = "error"
	TypeWarning    = "warning"
	TypePong       = "pong"
	TypeMonitorOut = "monitor"
)

// Message is a server→client message: an event kind, a text payload, and
// the emission timestamp.
type Message struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// NewMessage builds a server message stamped with the current time.
func NewMessage(msgType, text string) Message {
	return At(msgType, text, time.Now())
}

// At builds a server message carrying an explicit emission time, used when
// replaying buffered events so the client sees original timestamps.
func At(msgType, text string, ts time.Time) Message {
	return Message{
		Type:      msgType,
		Message:   text,
		Timestamp: ts.UTC().Format(time.RFC3339Nano),
	}
}
