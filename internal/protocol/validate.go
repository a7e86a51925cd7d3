package protocol

import (
	"encoding/json"
	"fmt"
)

// validRequestTypes is the set of allowed client→server request types.
var validRequestTypes = map[string]bool{
	TypeFlash:          true,
	TypeEsptool:        true,
	TypeUpdateFirmware: true,
	TypePing:           true,
	TypeMonitor:        true,
	TypeStopMonitor:    true,
}

// ValidateRequest validates a raw JSON request from a client and returns
// the parsed Request.
func ValidateRequest(raw []byte) (*Request, error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	if req.Type == "" {
		return nil, fmt.Errorf("missing 'type' field")
	}
	if !validRequestTypes[req.Type] {
		return nil, fmt.Errorf("unknown command type: %s", req.Type)
	}

	switch req.Type {
	case TypeFlash:
		if req.Firmware == "" {
			return nil, fmt.Errorf("missing required field 'firmware' in %s request", req.Type)
		}
	case TypeEsptool:
		if req.Command == "" {
			return nil, fmt.Errorf("missing required field 'command' in %s request", req.Type)
		}
	case TypeMonitor, TypeStopMonitor:
		if req.Port == "" || req.Port == "auto" {
			return nil, fmt.Errorf("%s request requires a specific serial port", req.Type)
		}
	}

	return &req, nil
}
