// Package ports enumerates the serial endpoints an operator can flash over.
package ports

import (
	"log"

	"go.bug.st/serial/enumerator"
)

// NoHardwareID is the sentinel reported for ports that expose no USB
// identity (virtual or onboard UARTs).
const NoHardwareID = "n/a"

// Info describes one serial port. Re-enumerated on every query, never
// cached.
type Info struct {
	Device      string `json:"device"`
	Description string `json:"description"`
	HardwareID  string `json:"hwid"`
}

// List returns the connected serial ports. Enumeration failure is soft: it
// logs a warning and returns an empty list, because callers always have the
// auto-detect fallback.
func List() []Info {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		log.Printf("ports: enumeration failed: %v", err)
		return nil
	}

	out := make([]Info, 0, len(details))
	for _, p := range details {
		info := Info{
			Device:      p.Name,
			Description: p.Product,
			HardwareID:  NoHardwareID,
		}
		if info.Description == "" {
			info.Description = "Unknown device"
		}
		if p.IsUSB {
			info.HardwareID = "USB VID:PID=" + p.VID + ":" + p.PID
			if p.SerialNumber != "" {
				info.HardwareID += " SER=" + p.SerialNumber
			}
		}
		out = append(out, info)
	}
	return out
}
