package realtime

import (
	"encoding/json"
	"net/http"
	"sync"

	"webuiflasher/internal/executor"
	"webuiflasher/internal/fetch"
	"webuiflasher/internal/ports"
)

// firmwareDTO is the query-interface shape for one catalog entry.
type firmwareDTO struct {
	Name        string `json:"name"`
	Kind        string `json:"type"`
	Platform    string `json:"platform"`
	Description string `json:"description"`
	Version     string `json:"version"`
	SizeBytes   int64  `json:"size_bytes"`
	Available   bool   `json:"available"`
}

func toDTO(r fetch.Resolved) firmwareDTO {
	return firmwareDTO{
		Name:        r.Name,
		Kind:        string(r.Kind),
		Platform:    r.Platform,
		Description: r.Description,
		Version:     r.Version,
		SizeBytes:   r.SizeBytes,
		Available:   r.Available,
	}
}

type flashRequest struct {
	Firmware string `json:"firmware"`
	Port     string `json:"port"`
}

type flashResponse struct {
	Success  bool   `json:"success"`
	Message  string `json:"message"`
	Firmware string `json:"firmware"`
	Port     string `json:"port,omitempty"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "WebUIFlasher",
	})
}

func (s *Server) handleListFirmware(w http.ResponseWriter, r *http.Request) {
	entries := s.catalog.List()
	out := make([]firmwareDTO, 0, len(entries))
	for _, e := range entries {
		out = append(out, toDTO(e))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetFirmware(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	entry, ok := s.catalog.Get(name)
	if !ok {
		http.Error(w, `{"error":"firmware not found"}`, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, toDTO(entry))
}

func (s *Server) handleListPorts(w http.ResponseWriter, r *http.Request) {
	out := []ports.Info{{
		Device:      "auto",
		Description: "Auto-detect",
		HardwareID:  "Automatic detection",
	}}
	out = append(out, ports.List()...)
	writeJSON(w, http.StatusOK, out)
}

// handleFlash performs a synchronous flash: the session runs to completion
// before the response is written. Live progress belongs to the websocket
// path; this endpoint exists for scripted callers.
func (s *Server) handleFlash(w http.ResponseWriter, r *http.Request) {
	var req flashRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if req.Firmware == "" {
		http.Error(w, `{"error":"firmware is required"}`, http.StatusBadRequest)
		return
	}

	fw, ok := s.catalog.Get(req.Firmware)
	if !ok {
		http.Error(w, `{"error":"firmware not found in configuration"}`, http.StatusNotFound)
		return
	}
	if !fw.Available {
		http.Error(w, `{"error":"firmware binary not found, run a firmware update first"}`, http.StatusNotFound)
		return
	}

	port := req.Port
	if port == "" {
		port = "auto"
	}

	sess, err := s.executor.Start(executor.FlashSpec(req.Firmware, fw.ArtifactPath, port), "rest")
	if err != nil {
		writeJSON(w, http.StatusConflict, flashResponse{
			Success:  false,
			Message:  err.Error(),
			Firmware: req.Firmware,
			Port:     req.Port,
		})
		return
	}

	done, err := s.executor.Wait(sess.ID)
	if err == nil {
		<-done
	}

	final, _ := s.executor.Get(sess.ID)
	if final.State == executor.StateSucceeded {
		writeJSON(w, http.StatusOK, flashResponse{
			Success:  true,
			Message:  "Successfully flashed " + req.Firmware,
			Firmware: req.Firmware,
			Port:     req.Port,
		})
		return
	}
	writeJSON(w, http.StatusInternalServerError, flashResponse{
		Success:  false,
		Message:  "Flash operation failed. Check the device connection and try again.",
		Firmware: req.Firmware,
		Port:     req.Port,
	})
}

// handleUpdateFirmware refreshes every source and reports per-source
// results once all resolutions finish.
func (s *Server) handleUpdateFirmware(w http.ResponseWriter, r *http.Request) {
	var mu sync.Mutex
	var lines []string
	err := s.catalog.RefreshAllWait(r.Context(), func(name string, res fetch.Resolved, rerr error) {
		mu.Lock()
		defer mu.Unlock()
		if rerr != nil {
			lines = append(lines, name+": "+rerr.Error())
			return
		}
		lines = append(lines, name+": "+res.Version)
	})

	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": false,
			"message": "Firmware update finished with errors",
			"output":  lines,
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Firmware update completed successfully",
		"output":  lines,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
