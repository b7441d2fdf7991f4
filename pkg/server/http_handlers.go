package server

import (
	"encoding/json"
	"net/http"
	"time"
)

// HealthHandler serves health check status
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":         "healthy",
		"uptime_seconds": int64(s.now().Sub(s.startTime) / time.Second),
	}

	health["active_users"] = s.sessions.CountOnline()
	health["connections"] = s.sessions.CountConnections()
	health["groups"] = s.groups.Count()
	health["max_invalid_attempts"] = s.config.MaxInvalidAttempts

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(health); err != nil {
		errorLog.Printf("Error encoding health JSON: %v", err)
	}
}
