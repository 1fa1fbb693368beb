package http

import "github.com/fyrsmithlabs/trainloop/internal/lifecycle"

// HealthResponse is the body of GET /health and GET /ready.
type HealthResponse struct {
	Status string `json:"status"`
	// Checks maps each dependency to "ok" or its error, on /ready only.
	Checks map[string]string `json:"checks,omitempty"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version,omitempty"`
	Services map[string]string `json:"services"`
	Tasks    *lifecycle.Stats  `json:"tasks,omitempty"`
}
