package types

// ActionResponse is returned when a control action was queued
type ActionResponse struct {
	Service string `json:"service"`
	Action  string `json:"action"`
	Status  string `json:"status"`
}

// ErrorResponse is the body of a failed API request
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is returned by the health endpoint
type HealthResponse struct {
	Status    string `json:"status"`
	Version   string `json:"version"`
	Cycles    uint64 `json:"cycles"`
	LastCycle string `json:"last_cycle,omitempty"`
}
