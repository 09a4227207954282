package health

import (
	"context"
	"time"
)

const pingTimeout = 2 * time.Second

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Service encapsulates health-related checks.
type Service struct {
	DB Pinger
}

// NewService constructs a new health service. A nil db means the in-memory
// store is in use.
func NewService(db Pinger) *Service {
	return &Service{DB: db}
}

// Report is the health payload.
type Report struct {
	OK       bool   `json:"ok"`
	Database string `json:"database"`
	Error    string `json:"error,omitempty"`
}

// Status pings the database, if any, and reports the result.
func (s *Service) Status(ctx context.Context) Report {
	if s == nil || s.DB == nil {
		return Report{OK: true, Database: "memory"}
	}
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := s.DB.PingContext(ctx); err != nil {
		return Report{OK: false, Database: "down", Error: err.Error()}
	}
	return Report{OK: true, Database: "up"}
}
