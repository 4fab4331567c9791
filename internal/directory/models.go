package directory

import (
	"errors"
	"time"
)

// Destination is a transfer target: a stable key the AI refers to, a
// human-readable name, and the routing address handed to the call-control
// system.
type Destination struct {
	Key         string    `json:"key"`
	DisplayName string    `json:"display_name"`
	TargetURI   string    `json:"target_uri"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

var (
	ErrUnknownDestination = errors.New("unknown destination")
	ErrInvalidArgument    = errors.New("invalid argument")
)

func (d Destination) validate() error {
	if d.Key == "" || d.DisplayName == "" || d.TargetURI == "" {
		return ErrInvalidArgument
	}
	return nil
}
