package registry

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/R3E-Network/module_host/internal/module"
)

// Status represents the load status of a module record.
type Status int32

const (
	// StatusLoaded indicates the module is fully installed and serving.
	StatusLoaded Status = iota + 1

	// StatusFailed indicates the last admission attempt failed for a
	// transient reason and will be retried.
	StatusFailed

	// StatusBlocklisted indicates the module version is permanently
	// ineligible in this process.
	StatusBlocklisted
)

// String returns the string representation of the status.
func (s Status) String() string {
	switch s {
	case StatusLoaded:
		return "loaded"
	case StatusFailed:
		return "failed"
	case StatusBlocklisted:
		return "blocklisted"
	default:
		return fmt.Sprintf("status(%d)", s)
	}
}

// MarshalJSON implements json.Marshaler.
func (s Status) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Record is a registry entry.
type Record struct {
	Name     string        `json:"name"`
	Version  string        `json:"version"`
	LoadedAt time.Time     `json:"loadedAt"`
	Status   Status        `json:"status"`
	Module   module.Module `json:"-"`
}

// Identity returns "name@version".
func (r Record) Identity() string {
	return r.Name + "@" + r.Version
}
