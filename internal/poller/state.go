package poller

import (
	"fmt"
	"time"

	"github.com/R3E-Network/module_host/internal/registry"
)

// State is the poller lifecycle state.
type State int32

const (
	Idle State = iota
	Fetching
	Diffing
	Reconciling
	Stopped
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Fetching:
		return "fetching"
	case Diffing:
		return "diffing"
	case Reconciling:
		return "reconciling"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Blocklist reasons.
const (
	ReasonIntegrity      = "integrity"
	ReasonMissingVariant = "missing-variant"
	ReasonLoadHook       = "load-hook"
	ReasonConfig         = "config"
)

// IntegrityError reports a payload whose digest matches none of the
// manifest's integrity tokens.
type IntegrityError struct {
	Name     string
	Version  string
	Variant  string
	Expected string
	Digest   string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity mismatch for %s@%s (%s): got %s, want %q",
		e.Name, e.Version, e.Variant, e.Digest, e.Expected)
}

// Failure is a module version whose payload could not be fetched. It is
// retried on the next tick and never blocklisted.
type Failure struct {
	Name    string          `json:"name"`
	Version string          `json:"version"`
	Variant string          `json:"variant"`
	Status  registry.Status `json:"status"`
	Error   string          `json:"error"`
	At      time.Time       `json:"at"`
}

// Report summarizes one tick. Module lists hold name@version identities,
// except Removed which holds names.
type Report struct {
	Key         string
	Fetched     bool
	Err         error
	Added       []string
	Changed     []string
	Removed     []string
	Installed   []string
	Skipped     []string
	Deferred    []string
	Blocklisted []string
	Failed      []string
}

// Writes returns the number of registry writes the tick made.
func (r Report) Writes() int {
	return len(r.Installed) + len(r.Removed)
}
