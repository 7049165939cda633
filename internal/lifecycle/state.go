package lifecycle

import (
	"time"

	"github.com/dop251/goja"

	"github.com/keithlinneman/linnemanlabs-addons/internal/host"
)

// State of one named module.
type State int

const (
	Unloaded State = iota
	Loading
	Active
	Unloading
)

func (s State) String() string {
	switch s {
	case Unloaded:
		return "unloaded"
	case Loading:
		return "loading"
	case Active:
		return "active"
	case Unloading:
		return "unloading"
	default:
		return "unknown"
	}
}

// Outcome of a Load call.
type Outcome int

const (
	Loaded Outcome = iota
	Replaced
	Unchanged
)

func (o Outcome) String() string {
	switch o {
	case Loaded:
		return "loaded"
	case Replaced:
		return "replaced"
	case Unchanged:
		return "unchanged"
	default:
		return "unknown"
	}
}

// module is the manager's record of one loaded extension. It owns the
// registrations of its points and the runtime holding its hooks.
type module struct {
	name     string
	state    State
	hash     string
	points   []host.Handle
	loadedAt time.Time
	rt       *goja.Runtime
}

// Summary is a read-only view of a module for listings.
type Summary struct {
	Name     string    `json:"name"`
	State    string    `json:"state"`
	Hash     string    `json:"hash"`
	Points   []string  `json:"points"`
	LoadedAt time.Time `json:"loaded_at"`
}

func (m *module) summary() Summary {
	pts := make([]string, len(m.points))
	for i, p := range m.points {
		pts[i] = string(p)
	}
	return Summary{
		Name:     m.name,
		State:    m.state.String(),
		Hash:     m.hash,
		Points:   pts,
		LoadedAt: m.loadedAt,
	}
}
