package host

import (
	"regexp"
	"strings"

	"github.com/keithlinneman/linnemanlabs-addons/internal/xerrors"
)

// Mode selects where extension panels are placed.
type Mode int

const (
	// Grouped nests every extension panel under the shared group tab.
	Grouped Mode = iota
	// Standalone gives each extension its own tab named after it.
	Standalone
)

// GroupCategory and GroupParent are the shared tab and container panel used
// in Grouped mode.
const (
	GroupCategory = "Addons"
	GroupParent   = "ADDONS_PT_group"
)

func (m Mode) String() string {
	switch m {
	case Grouped:
		return "grouped"
	case Standalone:
		return "standalone"
	default:
		return "unknown"
	}
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "grouped", "group", "":
		return Grouped, nil
	case "standalone":
		return Standalone, nil
	default:
		return Grouped, xerrors.Newf("unknown placement mode %q (valid: grouped|standalone)", s)
	}
}

// Handle identifies one extension point in the registry.
type Handle string

// Descriptor is the immutable placement of one extension point.
type Descriptor struct {
	ID       string
	Label    string
	Parent   string
	Region   string
	Space    string
	Category string
	Order    int
}

var idPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_]{0,63}$`)

// Validate checks the fields the registry relies on.
func (d Descriptor) Validate() error {
	if !idPattern.MatchString(d.ID) {
		return xerrors.Newf("invalid extension point id %q", d.ID)
	}
	if d.Parent != "" && !idPattern.MatchString(d.Parent) {
		return xerrors.Newf("extension point %s: invalid parent %q", d.ID, d.Parent)
	}
	if d.Parent == d.ID {
		return xerrors.Newf("extension point %s: cannot be its own parent", d.ID)
	}
	return nil
}

// Place returns a copy of d positioned for mode. Panels that nest under
// another extension panel keep their parent; top-level panels move to the
// group container in Grouped mode and to a tab named module in Standalone.
func (d Descriptor) Place(mode Mode, module string) Descriptor {
	out := d
	if out.Region == "" {
		out.Region = "UI"
	}
	topLevel := d.Parent == "" || d.Parent == GroupParent
	switch mode {
	case Standalone:
		out.Category = module
		if topLevel {
			out.Parent = ""
		}
	default:
		out.Category = GroupCategory
		if topLevel {
			out.Parent = GroupParent
		}
	}
	return out
}
