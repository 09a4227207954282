package pipeline

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Phase is a subject's position in the hiring pipeline.
type Phase string

const (
	PhaseScouting Phase = "scouting"
	PhaseOngoing  Phase = "ongoing"
	PhaseHired    Phase = "hired"
	PhaseReject   Phase = "reject"
)

const (
	StatusActive = "active"
	StatusClosed = "closed"
)

// phaseAliases maps accepted spellings onto the canonical taxonomy. Legacy
// round names carry their name forward as the round label.
var phaseAliases = map[string]struct {
	phase Phase
	label string
}{
	"scouting":     {PhaseScouting, ""},
	"ongoing":      {PhaseOngoing, ""},
	"hired":        {PhaseHired, ""},
	"reject":       {PhaseReject, ""},
	"rejected":     {PhaseReject, ""},
	"recycle":      {PhaseReject, ""},
	"first_round":  {PhaseScouting, ""},
	"second_round": {PhaseOngoing, "second_round"},
	"third_round":  {PhaseOngoing, "third_round"},
}

// ParsePhase resolves a phase name, including legacy aliases, to the canonical
// phase. The second value is the round label implied by a legacy name.
func ParsePhase(raw string) (Phase, string, bool) {
	key := strings.ToLower(strings.TrimSpace(raw))
	key = strings.ReplaceAll(key, "-", "_")
	key = strings.ReplaceAll(key, " ", "_")
	alias, ok := phaseAliases[key]
	if !ok {
		return "", "", false
	}
	return alias.phase, alias.label, true
}

// ResolveTarget parses a requested phase name. A legacy round name fills
// round_label unless the caller supplied one.
func ResolveTarget(raw string, fields map[string]any) (Phase, map[string]any, error) {
	phase, label, ok := ParsePhase(raw)
	if !ok {
		return "", nil, fmt.Errorf("%w: unknown phase %q", ErrInvalidInput, raw)
	}
	out := cloneMap(fields)
	if label != "" && !present(out["round_label"]) {
		out["round_label"] = label
	}
	return phase, out, nil
}

// Label returns a display label such as "Scouting".
func (p Phase) Label() string {
	return cases.Title(language.English).String(strings.ReplaceAll(string(p), "_", " "))
}

func statusFor(p Phase, rules *Rules) string {
	if rules != nil && rules.IsTerminal(p) {
		return StatusClosed
	}
	return StatusActive
}
