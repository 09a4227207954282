package pipeline

// PhaseDescription is the outward view of one phase and its edges.
type PhaseDescription struct {
	Name     Phase  `json:"name"`
	Label    string `json:"label"`
	Terminal bool   `json:"terminal"`
	Next     []Edge `json:"next"`
}

// RulesDescription is the outward view of a transition table.
type RulesDescription struct {
	Start  Phase              `json:"start"`
	Phases []PhaseDescription `json:"phases"`
}

// DescribeRules renders a rules table for clients and operators.
func DescribeRules(r *Rules) RulesDescription {
	out := RulesDescription{Start: r.Start(), Phases: []PhaseDescription{}}
	for _, p := range r.Phases() {
		next := r.Next(p)
		for i := range next {
			if next[i].Required == nil {
				next[i].Required = []string{}
			}
			if next[i].Optional == nil {
				next[i].Optional = []string{}
			}
		}
		out.Phases = append(out.Phases, PhaseDescription{
			Name:     p,
			Label:    p.Label(),
			Terminal: r.IsTerminal(p),
			Next:     next,
		})
	}
	return out
}

type createSubjectRequest struct {
	Payload  map[string]any `json:"payload"`
	OwnerRef string         `json:"ownerRef"`
	Source   string         `json:"source"`
	Notes    string         `json:"notes"`
}

type transitionRequest struct {
	To            string         `json:"to"`
	Fields        map[string]any `json:"fields"`
	Notes         string         `json:"notes"`
	ExpectedPhase string         `json:"expectedPhase"`
}

type bulkTransitionRequest struct {
	SubjectIDs []string `json:"subjectIds"`
	transitionRequest
}

type rollbackRequest struct {
	Notes string `json:"notes"`
}

type assignRequest struct {
	AssigneeRef *string `json:"assigneeRef"`
	Notes       string  `json:"notes"`
}

type commentRequest struct {
	Notes    string         `json:"notes"`
	Metadata map[string]any `json:"metadata"`
}

// SubjectChange is returned by every history-producing call.
type SubjectChange struct {
	Subject Subject      `json:"subject"`
	Entry   HistoryEntry `json:"entry"`
}

// BulkItem is one subject's outcome in a bulk response.
type BulkItem struct {
	SubjectID string        `json:"subjectId"`
	OK        bool          `json:"ok"`
	Subject   *Subject      `json:"subject,omitempty"`
	Entry     *HistoryEntry `json:"entry,omitempty"`
	Error     *ErrorView    `json:"error,omitempty"`
}

// ErrorView is the wire form of an error inside a bulk response.
type ErrorView struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

type historyResponse struct {
	SubjectID string         `json:"subjectId"`
	Entries   []HistoryEntry `json:"entries"`
}

type listResponse struct {
	Items  []Subject `json:"items"`
	Limit  int       `json:"limit"`
	Offset int       `json:"offset"`
}
