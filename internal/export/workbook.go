package export

import (
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/xuri/excelize/v2"

	"pipeline-backend/internal/pipeline"
)

const (
	subjectsSheet = "Subjects"
	historySheet  = "History"

	// ContentType is the MIME type of a rendered workbook.
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
)

var subjectColumns = []string{
	"Subject ID", "Phase", "Status", "Round", "Round Label", "Source",
	"Owner", "Assignee", "Last Action By", "Last Action At", "Created At", "Updated At",
}

var historyColumns = []string{
	"Subject ID", "Seq", "From", "To", "Action", "Actor", "Notes", "Metadata", "Created At",
}

// WriteWorkbook renders rows as a two-sheet workbook into w.
func WriteWorkbook(w io.Writer, rows []Row, generatedAt time.Time) error {
	f, err := buildWorkbook(rows, generatedAt)
	if err != nil {
		return err
	}
	defer f.Close()

	if err := f.Write(w); err != nil {
		return fmt.Errorf("write workbook: %w", err)
	}
	return nil
}

// SaveWorkbook renders rows to a file, adding the .xlsx extension if missing.
// It returns the path written.
func SaveWorkbook(path string, rows []Row, generatedAt time.Time) (string, error) {
	if !strings.HasSuffix(strings.ToLower(path), ".xlsx") {
		path += ".xlsx"
	}
	path = filepath.Clean(path)

	f, err := buildWorkbook(rows, generatedAt)
	if err != nil {
		return "", err
	}
	defer f.Close()

	if err := f.SaveAs(path); err != nil {
		return "", fmt.Errorf("save workbook: %w", err)
	}
	return path, nil
}

// FileName is the suggested download name for an export made at t.
func FileName(t time.Time) string {
	return "subjects-" + t.UTC().Format("20060102-150405") + ".xlsx"
}

func buildWorkbook(rows []Row, generatedAt time.Time) (*excelize.File, error) {
	f := excelize.NewFile()

	if err := f.SetSheetName("Sheet1", subjectsSheet); err != nil {
		f.Close()
		return nil, err
	}
	if _, err := f.NewSheet(historySheet); err != nil {
		f.Close()
		return nil, err
	}

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Color: "FFFFFF"},
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"4472C4"}, Pattern: 1},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, err
	}

	if err := writeSubjects(f, rows, headerStyle); err != nil {
		f.Close()
		return nil, fmt.Errorf("subjects sheet: %w", err)
	}
	if err := writeHistory(f, rows, headerStyle); err != nil {
		f.Close()
		return nil, fmt.Errorf("history sheet: %w", err)
	}

	if err := f.SetDocProps(&excelize.DocProperties{
		Title:   "Pipeline export",
		Created: generatedAt.UTC().Format(time.RFC3339),
		Creator: "pipeline-backend",
	}); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func writeSubjects(f *excelize.File, rows []Row, headerStyle int) error {
	payloadKeys := collectPayloadKeys(rows)
	header := append([]any{}, toAny(subjectColumns)...)
	for _, k := range payloadKeys {
		header = append(header, "payload."+k)
	}
	if err := writeHeader(f, subjectsSheet, header, headerStyle); err != nil {
		return err
	}

	for i, r := range rows {
		s := r.Subject
		values := []any{
			s.ID,
			string(s.CurrentPhase),
			s.Status,
			s.Round,
			s.RoundLabel,
			s.Source,
			deref(s.OwnerRef),
			deref(s.AssignedToRef),
			deref(s.LastActionByRef),
			formatTimePtr(s.LastActionAt),
			formatTime(s.CreatedAt),
			formatTime(s.UpdatedAt),
		}
		for _, k := range payloadKeys {
			values = append(values, cellValue(s.Payload[k]))
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return err
		}
		if err := f.SetSheetRow(subjectsSheet, cell, &values); err != nil {
			return err
		}
	}
	return freezeHeader(f, subjectsSheet)
}

func writeHistory(f *excelize.File, rows []Row, headerStyle int) error {
	if err := writeHeader(f, historySheet, toAny(historyColumns), headerStyle); err != nil {
		return err
	}

	line := 2
	for _, r := range rows {
		for _, e := range r.History {
			values := []any{
				e.SubjectID,
				e.Seq,
				phaseOrEmpty(e.FromPhase),
				string(e.ToPhase),
				string(e.ActionKind),
				deref(e.ActorRef),
				e.Notes,
				cellValue(e.Metadata),
				formatTime(e.CreatedAt),
			}
			cell, err := excelize.CoordinatesToCellName(1, line)
			if err != nil {
				return err
			}
			if err := f.SetSheetRow(historySheet, cell, &values); err != nil {
				return err
			}
			line++
		}
	}
	return freezeHeader(f, historySheet)
}

func writeHeader(f *excelize.File, sheet string, header []any, style int) error {
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return err
	}
	last, err := excelize.CoordinatesToCellName(len(header), 1)
	if err != nil {
		return err
	}
	if err := f.SetCellStyle(sheet, "A1", last, style); err != nil {
		return err
	}
	lastCol, err := excelize.ColumnNumberToName(len(header))
	if err != nil {
		return err
	}
	return f.SetColWidth(sheet, "A", lastCol, 18)
}

func freezeHeader(f *excelize.File, sheet string) error {
	return f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	})
}

func collectPayloadKeys(rows []Row) []string {
	seen := map[string]struct{}{}
	for _, r := range rows {
		for k := range r.Subject.Payload {
			seen[k] = struct{}{}
		}
	}
	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// cellValue keeps scalars as-is and renders anything nested as compact JSON.
func cellValue(v any) any {
	switch val := v.(type) {
	case nil:
		return ""
	case string, bool, int, int64, float64:
		return val
	case map[string]any:
		if len(val) == 0 {
			return ""
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func phaseOrEmpty(p *pipeline.Phase) string {
	if p == nil {
		return ""
	}
	return string(*p)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return ""
	}
	return formatTime(*t)
}
