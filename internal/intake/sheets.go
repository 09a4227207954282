package intake

import (
	"context"
	"fmt"
	"os"
	"strings"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"pipeline-backend/internal/pipeline"
)

// RowReader returns the cell values of a sheet range, first row as headers.
type RowReader interface {
	ReadRows(ctx context.Context, spreadsheetID, readRange string) ([][]any, error)
}

// SheetsReader reads rows through the Google Sheets API.
type SheetsReader struct {
	srv *sheets.Service
}

// NewSheetsReader authenticates with a service-account credentials file.
func NewSheetsReader(ctx context.Context, credentialsFile string) (*SheetsReader, error) {
	if strings.TrimSpace(credentialsFile) == "" {
		return nil, fmt.Errorf("GOOGLE_APPLICATION_CREDENTIALS is required")
	}
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	conf, err := google.JWTConfigFromJSON(data, sheets.SpreadsheetsReadonlyScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	srv, err := sheets.NewService(ctx, option.WithHTTPClient(conf.Client(ctx)))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	return &SheetsReader{srv: srv}, nil
}

// ReadRows implements RowReader.
func (r *SheetsReader) ReadRows(ctx context.Context, spreadsheetID, readRange string) ([][]any, error) {
	resp, err := r.srv.Spreadsheets.Values.Get(spreadsheetID, readRange).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read sheet %s!%s: %w", spreadsheetID, readRange, err)
	}
	return resp.Values, nil
}

// RowError reports a sheet row that could not be imported. Row is 1-based
// as shown in the sheet.
type RowError struct {
	Row int    `json:"row"`
	Err string `json:"error"`
}

// ImportResult summarizes one import run.
type ImportResult struct {
	Created []string   `json:"created"`
	Skipped []int      `json:"skippedRows"`
	Failed  []RowError `json:"failed"`
}

// Importer copies sheet rows into the pipeline once, one subject per row.
type Importer struct {
	Rows   RowReader
	Intake *Intake
}

// Import reads the range and submits every non-empty data row. A failing row
// is recorded and the import continues.
func (im *Importer) Import(ctx context.Context, spreadsheetID, readRange string) (ImportResult, error) {
	var res ImportResult
	rows, err := im.Rows.ReadRows(ctx, spreadsheetID, readRange)
	if err != nil {
		return res, err
	}
	if len(rows) == 0 {
		return res, nil
	}

	headers := make([]string, len(rows[0]))
	for i, h := range rows[0] {
		headers[i] = HeaderKey(fmt.Sprint(h))
	}

	for i, row := range rows[1:] {
		sheetRow := i + 2
		payload := rowPayload(headers, row)
		if len(payload) == 0 {
			res.Skipped = append(res.Skipped, sheetRow)
			continue
		}
		payload["sheet_row"] = sheetRow
		subj, err := im.Intake.Submit(ctx, pipeline.SourceGoogleSheet, payload, fmt.Sprintf("Imported from sheet row %d", sheetRow))
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			res.Failed = append(res.Failed, RowError{Row: sheetRow, Err: err.Error()})
			continue
		}
		res.Created = append(res.Created, subj.ID)
	}
	return res, nil
}

// HeaderKey turns a column title such as "Phone Number" into "phone_number".
func HeaderKey(title string) string {
	fields := strings.FieldsFunc(strings.ToLower(strings.TrimSpace(title)), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	return strings.Join(fields, "_")
}

func rowPayload(headers []string, row []any) map[string]any {
	payload := map[string]any{}
	for i, cell := range row {
		if i >= len(headers) || headers[i] == "" {
			continue
		}
		value := strings.TrimSpace(fmt.Sprint(cell))
		if value == "" {
			continue
		}
		payload[headers[i]] = value
	}
	return payload
}
