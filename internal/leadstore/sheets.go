// Package leadstore: Google Sheets implementation.
package leadstore

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"github.com/dialworks/powerdial/internal/models"
	"github.com/dialworks/powerdial/internal/util"
)

// Compile-time check that SheetsStore implements Store.
var _ Store = (*SheetsStore)(nil)

// SheetsStore reads and writes leads through the Google Sheets API.
type SheetsStore struct {
	svc                 *sheets.Service
	routerSpreadsheetID string
	retry               util.RetryOptions
	skippedColor        string
}

// SheetsOpts configures a SheetsStore.
type SheetsOpts struct {
	// CredentialsB64 is the base64-encoded service account JSON.
	CredentialsB64      string
	RouterSpreadsheetID string
	Retry               util.RetryOptions
	SkippedColor        string
}

// NewSheetsStore creates a Sheets-backed lead store.
func NewSheetsStore(ctx context.Context, opts SheetsOpts) (*SheetsStore, error) {
	creds, err := base64.StdEncoding.DecodeString(opts.CredentialsB64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode service account credentials: %w", err)
	}

	svc, err := sheets.NewService(ctx, option.WithCredentialsJSON(creds),
		option.WithScopes(sheets.SpreadsheetsScope))
	if err != nil {
		return nil, fmt.Errorf("failed to create sheets service: %w", err)
	}

	if opts.SkippedColor == "" {
		opts.SkippedColor = "#8E7CC3"
	}

	return &SheetsStore{
		svc:                 svc,
		routerSpreadsheetID: opts.RouterSpreadsheetID,
		retry:               opts.Retry,
		skippedColor:        opts.SkippedColor,
	}, nil
}

func (s *SheetsStore) ValidateSchema(ctx context.Context, spreadsheetID, sheetName string) (bool, error) {
	var resp *sheets.ValueRange
	err := util.Retry(ctx, s.retry, func(ctx context.Context) error {
		var err error
		resp, err = s.svc.Spreadsheets.Values.Get(spreadsheetID, sheetName+"!1:1").Context(ctx).Do()
		return err
	})
	if err != nil {
		slog.Error("SheetsStore.ValidateSchema: header read failed", "error", err, "spreadsheetID", spreadsheetID, "sheetName", sheetName)
		return false, fmt.Errorf("failed to read sheet headers: %w", err)
	}

	var headers []string
	if len(resp.Values) > 0 {
		for _, v := range resp.Values[0] {
			if str, ok := v.(string); ok {
				headers = append(headers, str)
			}
		}
	}

	present := make(map[string]bool, len(headers))
	for _, h := range headers {
		present[h] = true
	}
	for _, required := range RequiredHeaders {
		if !present[required] {
			slog.Error("SheetsStore.ValidateSchema: missing required header", "spreadsheetID", spreadsheetID, "sheetName", sheetName, "missing", required)
			return false, nil
		}
	}
	return true, nil
}

func (s *SheetsStore) GetRouterEntry(ctx context.Context, agentEmail string) (*models.RouterEntry, error) {
	var resp *sheets.ValueRange
	err := util.Retry(ctx, s.retry, func(ctx context.Context) error {
		var err error
		resp, err = s.svc.Spreadsheets.Values.Get(s.routerSpreadsheetID, "Router!A:F").Context(ctx).Do()
		return err
	})
	if err != nil {
		slog.Error("SheetsStore.GetRouterEntry: router read failed", "error", err, "agentEmail", agentEmail)
		return nil, fmt.Errorf("failed to read router sheet: %w", err)
	}

	rows := resp.Values
	if len(rows) < 2 {
		return nil, nil
	}
	headers := rows[0]
	col := func(name string) int {
		for i, h := range headers {
			if h == name {
				return i
			}
		}
		return -1
	}
	get := func(row []interface{}, idx int) string {
		if idx < 0 || idx >= len(row) {
			return ""
		}
		str, _ := row[idx].(string)
		return str
	}

	emailCol, activeCol := col("AgentEmail"), col("Active")
	userCol, sheetCol := col("ProviderUserID"), col("SpreadsheetId")
	tabCol, campaignCol := col("TabId"), col("CampaignName")

	for _, row := range rows[1:] {
		if get(row, emailCol) != agentEmail || get(row, activeCol) != "TRUE" {
			continue
		}
		tabID, _ := strconv.ParseInt(get(row, tabCol), 10, 64)
		return &models.RouterEntry{
			AgentEmail:    agentEmail,
			ProviderUser:  get(row, userCol),
			SpreadsheetID: get(row, sheetCol),
			TabID:         tabID,
			CampaignName:  get(row, campaignCol),
			Active:        true,
		}, nil
	}
	return nil, nil
}

func (s *SheetsStore) GetLeads(ctx context.Context, spreadsheetID, sheetName string, limit int) ([]models.Lead, error) {
	rng := fmt.Sprintf("%s!A2:Z%d", sheetName, limit+1)
	var resp *sheets.ValueRange
	err := util.Retry(ctx, s.retry, func(ctx context.Context) error {
		var err error
		resp, err = s.svc.Spreadsheets.Values.Get(spreadsheetID, rng).Context(ctx).Do()
		return err
	})
	if err != nil {
		slog.Error("SheetsStore.GetLeads: read failed", "error", err, "spreadsheetID", spreadsheetID, "sheetName", sheetName)
		return nil, fmt.Errorf("failed to read leads: %w", err)
	}

	get := func(row []interface{}, idx int) string {
		if idx < 0 || idx >= len(row) {
			return ""
		}
		str, _ := row[idx].(string)
		return str
	}

	leads := make([]models.Lead, 0, len(resp.Values))
	for i, row := range resp.Values {
		attempts, _ := strconv.Atoi(get(row, colAttemptCount))
		nextIndex, _ := strconv.Atoi(get(row, colNextIndex))
		if nextIndex < 1 {
			nextIndex = 1
		}
		lead := models.Lead{
			RowID:        get(row, colRowID),
			Name:         get(row, colName),
			RowIndex:     int64(i + 1), // row 0 is the header
			Notes:        get(row, colNotes),
			LastOutcome:  get(row, colLastOutcome),
			AttemptCount: attempts,
			NextIndex:    nextIndex,
		}
		// Slots keep their sheet position; numIndex 1 is always Num1.
		for n := 0; n < models.MaxNumbersPerLead; n++ {
			lead.Numbers = append(lead.Numbers, get(row, colFirstNum+n))
			lead.Statuses = append(lead.Statuses, models.PhoneStatus(get(row, colFirstStatus+n)))
		}
		leads = append(leads, lead)
	}
	slog.Debug("SheetsStore.GetLeads succeeded", "spreadsheetID", spreadsheetID, "count", len(leads))
	return leads, nil
}

func (s *SheetsStore) WriteDisposition(ctx context.Context, w DispositionWrite) error {
	statusCol := int64(colFirstStatus + w.NumIndex - 1)
	note := fmt.Sprintf("%s (%s) call_id=%s", w.Outcome, time.Now().UTC().Format(time.RFC3339), w.CallID)

	requests := []*sheets.Request{
		cellColorRequest(w.TabID, w.RowIndex, statusCol, w.Color),
		cellValueRequest(w.TabID, w.RowIndex, statusCol, stringValue(string(w.Status))),
		cellValueRequest(w.TabID, w.RowIndex, colLastOutcome, stringValue(w.Outcome)),
		cellValueRequest(w.TabID, w.RowIndex, colAttemptCount, numberValue(float64(w.AttemptCount))),
		cellValueRequest(w.TabID, w.RowIndex, colNotes, stringValue(note)),
	}

	err := util.Retry(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.svc.Spreadsheets.BatchUpdate(w.SpreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
			Requests: requests,
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		slog.Error("SheetsStore.WriteDisposition: batch update failed", "error", err, "spreadsheetID", w.SpreadsheetID, "rowIndex", w.RowIndex, "numIndex", w.NumIndex)
		return fmt.Errorf("failed to write disposition: %w", err)
	}

	slog.Info("SheetsStore.WriteDisposition succeeded", "spreadsheetID", w.SpreadsheetID, "rowIndex", w.RowIndex, "numIndex", w.NumIndex, "status", w.Status, "outcome", w.Outcome)
	return nil
}

func (s *SheetsStore) MarkSiblingsSkipped(ctx context.Context, spreadsheetID string, tabID, rowIndex int64, indices []int) error {
	if len(indices) == 0 {
		return nil
	}

	var requests []*sheets.Request
	for _, idx := range indices {
		col := int64(colFirstStatus + idx - 1)
		requests = append(requests,
			cellValueRequest(tabID, rowIndex, col, stringValue(string(models.PhoneStatusSkipped))),
			cellColorRequest(tabID, rowIndex, col, s.skippedColor),
		)
	}

	err := util.Retry(ctx, s.retry, func(ctx context.Context) error {
		_, err := s.svc.Spreadsheets.BatchUpdate(spreadsheetID, &sheets.BatchUpdateSpreadsheetRequest{
			Requests: requests,
		}).Context(ctx).Do()
		return err
	})
	if err != nil {
		slog.Error("SheetsStore.MarkSiblingsSkipped: batch update failed", "error", err, "spreadsheetID", spreadsheetID, "rowIndex", rowIndex)
		return fmt.Errorf("failed to skip siblings: %w", err)
	}

	slog.Info("SheetsStore.MarkSiblingsSkipped succeeded", "spreadsheetID", spreadsheetID, "rowIndex", rowIndex, "indices", indices)
	return nil
}

func cellValueRequest(sheetID, rowIndex, colIndex int64, value *sheets.ExtendedValue) *sheets.Request {
	return &sheets.Request{
		UpdateCells: &sheets.UpdateCellsRequest{
			Range: &sheets.GridRange{
				SheetId:          sheetID,
				StartRowIndex:    rowIndex,
				EndRowIndex:      rowIndex + 1,
				StartColumnIndex: colIndex,
				EndColumnIndex:   colIndex + 1,
			},
			Rows: []*sheets.RowData{{
				Values: []*sheets.CellData{{UserEnteredValue: value}},
			}},
			Fields: "userEnteredValue",
		},
	}
}

func cellColorRequest(sheetID, rowIndex, colIndex int64, hexColor string) *sheets.Request {
	return &sheets.Request{
		RepeatCell: &sheets.RepeatCellRequest{
			Range: &sheets.GridRange{
				SheetId:          sheetID,
				StartRowIndex:    rowIndex,
				EndRowIndex:      rowIndex + 1,
				StartColumnIndex: colIndex,
				EndColumnIndex:   colIndex + 1,
			},
			Cell: &sheets.CellData{
				UserEnteredFormat: &sheets.CellFormat{
					BackgroundColor: hexToRGB(hexColor),
				},
			},
			Fields: "userEnteredFormat.backgroundColor",
		},
	}
}

func stringValue(s string) *sheets.ExtendedValue {
	return &sheets.ExtendedValue{StringValue: &s}
}

func numberValue(n float64) *sheets.ExtendedValue {
	return &sheets.ExtendedValue{NumberValue: &n}
}

var hexColorRe = regexp.MustCompile(`^#?([a-fA-F0-9]{2})([a-fA-F0-9]{2})([a-fA-F0-9]{2})$`)

func hexToRGB(hex string) *sheets.Color {
	m := hexColorRe.FindStringSubmatch(hex)
	if m == nil {
		return &sheets.Color{}
	}
	r, _ := strconv.ParseInt(m[1], 16, 32)
	g, _ := strconv.ParseInt(m[2], 16, 32)
	b, _ := strconv.ParseInt(m[3], 16, 32)
	return &sheets.Color{
		Red:   float64(r) / 255,
		Green: float64(g) / 255,
		Blue:  float64(b) / 255,
	}
}
