// Package leadstore provides access to the external lead-data store.
//
// The orchestrator treats this store as the source of truth for leads; it
// never caches rows beyond one selection/dial/disposition cycle. The
// production implementation is backed by Google Sheets.
package leadstore

import (
	"context"

	"github.com/dialworks/powerdial/internal/models"
)

// Store is the lead-data contract consumed by the orchestrator. All
// implementations retry transient failures internally with backoff; an
// error from any method means the operation failed after retries.
type Store interface {
	// ValidateSchema checks that the lead source's header row matches the
	// required contract.
	ValidateSchema(ctx context.Context, spreadsheetID, sheetName string) (bool, error)

	// GetRouterEntry returns the lead-source mapping for an agent, or nil
	// when the agent has no active router entry.
	GetRouterEntry(ctx context.Context, agentEmail string) (*models.RouterEntry, error)

	// GetLeads reads up to limit lead rows from the source.
	GetLeads(ctx context.Context, spreadsheetID, sheetName string, limit int) ([]models.Lead, error)

	// WriteDisposition persists a disposition outcome: per-number status
	// and color, outcome note, and the new attempt count.
	WriteDisposition(ctx context.Context, w DispositionWrite) error

	// MarkSiblingsSkipped marks the given number indices (1-based) on a row
	// as SKIPPED.
	MarkSiblingsSkipped(ctx context.Context, spreadsheetID string, tabID, rowIndex int64, indices []int) error
}

// DispositionWrite describes one disposition persistence operation.
type DispositionWrite struct {
	SpreadsheetID string
	TabID         int64
	RowIndex      int64 // zero-based sheet row
	NumIndex      int   // 1-based number index
	Status        models.PhoneStatus
	Color         string
	Outcome       string
	CallID        string
	AttemptCount  int // new attempt count after increment
}

// LeadSheetName is the tab holding the dialing queue.
const LeadSheetName = "Calls_Queue"

// RequiredHeaders is the header contract a lead sheet must satisfy.
var RequiredHeaders = []string{
	"RowID", "Name",
	"Num1", "Num2", "Num3", "Num4", "Num5",
	"Num6", "Num7", "Num8", "Num9", "Num10",
	"Status1", "Status2", "Status3", "Status4", "Status5",
	"Status6", "Status7", "Status8", "Status9", "Status10",
	"Notes", "LastOutcome", "AttemptCount", "NextIndex",
}

// Column indices in the lead sheet (zero-based).
const (
	colRowID        = 0
	colName         = 1
	colFirstNum     = 2  // Num1..Num10 occupy 2..11
	colFirstStatus  = 12 // Status1..Status10 occupy 12..21
	colNotes        = 22
	colLastOutcome  = 23
	colAttemptCount = 24
	colNextIndex    = 25
)
