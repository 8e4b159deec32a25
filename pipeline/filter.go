package pipeline

import (
	"strings"

	"emodal_harvester/artifacts"
)

// Named columns consumed from the upstream's container export.
const (
	colContainer   = "Container #"
	colTradeType   = "Trade Type"
	colHolds       = "Holds"
	colPregate     = "Pregate Ticket#"
	colCurrentLoc  = "Current Loc"
	colOrigin      = "Origin"
	colDestination = "Destination"
)

// Columns appended to the filtered spreadsheet, in order. Stage 3 fills
// the three timeline columns for imports; stage 4 fills the appointment
// columns. Export rows keep all five at "N/A".
const (
	colManifested       = "Manifested"
	colApptBefore       = "First Appointment Available (Before)"
	colDepartedTerminal = "Departed Terminal"
	colApptAfter        = "First Appointment Available (After)"
	colEmptyReceived    = "Empty Received"
)

var appendedColumns = []string{
	colManifested,
	colApptBefore,
	colDepartedTerminal,
	colApptAfter,
	colEmptyReceived,
}

// filterContainers keeps rows with no holds and a pregate ticket still
// reading "N/A", then appends the five output columns initialized to the
// literal "N/A". The table layer preserves "N/A" as a string throughout.
func filterContainers(t *artifacts.Table) *artifacts.Table {
	out := &artifacts.Table{Header: append([]string(nil), t.Header...)}

	for i := range t.Rows {
		holds := strings.TrimSpace(t.Get(i, colHolds))
		pregate := strings.ToUpper(t.Get(i, colPregate))
		if strings.EqualFold(holds, "NO") && strings.Contains(pregate, "N/A") {
			out.Rows = append(out.Rows, append([]string(nil), t.Rows[i]...))
		}
	}

	out.AppendColumns(notAvailable, appendedColumns...)
	return out
}

func isImportRow(t *artifacts.Table, i int) bool {
	return strings.EqualFold(strings.TrimSpace(t.Get(i, colTradeType)), "IMPORT")
}
