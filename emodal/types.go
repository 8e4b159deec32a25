package emodal

// SessionResponse is the result of get_session.
type SessionResponse struct {
	Success   bool   `json:"success"`
	SessionID string `json:"session_id"`
	IsNew     bool   `json:"is_new"`
	Error     string `json:"error"`
}

// ListResponse is the result of get_containers / get_appointments. The
// upstream writes the spreadsheet server-side and hands back a URL that
// must be fetched with the same session context.
type ListResponse struct {
	Success bool   `json:"success"`
	FileURL string `json:"file_url"`
	Count   int    `json:"count"`
	Error   string `json:"error"`
}

// Milestone is one entry of an import container's timeline.
type Milestone struct {
	Milestone string `json:"milestone"`
	Date      string `json:"date"`
}

// ImportInfo is the bulk enrichment record for one IMPORT container.
type ImportInfo struct {
	ContainerID   string      `json:"container_id"`
	PregatePassed bool        `json:"pregate_passed"`
	Timeline      []Milestone `json:"timeline"`
}

// ExportInfo is the bulk enrichment record for one EXPORT container.
type ExportInfo struct {
	ContainerID   string `json:"container_id"`
	BookingNumber string `json:"booking_number"`
}

// BulkInfoResponse is the result of get_info_bulk.
type BulkInfoResponse struct {
	Success bool         `json:"success"`
	Imports []ImportInfo `json:"import_results"`
	Exports []ExportInfo `json:"export_results"`
	Error   string       `json:"error"`
}

// ProbeRequest carries everything check_appointments needs. ContainerID
// is the container number for imports and the booking number for exports;
// ContainerNumber always annotates the physical box.
type ProbeRequest struct {
	SessionID       string `json:"session_id"`
	TradeType       string `json:"trade_type"`
	TruckingCompany string `json:"trucking_company"`
	Terminal        string `json:"terminal"`
	MoveType        string `json:"move_type"`
	ContainerID     string `json:"container_id"`
	ContainerNumber string `json:"container_number"`
	TruckPlate      string `json:"truck_plate"`
	OwnChassis      bool   `json:"own_chassis"`
}

// ProbeResponse is the result of check_appointments. AvailableTimes is
// populated for imports; CalendarFound for exports.
type ProbeResponse struct {
	Success        bool     `json:"success"`
	AvailableTimes []string `json:"available_times"`
	CalendarFound  *bool    `json:"calendar_found"`
	ScreenshotURL  string   `json:"dropdown_screenshot_url"`
	Error          string   `json:"error"`
}

type activeSessionsResponse struct {
	Success  bool     `json:"success"`
	Sessions []string `json:"sessions"`
	Error    string   `json:"error"`
}
