package pipeline

import "strings"

// Move types accepted by the upstream's appointment wizard.
const (
	MovePickFull  = "PICK FULL"
	MoveDropFull  = "DROP FULL"
	MoveDropEmpty = "DROP EMPTY"
)

const defaultTruckingCompany = "K & R TRANSPORTATION LLC"

// defaultTerminals maps the short codes the spreadsheet carries to the
// full names the appointment wizard expects. Platform YAML config can
// override or extend this set.
var defaultTerminals = map[string]string{
	"ETSLAX": "Everport Terminal Services - Los Angeles",
	"ETSOAK": "Everport Terminal Services - Oakland",
	"ETSTAC": "Everport Terminal Services Inc. - Tacoma, WA",
	"FIT":    "Florida International Terminal (FIT)",
	"HUSKY":  "Husky Terminal and Stevedoring, Inc.",
	"ITS":    "ITS Long Beach",
	"OICT":   "OICT",
	"PCT":    "Pacific Container Terminal",
	"PACKR":  "Packer Avenue Marine Terminal",
	"PET":    "Port Everglades Terminal",
	"SSA":    "SSA Terminal - PierA / LB",
	"SSAT30": "SSAT - Terminal 30",
	"SSAT5":  "SSAT - Terminal 5",
	"T18":    "Terminal 18",
	"TTI":    "Total Terminals Intl LLC",
	"TRPOAK": "TraPac - Oakland",
	"TRP1":   "TraPac LLC - Los Angeles",
	"WUT":    "Washington United Terminals",
	"BNLPC":  "Long Beach Container Terminal",
	"LPCHI":  "Long Beach Container Terminal - Chicago",
}

// terminalCode picks the raw terminal code for a row: CurrentLoc wins,
// then Origin for imports or Destination for exports.
func terminalCode(currentLoc, origin, destination string, isImport bool) string {
	if code := strings.TrimSpace(currentLoc); code != "" {
		return code
	}
	if isImport {
		return strings.TrimSpace(origin)
	}
	return strings.TrimSpace(destination)
}

// resolveTerminal maps a code to its full name. Unknown codes pass
// through literally.
func resolveTerminal(terminals map[string]string, code string) string {
	if name, ok := terminals[code]; ok {
		return name
	}
	return code
}

// moveType derives the wizard move type. Imports that already passed
// pregate are returning an empty box; the rest are picking up a full one.
// Exports always drop a full box.
func moveType(isImport, pregatePassed bool) string {
	if !isImport {
		return MoveDropFull
	}
	if pregatePassed {
		return MoveDropEmpty
	}
	return MovePickFull
}
