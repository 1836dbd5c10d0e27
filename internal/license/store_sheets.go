package license

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"
)

// Sheet column layout, one license per row below a header row:
// Key | Duration | Status | Fingerprint | Credits | IssuedAt | ActivatedAt |
// ExpiresAt | LastSeen | Version
const sheetsTimeLayout = "2006-01-02 15:04:05"

// SheetsSyncer mirrors the license registry to a Google Sheets spreadsheet.
// It implements Syncer: the in-memory store stays authoritative, the sheet
// is the operator-visible ledger and the seed source on a cold start with
// no snapshot.
type SheetsSyncer struct {
	svc       *sheets.Service
	sheetID   string
	sheetName string
	logger    *slog.Logger

	mu   sync.Mutex
	rows map[string]int // license key -> 1-based sheet row
}

// NewSheetsSyncer builds a syncer from service-account credentials JSON.
func NewSheetsSyncer(ctx context.Context, credentialsJSON []byte, sheetID, sheetName string, logger *slog.Logger) (*SheetsSyncer, error) {
	if sheetID == "" || sheetName == "" {
		return nil, fmt.Errorf("sheet id and sheet name are required")
	}
	svc, err := sheets.NewService(ctx, option.WithCredentialsJSON(credentialsJSON))
	if err != nil {
		return nil, fmt.Errorf("create sheets service: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &SheetsSyncer{
		svc:       svc,
		sheetID:   sheetID,
		sheetName: sheetName,
		logger:    logger.With(slog.String("component", "sheets_syncer")),
		rows:      make(map[string]int),
	}, nil
}

// Load implements Syncer. It reads the whole sheet once and remembers each
// key's row so later upserts touch a single range.
func (s *SheetsSyncer) Load(ctx context.Context) ([]License, error) {
	resp, err := s.svc.Spreadsheets.Values.Get(s.sheetID, s.sheetName).Context(ctx).Do()
	if err != nil {
		return nil, fmt.Errorf("read license sheet: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var out []License
	for i, row := range resp.Values {
		if i == 0 {
			continue // header row
		}
		lic, ok := parseSheetRow(row)
		if !ok {
			s.logger.Warn("skipping malformed sheet row", slog.Int("row", i+1))
			continue
		}
		s.rows[lic.Key] = i + 1 // sheets are 1-based
		out = append(out, lic)
	}
	return out, nil
}

// Upsert implements Syncer.
func (s *SheetsSyncer) Upsert(ctx context.Context, lic License) error {
	values := &sheets.ValueRange{Values: [][]interface{}{sheetRow(lic)}}

	s.mu.Lock()
	row, known := s.rows[lic.Key]
	s.mu.Unlock()

	if known {
		rangeRef := fmt.Sprintf("%s!A%d:J%d", s.sheetName, row, row)
		_, err := s.svc.Spreadsheets.Values.Update(s.sheetID, rangeRef, values).
			ValueInputOption("RAW").Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("update license row %d: %w", row, err)
		}
		return nil
	}

	resp, err := s.svc.Spreadsheets.Values.Append(s.sheetID, s.sheetName, values).
		ValueInputOption("RAW").InsertDataOption("INSERT_ROWS").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("append license row: %w", err)
	}

	// Remember where the row landed so the next update is targeted.
	if resp.Updates != nil && resp.Updates.UpdatedRange != "" {
		if r, ok := parseAppendedRow(resp.Updates.UpdatedRange); ok {
			s.mu.Lock()
			s.rows[lic.Key] = r
			s.mu.Unlock()
		}
	}
	return nil
}

func sheetRow(lic License) []interface{} {
	formatTime := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(sheetsTimeLayout)
	}
	return []interface{}{
		lic.Key,
		lic.Duration,
		string(lic.Status),
		lic.Fingerprint,
		strconv.FormatInt(lic.Credits, 10),
		formatTime(lic.IssuedAt),
		formatTime(lic.ActivatedAt),
		formatTime(lic.ExpiresAt),
		formatTime(lic.LastSeen),
		strconv.FormatUint(lic.Version, 10),
	}
}

func parseSheetRow(row []interface{}) (License, bool) {
	cell := func(i int) string {
		if i >= len(row) {
			return ""
		}
		s, _ := row[i].(string)
		return s
	}
	parseTime := func(s string) time.Time {
		if s == "" {
			return time.Time{}
		}
		t, err := time.Parse(sheetsTimeLayout, s)
		if err != nil {
			return time.Time{}
		}
		return t
	}

	key := NormalizeKey(cell(0))
	if key == "" {
		return License{}, false
	}
	credits, err := strconv.ParseInt(cell(4), 10, 64)
	if err != nil {
		credits = 0
	}
	version, err := strconv.ParseUint(cell(9), 10, 64)
	if err != nil {
		version = 1
	}

	status := Status(cell(2))
	switch status {
	case StatusUnactivated, StatusActive, StatusExpired, StatusRevoked:
	default:
		status = StatusUnactivated
	}

	return License{
		Key:         key,
		Duration:    cell(1),
		Status:      status,
		Fingerprint: cell(3),
		Credits:     credits,
		IssuedAt:    parseTime(cell(5)),
		ActivatedAt: parseTime(cell(6)),
		ExpiresAt:   parseTime(cell(7)),
		LastSeen:    parseTime(cell(8)),
		Version:     version,
	}, true
}

// parseAppendedRow extracts the row number from an A1-notation range such as
// "Licenses!A42:J42".
func parseAppendedRow(updatedRange string) (int, bool) {
	var row int
	for i := len(updatedRange) - 1; i >= 0; i-- {
		c := updatedRange[i]
		if c < '0' || c > '9' {
			digits := updatedRange[i+1:]
			if digits == "" {
				return 0, false
			}
			row, _ = strconv.Atoi(digits)
			return row, row > 0
		}
	}
	return 0, false
}

var _ Syncer = (*SheetsSyncer)(nil)
