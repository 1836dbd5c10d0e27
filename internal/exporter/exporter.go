// Package exporter renders the license ledger for operators: CSV for
// quick inspection and xlsx workbooks for the billing side.
package exporter

import (
	"encoding/csv"
	"fmt"
	"io"
	"sort"
	"strconv"
	"time"

	"github.com/xuri/excelize/v2"

	"mtlicense/internal/license"
)

const timeLayout = "2006-01-02 15:04:05"

var ledgerHeaders = []string{
	"Key", "Duration", "Status", "Fingerprint", "Credits",
	"Issued At", "Activated At", "Expires At", "Last Seen", "Version",
}

// ledgerRow flattens one license into string cells. Key order matches
// ledgerHeaders.
func ledgerRow(lic license.License) []string {
	formatTime := func(t time.Time) string {
		if t.IsZero() {
			return ""
		}
		return t.UTC().Format(timeLayout)
	}
	return []string{
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

// sortLicenses orders the export deterministically by key.
func sortLicenses(licenses []license.License) []license.License {
	out := append([]license.License(nil), licenses...)
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// WriteCSV writes the ledger as CSV with a UTF-8 BOM so Excel opens it
// cleanly.
func WriteCSV(w io.Writer, licenses []license.License) error {
	if _, err := w.Write([]byte{0xEF, 0xBB, 0xBF}); err != nil {
		return fmt.Errorf("failed to write BOM: %w", err)
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(ledgerHeaders); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	for i, lic := range sortLicenses(licenses) {
		if err := writer.Write(ledgerRow(lic)); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}
	writer.Flush()
	return writer.Error()
}

// WriteXLSX writes the ledger as an xlsx workbook with a single
// "Licenses" sheet, bold headers and a frozen header row.
func WriteXLSX(w io.Writer, licenses []license.License) error {
	f := excelize.NewFile()
	defer f.Close()

	const sheet = "Licenses"
	index, err := f.NewSheet(sheet)
	if err != nil {
		return fmt.Errorf("failed to create sheet: %w", err)
	}
	f.SetActiveSheet(index)
	f.DeleteSheet("Sheet1")

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
	})
	if err != nil {
		return fmt.Errorf("failed to create header style: %w", err)
	}

	headers := make([]interface{}, len(ledgerHeaders))
	for i, h := range ledgerHeaders {
		headers[i] = h
	}
	if err := f.SetSheetRow(sheet, "A1", &headers); err != nil {
		return fmt.Errorf("failed to write headers: %w", err)
	}
	lastCol, _ := excelize.ColumnNumberToName(len(ledgerHeaders))
	if err := f.SetCellStyle(sheet, "A1", lastCol+"1", headerStyle); err != nil {
		return fmt.Errorf("failed to style headers: %w", err)
	}

	for i, lic := range sortLicenses(licenses) {
		row := ledgerRow(lic)
		cells := make([]interface{}, len(row))
		for j, cell := range row {
			cells[j] = cell
		}
		anchor, _ := excelize.JoinCellName("A", i+2)
		if err := f.SetSheetRow(sheet, anchor, &cells); err != nil {
			return fmt.Errorf("failed to write record %d: %w", i, err)
		}
	}

	if err := f.SetPanes(sheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		return fmt.Errorf("failed to freeze header row: %w", err)
	}

	if err := f.Write(w); err != nil {
		return fmt.Errorf("failed to write workbook: %w", err)
	}
	return nil
}
