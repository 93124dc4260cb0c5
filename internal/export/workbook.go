// Package export turns a session into an xlsx workbook for delivery.
package export

import (
	"fmt"
	"regexp"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/user/rollcall/internal/types"
)

const (
	dateLayout     = "02/01/2006"
	timeLayout     = "15:04:05"
	fileTimeLayout = "2006-01-02_15-04-05"
)

var (
	header      = []any{"Student ID", "Location", "Log Date", "Log Time", "Number", "Type"}
	unsafeChars = regexp.MustCompile(`[^A-Za-z0-9]`)
)

// Workbook builds one-sheet workbooks. Dates are rendered in loc.
type Workbook struct {
	loc *time.Location
}

// NewWorkbook creates a Workbook exporter. A nil loc uses time.Local.
func NewWorkbook(loc *time.Location) *Workbook {
	if loc == nil {
		loc = time.Local
	}
	return &Workbook{loc: loc}
}

// FileName is derived only from the session's type, location and creation
// time, so re-exporting a session targets the same remote path.
func FileName(s *types.Session) string {
	prefix := "Scanner"
	if s.SessionType == types.SessionChecklist {
		prefix = "Checklist"
	}
	return fmt.Sprintf("%s_%s_%s.xlsx", prefix, unsafeChars.ReplaceAllString(s.Location, "_"), s.CreatedAt.UTC().Format(fileTimeLayout))
}

func sheetName(t types.SessionType) string {
	if t == types.SessionChecklist {
		return "Checklist"
	}
	return "Scans"
}

// BuildExport renders the session's entries, one row each, in order.
func (w *Workbook) BuildExport(s *types.Session) (*types.Export, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}

	f := excelize.NewFile()
	defer f.Close()

	sheet := sheetName(s.SessionType)
	if err := f.SetSheetName("Sheet1", sheet); err != nil {
		return nil, fmt.Errorf("name sheet: %w", err)
	}
	if err := f.SetSheetRow(sheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}

	for i, e := range s.Entries {
		at := e.Timestamp.In(w.loc)
		kind := "Scan"
		if e.IsManual {
			kind = "Manual"
		}
		row := []any{e.Content, s.Location, at.Format(dateLayout), at.Format(timeLayout), i + 1, kind}

		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(sheet, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+1, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return &types.Export{FileName: FileName(s), Data: buf.Bytes()}, nil
}

var _ types.Exporter = (*Workbook)(nil)
