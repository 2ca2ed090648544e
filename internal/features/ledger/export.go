package ledger

import (
	"time"

	"github.com/xuri/excelize/v2"
)

var (
	statColumns  = []string{"Entity", "Action", "Status", "Count"}
	entryColumns = []string{"Time", "Direction", "Provider", "Integration", "Conversation", "Entity", "Action", "Status", "Remote ID", "Error"}
)

// ExportXLSX renders stats and recent entries as a two sheet workbook
func ExportXLSX(stats []Stat, entries []Entry) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	const statsSheet = "Stats"
	if err := f.SetSheetName("Sheet1", statsSheet); err != nil {
		return nil, err
	}
	entriesSheet := "Entries"
	if _, err := f.NewSheet(entriesSheet); err != nil {
		return nil, err
	}

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Color: []string{"#E0E0E0"}, Pattern: 1},
	})

	statRows := make([][]interface{}, 0, len(stats))
	for _, s := range stats {
		statRows = append(statRows, []interface{}{string(s.EntityType), string(s.Action), string(s.Status), s.Count})
	}
	if err := writeSheet(f, statsSheet, statColumns, statRows, headerStyle); err != nil {
		return nil, err
	}

	entryRows := make([][]interface{}, 0, len(entries))
	for _, e := range entries {
		entryRows = append(entryRows, []interface{}{
			e.CreatedAt.UTC().Format(time.DateTime),
			string(e.Direction),
			string(e.Provider),
			e.IntegrationID,
			e.ConversationID,
			string(e.EntityType),
			string(e.Action),
			string(e.Status),
			e.RemoteID,
			e.Error,
		})
	}
	if err := writeSheet(f, entriesSheet, entryColumns, entryRows, headerStyle); err != nil {
		return nil, err
	}

	f.SetActiveSheet(0)

	buffer, err := f.WriteToBuffer()
	if err != nil {
		return nil, err
	}
	return buffer.Bytes(), nil
}

func writeSheet(f *excelize.File, sheet string, columns []string, rows [][]interface{}, headerStyle int) error {
	for i, col := range columns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		if err := f.SetCellValue(sheet, cell, col); err != nil {
			return err
		}
		f.SetCellStyle(sheet, cell, cell, headerStyle)
	}

	for rowIdx, row := range rows {
		for colIdx, val := range row {
			cell, _ := excelize.CoordinatesToCellName(colIdx+1, rowIdx+2)
			if err := f.SetCellValue(sheet, cell, val); err != nil {
				return err
			}
		}
	}

	for i := range columns {
		col, _ := excelize.ColumnNumberToName(i + 1)
		f.SetColWidth(sheet, col, col, 15)
	}
	return nil
}
