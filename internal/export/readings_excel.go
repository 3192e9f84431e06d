package export

import (
	"bytes"
	"fmt"
	"strings"

	"prickless/internal/models"

	"github.com/xuri/excelize/v2"
)

// SheetName 读数工作表名
const SheetName = "Readings"

// ReadingsHeader 导出表头
var ReadingsHeader = []string{
	"Reading ID",
	"Timestamp",
	"Device ID",
	"Segment ID",
	"Glucose (mg/dL)",
	"Predicted",
	"Quality",
	"Model Version",
	"Heart Rate",
	"Mean",
	"AC",
	"PPG Raw",
	"Anomalies",
}

var columnWidths = []float64{12, 22, 18, 22, 16, 10, 10, 15, 12, 10, 10, 10, 30}

// GenerateReadingsWorkbook 生成读数导出 Excel 文件
// readings 为空时只生成表头
func GenerateReadingsWorkbook(readings []*models.Reading) ([]byte, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(SheetName)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range ReadingsHeader {
		if err := setCellValue(f, col+1, 1, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header: %w", err)
		}
		name, _ := excelize.ColumnNumberToName(col + 1)
		if err := f.SetCellStyle(SheetName, name+"1", name+"1", headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
		if err := f.SetColWidth(SheetName, name, name, columnWidths[col]); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, r := range readings {
		row := i + 2
		for col, value := range readingRow(r) {
			if value == nil {
				continue
			}
			if err := setCellValue(f, col+1, row, value); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell at row %d: %w", row, err)
			}
		}
	}

	if err := f.SetPanes(SheetName, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

// readingRow 按表头顺序取值，nil 表示空单元格
func readingRow(r *models.Reading) []interface{} {
	row := make([]interface{}, len(ReadingsHeader))
	row[0] = r.ID
	row[1] = r.Timestamp.UTC().Format("2006-01-02 15:04:05")
	if r.DeviceID != nil {
		row[2] = *r.DeviceID
	}
	if r.SegmentID != nil {
		row[3] = *r.SegmentID
	}
	if r.GlucoseMgdl != nil {
		row[4] = *r.GlucoseMgdl
	}
	if r.IsPredicted {
		row[5] = "Yes"
	} else {
		row[5] = "No"
	}
	if r.PredictionQuality != nil {
		row[6] = *r.PredictionQuality
	}
	if r.ModelVersion != nil {
		row[7] = *r.ModelVersion
	}
	for col, key := range map[int]string{8: models.FeatureHR, 9: models.FeatureMean, 10: models.FeatureAC, 11: models.FeaturePPGRaw} {
		if v, ok := r.FeatureValue(key); ok {
			row[col] = v
		}
	}
	if len(r.Anomalies) > 0 {
		row[12] = strings.Join(r.Anomalies, ", ")
	}
	return row
}

func setCellValue(f *excelize.File, col, row int, value interface{}) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(SheetName, cell, value)
}
