package monitor

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ExportFormat selects the history export encoding.
type ExportFormat string

const (
	// FormatJSON exports history as a JSON array of sample objects.
	FormatJSON ExportFormat = "json"
	// FormatCSV exports history as CSV with a header row.
	FormatCSV ExportFormat = "csv"
)

// exportedSample is the wire shape of one exported sample.
type exportedSample struct {
	Variable   string   `json:"variable,omitempty"`
	Timestamp  string   `json:"timestamp"`
	Value      string   `json:"value"`
	Type       string   `json:"type,omitempty"`
	ChangeRate *float64 `json:"changeRate,omitempty"`
}

// ExportHistory serializes recorded history. An empty variable name
// exports every variable's history, adding a variable column.
// maxSamples <= 0 exports all retained samples per variable.
func (e *Engine) ExportHistory(format ExportFormat, variable string, maxSamples int) ([]byte, error) {
	var rows []exportedSample

	if variable != "" {
		for _, s := range e.HistoricalData(variable, maxSamples) {
			rows = append(rows, exportRow("", s))
		}
	} else {
		for _, name := range e.Variables() {
			for _, s := range e.HistoricalData(name, maxSamples) {
				rows = append(rows, exportRow(name, s))
			}
		}
	}

	switch format {
	case FormatJSON:
		return json.MarshalIndent(rows, "", "  ")
	case FormatCSV:
		return encodeCSV(rows, variable == "")
	default:
		return nil, fmt.Errorf("monitor: unknown export format %q", format)
	}
}

func exportRow(name string, s Sample) exportedSample {
	row := exportedSample{
		Variable:  name,
		Timestamp: s.Timestamp.Format(time.RFC3339Nano),
		Value:     s.Value,
		Type:      s.Type,
	}
	if s.HasRate {
		rate := s.ChangeRate
		row.ChangeRate = &rate
	}
	return row
}

func encodeCSV(rows []exportedSample, withVariable bool) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{"timestamp", "value", "type", "changeRate"}
	if withVariable {
		header = append([]string{"variable"}, header...)
	}
	if err := w.Write(header); err != nil {
		return nil, err
	}

	for _, row := range rows {
		rate := ""
		if row.ChangeRate != nil {
			rate = strconv.FormatFloat(*row.ChangeRate, 'g', -1, 64)
		}
		record := []string{row.Timestamp, row.Value, row.Type, rate}
		if withVariable {
			record = append([]string{row.Variable}, record...)
		}
		if err := w.Write(record); err != nil {
			return nil, err
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
