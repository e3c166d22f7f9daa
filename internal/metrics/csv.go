package metrics

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"onemeter/internal/sensor"
)

var csvHeader = []string{
	"timestamp",
	"unique_id",
	"entity_id",
	"key",
	"value",
	"unit",
	"available",
	"error",
}

// WriteCSV writes readings taken at ts to CSV with a fixed column order.
func WriteCSV(w io.Writer, ts time.Time, items []sensor.Reading) error {
	return writeCSV(w, ts, items, true)
}

// AppendCSV appends readings to path, writing the header only when the file is new.
func AppendCSV(path string, ts time.Time, items []sensor.Reading) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	return writeCSV(f, ts, items, info.Size() == 0)
}

func writeCSV(w io.Writer, ts time.Time, items []sensor.Reading, header bool) error {
	writer := csv.NewWriter(w)
	defer writer.Flush()

	if header {
		if err := writer.Write(csvHeader); err != nil {
			return err
		}
	}

	stamp := ts.UTC().Format(time.RFC3339)
	for _, r := range items {
		record := []string{
			stamp,
			r.UniqueID,
			r.EntityID,
			r.Key,
			formatValue(r.Value),
			r.Unit,
			strconv.FormatBool(r.Available),
			r.Error,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	default:
		return fmt.Sprint(x)
	}
}
