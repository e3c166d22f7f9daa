package metrics

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"onemeter/internal/sensor"
)

func TestWriteCSV_Columns(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	items := []sensor.Reading{
		{UniqueID: "e1_2", EntityID: "sensor.onemeter_a_battery_level", Key: "battery_level", Value: 87.0, Unit: "%", Available: true},
		{UniqueID: "e1_5", EntityID: "sensor.onemeter_a_previous_month_consumption", Key: "previous_month_consumption", Error: "metric unavailable: usage.previousMonth missing or malformed"},
	}
	if err := WriteCSV(&buf, time.Unix(0, 0), items); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d\n%s", len(lines), buf.String())
	}
	if lines[0] != "timestamp,unique_id,entity_id,key,value,unit,available,error" {
		t.Fatalf("header=%q", lines[0])
	}
	if lines[1] != "1970-01-01T00:00:00Z,e1_2,sensor.onemeter_a_battery_level,battery_level,87,%,true," {
		t.Fatalf("row=%q", lines[1])
	}
	if !strings.HasSuffix(lines[2], ",,,false,metric unavailable: usage.previousMonth missing or malformed") {
		t.Fatalf("row=%q", lines[2])
	}
}

func TestAppendCSV_WritesHeaderOnce(t *testing.T) {
	t.Parallel()

	tmp := t.TempDir()
	path := filepath.Join(tmp, "readings.csv")

	r1 := sensor.Reading{UniqueID: "e1_0", Key: "firmware_version", Value: "v.1.2.3", Available: true}
	r2 := sensor.Reading{UniqueID: "e1_3", Key: "total_consumption", Value: 1234.5, Available: true}

	if err := AppendCSV(path, time.Unix(1, 0), []sensor.Reading{r1}); err != nil {
		t.Fatalf("AppendCSV #1: %v", err)
	}
	if err := AppendCSV(path, time.Unix(2, 0), []sensor.Reading{r2}); err != nil {
		t.Fatalf("AppendCSV #2: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines=%d\n%s", len(lines), string(data))
	}
	if !strings.HasPrefix(lines[0], "timestamp,") {
		t.Fatalf("missing header: %q", lines[0])
	}
	if !strings.Contains(lines[2], ",1234.5,") {
		t.Fatalf("row=%q", lines[2])
	}
}
