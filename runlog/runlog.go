// Package runlog appends recorded cycle rows to tab-separated files.
// The header is written once, when the file is first created; every
// later run appends below the existing data.
package runlog

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Record is one recorded cycle row: a timestamp and one value per
// tracked vial, in column order.
type Record struct {
	Time   time.Time
	Values []float64
}

// Appender is the persistence collaborator the control loop flushes its
// record buffer to.
type Appender interface {
	Append(records []Record) error
}

// TSV appends records to one tab-separated file.
type TSV struct {
	path    string
	columns []string
}

// NewTSV creates an appender for path with the given value columns. The
// timestamp column is implicit and always first.
func NewTSV(path string, columns []string) *TSV {
	return &TSV{path: path, columns: columns}
}

// Columns builds the standard column set: one per culture, one per
// phage vial.
func Columns(cultures, phages int) []string {
	var cols []string
	for i := 1; i <= cultures; i++ {
		cols = append(cols, fmt.Sprintf("culture %d", i))
	}
	for i := 1; i <= phages; i++ {
		cols = append(cols, fmt.Sprintf("phage_vial %d", i))
	}
	return cols
}

// Append writes the records, creating the file with a header row first
// if it does not exist yet.
func (w *TSV) Append(records []Record) error {
	if len(records) == 0 {
		return nil
	}
	_, statErr := os.Stat(w.path)
	writeHeader := os.IsNotExist(statErr)

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	var sb strings.Builder
	if writeHeader {
		sb.WriteString("time\t")
		sb.WriteString(strings.Join(w.columns, "\t"))
		sb.WriteByte('\n')
	}
	for _, rec := range records {
		if len(rec.Values) != len(w.columns) {
			return fmt.Errorf("runlog: record has %d values, want %d", len(rec.Values), len(w.columns))
		}
		sb.WriteString(strconv.FormatFloat(float64(rec.Time.UnixMilli())/1000, 'f', 1, 64))
		for _, v := range rec.Values {
			sb.WriteByte('\t')
			sb.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
		}
		sb.WriteByte('\n')
	}
	_, err = f.WriteString(sb.String())
	return err
}
