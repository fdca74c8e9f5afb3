package output

import (
	"bufio"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aluiziolira/go-scrape-experiences/models"
)

// CSVWriter appends records to a CSV file with the fixed column header.
type CSVWriter struct {
	file   *os.File
	writer *csv.Writer
}

// NewCSVWriter opens filename for appending, truncating it first when asked.
// The header is written only when the file is empty.
func NewCSVWriter(filename string, truncate bool) (*CSVWriter, error) {
	f, err := openAppend(filename, truncate)
	if err != nil {
		return nil, fmt.Errorf("open csv file: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat csv file: %w", err)
	}

	cw := &CSVWriter{
		file:   f,
		writer: csv.NewWriter(f),
	}
	if info.Size() == 0 {
		if err := cw.writer.Write(models.Columns()); err != nil {
			f.Close()
			return nil, fmt.Errorf("write csv header: %w", err)
		}
		if err := cw.flush(); err != nil {
			f.Close()
			return nil, fmt.Errorf("flush csv header: %w", err)
		}
	}
	return cw, nil
}

// Write appends records and syncs them to disk before returning.
func (cw *CSVWriter) Write(records []*models.Record) error {
	for _, rec := range records {
		if err := cw.writer.Write(rec.Row()); err != nil {
			return fmt.Errorf("write csv record: %w", err)
		}
	}
	if err := cw.flush(); err != nil {
		return fmt.Errorf("flush csv records: %w", err)
	}
	return nil
}

func (cw *CSVWriter) flush() error {
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		return err
	}
	return cw.file.Sync()
}

// Close flushes and closes the file handle.
func (cw *CSVWriter) Close() error {
	cw.writer.Flush()
	if err := cw.writer.Error(); err != nil {
		cw.file.Close()
		return fmt.Errorf("flush csv writer: %w", err)
	}
	return cw.file.Close()
}

// Validate ensures the file at least carries its header.
func (cw *CSVWriter) Validate() error {
	info, err := cw.file.Stat()
	if err != nil {
		return fmt.Errorf("stat csv file: %w", err)
	}
	if info.Size() <= 0 {
		return fmt.Errorf("csv file is empty")
	}
	return nil
}

// JSONWriter appends newline-delimited JSON records.
type JSONWriter struct {
	file    *os.File
	writer  *bufio.Writer
	encoder *json.Encoder
}

// NewJSONWriter opens filename for appending, truncating it first when asked.
func NewJSONWriter(filename string, truncate bool) (*JSONWriter, error) {
	f, err := openAppend(filename, truncate)
	if err != nil {
		return nil, fmt.Errorf("open json file: %w", err)
	}

	buffer := bufio.NewWriter(f)
	encoder := json.NewEncoder(buffer)
	encoder.SetEscapeHTML(false)
	return &JSONWriter{
		file:    f,
		writer:  buffer,
		encoder: encoder,
	}, nil
}

// Write appends records in JSONL format and syncs them to disk.
func (jw *JSONWriter) Write(records []*models.Record) error {
	for _, rec := range records {
		if err := jw.encoder.Encode(rec); err != nil {
			return fmt.Errorf("encode json record: %w", err)
		}
	}

	if err := jw.writer.Flush(); err != nil {
		return fmt.Errorf("flush json writer: %w", err)
	}
	if err := jw.file.Sync(); err != nil {
		return fmt.Errorf("sync json file: %w", err)
	}
	return nil
}

// Close flushes buffers and closes the underlying file.
func (jw *JSONWriter) Close() error {
	if err := jw.writer.Flush(); err != nil {
		jw.file.Close()
		return fmt.Errorf("flush json writer: %w", err)
	}
	return jw.file.Close()
}

// Validate reports whether the JSON file is still reachable. An empty JSONL
// file is valid.
func (jw *JSONWriter) Validate() error {
	if _, err := jw.file.Stat(); err != nil {
		return fmt.Errorf("stat json file: %w", err)
	}
	return nil
}

func openAppend(filename string, truncate bool) (*os.File, error) {
	if err := ensureDir(filename); err != nil {
		return nil, err
	}
	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}
	return os.OpenFile(filename, flags, 0o644)
}

func ensureDir(filename string) error {
	dir := filepath.Dir(filename)
	if dir == "" || dir == "." {
		return nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory %q: %w", dir, err)
	}
	return nil
}
