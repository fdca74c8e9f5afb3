// Package output persists records as CSV and/or JSONL and recovers the set
// of already written report identifiers after a crash.
package output

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/aluiziolira/go-scrape-experiences/models"
)

// Output formats.
const (
	FormatCSV  = "csv"
	FormatJSON = "json"
	FormatDual = "dual"
)

// ErrHeaderMismatch means an existing CSV file was written with a different
// column layout and cannot be appended to.
var ErrHeaderMismatch = errors.New("output header does not match record columns")

// Writer appends records durably: once Write returns nil the records are on
// disk.
type Writer interface {
	Write(records []*models.Record) error
	Close() error
	Validate() error
}

// Recovery describes an existing output file.
type Recovery struct {
	Exists bool
	// IDs holds every non-empty report identifier found, in file order.
	IDs  []string
	Rows int
	// TruncatedBytes is the size of a torn trailing record that was removed.
	TruncatedBytes int64
}

// Paths returns the CSV and JSONL paths used for a format. Unused paths are
// empty.
func Paths(format, path string) (csvPath, jsonPath string) {
	switch format {
	case FormatJSON:
		return "", jsonlPath(path)
	case FormatDual:
		return path, jsonlPath(path)
	default:
		return path, ""
	}
}

func jsonlPath(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jsonl", ".json":
		return path
	}
	return strings.TrimSuffix(path, filepath.Ext(path)) + ".jsonl"
}

// Open returns the writer for format. With truncate, existing content is
// discarded.
func Open(format, path string, truncate bool) (Writer, error) {
	csvPath, jsonPath := Paths(format, path)
	switch format {
	case FormatCSV:
		return NewCSVWriter(csvPath, truncate)
	case FormatJSON:
		return NewJSONWriter(jsonPath, truncate)
	case FormatDual:
		return NewDualWriter(csvPath, jsonPath, truncate)
	default:
		return nil, fmt.Errorf("unknown output format %q", format)
	}
}

// Recover inspects the existing output for format, truncating any torn
// trailing record, and returns the identifiers it holds.
func Recover(format, path string) (*Recovery, error) {
	csvPath, jsonPath := Paths(format, path)

	var result Recovery
	if csvPath != "" {
		rec, err := RecoverCSV(csvPath)
		if err != nil {
			return nil, err
		}
		result = *rec
	}
	if jsonPath == "" {
		return &result, nil
	}

	rec, err := RecoverJSON(jsonPath)
	if err != nil {
		return nil, err
	}
	if csvPath == "" {
		return rec, nil
	}
	// The CSV file is primary; the mirror only adds identifiers it alone holds.
	seen := make(map[string]struct{}, len(result.IDs))
	for _, id := range result.IDs {
		seen[id] = struct{}{}
	}
	for _, id := range rec.IDs {
		if _, ok := seen[id]; !ok {
			result.IDs = append(result.IDs, id)
		}
	}
	result.TruncatedBytes += rec.TruncatedBytes
	return &result, nil
}

// RecoverCSV validates the header of an existing CSV file and collects its
// identifiers. A trailing row cut short by a crash is removed from the file;
// malformed rows elsewhere are an error.
func RecoverCSV(path string) (*Recovery, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return &Recovery{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open csv output: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat csv output: %w", err)
	}
	result := &Recovery{Exists: true}
	if info.Size() == 0 {
		return result, nil
	}
	if tornHeader(f, info.Size()) {
		// The crash hit while the header of a new file was being written.
		if err := truncate(f, 0); err != nil {
			return nil, fmt.Errorf("truncate csv output: %w", err)
		}
		result.TruncatedBytes = info.Size()
		return result, nil
	}

	reader := csv.NewReader(bufio.NewReader(f))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, ErrHeaderMismatch)
	}
	if !equalColumns(header, models.Columns()) {
		return nil, fmt.Errorf("%s: %w", path, ErrHeaderMismatch)
	}

	var (
		lastOffset int64 = -1
		tornOffset int64 = -1
		lastHadID  bool
	)
	for {
		offset := reader.InputOffset()
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err == nil && len(row) != models.NumColumns {
			err = fmt.Errorf("row has %d fields, want %d", len(row), models.NumColumns)
		}
		if err != nil {
			if _, next := reader.Read(); !errors.Is(next, io.EOF) {
				return nil, fmt.Errorf("corrupt csv output %s at byte %d: %w", path, offset, err)
			}
			tornOffset = offset
			break
		}
		lastOffset = offset
		result.Rows++
		id := row[models.IDColumn]
		lastHadID = id != ""
		if lastHadID {
			result.IDs = append(result.IDs, id)
		}
	}

	if tornOffset < 0 && lastOffset >= 0 && !endsWithNewline(f, info.Size()) {
		// The final row parsed but its terminator never reached the disk.
		tornOffset = lastOffset
		result.Rows--
		if lastHadID {
			result.IDs = result.IDs[:len(result.IDs)-1]
		}
	}
	if tornOffset >= 0 {
		if err := truncate(f, tornOffset); err != nil {
			return nil, fmt.Errorf("truncate csv output: %w", err)
		}
		result.TruncatedBytes = info.Size() - tornOffset
	}
	return result, nil
}

// RecoverJSON collects identifiers from an existing JSONL file, removing a
// torn trailing line.
func RecoverJSON(path string) (*Recovery, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, os.ErrNotExist) {
		return &Recovery{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open json output: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat json output: %w", err)
	}

	result := &Recovery{Exists: true}
	reader := bufio.NewReader(f)
	var offset int64
	lineNo := 0
	for {
		line, err := reader.ReadBytes('\n')
		if len(line) > 0 && !bytes.HasSuffix(line, []byte("\n")) {
			// Incomplete last line.
			if err := truncate(f, offset); err != nil {
				return nil, fmt.Errorf("truncate json output: %w", err)
			}
			result.TruncatedBytes = info.Size() - offset
			break
		}
		if len(line) > 0 {
			lineNo++
			if trimmed := bytes.TrimSpace(line); len(trimmed) > 0 {
				var rec struct {
					ID string `json:"id"`
				}
				if jerr := json.Unmarshal(trimmed, &rec); jerr != nil {
					return nil, fmt.Errorf("corrupt json output %s at line %d: %w", path, lineNo, jerr)
				}
				result.Rows++
				if rec.ID != "" {
					result.IDs = append(result.IDs, rec.ID)
				}
			}
			offset += int64(len(line))
		}
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read json output: %w", err)
		}
	}
	return result, nil
}

// tornHeader reports whether the file holds nothing but an unterminated
// prefix of the header line.
func tornHeader(f *os.File, size int64) bool {
	header := strings.Join(models.Columns(), ",")
	if size > int64(len(header)) {
		return false
	}
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, 0); err != nil {
		return false
	}
	return strings.HasPrefix(header, string(buf))
}

func equalColumns(got, want []string) bool {
	if len(got) != len(want) {
		return false
	}
	for i := range want {
		// Tolerate a UTF-8 byte order mark written by spreadsheet tools.
		if strings.TrimPrefix(got[i], "\ufeff") != want[i] {
			return false
		}
	}
	return true
}

func endsWithNewline(f *os.File, size int64) bool {
	if size == 0 {
		return true
	}
	last := make([]byte, 1)
	if _, err := f.ReadAt(last, size-1); err != nil {
		return false
	}
	return last[0] == '\n'
}

func truncate(f *os.File, size int64) error {
	if err := f.Truncate(size); err != nil {
		return err
	}
	return f.Sync()
}
