// Package compare performs structured, interruptible diffs between two
// tabular datasets stored under object storage prefixes.
package compare

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"path"
	"time"

	"github.com/bcodmo/regressoor/pkg/storage"
	"github.com/sirupsen/logrus"
)

// Sentinel values used for full-row differences when one side has more
// rows than the other.
const (
	RowNotInOriginal = "ROW_NOT_IN_ORIGINAL"
	RowNotInNew      = "ROW_NOT_IN_NEW"
)

// progressCellThreshold is the file size (in cells) above which progress
// is logged during cell comparison.
const progressCellThreshold = 10000

// CellDiff is one cell-level difference. Values are the literal strings
// from the files; the bug being hunted is a formatting difference, so no
// numeric normalization is ever applied.
type CellDiff struct {
	Row           int    `json:"row"`
	Column        string `json:"column"`
	NewValue      string `json:"new_value"`
	OriginalValue string `json:"original_value"`
}

// FileComparison is the outcome of comparing one file present in both
// locations.
type FileComparison struct {
	Filename             string     `json:"filename"`
	NewPath              string     `json:"new_path"`
	OriginalPath         string     `json:"original_path"`
	NewETag              string     `json:"new_etag,omitempty"`
	OriginalETag         string     `json:"original_etag,omitempty"`
	NewSize              int64      `json:"new_size,omitempty"`
	OriginalSize         int64      `json:"original_size,omitempty"`
	OriginalLastModified *time.Time `json:"original_last_modified,omitempty"`
	ETagsMatch           bool       `json:"etags_match"`
	HeadersMatch         bool       `json:"headers_match"`
	NewHeaders           []string   `json:"new_headers,omitempty"`
	OriginalHeaders      []string   `json:"original_headers,omitempty"`
	NewRows              int        `json:"new_rows,omitempty"`
	OriginalRows         int        `json:"original_rows,omitempty"`
	RowCountMatch        bool       `json:"row_count_match"`
	CellDifferences      []CellDiff `json:"cell_differences,omitempty"`
	TotalDifferences     int        `json:"total_differences"`
	Interrupted          bool       `json:"interrupted,omitempty"`
	Error                string     `json:"error,omitempty"`
}

// Result is the outcome of comparing one logical dataset, which may span
// several files.
type Result struct {
	TotalFilesCompared   int              `json:"total_files_compared"`
	FilesWithDifferences int              `json:"files_with_differences"`
	FilesOnlyInNew       []string         `json:"files_only_in_new"`
	FilesOnlyInOriginal  []string         `json:"files_only_in_original"`
	Files                []FileComparison `json:"file_comparisons"`

	// Interrupted is the authoritative marker distinguishing a partial
	// result from a complete one with zero differences.
	Interrupted bool `json:"interrupted"`
}

// TotalCellDifferences sums cell differences across all files.
func (r *Result) TotalCellDifferences() int {
	var total int
	for _, f := range r.Files {
		total += f.TotalDifferences
	}

	return total
}

// HasHeaderMismatch reports whether any file's column headers differ.
func (r *Result) HasHeaderMismatch() bool {
	for _, f := range r.Files {
		if !f.HeadersMatch {
			return true
		}
	}

	return false
}

// Comparator diffs two storage prefixes.
type Comparator interface {
	// Compare diffs the top-level CSV files under the two prefixes. On
	// cancellation it stops at the next row or file boundary and returns
	// a partial result flagged as interrupted.
	Compare(ctx context.Context, newPrefix, originalPrefix string) (*Result, error)
}

// Ensure interface compliance.
var _ Comparator = (*comparator)(nil)

type comparator struct {
	log   logrus.FieldLogger
	store storage.ObjectStore
}

// NewComparator creates a new Comparator reading from the given store.
func NewComparator(log logrus.FieldLogger, store storage.ObjectStore) Comparator {
	return &comparator{
		log:   log.WithField("component", "comparator"),
		store: store,
	}
}

// Compare diffs the top-level CSV files under the two prefixes.
func (c *comparator) Compare(ctx context.Context, newPrefix, originalPrefix string) (*Result, error) {
	result := &Result{
		FilesOnlyInNew:      []string{},
		FilesOnlyInOriginal: []string{},
		Files:               []FileComparison{},
	}

	if ctx.Err() != nil {
		result.Interrupted = true

		return result, nil
	}

	newKeys, err := c.store.ListFiles(ctx, newPrefix, ".csv")
	if err != nil {
		return nil, fmt.Errorf("listing new output: %w", err)
	}

	originalKeys, err := c.store.ListFiles(ctx, originalPrefix, ".csv")
	if err != nil {
		return nil, fmt.Errorf("listing original output: %w", err)
	}

	newByName := keysByFilename(newKeys)
	originalByName := keysByFilename(originalKeys)

	var matched []string

	for _, key := range newKeys {
		name := path.Base(key)
		if _, ok := originalByName[name]; ok {
			matched = append(matched, name)
		} else {
			result.FilesOnlyInNew = append(result.FilesOnlyInNew, name)

			c.log.WithFields(logrus.Fields{
				"filename": name,
				"original": originalPrefix,
			}).Error("File present in test output but missing from original")
		}
	}

	for _, key := range originalKeys {
		name := path.Base(key)
		if _, ok := newByName[name]; !ok {
			result.FilesOnlyInOriginal = append(result.FilesOnlyInOriginal, name)
		}
	}

	for i, name := range matched {
		// File boundary is a cancellation checkpoint.
		if ctx.Err() != nil {
			c.log.WithFields(logrus.Fields{
				"compared": i,
				"total":    len(matched),
			}).Warn("File comparison interrupted")

			result.Interrupted = true

			return result, nil
		}

		fc, err := c.compareFile(ctx, name, newByName[name], originalByName[name])
		if err != nil {
			return nil, fmt.Errorf("comparing %s: %w", name, err)
		}

		result.TotalFilesCompared++
		if !fc.ETagsMatch {
			result.FilesWithDifferences++
		}

		result.Files = append(result.Files, *fc)

		if fc.Interrupted {
			result.Interrupted = true

			return result, nil
		}
	}

	return result, nil
}

// compareFile compares one file present in both locations: checksums
// first, full cell-level diff only on mismatch.
func (c *comparator) compareFile(ctx context.Context, name, newKey, originalKey string) (*FileComparison, error) {
	newMeta, err := c.store.Head(ctx, newKey)
	if err != nil {
		return nil, fmt.Errorf("heading new file: %w", err)
	}

	originalMeta, err := c.store.Head(ctx, originalKey)
	if err != nil {
		return nil, fmt.Errorf("heading original file: %w", err)
	}

	fc := &FileComparison{
		Filename:      name,
		NewPath:       newKey,
		OriginalPath:  originalKey,
		NewETag:       newMeta.ETag,
		OriginalETag:  originalMeta.ETag,
		NewSize:       newMeta.Size,
		OriginalSize:  originalMeta.Size,
		ETagsMatch:    newMeta.ETag == originalMeta.ETag,
		HeadersMatch:  true,
		RowCountMatch: true,
	}

	if !originalMeta.LastModified.IsZero() {
		t := originalMeta.LastModified
		fc.OriginalLastModified = &t
	}

	// Checksum short-circuit: identical content needs no download.
	if fc.ETagsMatch {
		return fc, nil
	}

	c.log.WithFields(logrus.Fields{
		"filename":      name,
		"new_etag":      newMeta.ETag,
		"original_etag": originalMeta.ETag,
	}).Warn("Checksum mismatch, performing cell-level comparison")

	if err := c.compareCells(ctx, fc); err != nil {
		return nil, err
	}

	return fc, nil
}

// compareCells downloads both files and diffs them cell by cell,
// checking for cancellation at every row boundary.
func (c *comparator) compareCells(ctx context.Context, fc *FileComparison) error {
	newRows, err := readCSV(ctx, c.store, fc.NewPath)
	if err != nil {
		return fmt.Errorf("reading new file: %w", err)
	}

	originalRows, err := readCSV(ctx, c.store, fc.OriginalPath)
	if err != nil {
		return fmt.Errorf("reading original file: %w", err)
	}

	if ctx.Err() != nil {
		fc.Interrupted = true

		return nil
	}

	newHeaders, newBody := splitHeader(newRows)
	originalHeaders, originalBody := splitHeader(originalRows)

	fc.NewRows = len(newBody)
	fc.OriginalRows = len(originalBody)
	fc.RowCountMatch = len(newBody) == len(originalBody)

	if !fc.RowCountMatch {
		c.log.WithFields(logrus.Fields{
			"filename":      fc.Filename,
			"new_rows":      len(newBody),
			"original_rows": len(originalBody),
		}).Warn("Row count mismatch")
	}

	// Header mismatch is a distinct failure class from a value
	// regression: flag it and skip cell comparison entirely.
	if !equalStrings(newHeaders, originalHeaders) {
		fc.HeadersMatch = false
		fc.NewHeaders = newHeaders
		fc.OriginalHeaders = originalHeaders
		fc.Error = "headers do not match"

		c.log.WithFields(logrus.Fields{
			"filename":         fc.Filename,
			"new_headers":      newHeaders,
			"original_headers": originalHeaders,
		}).Error("Header mismatch")

		return nil
	}

	minRows := len(newBody)
	if len(originalBody) < minRows {
		minRows = len(originalBody)
	}

	totalCells := minRows * len(newHeaders)
	lastProgress := 0

	for row := 0; row < minRows; row++ {
		if ctx.Err() != nil {
			c.log.WithFields(logrus.Fields{
				"filename": fc.Filename,
				"row":      row,
			}).Warn("Cell comparison interrupted")

			fc.Interrupted = true
			fc.TotalDifferences = len(fc.CellDifferences)

			return nil
		}

		if totalCells > progressCellThreshold {
			progress := (row * len(newHeaders) * 100) / totalCells
			if progress-lastProgress >= 10 {
				c.log.WithFields(logrus.Fields{
					"filename": fc.Filename,
					"percent":  progress,
				}).Info("Comparison progress")

				lastProgress = progress
			}
		}

		for col, header := range newHeaders {
			newValue := cellAt(newBody, row, col)
			originalValue := cellAt(originalBody, row, col)

			if newValue != originalValue {
				fc.CellDifferences = append(fc.CellDifferences, CellDiff{
					Row:           row,
					Column:        header,
					NewValue:      newValue,
					OriginalValue: originalValue,
				})
			}
		}
	}

	// Extra rows on either side are full-row differences against a
	// sentinel value.
	for row := minRows; row < len(newBody); row++ {
		if ctx.Err() != nil {
			fc.Interrupted = true
			fc.TotalDifferences = len(fc.CellDifferences)

			return nil
		}

		for col, header := range newHeaders {
			fc.CellDifferences = append(fc.CellDifferences, CellDiff{
				Row:           row,
				Column:        header,
				NewValue:      cellAt(newBody, row, col),
				OriginalValue: RowNotInOriginal,
			})
		}
	}

	for row := minRows; row < len(originalBody); row++ {
		if ctx.Err() != nil {
			fc.Interrupted = true
			fc.TotalDifferences = len(fc.CellDifferences)

			return nil
		}

		for col, header := range originalHeaders {
			fc.CellDifferences = append(fc.CellDifferences, CellDiff{
				Row:           row,
				Column:        header,
				NewValue:      RowNotInNew,
				OriginalValue: cellAt(originalBody, row, col),
			})
		}
	}

	fc.TotalDifferences = len(fc.CellDifferences)

	if fc.TotalDifferences > 0 {
		c.log.WithFields(logrus.Fields{
			"filename":    fc.Filename,
			"differences": fc.TotalDifferences,
		}).Info("Found cell differences")
	}

	return nil
}

// readCSV downloads and parses a CSV object, preserving the original
// string representation of every value.
func readCSV(ctx context.Context, store storage.ObjectStore, key string) ([][]string, error) {
	data, err := store.Get(ctx, key)
	if err != nil {
		return nil, err
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parsing CSV: %w", err)
	}

	return rows, nil
}

// splitHeader separates the header row from the data rows.
func splitHeader(rows [][]string) ([]string, [][]string) {
	if len(rows) == 0 {
		return nil, nil
	}

	return rows[0], rows[1:]
}

// cellAt returns the cell value, or "" for ragged rows shorter than the
// header.
func cellAt(rows [][]string, row, col int) string {
	if col >= len(rows[row]) {
		return ""
	}

	return rows[row][col]
}

func keysByFilename(keys []string) map[string]string {
	m := make(map[string]string, len(keys))
	for _, key := range keys {
		m[path.Base(key)] = key
	}

	return m
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}

	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}

	return true
}
