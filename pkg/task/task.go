package task

import (
	"encoding/json"
	"fmt"
	"os"
)

// Item is one candidate pipeline to re-run and compare. The detector
// context fields (excel file, cell location, values) are carried through
// verbatim into the final report.
type Item struct {
	PipelineName  string `json:"pipeline_name"`
	PipelineSpec  string `json:"pipeline_spec"`
	ExcelFile     string `json:"excel_file,omitempty"`
	SheetName     string `json:"sheet_name,omitempty"`
	ErrorLocation string `json:"error_location,omitempty"`
	Row           *int   `json:"row,omitempty"`
	Column        string `json:"column,omitempty"`
	OldValue      string `json:"old_value,omitempty"`
	NewValue      string `json:"new_value,omitempty"`
	FormatType    string `json:"format_type,omitempty"`
	LastUpdated   string `json:"last_updated,omitempty"`
}

// Load reads the candidate list from a JSON file. A failure here is fatal
// for the whole run, not a per-item error.
func Load(path string) ([]Item, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tasks file: %w", err)
	}

	var items []Item
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, fmt.Errorf("parsing tasks file: %w", err)
	}

	for i, item := range items {
		if item.PipelineSpec == "" {
			return nil, fmt.Errorf("task %d (%q): pipeline_spec is required", i, item.PipelineName)
		}
	}

	return items, nil
}

// Filter returns the items whose pipeline name is in names. An empty
// names list returns all items.
func Filter(items []Item, names []string) []Item {
	if len(names) == 0 {
		return items
	}

	nameSet := make(map[string]struct{}, len(names))
	for _, n := range names {
		nameSet[n] = struct{}{}
	}

	filtered := make([]Item, 0, len(items))

	for _, item := range items {
		if _, ok := nameSet[item.PipelineName]; ok {
			filtered = append(filtered, item)
		}
	}

	return filtered
}
