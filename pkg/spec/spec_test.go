package spec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dumpProcessor = "bcodmo_pipeline_processors.dump_to_s3"

const validSpec = `
dataset_842210_v1:
  title: Test dataset
  pipeline:
    - run: bcodmo_pipeline_processors.load
      parameters:
        from: "s3://submissions/dataset.xlsx"
    - run: bcodmo_pipeline_processors.convert_field_decimal_degrees
      parameters:
        fields: [Longitude]
    - run: bcodmo_pipeline_processors.dump_to_s3
      parameters:
        prefix: "842210/1/data"
        data_manager:
          name: "Jane Roe"
          orcid: "0000-0001-2345-6789"
        submission_ids:
          - 1021
          - 1022
`

func TestParse(t *testing.T) {
	p, err := Parse([]byte(validSpec))
	require.NoError(t, err)

	assert.Equal(t, "dataset_842210_v1", p.Title)
	assert.Len(t, p.Steps, 3)
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "invalid yaml", data: ":\n  - ["},
		{name: "two top-level keys", data: "a:\n  pipeline: []\nb:\n  pipeline: []\n"},
		{name: "empty document", data: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestRewriteDump(t *testing.T) {
	p, err := Parse([]byte(validSpec))
	require.NoError(t, err)

	originalPrefix, meta, err := p.RewriteDump(dumpProcessor, "EXCEL_BUG_TEST/dataset_842210_v1")
	require.NoError(t, err)

	assert.Equal(t, "842210/1/data", originalPrefix)

	require.NotNil(t, meta)
	assert.Equal(t, "Jane Roe", meta.AuthorName)
	assert.Equal(t, "0000-0001-2345-6789", meta.AuthorORCID)
	assert.Equal(t, []string{"1021", "1022"}, meta.SubmissionIDs)

	params, ok := p.Steps[2]["parameters"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "EXCEL_BUG_TEST/dataset_842210_v1", params["prefix"])
}

func TestRewriteDumpStructuralErrors(t *testing.T) {
	tests := []struct {
		name    string
		data    string
		wantErr error
	}{
		{
			name: "no dump step",
			data: `
p1:
  pipeline:
    - run: bcodmo_pipeline_processors.load
`,
			wantErr: ErrNoDumpStep,
		},
		{
			name: "multiple dump steps",
			data: `
p1:
  pipeline:
    - run: bcodmo_pipeline_processors.dump_to_s3
    - run: bcodmo_pipeline_processors.dump_to_s3
`,
			wantErr: ErrMultipleDumpSteps,
		},
		{
			name: "dump step not last",
			data: `
p1:
  pipeline:
    - run: bcodmo_pipeline_processors.dump_to_s3
    - run: bcodmo_pipeline_processors.load
`,
			wantErr: ErrDumpStepNotLast,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse([]byte(tt.data))
			require.NoError(t, err)

			_, _, err = p.RewriteDump(dumpProcessor, "EXCEL_BUG_TEST/p1")
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRewriteDumpNoMetadata(t *testing.T) {
	p, err := Parse([]byte(`
p1:
  pipeline:
    - run: bcodmo_pipeline_processors.dump_to_s3
      parameters:
        prefix: "1/2/data"
`))
	require.NoError(t, err)

	originalPrefix, meta, err := p.RewriteDump(dumpProcessor, "EXCEL_BUG_TEST/p1")
	require.NoError(t, err)

	assert.Equal(t, "1/2/data", originalPrefix)
	assert.Empty(t, meta.AuthorName)
	assert.Empty(t, meta.SubmissionIDs)
}

func TestTestPrefix(t *testing.T) {
	p := &Pipeline{Title: "dataset_1_v2"}
	assert.Equal(t, "EXCEL_BUG_TEST/dataset_1_v2", p.TestPrefix("EXCEL_BUG_TEST"))
}
