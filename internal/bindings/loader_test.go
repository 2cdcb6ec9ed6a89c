package bindings

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/XavSPM/RevpiEpics/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleBindings = `{
  "version": 1,
  "bindings": [
    {"io_name": "InputValue_1"},
    {"io_name": "OutputValue_1", "pv_name": "ao1", "drvl": 0, "drvh": 5000,
     "fields": {"EGU": "mV"}}
  ]
}`

func newLoader(t *testing.T) *Loader {
	t.Helper()
	l, err := NewLoader()
	require.NoError(t, err)
	return l
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bindings.json")
	require.NoError(t, os.WriteFile(path, []byte(sampleBindings), 0o644))

	defs, err := newLoader(t).Load(path)
	require.NoError(t, err)
	require.Len(t, defs, 2)

	assert.Equal(t, "InputValue_1", defs[0].IOName)
	assert.Empty(t, defs[0].PVName)
	assert.Nil(t, defs[0].DriveLow)

	assert.Equal(t, "ao1", defs[1].PVName)
	require.NotNil(t, defs[1].DriveHigh)
	assert.Equal(t, 5000.0, *defs[1].DriveHigh)
	assert.Equal(t, "mV", defs[1].Fields["EGU"])
}

func TestLoadMissingFile(t *testing.T) {
	_, err := newLoader(t).Load(filepath.Join(t.TempDir(), "nope.json"))
	assert.ErrorContains(t, err, "failed to read bindings file")
}

func TestParseRejectsInvalidDocuments(t *testing.T) {
	l := newLoader(t)

	cases := map[string]string{
		"not json":      `{`,
		"wrong version": `{"version": 2, "bindings": []}`,
		"empty io name": `{"version": 1, "bindings": [{"io_name": ""}]}`,
		"unknown field": `{"version": 1, "bindings": [{"io_name": "a", "scan": 1}]}`,
		"bad drvh type": `{"version": 1, "bindings": [{"io_name": "a", "drvh": "high"}]}`,
		"duplicate":     `{"version": 1, "bindings": [{"io_name": "a"}, {"io_name": "a"}]}`,
		"inverted":      `{"version": 1, "bindings": [{"io_name": "a", "drvl": 5, "drvh": 1}]}`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := l.Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestValidateDefinition(t *testing.T) {
	v := newLoader(t).Validator()

	assert.NoError(t, v.ValidateDefinition(types.BindingDefinition{IOName: "O_1"}))
	assert.Error(t, v.ValidateDefinition(types.BindingDefinition{}))
}
