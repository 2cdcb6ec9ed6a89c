package types

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorEnvelope(t *testing.T) {
	raw, err := json.Marshal(NewErrorFrom(CodeMappingBind, "Failed to bind I/O point", errors.New("I/O point already bound")))
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":{"code":"MAPPING_BIND","message":"Failed to bind I/O point","details":"I/O point already bound"}}`, string(raw))

	raw, err = json.Marshal(NewErrorFrom(CodeBridgeStop, "Failed to stop bridge", nil))
	require.NoError(t, err)
	assert.JSONEq(t, `{"error":{"code":"BRIDGE_STOP","message":"Failed to stop bridge"}}`, string(raw))
}
