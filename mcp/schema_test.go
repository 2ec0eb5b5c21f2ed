package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateInputSchema_Empty(t *testing.T) {
	assert.NoError(t, validateInputSchema(nil))
}

func TestValidateInputSchema_Valid(t *testing.T) {
	schema := []byte(`{"type":"object","properties":{"path":{"type":"string"}},"required":["path"]}`)
	assert.NoError(t, validateInputSchema(schema))
}

func TestValidateInputSchema_InvalidJSON(t *testing.T) {
	assert.Error(t, validateInputSchema([]byte(`{not json`)))
}

func TestValidateInputSchema_InvalidSchema(t *testing.T) {
	// "type" must be a string or array of strings, not a number.
	assert.Error(t, validateInputSchema([]byte(`{"type":123}`)))
}
