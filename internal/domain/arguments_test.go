package domain

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveRawJSONObject(t *testing.T) {
	args, err := RawArguments(`{"a":2,"b":3}`).Resolve()
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"a": float64(2), "b": float64(3)}, args)
}

func TestResolveRawNonJSONFallsBackToValue(t *testing.T) {
	args, err := RawArguments("Paris").Resolve()
	var parseErr *ArgumentParseError
	require.True(t, errors.As(err, &parseErr))
	assert.Equal(t, "Paris", parseErr.Raw)
	assert.Equal(t, map[string]any{"value": "Paris"}, args)
}

func TestResolveRawNonObjectFallsBackToValue(t *testing.T) {
	args, err := RawArguments("5").Resolve()
	require.Error(t, err)
	assert.Equal(t, map[string]any{"value": "5"}, args)
}

func TestResolveEmptyRawIsEmptyMap(t *testing.T) {
	args, err := RawArguments("  ").Resolve()
	require.NoError(t, err)
	assert.Empty(t, args)
}

func TestResolveParsedReturnsCopy(t *testing.T) {
	orig := map[string]any{"city": "Paris"}
	args, err := ParsedArguments(orig).Resolve()
	require.NoError(t, err)
	args["city"] = "Rome"
	assert.Equal(t, "Paris", orig["city"])
}

func TestSignatureIgnoresDeliveryShape(t *testing.T) {
	raw := RawArguments(`{"b":3,"a":2}`)
	parsed := ParsedArguments(map[string]any{"a": float64(2), "b": float64(3)})
	assert.Equal(t, raw.Signature(), parsed.Signature())
	assert.NotEqual(t, raw.Signature(), ParsedArguments(map[string]any{"a": float64(2)}).Signature())
}

func TestToolArgumentsUnmarshalBothShapes(t *testing.T) {
	var call struct {
		Arguments ToolArguments `json:"arguments"`
	}
	require.NoError(t, json.Unmarshal([]byte(`{"arguments":"{\"x\":1}"}`), &call))
	assert.True(t, call.Arguments.IsRaw())
	assert.Equal(t, `{"x":1}`, call.Arguments.Raw())

	require.NoError(t, json.Unmarshal([]byte(`{"arguments":{"x":1}}`), &call))
	assert.False(t, call.Arguments.IsRaw())
	args, err := call.Arguments.Resolve()
	require.NoError(t, err)
	assert.Equal(t, float64(1), args["x"])
}

func TestToolResultErrorText(t *testing.T) {
	text, failed := TextResult("Error: city is required").ErrorText()
	assert.True(t, failed)
	assert.Equal(t, "Error: city is required", text)

	_, failed = TextResult("5").ErrorText()
	assert.False(t, failed)

	text, failed = ErrorResult("boom").ErrorText()
	assert.True(t, failed)
	assert.Equal(t, "Error: boom", text)
}

func TestToolResultFormatPassesUnknownKindsThrough(t *testing.T) {
	result := ToolResult{Content: []ContentItem{
		TextContent("line one"),
		{Kind: "image", Data: json.RawMessage(`{"uri":"x"}`)},
	}}
	assert.Equal(t, "line one\n{\"uri\":\"x\"}", result.Format())
}
