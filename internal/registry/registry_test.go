package registry

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cgrail/mcp-express-test/internal/domain"
)

type fakeProvider struct {
	name    string
	tools   []domain.ToolDescriptor
	listErr error
	calls   []string
	invoke  func(name string, args map[string]any) (domain.ToolResult, error)
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) ListTools(context.Context) ([]domain.ToolDescriptor, error) {
	return p.tools, p.listErr
}

func (p *fakeProvider) InvokeTool(_ context.Context, name string, args map[string]any) (domain.ToolResult, error) {
	p.calls = append(p.calls, name)
	if p.invoke != nil {
		return p.invoke(name, args)
	}
	return domain.TextResult("ok"), nil
}

const citySchema = `{"type":"object","properties":{"city":{"type":"string"},"date":{"type":"string"}},"required":["city"]}`

func TestRegisterSkipsNamelessDescriptors(t *testing.T) {
	reg := New(nil)
	accepted, err := reg.Register(&fakeProvider{}, []domain.ToolDescriptor{
		{Name: "weather", Description: "Weather lookup", InputSchema: json.RawMessage(citySchema)},
		{Name: "  "},
	})
	require.NoError(t, err)
	require.Len(t, accepted, 1)

	def, ok := reg.LookupDefinition("weather")
	require.True(t, ok)
	assert.Equal(t, "Weather lookup", def.Description)
	assert.Equal(t, []string{"city"}, def.Parameters.Required)
	assert.Equal(t, []string{"city", "date"}, def.Parameters.Names())
}

func TestRegisterKeepsDeclaredPropertyOrder(t *testing.T) {
	reg := New(nil)
	_, err := reg.Register(&fakeProvider{}, []domain.ToolDescriptor{
		{Name: "t", InputSchema: json.RawMessage(`{"properties":{"zeta":{},"alpha":{},"mid":{}}}`)},
	})
	require.NoError(t, err)
	def, _ := reg.LookupDefinition("t")
	assert.Equal(t, []string{"zeta", "alpha", "mid"}, def.Parameters.Names())
	assert.Equal(t, "object", def.Parameters.Type)
}

func TestRegisterDefaultsMissingSchema(t *testing.T) {
	reg := New(nil)
	_, err := reg.Register(&fakeProvider{}, []domain.ToolDescriptor{{Name: "get-button-ids"}})
	require.NoError(t, err)
	def, ok := reg.LookupDefinition("get-button-ids")
	require.True(t, ok)
	assert.Empty(t, def.Parameters.Properties)
	assert.Empty(t, def.Parameters.Required)
	assert.Equal(t, "", def.Description)
}

func TestRegisterReplacesDuplicateName(t *testing.T) {
	reg := New(nil)
	first := &fakeProvider{name: "first"}
	second := &fakeProvider{name: "second"}
	_, _ = reg.Register(first, []domain.ToolDescriptor{{Name: "add", Description: "v1"}})
	_, _ = reg.Register(second, []domain.ToolDescriptor{{Name: "add", Description: "v2"}})

	assert.Equal(t, 1, reg.Len())
	_, err := reg.Invoke(context.Background(), "add", nil)
	require.NoError(t, err)
	assert.Empty(t, first.calls)
	assert.Equal(t, []string{"add"}, second.calls)
}

func TestFreezeRejectsRegistration(t *testing.T) {
	reg := New(nil)
	reg.Freeze()
	_, err := reg.Register(&fakeProvider{}, []domain.ToolDescriptor{{Name: "x"}})
	assert.ErrorIs(t, err, ErrCatalogFrozen)
	err = reg.RegisterLocal(domain.ToolDefinition{Name: "y"}, InvokerFunc(func(context.Context, string, map[string]any) (domain.ToolResult, error) {
		return domain.ToolResult{}, nil
	}))
	assert.ErrorIs(t, err, ErrCatalogFrozen)
}

func TestInvokeUnknownToolReturnsNotFound(t *testing.T) {
	reg := New(nil)
	_, err := reg.Invoke(context.Background(), "missing", map[string]any{})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrToolNotFound)
	assert.Equal(t, KindToolNotFound, KindOf(err))
}

func TestInvokeWrapsInvokerErrors(t *testing.T) {
	reg := New(nil)
	boom := errors.New("boom")
	_, _ = reg.Register(&fakeProvider{invoke: func(string, map[string]any) (domain.ToolResult, error) {
		return domain.ToolResult{}, boom
	}}, []domain.ToolDescriptor{{Name: "explode"}})

	_, err := reg.Invoke(context.Background(), "explode", nil)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, KindToolInvocation, KindOf(err))
	assert.Contains(t, err.Error(), `tool "explode"`)
}

func TestInvokeKeepsTimeoutKind(t *testing.T) {
	reg := New(nil)
	_, _ = reg.Register(&fakeProvider{invoke: func(string, map[string]any) (domain.ToolResult, error) {
		return domain.ToolResult{}, &ToolError{Kind: KindToolCallTimeout, Err: errors.New("no reply")}
	}}, []domain.ToolDescriptor{{Name: "press-button"}})

	_, err := reg.Invoke(context.Background(), "press-button", nil)
	assert.Equal(t, KindToolCallTimeout, KindOf(err))
	assert.Contains(t, err.Error(), "press-button")
}

func TestDiscoverTreatsMalformedCatalogAsEmpty(t *testing.T) {
	reg := New(nil)
	listErr := &ToolError{Kind: KindMalformedToolCatalog, Err: ErrMalformedToolCatalog}
	n := reg.Discover(context.Background(), &fakeProvider{name: "odd", listErr: listErr})
	assert.Zero(t, n)
	assert.Zero(t, reg.Len())
}

func TestNormalizeSchemaSortsDecodedMaps(t *testing.T) {
	decoded := map[string]any{"properties": map[string]any{"zeta": map[string]any{}, "alpha": map[string]any{}}}
	assert.Equal(t, []string{"alpha", "zeta"}, NormalizeSchema(decoded).Names())

	raw := json.RawMessage(`{"properties":{"zeta":{},"alpha":{}}}`)
	assert.Equal(t, []string{"zeta", "alpha"}, NormalizeSchema(raw).Names())
}

func TestDiscoverSwallowsProviderFailure(t *testing.T) {
	reg := New(nil)
	n := reg.Discover(context.Background(), &fakeProvider{name: "down", listErr: errors.New("connection refused")})
	assert.Zero(t, n)
	assert.Zero(t, reg.Len())
}

func TestDiagnoseListsParametersAndMappings(t *testing.T) {
	reg := New(nil)
	_, _ = reg.Register(&fakeProvider{}, []domain.ToolDescriptor{{Name: "weather", InputSchema: json.RawMessage(citySchema)}})

	args := map[string]any{"City_Name": "Paris"}
	msg := reg.Diagnose("weather", "Error: city is required", args, reg.Suggest("weather", args))

	assert.True(t, strings.HasPrefix(msg, "Error using tool weather:\nError: city is required\n"))
	assert.Contains(t, msg, "Required: city\n")
	assert.Contains(t, msg, "Available: city, date\n")
	assert.Contains(t, msg, "- City_Name -> city\n")
	assert.Contains(t, msg, "Schema violations:\n")
}

func TestDiagnoseUnknownToolOnlyCarriesError(t *testing.T) {
	reg := New(nil)
	msg := reg.Diagnose("ghost", "Error: tool not found", nil, nil)
	assert.Equal(t, "Error using tool ghost:\nError: tool not found\n\n", msg)
}

func TestViolationsEmptyForValidArgs(t *testing.T) {
	reg := New(nil)
	_, _ = reg.Register(&fakeProvider{}, []domain.ToolDescriptor{{Name: "weather", InputSchema: json.RawMessage(citySchema)}})
	assert.Empty(t, reg.Violations("weather", map[string]any{"city": "Paris"}))
	assert.NotEmpty(t, reg.Violations("weather", map[string]any{"city": 3}))
}
