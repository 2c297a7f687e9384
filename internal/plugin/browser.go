package plugin

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/cgrail/mcp-express-test/internal/domain"
)

const (
	ToolGetButtonIDs = "get-button-ids"
	ToolPressButton  = "press-button"

	actionGetButtons  = "getButtons"
	actionPressButton = "pressButton"
)

var ErrBrowserButtonIDMissing = errors.New("browser_button_id_missing")

// NewBrowserTools returns the tools served by the connected web page.
func NewBrowserTools(sender Sender) []ToolPlugin {
	return []ToolPlugin{
		NewRemoteTool(domain.ToolDefinition{
			Name:        ToolGetButtonIDs,
			Description: "Lists the ids of the buttons on the connected web page",
			Parameters: domain.ToolParameters{
				Type:       "object",
				Properties: map[string]any{},
				Required:   []string{},
			},
		}, actionGetButtons, sender),
		&pressButtonTool{remote: NewRemoteTool(domain.ToolDefinition{
			Name:        ToolPressButton,
			Description: "Presses a button on the connected web page",
			Parameters: domain.ToolParameters{
				Type: "object",
				Properties: map[string]any{
					"buttonId": map[string]any{"type": "string", "description": "Id of the button to press"},
				},
				Required: []string{"buttonId"},
				Order:    []string{"buttonId"},
				Schema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"buttonId": map[string]any{"type": "string"},
					},
					"required": []any{"buttonId"},
				},
			},
		}, actionPressButton, sender)},
	}
}

// pressButtonTool checks its argument before going over the wire so a
// missing id is reported to the model without a round trip.
type pressButtonTool struct {
	remote *RemoteTool
}

func (t *pressButtonTool) Definition() domain.ToolDefinition {
	return t.remote.Definition()
}

func (t *pressButtonTool) Invoke(ctx context.Context, args map[string]interface{}) (domain.ToolResult, error) {
	buttonID := strings.TrimSpace(stringFromAny(args["buttonId"]))
	if buttonID == "" {
		return domain.ToolResult{}, fmt.Errorf("%w: buttonId is required", ErrBrowserButtonIDMissing)
	}
	return t.remote.Invoke(ctx, map[string]interface{}{"buttonId": buttonID})
}
