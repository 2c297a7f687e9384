package domain

import (
	"encoding/json"
	"strings"
)

type ContentKind string

const ContentText ContentKind = "text"

// ContentItem is one item of tool result content. Only text is interpreted;
// any other kind is carried through as opaque text.
type ContentItem struct {
	Kind ContentKind     `json:"type"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

func TextContent(text string) ContentItem {
	return ContentItem{Kind: ContentText, Text: text}
}

// String renders the item for the transcript.
func (c ContentItem) String() string {
	if c.Kind == ContentText || c.Text != "" {
		return c.Text
	}
	return string(c.Data)
}

type ToolResult struct {
	Content []ContentItem `json:"content"`
	IsError bool          `json:"isError,omitempty"`
}

func TextResult(text string) ToolResult {
	return ToolResult{Content: []ContentItem{TextContent(text)}}
}

// ErrorResult builds an error-shaped result. The "Error" marker in the text
// is what the conversation loop keys on.
func ErrorResult(text string) ToolResult {
	if !strings.Contains(text, "Error") {
		text = "Error: " + text
	}
	return ToolResult{Content: []ContentItem{TextContent(text)}, IsError: true}
}

// Format joins all content items with newlines.
func (r ToolResult) Format() string {
	parts := make([]string, 0, len(r.Content))
	for _, item := range r.Content {
		parts = append(parts, item.String())
	}
	return strings.Join(parts, "\n")
}

// ErrorText reports whether the result is error-shaped: flagged as an error,
// or its first item is text containing "Error".
func (r ToolResult) ErrorText() (string, bool) {
	if len(r.Content) > 0 && r.Content[0].Kind == ContentText && strings.Contains(r.Content[0].Text, "Error") {
		return r.Content[0].Text, true
	}
	if r.IsError {
		return r.Format(), true
	}
	return "", false
}
