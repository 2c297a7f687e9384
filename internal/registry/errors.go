package registry

import (
	"errors"
	"fmt"
	"strings"
)

type ErrorKind string

const (
	KindToolNotFound         ErrorKind = "tool_not_found"
	KindToolInvocation       ErrorKind = "tool_invocation_error"
	KindToolCallTimeout      ErrorKind = "tool_call_timeout"
	KindArgumentParse        ErrorKind = "argument_parse_error"
	KindMalformedToolCatalog ErrorKind = "malformed_tool_catalog"
)

var (
	ErrToolNotFound         = errors.New("tool not found")
	ErrCatalogFrozen        = errors.New("tool catalog is frozen")
	ErrMalformedToolCatalog = errors.New("malformed tool catalog")
)

// ToolError is the error surfaced for any tool-facing failure. The
// conversation loop renders it into the transcript instead of aborting.
type ToolError struct {
	Kind ErrorKind
	Tool string
	Err  error
}

func (e *ToolError) Error() string {
	if e == nil {
		return ""
	}
	detail := string(e.Kind)
	if e.Err != nil {
		detail = e.Err.Error()
	}
	if strings.TrimSpace(e.Tool) == "" {
		return detail
	}
	return fmt.Sprintf("tool %q: %s", e.Tool, detail)
}

func (e *ToolError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// KindOf returns the ToolError kind carried by err, or "" if there is none.
func KindOf(err error) ErrorKind {
	var toolErr *ToolError
	if !errors.As(err, &toolErr) || toolErr == nil {
		return ""
	}
	return toolErr.Kind
}

func notFound(name string) *ToolError {
	return &ToolError{Kind: KindToolNotFound, Tool: name, Err: ErrToolNotFound}
}
