package agent

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"

	"github.com/cgrail/mcp-express-test/internal/domain"
	"github.com/cgrail/mcp-express-test/internal/registry"
	"github.com/cgrail/mcp-express-test/internal/runner"
	"github.com/cgrail/mcp-express-test/internal/service/ports"
)

const (
	DefaultMaxRounds = 8

	GatewayUnavailableMessage = "Error: Lost connection to the inference server. Please ensure it is running."

	skippedAfterFailure  = "Skipped: previous tool call failed"
	skippedNotDispatched = "Skipped: tool call was not dispatched"
)

type State string

const (
	StateIdle             State = "idle"
	StateAwaitingModel    State = "awaiting_model"
	StateDispatchingTools State = "dispatching_tools"
	StateDone             State = "done"
)

// Reasons recorded on transitions.
const (
	ReasonUserInput    = "user_input"
	ReasonNoToolCalls  = "no_tool_calls"
	ReasonToolCalls    = "tool_calls"
	ReasonToolFailed   = "tool_failed"
	ReasonBatchDone    = "batch_done"
	ReasonRetry        = "corrective_tool_calls"
	ReasonNewTools     = "new_tool_calls"
	ReasonNoNewTools   = "no_new_tools"
	ReasonStuckRetry   = "stuck_retry"
	ReasonRoundLimit   = "round_limit"
	ReasonModelError   = "model_error"
	ReasonGatewayError = "gateway_unavailable"
)

type Transition struct {
	From   State
	To     State
	Reason string
}

// RetentionPolicy decides what happens to the transcript between turns.
type RetentionPolicy string

const (
	RetentionKeep         RetentionPolicy = "keep"
	RetentionResetPerTurn RetentionPolicy = "reset"
)

func ParseRetentionPolicy(raw string) (RetentionPolicy, bool) {
	switch RetentionPolicy(strings.ToLower(strings.TrimSpace(raw))) {
	case "", RetentionKeep:
		return RetentionKeep, true
	case RetentionResetPerTurn:
		return RetentionResetPerTurn, true
	default:
		return RetentionKeep, false
	}
}

type Dependencies struct {
	Gateway ports.ChatGateway
	Tools   ports.ToolCatalog
	Logger  *slog.Logger
}

type Options struct {
	Model        string
	SystemPrompt string
	MaxRounds    int
	Retention    RetentionPolicy
}

// Orchestrator owns one conversation transcript and drives the
// model call / tool dispatch loop for it. Turns are serialised; a streaming
// turn holds the turn lock until its side dispatch has finished.
type Orchestrator struct {
	deps   Dependencies
	opts   Options
	logger *slog.Logger

	turnMu sync.Mutex

	mu         sync.Mutex
	state      State
	trace      []Transition
	transcript []domain.Message
}

func New(deps Dependencies, opts Options) *Orchestrator {
	if opts.MaxRounds <= 0 {
		opts.MaxRounds = DefaultMaxRounds
	}
	if opts.Retention == "" {
		opts.Retention = RetentionKeep
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		deps:   deps,
		opts:   opts,
		logger: logger.With("component", "orchestrator"),
		state:  StateIdle,
	}
	o.transcript = o.initialTranscript()
	return o
}

func (o *Orchestrator) initialTranscript() []domain.Message {
	if strings.TrimSpace(o.opts.SystemPrompt) == "" {
		return nil
	}
	return []domain.Message{{Role: domain.RoleSystem, Content: o.opts.SystemPrompt}}
}

func (o *Orchestrator) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Trace returns the transitions of the most recent turn.
func (o *Orchestrator) Trace() []Transition {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Transition, len(o.trace))
	copy(out, o.trace)
	return out
}

func (o *Orchestrator) Transcript() []domain.Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]domain.Message, len(o.transcript))
	copy(out, o.transcript)
	return out
}

// Wait blocks until no turn is running, including side dispatch started by
// a streaming turn.
func (o *Orchestrator) Wait() {
	o.turnMu.Lock()
	o.turnMu.Unlock()
}

// Busy reports whether a turn, or its side dispatch, is running.
func (o *Orchestrator) Busy() bool {
	if o.turnMu.TryLock() {
		o.turnMu.Unlock()
		return false
	}
	return true
}

// HandleMessage runs one complete turn. The returned text is always usable
// as the reply: on failure it is an error-shaped message. err is non-nil
// when the turn could not reach the model, so callers can map it.
func (o *Orchestrator) HandleMessage(ctx context.Context, input string) (string, error) {
	o.turnMu.Lock()
	defer o.turnMu.Unlock()

	start := o.beginTurn(input)
	reply, err := o.deps.Gateway.Chat(ctx, o.chatRequest())
	if err != nil {
		o.abortFirstCall(err)
		return failureText(err), err
	}

	if err := o.runRounds(ctx, reply); err != nil {
		return GatewayUnavailableMessage, err
	}
	return o.assistantText(start), nil
}

// HandleMessageStreaming streams the first model call's text through emit.
// Tool calls it reports are dispatched on a side goroutine; their results
// land in the transcript but are not emitted. Failures are emitted as
// "Error:<message>" fragments and also returned.
func (o *Orchestrator) HandleMessageStreaming(ctx context.Context, input string, emit func(string)) error {
	if emit == nil {
		emit = func(string) {}
	}
	o.turnMu.Lock()

	o.beginTurn(input)
	reply, err := o.deps.Gateway.ChatStream(ctx, o.chatRequest(), func(fragment string) {
		if fragment != "" {
			emit(fragment)
		}
	})
	if err != nil {
		o.abortFirstCall(err)
		o.turnMu.Unlock()
		emit("Error:" + streamErrorMessage(err))
		return err
	}

	if len(reply.ToolCalls) == 0 {
		defer o.turnMu.Unlock()
		return o.runRounds(ctx, reply)
	}

	dispatchCtx := context.WithoutCancel(ctx)
	go func() {
		defer o.turnMu.Unlock()
		if err := o.runRounds(dispatchCtx, reply); err != nil {
			o.logger.Warn("side tool dispatch aborted", "error", err)
		}
	}()
	return nil
}

func (o *Orchestrator) beginTurn(input string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.opts.Retention == RetentionResetPerTurn {
		o.transcript = o.initialTranscript()
	}
	o.trace = o.trace[:0]
	start := len(o.transcript)
	o.transcript = append(o.transcript, domain.Message{Role: domain.RoleUser, Content: input})
	o.transitionLocked(StateAwaitingModel, ReasonUserInput)
	return start
}

// abortFirstCall drops the user message so a failed turn leaves no trace in
// the history.
func (o *Orchestrator) abortFirstCall(err error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if n := len(o.transcript); n > 0 && o.transcript[n-1].Role == domain.RoleUser {
		o.transcript = o.transcript[:n-1]
	}
	reason := ReasonModelError
	if runner.IsGatewayUnavailable(err) {
		reason = ReasonGatewayError
	}
	o.transitionLocked(StateDone, reason)
	o.logger.Warn("model call failed", "error", err)
}

// runRounds appends reply and keeps dispatching tool batches until the
// model stops asking for new tools, a retry is stuck or the round limit is
// hit. Only an unreachable gateway is returned as an error.
func (o *Orchestrator) runRounds(ctx context.Context, reply runner.ChatResult) error {
	o.appendMessage(reply.Message())
	calls := reply.ToolCalls
	if len(calls) == 0 {
		o.transition(StateDone, ReasonNoToolCalls)
		return nil
	}
	o.transition(StateDispatchingTools, ReasonToolCalls)

	for round := 0; ; round++ {
		if round >= o.opts.MaxRounds {
			o.logger.Warn("tool round limit reached", "max_rounds", o.opts.MaxRounds)
			o.closeDangling(calls)
			o.transition(StateDone, ReasonRoundLimit)
			return nil
		}
		next, err := o.dispatchBatch(ctx, calls)
		if err != nil {
			return err
		}
		if len(next) == 0 {
			return nil
		}
		calls = next
	}
}

// dispatchBatch runs one batch in order. It returns the next batch to
// dispatch, or nil when the turn is done.
func (o *Orchestrator) dispatchBatch(ctx context.Context, calls []domain.ToolCallRequest) ([]domain.ToolCallRequest, error) {
	for i, call := range calls {
		args, parseErr := call.Arguments.Resolve()
		if parseErr != nil {
			toolErr := &registry.ToolError{Kind: registry.KindArgumentParse, Tool: call.ToolName, Err: parseErr}
			o.logger.Debug("tool arguments are not json, wrapped as value", "kind", toolErr.Kind, "error", toolErr)
		}
		mappings := o.deps.Tools.Suggest(call.ToolName, args)
		fixed := registry.ApplyMappings(args, mappings)
		if len(mappings) > 0 {
			o.logger.Info("remapped tool arguments", "tool", call.ToolName, "mappings", mappings)
		}

		result, err := o.deps.Tools.Invoke(ctx, call.ToolName, fixed)
		if err != nil {
			result = domain.ErrorResult(err.Error())
		}

		errText, failed := result.ErrorText()
		if !failed {
			o.appendToolMessage(call, result.Format())
			continue
		}

		o.logger.Info("tool call failed, asking model to correct", "tool", call.ToolName, "error", errText)
		o.appendToolMessage(call, o.deps.Tools.Diagnose(call.ToolName, errText, args, mappings))
		for _, skipped := range calls[i+1:] {
			o.appendToolMessage(skipped, skippedAfterFailure)
		}
		return o.correct(ctx, call)
	}

	o.transition(StateAwaitingModel, ReasonBatchDone)
	reply, err := o.deps.Gateway.Chat(ctx, o.chatRequest())
	if err != nil {
		return nil, o.midTurnFailure(err)
	}
	o.appendMessage(reply.Message())
	if !introducesNewTools(reply.ToolCalls, calls) {
		o.closeDangling(reply.ToolCalls)
		reason := ReasonNoToolCalls
		if len(reply.ToolCalls) > 0 {
			reason = ReasonNoNewTools
		}
		o.transition(StateDone, reason)
		return nil, nil
	}
	o.transition(StateDispatchingTools, ReasonNewTools)
	return reply.ToolCalls, nil
}

// correct issues the single corrective model call after failed. A reply
// that repeats the failed call verbatim is a stuck retry and ends the turn.
func (o *Orchestrator) correct(ctx context.Context, failed domain.ToolCallRequest) ([]domain.ToolCallRequest, error) {
	o.transition(StateAwaitingModel, ReasonToolFailed)
	reply, err := o.deps.Gateway.Chat(ctx, o.chatRequest())
	if err != nil {
		return nil, o.midTurnFailure(err)
	}
	o.appendMessage(reply.Message())
	if len(reply.ToolCalls) == 0 {
		o.transition(StateDone, ReasonNoToolCalls)
		return nil, nil
	}
	if repeatsCall(reply.ToolCalls, failed) {
		o.logger.Warn("model repeated the failed tool call, stopping", "tool", failed.ToolName)
		o.closeDangling(reply.ToolCalls)
		o.transition(StateDone, ReasonStuckRetry)
		return nil, nil
	}
	o.transition(StateDispatchingTools, ReasonRetry)
	return reply.ToolCalls, nil
}

// midTurnFailure ends the turn. Only an unreachable gateway is propagated;
// other model failures just end the round.
func (o *Orchestrator) midTurnFailure(err error) error {
	if runner.IsGatewayUnavailable(err) {
		o.transition(StateDone, ReasonGatewayError)
		o.logger.Warn("inference server unreachable mid-turn", "error", err)
		return err
	}
	o.transition(StateDone, ReasonModelError)
	o.logger.Warn("follow-up model call failed", "error", err)
	return nil
}

// closeDangling answers calls the turn will not dispatch so every call in
// the transcript keeps exactly one tool message.
func (o *Orchestrator) closeDangling(calls []domain.ToolCallRequest) {
	for _, call := range calls {
		o.appendToolMessage(call, skippedNotDispatched)
	}
}

func (o *Orchestrator) chatRequest() runner.ChatRequest {
	var tools []domain.ToolDefinition
	if o.deps.Tools != nil {
		tools = o.deps.Tools.Definitions()
	}
	return runner.ChatRequest{
		Model:    o.opts.Model,
		Messages: o.Transcript(),
		Tools:    tools,
	}
}

func (o *Orchestrator) appendMessage(msg domain.Message) {
	o.mu.Lock()
	o.transcript = append(o.transcript, msg)
	o.mu.Unlock()
}

func (o *Orchestrator) appendToolMessage(call domain.ToolCallRequest, content string) {
	o.appendMessage(domain.Message{
		Role:       domain.RoleTool,
		Content:    content,
		ToolCallID: call.ID,
		Name:       call.ToolName,
	})
}

func (o *Orchestrator) assistantText(start int) string {
	o.mu.Lock()
	defer o.mu.Unlock()
	if start > len(o.transcript) {
		start = len(o.transcript)
	}
	parts := make([]string, 0, 4)
	for _, msg := range o.transcript[start:] {
		if msg.Role == domain.RoleAssistant {
			parts = append(parts, msg.Content)
		}
	}
	return domain.JoinNonEmpty(parts)
}

func (o *Orchestrator) transition(to State, reason string) {
	o.mu.Lock()
	o.transitionLocked(to, reason)
	o.mu.Unlock()
}

func (o *Orchestrator) transitionLocked(to State, reason string) {
	o.trace = append(o.trace, Transition{From: o.state, To: to, Reason: reason})
	o.state = to
}

func failureText(err error) string {
	if runner.IsGatewayUnavailable(err) {
		return GatewayUnavailableMessage
	}
	return "Error processing input: " + errorMessage(err)
}

func streamErrorMessage(err error) string {
	if runner.IsGatewayUnavailable(err) {
		return strings.TrimPrefix(GatewayUnavailableMessage, "Error: ")
	}
	return errorMessage(err)
}

func errorMessage(err error) string {
	var runnerErr *runner.RunnerError
	if errors.As(err, &runnerErr) && runnerErr.Err != nil {
		return runnerErr.Error() + ": " + runnerErr.Err.Error()
	}
	return err.Error()
}

// repeatsCall reports whether every call in next is the failed call again,
// same name and same canonical arguments.
func repeatsCall(next []domain.ToolCallRequest, failed domain.ToolCallRequest) bool {
	want := callSignature(failed)
	for _, call := range next {
		if callSignature(call) != want {
			return false
		}
	}
	return true
}

func callSignature(call domain.ToolCallRequest) string {
	return call.ToolName + "\x00" + call.Arguments.Signature()
}

func introducesNewTools(next, previous []domain.ToolCallRequest) bool {
	seen := make(map[string]struct{}, len(previous))
	for _, call := range previous {
		seen[call.ToolName] = struct{}{}
	}
	for _, call := range next {
		if _, ok := seen[call.ToolName]; !ok {
			return true
		}
	}
	return false
}
