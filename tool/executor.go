package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/shinka-ai/shinka/model"
)

// SpanSink persists execution spans. Satisfied by the storage layer.
// A failed append is a storage failure and propagates to the caller:
// silently dropping a span would corrupt the lineage's trace.
type SpanSink interface {
	AppendSpan(ctx context.Context, span model.Span) error
}

// Executor mediates between an agent definition's declared capabilities
// and the registry, enforcing permission and recording every invocation
// as a span under the owning attempt.
type Executor struct {
	registry *Registry
	spans    SpanSink
	logger   *slog.Logger
	tracer   trace.Tracer
}

// NewExecutor creates an executor dispatching through registry and
// persisting spans through spans. spans may be nil, in which case no
// spans are ever recorded.
func NewExecutor(registry *Registry, spans SpanSink, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		spans:    spans,
		logger:   logger,
		tracer:   otel.Tracer("github.com/shinka-ai/shinka/tool"),
	}
}

// CallOptions controls a single dispatched tool call.
type CallOptions struct {
	// Agent supplies the permission context; nil means registry-only checks.
	Agent *model.AgentDefinition
	// AttemptID is the attempt owning the recorded span. Spans are only
	// persisted when RecordSpan is set and AttemptID is non-nil.
	AttemptID uuid.UUID
	// ParentSpanID links the recorded span into the attempt's span tree.
	ParentSpanID *uuid.UUID
	// Sequence is the span's position within the attempt. Supplied by the
	// caller: the executor never invents ordering.
	Sequence   int64
	RecordSpan bool
	// AgentID overrides the agent definition's own id in the tool context.
	AgentID string
	// Extra is merged into the tool context.
	Extra map[string]any
}

// BatchOptions controls a batch of dispatched tool calls.
type BatchOptions struct {
	Agent        *model.AgentDefinition
	AttemptID    uuid.UUID
	ParentSpanID *uuid.UUID
	// StartSequence is the sequence assigned to the first call; subsequent
	// calls get StartSequence+1, +2, ... in input order.
	StartSequence int64
	RecordSpans   bool
	AgentID       string
	Extra         map[string]any
}

// CallOutcome is the result of one dispatched call. Allowed is false
// only for policy rejections; a permitted call against an unregistered
// tool reports Allowed=true with a failure result, distinguishing a
// configuration gap from a policy rejection.
type CallOutcome struct {
	Call    model.ToolCall   `json:"call"`
	Allowed bool             `json:"allowed"`
	Result  model.ToolResult `json:"result"`
	SpanID  *uuid.UUID       `json:"span_id,omitempty"`
}

// IsToolAllowed decides whether the named tool may be invoked in the
// given agent context.
//
// With no agent, any registered tool is allowed. When the agent carries
// a constraints allow-list it is the sole authority: membership decides,
// regardless of declared descriptors. Without an allow-list the name
// must match a declared descriptor (by name, or by builtin name for
// builtin descriptors).
func (e *Executor) IsToolAllowed(name string, agent *model.AgentDefinition) bool {
	if agent == nil {
		return e.registry.Has(name)
	}
	if agent.Constraints.AllowedTools != nil {
		for _, allowed := range agent.Constraints.AllowedTools {
			if allowed == name {
				return true
			}
		}
		return false
	}
	return agent.DeclaresTool(name)
}

// ExecuteToolCall dispatches one call: permission check, registry
// dispatch, span persistence. The returned error is non-nil only for
// storage failures; policy rejections, configuration gaps, and tool
// failures are reported inside the outcome.
func (e *Executor) ExecuteToolCall(ctx context.Context, call model.ToolCall, opts CallOptions) (CallOutcome, error) {
	ctx, otelSpan := e.tracer.Start(ctx, "tool.execute",
		trace.WithAttributes(attribute.String("tool.name", call.Name)))
	defer otelSpan.End()

	outcome := CallOutcome{Call: call}

	if !e.IsToolAllowed(call.Name, opts.Agent) {
		msg := fmt.Sprintf("Tool %q is not allowed", call.Name)
		if opts.Agent != nil {
			msg = fmt.Sprintf("Tool %q is not allowed for this agent", call.Name)
		}
		outcome.Allowed = false
		outcome.Result = model.FailedToolResult(msg)
		otelSpan.SetStatus(codes.Error, "policy rejection")
		spanID, err := e.recordSpan(ctx, call, outcome.Result, opts)
		if err != nil {
			return outcome, err
		}
		outcome.SpanID = spanID
		return outcome, nil
	}
	outcome.Allowed = true

	if !e.registry.Has(call.Name) {
		// Permitted by policy but absent from the registry: a configuration
		// gap, surfaced distinctly for operator diagnosis.
		outcome.Result = model.FailedToolResult(
			fmt.Sprintf("Tool %q is not registered in the tool registry", call.Name))
		otelSpan.SetStatus(codes.Error, "configuration gap")
		spanID, err := e.recordSpan(ctx, call, outcome.Result, opts)
		if err != nil {
			return outcome, err
		}
		outcome.SpanID = spanID
		return outcome, nil
	}

	tcx := Context{
		AgentID: opts.AgentID,
		Extra:   opts.Extra,
	}
	if tcx.AgentID == "" && opts.Agent != nil {
		tcx.AgentID = opts.Agent.ID.String()
	}
	if opts.AttemptID != uuid.Nil {
		tcx.AttemptID = opts.AttemptID.String()
	}

	outcome.Result = e.registry.Execute(ctx, call.Name, call.Arguments, tcx)
	if !outcome.Result.Success {
		otelSpan.SetStatus(codes.Error, outcome.Result.Error)
	}

	spanID, err := e.recordSpan(ctx, call, outcome.Result, opts)
	if err != nil {
		return outcome, err
	}
	outcome.SpanID = spanID
	return outcome, nil
}

// ExecuteToolCalls runs calls strictly sequentially, assigning increasing
// sequence numbers from opts.StartSequence. Call N+1 starts only after
// call N's span is durably recorded, because later calls may depend on
// earlier side effects.
func (e *Executor) ExecuteToolCalls(ctx context.Context, calls []model.ToolCall, opts BatchOptions) ([]CallOutcome, error) {
	outcomes := make([]CallOutcome, 0, len(calls))
	for i, call := range calls {
		outcome, err := e.ExecuteToolCall(ctx, call, e.callOptions(opts, int64(i)))
		if err != nil {
			return outcomes, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}

// ExecuteToolCallsParallel launches all calls concurrently with
// index-derived sequence numbers and waits for all of them. One failing
// call never cancels its siblings; the result is the full set of
// individual outcomes. The returned error reports the first storage
// failure, if any.
func (e *Executor) ExecuteToolCallsParallel(ctx context.Context, calls []model.ToolCall, opts BatchOptions) ([]CallOutcome, error) {
	outcomes := make([]CallOutcome, len(calls))
	var g errgroup.Group
	for i, call := range calls {
		g.Go(func() error {
			outcome, err := e.ExecuteToolCall(ctx, call, e.callOptions(opts, int64(i)))
			outcomes[i] = outcome
			return err
		})
	}
	err := g.Wait()
	return outcomes, err
}

func (e *Executor) callOptions(opts BatchOptions, offset int64) CallOptions {
	return CallOptions{
		Agent:        opts.Agent,
		AttemptID:    opts.AttemptID,
		ParentSpanID: opts.ParentSpanID,
		Sequence:     opts.StartSequence + offset,
		RecordSpan:   opts.RecordSpans,
		AgentID:      opts.AgentID,
		Extra:        opts.Extra,
	}
}

// recordSpan persists the invocation as an execution span when recording
// is enabled and an attempt id is present. The write runs on a
// cancellation-shielded context: a caller-level timeout wrapping the
// tool call must still let the in-flight span write complete, so trace
// data is never silently dropped on timeout.
func (e *Executor) recordSpan(ctx context.Context, call model.ToolCall, result model.ToolResult, opts CallOptions) (*uuid.UUID, error) {
	if !opts.RecordSpan || e.spans == nil || opts.AttemptID == uuid.Nil {
		return nil, nil
	}

	var errPtr *string
	if !result.Success && result.Error != "" {
		msg := result.Error
		errPtr = &msg
	}

	span := model.Span{
		ID:           uuid.New(),
		AttemptID:    opts.AttemptID,
		ParentSpanID: opts.ParentSpanID,
		Sequence:     opts.Sequence,
		Type:         model.SpanTool,
		Name:         call.Name,
		Input:        serializeJSON(call),
		ToolName:     call.Name,
		ToolArgs:     call.Arguments,
		ToolOutput:   serializeJSON(result),
		Error:        errPtr,
		DurationMs:   result.Metadata.ExecutionTimeMs,
		CreatedAt:    time.Now().UTC(),
	}

	if err := e.spans.AppendSpan(context.WithoutCancel(ctx), span); err != nil {
		return nil, fmt.Errorf("tool: record span for %q: %w", call.Name, err)
	}
	return &span.ID, nil
}

// serializeJSON renders v as compact JSON, falling back to %v on
// marshal failure so span payloads are always populated.
func serializeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
