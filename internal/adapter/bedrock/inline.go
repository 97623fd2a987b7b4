// Package bedrock talks to the Amazon Bedrock runtimes: inline agent invocation
// through the agent runtime and a model reachability probe through Converse.
package bedrock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockagentruntime/types"
	"github.com/aws/smithy-go"
	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/jettro/bedrock-agent/internal/domain"
	"github.com/jettro/bedrock-agent/internal/infra/config"
	"github.com/jettro/bedrock-agent/internal/infra/tracer"
)

// Trace levels accepted by the client.
const (
	TraceNone = "none"
	TraceCore = "core"
	TraceAll  = "all"
)

// inlineAgentAPI abstracts the agent runtime method for testability.
type inlineAgentAPI interface {
	InvokeInlineAgent(ctx context.Context, params *bedrockagentruntime.InvokeInlineAgentInput, optFns ...func(*bedrockagentruntime.Options)) (*bedrockagentruntime.InvokeInlineAgentOutput, error)
}

// eventStream is the part of the SDK event stream the client reads.
type eventStream interface {
	Events() <-chan types.InlineAgentResponseStream
	Close() error
	Err() error
}

// InlineAgentClient implements domain.AgentInvoker on InvokeInlineAgent.
type InlineAgentClient struct {
	client     inlineAgentAPI
	streamOf   func(*bedrockagentruntime.InvokeInlineAgentOutput) eventStream
	traceLevel string
	timeout    time.Duration
	breaker    *gobreaker.CircuitBreaker[*domain.InvokeResult]
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// NewInlineAgentClient creates a client on an agent runtime client built from awsCfg.
func NewInlineAgentClient(awsCfg aws.Config, cfg config.InvokeConfig, logger *slog.Logger) *InlineAgentClient {
	return newInlineAgentClientWithClient(bedrockagentruntime.NewFromConfig(awsCfg), cfg, logger)
}

// newInlineAgentClientWithClient creates a client with an injected API (for testing).
func newInlineAgentClientWithClient(api inlineAgentAPI, cfg config.InvokeConfig, logger *slog.Logger) *InlineAgentClient {
	c := &InlineAgentClient{
		client: api,
		streamOf: func(out *bedrockagentruntime.InvokeInlineAgentOutput) eventStream {
			return out.GetStream()
		},
		traceLevel: cfg.TraceLevel,
		timeout:    cfg.Timeout,
		logger:     logger,
	}
	if c.traceLevel == "" {
		c.traceLevel = TraceCore
	}
	if cfg.RequestsPerMinute > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerMinute)/60.0, 1)
	}
	if cfg.CircuitBreaker.Enabled {
		c.breaker = newBreaker(cfg.CircuitBreaker, logger)
	}
	return c
}

func newBreaker(cfg config.CircuitBreakerConfig, logger *slog.Logger) *gobreaker.CircuitBreaker[*domain.InvokeResult] {
	maxFailures := cfg.MaxFailures
	if maxFailures == 0 {
		maxFailures = 5
	}
	return gobreaker.NewCircuitBreaker[*domain.InvokeResult](gobreaker.Settings{
		Name:        "bedrock:inline-agent",
		MaxRequests: 1, // one probe in half-open state
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= maxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		// Bad requests are the caller's fault and say nothing about the service.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, domain.ErrInvalidInput)
		},
	})
}

// Invoke sends req to the inline agent runtime and collects the streamed answer.
func (c *InlineAgentClient) Invoke(ctx context.Context, req domain.InvokeRequest) (*domain.InvokeResult, error) {
	invocationID := newInvocationID()
	ctx, span := tracer.StartSpan(ctx, "bedrock.invoke_inline_agent",
		trace.WithAttributes(
			tracer.StringAttr("agent.name", req.AgentName),
			tracer.StringAttr("agent.model", req.FoundationModel),
			tracer.StringAttr("agent.collaboration", string(req.AgentCollaboration)),
			tracer.StringAttr("invocation.id", invocationID),
		),
	)
	defer span.End()

	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			tracer.RecordError(span, err)
			return nil, domain.WrapOp("bedrock.Invoke", err)
		}
	}

	var (
		result *domain.InvokeResult
		err    error
	)
	if c.breaker != nil {
		result, err = c.breaker.Execute(func() (*domain.InvokeResult, error) {
			return c.invoke(ctx, invocationID, req)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			err = fmt.Errorf("%w: inline agent: %v", domain.ErrCircuitOpen, err)
		}
	} else {
		result, err = c.invoke(ctx, invocationID, req)
	}
	if err != nil {
		tracer.RecordError(span, err)
		return nil, err
	}

	span.SetAttributes(tracer.IntAttr("invocation.trace_events", len(result.Traces)))
	tracer.SetOK(span)
	c.logger.Info("inline agent invoked",
		"invocation_id", invocationID,
		"agent", req.AgentName,
		"session_id", result.SessionID,
		"completion_len", len(result.Completion),
	)
	return result, nil
}

func (c *InlineAgentClient) invoke(ctx context.Context, invocationID string, req domain.InvokeRequest) (*domain.InvokeResult, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	out, err := c.client.InvokeInlineAgent(ctx, toInvokeInlineAgentInput(req))
	if err != nil {
		return nil, mapBedrockError(err)
	}

	sessionID := req.SessionID
	if out.SessionId != nil && *out.SessionId != "" {
		sessionID = *out.SessionId
	}

	stream := c.streamOf(out)
	if stream == nil {
		return nil, fmt.Errorf("%w: inline agent returned no event stream", domain.ErrProviderError)
	}
	defer stream.Close()

	result, err := collectResponse(ctx, stream, func(ev domain.TraceEvent) {
		c.logTrace(invocationID, ev)
	})
	if err != nil {
		return nil, err
	}
	result.SessionID = sessionID
	return result, nil
}

// logTrace writes a trace event at the configured trace level. core shows the
// agent's reasoning and final answers, all shows every trace part.
func (c *InlineAgentClient) logTrace(invocationID string, ev domain.TraceEvent) {
	switch c.traceLevel {
	case TraceNone:
		return
	case TraceCore:
		if ev.Text == "" {
			return
		}
	}
	c.logger.Info("agent trace",
		"invocation_id", invocationID,
		"collaborator", ev.Collaborator,
		"kind", ev.Kind,
		"text", ev.Text,
	)
}

// collectResponse drains stream, concatenating chunks into the completion and
// recording trace parts in arrival order.
func collectResponse(ctx context.Context, stream eventStream, onTrace func(domain.TraceEvent)) (*domain.InvokeResult, error) {
	var (
		completion strings.Builder
		traces     []domain.TraceEvent
	)
	events := stream.Events()
	for {
		select {
		case <-ctx.Done():
			return nil, domain.WrapOp("bedrock.collect", ctx.Err())
		case evt, ok := <-events:
			if !ok {
				if err := stream.Err(); err != nil {
					return nil, mapBedrockError(err)
				}
				return &domain.InvokeResult{Completion: completion.String(), Traces: traces}, nil
			}
			switch v := evt.(type) {
			case *types.InlineAgentResponseStreamMemberChunk:
				completion.Write(v.Value.Bytes)
			case *types.InlineAgentResponseStreamMemberTrace:
				ev := traceEventOf(v.Value)
				traces = append(traces, ev)
				if onTrace != nil {
					onTrace(ev)
				}
			}
		}
	}
}

func traceEventOf(part types.InlineAgentTracePart) domain.TraceEvent {
	ev := domain.TraceEvent{Collaborator: aws.ToString(part.CollaboratorName)}
	switch t := part.Trace.(type) {
	case *types.TraceMemberOrchestrationTrace:
		ev.Kind = "orchestration"
		switch o := t.Value.(type) {
		case *types.OrchestrationTraceMemberRationale:
			ev.Kind = "rationale"
			ev.Text = aws.ToString(o.Value.Text)
		case *types.OrchestrationTraceMemberObservation:
			ev.Kind = "observation"
			if o.Value.FinalResponse != nil {
				ev.Text = aws.ToString(o.Value.FinalResponse.Text)
			}
		}
	case *types.TraceMemberRoutingClassifierTrace:
		ev.Kind = "routing"
	case *types.TraceMemberPreProcessingTrace:
		ev.Kind = "preprocessing"
	case *types.TraceMemberPostProcessingTrace:
		ev.Kind = "postprocessing"
	case *types.TraceMemberGuardrailTrace:
		ev.Kind = "guardrail"
	case *types.TraceMemberFailureTrace:
		ev.Kind = "failure"
		ev.Text = aws.ToString(t.Value.FailureReason)
	default:
		ev.Kind = "other"
	}
	return ev
}

// --- request conversion ---

func toInvokeInlineAgentInput(req domain.InvokeRequest) *bedrockagentruntime.InvokeInlineAgentInput {
	in := &bedrockagentruntime.InvokeInlineAgentInput{
		FoundationModel:    aws.String(req.FoundationModel),
		Instruction:        aws.String(req.Instruction),
		SessionId:          aws.String(req.SessionID),
		InputText:          aws.String(req.InputText),
		AgentName:          aws.String(req.AgentName),
		AgentCollaboration: types.AgentCollaboration(req.AgentCollaboration),
		EnableTrace:        req.EnableTrace,
		EndSession:         req.EndSession,
		ActionGroups:       toActionGroups(req.ActionGroups),
		KnowledgeBases:     toKnowledgeBases(req.KnowledgeBases),
	}
	if req.Collaboration != nil {
		in.CollaboratorConfigurations = toCollaboratorConfigurations(req.CollaboratorConfigurations)
		in.Collaborators = make([]types.Collaborator, 0, len(req.Collaborators))
		for _, c := range req.Collaborators {
			in.Collaborators = append(in.Collaborators, toCollaborator(c))
		}
	}
	return in
}

func toCollaborator(cfg domain.AgentConfig) types.Collaborator {
	c := types.Collaborator{
		AgentName:          aws.String(cfg.AgentName),
		FoundationModel:    aws.String(cfg.FoundationModel),
		Instruction:        aws.String(cfg.Instruction),
		AgentCollaboration: types.AgentCollaboration(cfg.AgentCollaboration),
		ActionGroups:       toActionGroups(cfg.ActionGroups),
		KnowledgeBases:     toKnowledgeBases(cfg.KnowledgeBases),
	}
	if cfg.Collaboration != nil {
		c.CollaboratorConfigurations = toCollaboratorConfigurations(cfg.CollaboratorConfigurations)
	}
	return c
}

func toActionGroups(groups []domain.ActionGroupConfig) []types.AgentActionGroup {
	if len(groups) == 0 {
		return nil
	}
	out := make([]types.AgentActionGroup, 0, len(groups))
	for _, g := range groups {
		out = append(out, types.AgentActionGroup{
			ActionGroupName:     aws.String(g.ActionGroupName),
			Description:         aws.String(g.Description),
			ActionGroupExecutor: &types.ActionGroupExecutorMemberLambda{Value: g.ActionGroupExecutor.Lambda},
			ApiSchema:           &types.APISchemaMemberPayload{Value: g.APISchema.Payload},
		})
	}
	return out
}

func toKnowledgeBases(kbs []domain.KnowledgeBaseConfig) []types.KnowledgeBase {
	if len(kbs) == 0 {
		return nil
	}
	out := make([]types.KnowledgeBase, 0, len(kbs))
	for _, kb := range kbs {
		out = append(out, types.KnowledgeBase{
			KnowledgeBaseId: aws.String(kb.KnowledgeBaseID),
			Description:     aws.String(kb.Description),
		})
	}
	return out
}

func toCollaboratorConfigurations(links []domain.CollaboratorLink) []types.CollaboratorConfiguration {
	out := make([]types.CollaboratorConfiguration, 0, len(links))
	for _, l := range links {
		out = append(out, types.CollaboratorConfiguration{
			CollaboratorName:         aws.String(l.CollaboratorName),
			CollaboratorInstruction:  aws.String(l.CollaboratorInstruction),
			RelayConversationHistory: types.RelayConversationHistory(l.RelayConversationHistory),
		})
	}
	return out
}

// --- errors ---

func mapBedrockError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException", "ServiceQuotaExceededException":
			return fmt.Errorf("%w: %w", domain.ErrRateLimit, err)
		case "AccessDeniedException", "UnrecognizedClientException", "ExpiredTokenException":
			return fmt.Errorf("%w: %w", domain.ErrAuthInvalid, err)
		case "ValidationException":
			return fmt.Errorf("%w: %w", domain.ErrInvalidInput, err)
		case "ResourceNotFoundException":
			return domain.NewSubSystemError("invoke", "bedrock", domain.ErrNotFound, msg)
		}
	}

	return domain.NewSubSystemError("invoke", "bedrock", domain.ErrProviderError, msg)
}

func newInvocationID() string {
	t := time.Now()
	entropy := ulid.Monotonic(rand.New(rand.NewSource(t.UnixNano())), 0)
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}
