package bedrock

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"go.opentelemetry.io/otel/trace"

	"github.com/jettro/bedrock-agent/internal/infra/tracer"
)

// converseAPI abstracts the Bedrock runtime Converse method for testability.
type converseAPI interface {
	Converse(ctx context.Context, params *bedrockruntime.ConverseInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseOutput, error)
}

// ModelProbe checks that a foundation model answers with the current credentials.
type ModelProbe struct {
	client converseAPI
	logger *slog.Logger
}

// NewModelProbe creates a probe on a runtime client built from awsCfg.
func NewModelProbe(awsCfg aws.Config, logger *slog.Logger) *ModelProbe {
	return newModelProbeWithClient(bedrockruntime.NewFromConfig(awsCfg), logger)
}

// newModelProbeWithClient creates a ModelProbe with an injected client (for testing).
func newModelProbeWithClient(client converseAPI, logger *slog.Logger) *ModelProbe {
	return &ModelProbe{client: client, logger: logger}
}

// ProbeResult is the outcome of a successful probe.
type ProbeResult struct {
	Model   string
	Reply   string
	Latency time.Duration
}

// Probe sends a one-word prompt to model and returns its reply.
func (p *ModelProbe) Probe(ctx context.Context, model string) (*ProbeResult, error) {
	ctx, span := tracer.StartSpan(ctx, "bedrock.probe",
		trace.WithAttributes(tracer.StringAttr("agent.model", model)),
	)
	defer span.End()

	start := time.Now()
	out, err := p.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId: aws.String(model),
		Messages: []types.Message{{
			Role:    types.ConversationRoleUser,
			Content: []types.ContentBlock{&types.ContentBlockMemberText{Value: "Reply with the single word: ready"}},
		}},
		InferenceConfig: &types.InferenceConfiguration{MaxTokens: aws.Int32(10)},
	})
	if err != nil {
		err = mapBedrockError(err)
		tracer.RecordError(span, err)
		return nil, err
	}

	res := &ProbeResult{Model: model, Latency: time.Since(start)}
	if msg, ok := out.Output.(*types.ConverseOutputMemberMessage); ok {
		var sb strings.Builder
		for _, block := range msg.Value.Content {
			if text, ok := block.(*types.ContentBlockMemberText); ok {
				sb.WriteString(text.Value)
			}
		}
		res.Reply = strings.TrimSpace(sb.String())
	}

	tracer.SetOK(span)
	p.logger.Debug("model probe", "model", model, "latency", res.Latency, "reply", res.Reply)
	return res, nil
}
