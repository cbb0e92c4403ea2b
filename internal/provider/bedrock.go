package provider

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/aws/smithy-go"

	"github.com/parleyhq/parley/internal/catalog"
	"github.com/parleyhq/parley/internal/config"
	"github.com/parleyhq/parley/internal/fault"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/pkg/models"
)

const bedrockDefaultMaxTokens = 4096

// Bedrock adapts foundation models behind the AWS Converse API. Routing
// is region-based, so ModelSpec.URL is ignored here; the model id
// selects the foundation model within the configured region.
type Bedrock struct {
	client *bedrockruntime.Client
	region string
	log    *observability.Logger
}

func NewBedrock(cfg config.ProviderConfig, base *http.Client, log *observability.Logger) (*Bedrock, error) {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(region),
		awsconfig.WithRetryMaxAttempts(1),
	}
	if base != nil {
		opts = append(opts, awsconfig.WithHTTPClient(base))
	}
	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fault.Configuration("bedrock", "aws config load failed: %v", err)
	}

	return &Bedrock{
		client: bedrockruntime.NewFromConfig(awsCfg),
		region: region,
		log:    log,
	}, nil
}

func (p *Bedrock) Name() string { return "bedrock" }

func (p *Bedrock) Capabilities(m catalog.ModelSpec) Capabilities {
	return Capabilities{
		Tools:            m.ToolsSupported(),
		Images:           true,
		StructuredOutput: false,
		Streaming:        m.StreamingSupported(),
		MaxOutputTokens:  maxOutputTokens(m, bedrockDefaultMaxTokens),
		ContextLength:    m.ContextLength,
	}
}

func (p *Bedrock) ValidateConfig() error {
	if p.client == nil {
		return fault.Configuration("bedrock", "client is not initialized")
	}
	return nil
}

func (p *Bedrock) ValidateRequest(req *ChatRequest) error {
	return validateRequest(p.Capabilities(req.Model), req)
}

func (p *Bedrock) Chat(ctx context.Context, req *ChatRequest) (*models.Response, error) {
	messages, err := convertBedrockMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseInput{
		ModelId:         aws.String(req.Model.ID),
		Messages:        messages,
		System:          bedrockSystem(req),
		InferenceConfig: bedrockInference(req),
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = convertBedrockTools(req.Tools)
	}

	resp, err := p.client.Converse(ctx, input)
	if err != nil {
		return nil, classifyBedrockError(req.Model.ID, err)
	}

	msg := models.Message{Role: models.RoleAssistant}
	if output, ok := resp.Output.(*types.ConverseOutputMemberMessage); ok {
		var text strings.Builder
		for _, block := range output.Value.Content {
			switch b := block.(type) {
			case *types.ContentBlockMemberText:
				text.WriteString(b.Value)
			case *types.ContentBlockMemberToolUse:
				args := json.RawMessage("{}")
				if b.Value.Input != nil {
					if data, derr := b.Value.Input.MarshalSmithyDocument(); derr == nil {
						args = data
					}
				}
				msg.ToolCalls = append(msg.ToolCalls, models.ToolCall{
					ID:        aws.ToString(b.Value.ToolUseId),
					Name:      aws.ToString(b.Value.Name),
					Arguments: args,
				})
			}
		}
		msg.Content = text.String()
	}

	raw, _ := json.Marshal(resp)
	out := &models.Response{
		Model:    req.Model.ID,
		Provider: p.Name(),
		Raw:      raw,
		Choices: []models.ResponseChoice{{
			Message:      msg,
			FinishReason: models.NormalizeFinishReason(string(resp.StopReason)),
		}},
	}
	if resp.Usage != nil {
		out.Usage = &models.Usage{
			InputTokens:  int64(aws.ToInt32(resp.Usage.InputTokens)),
			OutputTokens: int64(aws.ToInt32(resp.Usage.OutputTokens)),
			TotalTokens:  int64(aws.ToInt32(resp.Usage.TotalTokens)),
		}
	}
	return out, nil
}

func (p *Bedrock) Stream(ctx context.Context, req *ChatRequest) (<-chan *models.ResponseChunk, error) {
	messages, err := convertBedrockMessages(req.Messages)
	if err != nil {
		return nil, err
	}

	input := &bedrockruntime.ConverseStreamInput{
		ModelId:         aws.String(req.Model.ID),
		Messages:        messages,
		System:          bedrockSystem(req),
		InferenceConfig: bedrockInference(req),
	}
	if len(req.Tools) > 0 {
		input.ToolConfig = convertBedrockTools(req.Tools)
	}

	stream, err := p.client.ConverseStream(ctx, input)
	if err != nil {
		return nil, classifyBedrockError(req.Model.ID, err)
	}

	chunks := make(chan *models.ResponseChunk)
	go p.processStream(ctx, stream, req.Model.ID, chunks)
	return chunks, nil
}

// processStream converts Converse events into canonical chunks. The
// metadata event carrying usage arrives after message stop, so the loop
// runs until the event channel closes.
func (p *Bedrock) processStream(ctx context.Context, stream *bedrockruntime.ConverseStreamOutput, model string, out chan<- *models.ResponseChunk) {
	defer close(out)

	eventStream := stream.GetStream()
	defer eventStream.Close()

	var current *toolCallState
	var usage *models.Usage

	events := eventStream.Events()
	for {
		select {
		case <-ctx.Done():
			out <- &models.ResponseChunk{Model: model, Provider: p.Name(), Err: ctx.Err(), Done: true}
			return

		case event, ok := <-events:
			if !ok {
				if err := eventStream.Err(); err != nil {
					out <- &models.ResponseChunk{
						Model:    model,
						Provider: p.Name(),
						Err:      classifyBedrockError(model, err),
						Done:     true,
					}
					return
				}
				out <- &models.ResponseChunk{Model: model, Provider: p.Name(), Usage: usage, Done: true}
				return
			}

			switch ev := event.(type) {
			case *types.ConverseStreamOutputMemberContentBlockStart:
				if toolUse, ok := ev.Value.Start.(*types.ContentBlockStartMemberToolUse); ok {
					current = &toolCallState{
						id:   aws.ToString(toolUse.Value.ToolUseId),
						name: aws.ToString(toolUse.Value.Name),
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockDelta:
				switch delta := ev.Value.Delta.(type) {
				case *types.ContentBlockDeltaMemberText:
					if delta.Value != "" {
						out <- &models.ResponseChunk{
							Model:    model,
							Provider: p.Name(),
							Choices: []models.ChunkChoice{{
								Delta: models.Delta{Role: models.RoleAssistant, Content: delta.Value},
							}},
						}
					}
				case *types.ContentBlockDeltaMemberToolUse:
					if current != nil && delta.Value.Input != nil {
						current.args.WriteString(*delta.Value.Input)
					}
				}

			case *types.ConverseStreamOutputMemberContentBlockStop:
				if current == nil {
					continue
				}
				call := finalizeCall(current.id, current.name, current.args.String())
				current = nil
				out <- &models.ResponseChunk{
					Model:    model,
					Provider: p.Name(),
					Choices: []models.ChunkChoice{{
						Delta: models.Delta{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{call}},
					}},
				}

			case *types.ConverseStreamOutputMemberMessageStop:
				finish := models.NormalizeFinishReason(string(ev.Value.StopReason))
				if finish != models.FinishNone {
					out <- &models.ResponseChunk{
						Model:    model,
						Provider: p.Name(),
						Choices:  []models.ChunkChoice{{FinishReason: finish}},
					}
				}

			case *types.ConverseStreamOutputMemberMetadata:
				if ev.Value.Usage != nil {
					usage = &models.Usage{
						InputTokens:  int64(aws.ToInt32(ev.Value.Usage.InputTokens)),
						OutputTokens: int64(aws.ToInt32(ev.Value.Usage.OutputTokens)),
						TotalTokens:  int64(aws.ToInt32(ev.Value.Usage.TotalTokens)),
					}
				}
			}
		}
	}
}

func bedrockSystem(req *ChatRequest) []types.SystemContentBlock {
	system := collectSystem(req.System, req.Messages)
	if system == "" {
		return nil
	}
	return []types.SystemContentBlock{
		&types.SystemContentBlockMemberText{Value: system},
	}
}

func bedrockInference(req *ChatRequest) *types.InferenceConfiguration {
	tokens := effectiveMaxTokens(req, bedrockDefaultMaxTokens)
	if tokens > math.MaxInt32 {
		tokens = math.MaxInt32
	}
	cfg := &types.InferenceConfiguration{
		MaxTokens: aws.Int32(int32(tokens)),
	}
	if req.Temperature != nil {
		cfg.Temperature = aws.Float32(float32(*req.Temperature))
	}
	if len(req.Stop) > 0 {
		cfg.StopSequences = req.Stop
	}
	return cfg
}

func convertBedrockMessages(msgs []models.Message) ([]types.Message, error) {
	result := make([]types.Message, 0, len(msgs))

	for _, msg := range msgs {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []types.ContentBlock

		if msg.Role == models.RoleTool {
			status := types.ToolResultStatusSuccess
			if msg.IsError {
				status = types.ToolResultStatusError
			}
			content = append(content, &types.ContentBlockMemberToolResult{
				Value: types.ToolResultBlock{
					ToolUseId: aws.String(msg.ToolCallID),
					Content: []types.ToolResultContentBlock{
						&types.ToolResultContentBlockMemberText{Value: msg.Content},
					},
					Status: status,
				},
			})
			result = append(result, types.Message{Role: types.ConversationRoleUser, Content: content})
			continue
		}

		if len(msg.Parts) > 0 {
			for _, part := range msg.Parts {
				switch part.Type {
				case models.PartText:
					if part.Text != "" {
						content = append(content, &types.ContentBlockMemberText{Value: part.Text})
					}
				case models.PartImage:
					block, err := bedrockImageBlock(part)
					if err != nil {
						return nil, err
					}
					content = append(content, block)
				}
			}
		} else if msg.Content != "" {
			content = append(content, &types.ContentBlockMemberText{Value: msg.Content})
		}

		for _, tc := range msg.ToolCalls {
			var inputDoc any
			if err := json.Unmarshal(tc.Arguments, &inputDoc); err != nil {
				inputDoc = map[string]any{}
			}
			content = append(content, &types.ContentBlockMemberToolUse{
				Value: types.ToolUseBlock{
					ToolUseId: aws.String(tc.ID),
					Name:      aws.String(tc.Name),
					Input:     document.NewLazyDocument(inputDoc),
				},
			})
		}

		if len(content) == 0 {
			continue
		}
		role := types.ConversationRoleUser
		if msg.Role == models.RoleAssistant {
			role = types.ConversationRoleAssistant
		}
		result = append(result, types.Message{Role: role, Content: content})
	}

	return result, nil
}

// bedrockImageBlock renders an image part as raw bytes. The Converse API
// takes no remote references, so only base64 payloads are accepted.
func bedrockImageBlock(part models.ContentPart) (types.ContentBlock, error) {
	encoded := part.Base64
	mime := part.MimeType

	if part.URL != "" {
		dataMime, data, ok := splitDataURL(part.URL)
		if !ok {
			return nil, fault.Validation("bedrock requires inline image data, got a remote url")
		}
		encoded, mime = data, dataMime
	}
	if encoded == "" {
		return nil, fault.Validation("image part has no base64 data")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fault.Validation("image part has invalid base64 data: %v", err)
	}
	format, ok := bedrockImageFormat(mime)
	if !ok {
		return nil, fault.Validation("unsupported image format %q", mime)
	}
	return &types.ContentBlockMemberImage{
		Value: types.ImageBlock{
			Format: format,
			Source: &types.ImageSourceMemberBytes{Value: data},
		},
	}, nil
}

func bedrockImageFormat(mime string) (types.ImageFormat, bool) {
	switch strings.ToLower(strings.TrimSpace(mime)) {
	case "image/png":
		return types.ImageFormatPng, true
	case "image/jpeg", "image/jpg", "":
		return types.ImageFormatJpeg, true
	case "image/gif":
		return types.ImageFormatGif, true
	case "image/webp":
		return types.ImageFormatWebp, true
	}
	return "", false
}

func convertBedrockTools(tools []models.ToolDefinition) *types.ToolConfiguration {
	converted := make([]types.Tool, 0, len(tools))
	for _, tool := range tools {
		var schemaDoc any
		if err := json.Unmarshal(tool.Schema, &schemaDoc); err != nil {
			continue
		}
		converted = append(converted, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(tool.Name),
				Description: aws.String(tool.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document.NewLazyDocument(schemaDoc),
				},
			},
		})
	}
	if len(converted) == 0 {
		return nil
	}
	return &types.ToolConfiguration{Tools: converted}
}

// classifyBedrockError maps AWS SDK errors onto the fault taxonomy.
func classifyBedrockError(model string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		status := http.StatusBadGateway
		switch apiErr.ErrorCode() {
		case "ThrottlingException", "TooManyRequestsException":
			status = http.StatusTooManyRequests
		case "ValidationException":
			status = http.StatusBadRequest
		case "AccessDeniedException", "UnauthorizedException":
			status = http.StatusForbidden
		case "ResourceNotFoundException":
			status = http.StatusNotFound
		case "ServiceUnavailableException":
			status = http.StatusServiceUnavailable
		case "ModelTimeoutException":
			status = http.StatusGatewayTimeout
		}
		return fault.Upstream("bedrock", model, status, apiErr.ErrorMessage())
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fault.Network("bedrock", err)
}
