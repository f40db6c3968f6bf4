package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/bedrock"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/aws/aws-sdk-go-v2/config"

	"github.com/ShayCichocki/vigil/pkg/models"
)

// Narrator rewrites the deterministic reasoning of a verification result in
// plain language. It is advisory: the verifier keeps the score, verified flag
// and recommendation it computed, and falls back to its own reasoning when
// the narrator fails.
type Narrator interface {
	Narrate(ctx context.Context, result *models.VerificationResult) (string, error)
}

// NarratorConfig configures the Anthropic narrator.
type NarratorConfig struct {
	// Model is the Claude model of the verifier tier.
	Model string
	// APIKey is the Anthropic API key. If empty, uses ANTHROPIC_API_KEY.
	APIKey string
	// UseAWSBedrock routes requests through AWS Bedrock.
	UseAWSBedrock bool
	// AWSRegion is the Bedrock region (e.g., "us-west-2").
	AWSRegion string
	// AWSProfile is the optional shared-config profile.
	AWSProfile string
	// MaxTokens bounds the narrative length.
	MaxTokens int64
}

// AnthropicNarrator narrates results with the Anthropic Messages API.
type AnthropicNarrator struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64

	mu        sync.Mutex
	inputTok  int64
	outputTok int64
}

const narratorSystemPrompt = `You explain automated test verification results to engineers.
You receive a JSON verification result computed by deterministic rules.
Explain in at most five sentences why the reported pass was accepted, held for review, or rejected.
Refer only to facts in the JSON. Do not change or dispute the score, the verified flag, or the recommendation.`

// NewAnthropicNarrator creates a narrator using either an API key or AWS
// Bedrock credentials.
func NewAnthropicNarrator(cfg NarratorConfig) (*AnthropicNarrator, error) {
	var opts []option.RequestOption

	if cfg.UseAWSBedrock {
		ctx := context.Background()

		var loadOpts []func(*config.LoadOptions) error
		if cfg.AWSRegion != "" {
			loadOpts = append(loadOpts, config.WithRegion(cfg.AWSRegion))
		}
		if cfg.AWSProfile != "" {
			loadOpts = append(loadOpts, config.WithSharedConfigProfile(cfg.AWSProfile))
		}
		opts = append(opts, bedrock.WithLoadDefaultConfig(ctx, loadOpts...))
	} else {
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = os.Getenv("ANTHROPIC_API_KEY")
		}
		if apiKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY environment variable is not set")
		}
		opts = append(opts, option.WithAPIKey(apiKey))
	}

	model := anthropic.Model(cfg.Model)
	if model == "" {
		model = anthropic.ModelClaudeOpus4_5_20251101
	}
	if cfg.UseAWSBedrock {
		model = bedrockModel(model)
	}

	maxTokens := cfg.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 512
	}

	return &AnthropicNarrator{
		client:    anthropic.NewClient(opts...),
		model:     model,
		maxTokens: maxTokens,
	}, nil
}

// bedrockModel converts an Anthropic model name to its Bedrock cross-region
// inference profile.
func bedrockModel(model anthropic.Model) anthropic.Model {
	if strings.HasPrefix(string(model), "us.anthropic.") {
		return model
	}
	profiles := map[anthropic.Model]string{
		anthropic.ModelClaudeSonnet4_20250514:   "us.anthropic.claude-sonnet-4-20250514-v1:0",
		anthropic.ModelClaudeSonnet4_5_20250929: "us.anthropic.claude-sonnet-4-5-20250929-v1:0",
		anthropic.ModelClaudeHaiku4_5_20251001:  "us.anthropic.claude-haiku-4-5-20251001-v1:0",
		anthropic.ModelClaudeOpus4_1_20250805:   "us.anthropic.claude-opus-4-1-20250805-v1:0",
		anthropic.ModelClaudeOpus4_5_20251101:   "us.anthropic.claude-opus-4-5-20251101-v1:0",
	}
	if p, ok := profiles[model]; ok {
		return anthropic.Model(p)
	}
	return model
}

// Model returns the model the narrator calls.
func (n *AnthropicNarrator) Model() string {
	return string(n.model)
}

// Usage returns the tokens consumed so far.
func (n *AnthropicNarrator) Usage() (input, output int64) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.inputTok, n.outputTok
}

// Narrate implements Narrator.
func (n *AnthropicNarrator) Narrate(ctx context.Context, result *models.VerificationResult) (string, error) {
	payload, err := json.MarshalIndent(narrationInput(result), "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal verification: %w", err)
	}

	resp, err := n.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     n.model,
		MaxTokens: n.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: narratorSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(string(payload))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("narrate verification: %w", err)
	}

	n.mu.Lock()
	n.inputTok += resp.Usage.InputTokens
	n.outputTok += resp.Usage.OutputTokens
	n.mu.Unlock()

	var sb strings.Builder
	for _, block := range resp.Content {
		if text, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(text.Text)
		}
	}
	out := strings.TrimSpace(sb.String())
	if out == "" {
		return "", fmt.Errorf("narrate verification: empty response")
	}
	return out, nil
}

// narrationInput is the subset of a result the narrator needs.
func narrationInput(r *models.VerificationResult) map[string]any {
	return map[string]any{
		"test_id":          r.TestID,
		"verified":         r.Verified,
		"confidence_score": r.ConfidenceScore,
		"recommendation":   r.Recommendation,
		"factors":          r.Factors,
		"red_flags":        r.RedFlags,
		"evidence":         r.Evidence,
		"cross_validation": r.CrossValidation,
		"skeptical":        r.Skeptical,
		"reasoning":        r.Reasoning,
	}
}
