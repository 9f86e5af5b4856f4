package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/abacus/internal/model"
)

// ErrEmptyResponse is returned when a provider answers without any text
var ErrEmptyResponse = errors.New("empty response from provider")

// systemPrompt frames every explanation request
const systemPrompt = "You are a healthcare claims analyst providing brief, actionable explanations. You never invent facts that are not in the claim details."

// Provider defines the interface for text generation services
type Provider interface {
	// Name returns the provider name
	Name() string

	// Explain generates an explanation for a flagged claim
	Explain(ctx context.Context, req ExplainRequest) (*ExplainResponse, error)

	// IsAvailable checks if the provider is properly configured and accessible
	IsAvailable(ctx context.Context) bool
}

// ExplainRequest contains the input for one explanation
type ExplainRequest struct {
	// Prompt is the complete user prompt
	Prompt string

	// Model overrides the configured model
	Model string

	// MaxTokens limits the response length
	MaxTokens int
}

// ExplainResponse contains the generated explanation
type ExplainResponse struct {
	Text       string
	Model      string
	TokensUsed int
}

// Config holds provider configuration
type Config struct {
	// Provider name: "openai", "anthropic", "ollama", ""
	Provider string

	// Model name (provider-specific)
	Model string

	// APIKey for OpenAI/Anthropic
	APIKey string

	// BaseURL for custom endpoints (e.g., Ollama)
	BaseURL string

	// Timeout bounds a single API request
	Timeout time.Duration

	// MaxTokens for response generation
	MaxTokens int

	// Proxy settings
	HTTPProxy  string
	HTTPSProxy string
	NoProxy    string
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Provider:  "", // Disabled by default
		Timeout:   15 * time.Second,
		MaxTokens: 200,
	}
}

func (c Config) timeout(fallback time.Duration) time.Duration {
	if c.Timeout > 0 {
		return c.Timeout
	}
	return fallback
}

func (c Config) maxTokens(requested int) int {
	if requested > 0 {
		return requested
	}
	if c.MaxTokens > 0 {
		return c.MaxTokens
	}
	return 200
}

// PromptInput is the factual context of one explanation
type PromptInput struct {
	Record      model.ClaimRecord
	Flags       []string // Every rule or anomaly basis raised for the record
	Basis       string   // The finding or flag being explained
	Baseline    string   // Deterministic explanation text
	MustMention []string // Facts the answer has to repeat verbatim
}

// BuildPrompt constructs the prompt for one flagged claim
func BuildPrompt(in PromptInput) string {
	r := in.Record
	amount := r.RawAmount
	if r.Amount.Valid {
		amount = r.Amount.Decimal.StringFixed(2)
	}

	var b strings.Builder
	fmt.Fprintf(&b, `You are a healthcare claims analyst. Analyze this flagged claim and provide a brief explanation.

Claim Details:
- Claim ID: %s
- Claim Amount: $%s
- Provider ID: %s
- Member ID: %s
- Service Date: %s
- ICD-10 Code: %s
- CPT Code: %s
- Flags: %s

Basis being explained: %s
Reference explanation: %s
`, orNA(r.ClaimID), orNA(amount), orNA(r.ProviderID), orNA(r.MemberID), orNA(r.ServiceDate),
		orNA(r.DiagnosisCode), orNA(r.ProcedureCode), orNA(strings.Join(in.Flags, ", ")), in.Basis, in.Baseline)

	if len(in.MustMention) > 0 {
		b.WriteString("\nYour answer MUST contain each of these values exactly as written:\n")
		for _, m := range in.MustMention {
			fmt.Fprintf(&b, "- %s\n", m)
		}
	}

	b.WriteString("\nProvide a 2-sentence explanation of why this claim was flagged, followed by 1 specific remediation suggestion.\nKeep the response concise and actionable. Do not add facts that are not listed above.")
	return b.String()
}

func orNA(s string) string {
	if strings.TrimSpace(s) == "" {
		return "N/A"
	}
	return s
}
