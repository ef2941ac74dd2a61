package rag

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/evaplatform/ragd/llm"
	"github.com/evaplatform/ragd/llm/tokenizer"
)

const defaultSystemPrompt = `You are a helpful AI assistant for a public sector information system.
Your task is to answer questions based ONLY on the provided context documents.

Guidelines:
1. Answer questions accurately using ONLY the information from the provided context
2. If the context doesn't contain enough information, say so clearly
3. Include citations by referencing the document IDs in your answer like [Doc 1], [Doc 2]
4. Be concise but comprehensive
5. Maintain a professional, helpful tone
6. Do not make up information or use knowledge outside the provided context
7. If you're uncertain, acknowledge the limitation

Remember: Accuracy and citation are critical for public sector use.`

// citationPattern matches in-text markers like [Doc 1] or [Document 2],
// case-insensitively.
var citationPattern = regexp.MustCompile(`(?i)\[(?:Doc(?:ument)?)\s*(\d+)\]`)

// GeneratorConfig carries model defaults and per-1k-token pricing.
type GeneratorConfig struct {
	Model           string  `json:"model" yaml:"model"`
	MaxTokens       int     `json:"max_tokens" yaml:"max_tokens"`
	Temperature     float32 `json:"temperature" yaml:"temperature"`
	CostPer1kInput  float64 `json:"cost_per_1k_input" yaml:"cost_per_1k_input"`
	CostPer1kOutput float64 `json:"cost_per_1k_output" yaml:"cost_per_1k_output"`
}

// DefaultGeneratorConfig returns standard generation settings.
func DefaultGeneratorConfig() GeneratorConfig {
	return GeneratorConfig{
		MaxTokens:       1000,
		Temperature:     0.7,
		CostPer1kInput:  0.0001,
		CostPer1kOutput: 0.0002,
	}
}

// Generator produces grounded answers with citations over a chat provider.
// When the provider omits token usage, counts are backfilled with the
// tokenizer so cost metering stays consistent across vendors.
type Generator struct {
	cfg      GeneratorConfig
	provider llm.Provider
	counter  tokenizer.Counter
	logger   *zap.Logger
}

// NewGenerator creates a Generator over the given provider.
func NewGenerator(cfg GeneratorConfig, provider llm.Provider, counter tokenizer.Counter, logger *zap.Logger) *Generator {
	if logger == nil {
		logger = zap.NewNop()
	}
	if counter == nil {
		counter = tokenizer.NewTiktokenCounter(cfg.Model)
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 1000
	}
	if cfg.CostPer1kInput == 0 {
		cfg.CostPer1kInput = 0.0001
	}
	if cfg.CostPer1kOutput == 0 {
		cfg.CostPer1kOutput = 0.0002
	}
	return &Generator{
		cfg:      cfg,
		provider: provider,
		counter:  counter,
		logger:   logger.With(zap.String("component", "generator")),
	}
}

// Generate answers the query from the given context documents. The
// results slice maps citation indices back to source chunks and must be
// in the same order as req.Context.
func (g *Generator) Generate(ctx context.Context, req GenerateRequest, results []SearchResult) (*GenerateResult, error) {
	start := time.Now()

	if req.Query == "" {
		return nil, fmt.Errorf("query is required")
	}

	systemPrompt := req.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}
	userPrompt := buildUserPrompt(req.Query, req.Context)

	model := req.Model
	if model == "" {
		model = g.cfg.Model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = g.cfg.MaxTokens
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = g.cfg.Temperature
	}

	resp, err := g.provider.Completion(ctx, &llm.ChatRequest{
		TenantID: req.TenantID,
		Model:    model,
		Messages: []llm.Message{
			{Role: llm.RoleSystem, Content: systemPrompt},
			{Role: llm.RoleUser, Content: userPrompt},
		},
		MaxTokens:   maxTokens,
		Temperature: temperature,
	})
	if err != nil {
		return nil, newGenerationError(req.TenantID, err)
	}

	answer := resp.Answer()
	tokens := g.accountTokens(resp, systemPrompt+userPrompt, answer)
	cost := g.calculateCost(tokens)

	citations := []Citation{}
	if len(results) > 0 {
		citations = extractCitations(answer, results)
	}

	elapsed := elapsedMs(start)
	g.logger.Info("answer generated",
		zap.String("tenant_id", req.TenantID),
		zap.String("model", resp.Model),
		zap.Int("tokens_total", tokens.Total),
		zap.Float64("cost", cost),
		zap.Int("citations", len(citations)),
		zap.Float64("elapsed_ms", elapsed))

	usedModel := resp.Model
	if usedModel == "" {
		usedModel = model
	}

	return &GenerateResult{
		Query:            req.Query,
		Answer:           answer,
		Citations:        citations,
		Model:            usedModel,
		TokensUsed:       tokens,
		Cost:             cost,
		ProcessingTimeMs: elapsed,
	}, nil
}

// HealthCheck probes the underlying provider.
func (g *Generator) HealthCheck(ctx context.Context) (*llm.HealthStatus, error) {
	return g.provider.HealthCheck(ctx)
}

func buildUserPrompt(query string, contextDocs []string) string {
	blocks := make([]string, len(contextDocs))
	for i, doc := range contextDocs {
		blocks[i] = fmt.Sprintf("[Document %d]\n%s", i+1, doc)
	}

	return fmt.Sprintf(`Context Documents:
%s

Question: %s

Please provide a comprehensive answer based on the context documents above. Include citations in your response.`,
		strings.Join(blocks, "\n\n"), query)
}

// accountTokens prefers provider-reported usage and falls back to local
// counting when the provider omitted it.
func (g *Generator) accountTokens(resp *llm.ChatResponse, input, output string) TokensUsed {
	usage := resp.Usage
	if usage.TotalTokens > 0 || usage.PromptTokens > 0 || usage.CompletionTokens > 0 {
		total := usage.TotalTokens
		if total == 0 {
			total = usage.PromptTokens + usage.CompletionTokens
		}
		return TokensUsed{
			InputTokens:  usage.PromptTokens,
			OutputTokens: usage.CompletionTokens,
			Total:        total,
		}
	}

	in := tokenizer.Count(g.counter, input)
	out := tokenizer.Count(g.counter, output)
	return TokensUsed{InputTokens: in, OutputTokens: out, Total: in + out}
}

func (g *Generator) calculateCost(tokens TokensUsed) float64 {
	return float64(tokens.InputTokens)/1000.0*g.cfg.CostPer1kInput +
		float64(tokens.OutputTokens)/1000.0*g.cfg.CostPer1kOutput
}

// extractCitations maps [Doc N] markers in the answer back to the Nth
// retrieval result (1-based). Out-of-range indices are ignored; repeat
// references to the same document keep only the first occurrence.
func extractCitations(answer string, results []SearchResult) []Citation {
	citations := []Citation{}
	seen := make(map[int]bool)

	for _, match := range citationPattern.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(match[1])
		if err != nil {
			continue
		}
		idx := n - 1
		if idx < 0 || idx >= len(results) || seen[idx] {
			continue
		}
		seen[idx] = true

		result := results[idx]
		content := result.Content
		// Truncate by character, not byte, so multi-byte runes survive.
		if runes := []rune(content); len(runes) > 500 {
			content = string(runes[:500])
		}

		citation := Citation{
			DocumentID:     result.DocumentID,
			ChunkID:        result.ID,
			Content:        content,
			RelevanceScore: result.Score,
		}
		if v, ok := result.Metadata["title"].(string); ok {
			citation.Title = v
		}
		if v, ok := result.Metadata["author"].(string); ok {
			citation.Author = v
		}
		if v, ok := result.Metadata["source_url"].(string); ok {
			citation.SourceURL = v
		}
		if v, ok := result.Metadata["page_number"].(float64); ok {
			citation.PageNumber = int(v)
		}
		citations = append(citations, citation)
	}

	return citations
}
