package advisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/irfndi/accounting-finance-manager-sub006/domain/ai"
)

// Generation profiles per use case. Compliance answers must be
// reproducible, categorization nearly so; open-ended analysis benefits
// from some variance.
const (
	analysisTemperature       = 0.7
	categorizationTemperature = 0.2
	complianceTemperature     = 0.1

	advisorMaxTokens = 2048
)

const analysisSystemPrompt = `You are a financial analyst for a small-business accounting system. ` +
	`Analyze the transactions the user provides and answer their question with concrete, quantified observations. ` +
	`Be direct about anomalies, trends and cash-flow risks. Plain text, no markdown.`

const categorizationSystemPrompt = `You categorize business transactions into a fixed chart of accounts. ` +
	`Allowed categories: revenue, cost_of_goods_sold, payroll, rent, utilities, travel, meals, office_supplies, ` +
	`software, marketing, taxes, bank_fees, insurance, equipment, professional_services, other. ` +
	`Respond with a single JSON object {"category": "<one allowed category>", "confidence": <0..1>, "rationale": "<one sentence>"} and nothing else.`

const complianceSystemPrompt = `You review business transactions for bookkeeping compliance issues: ` +
	`missing descriptions, round-number patterns, duplicate payments, unusually large amounts, weekend or backdated entries, ` +
	`and spending that looks personal rather than business. ` +
	`Respond with a single JSON object {"compliant": <bool>, "issues": [{"transaction_id": "...", "severity": "low|medium|high", "description": "..."}], "summary": "..."} and nothing else.`

// Transaction is the advisor's view of one ledger entry.
type Transaction struct {
	ID          string    `json:"id"`
	Date        time.Time `json:"date"`
	Description string    `json:"description"`
	Amount      float64   `json:"amount"`
	Currency    string    `json:"currency,omitempty"`
	Category    string    `json:"category,omitempty"`
	Account     string    `json:"account,omitempty"`
}

type Analysis struct {
	Summary string         `json:"summary"`
	ModelID string         `json:"model_id,omitempty"`
	Usage   *ai.TokenUsage `json:"usage,omitempty"`
}

type Categorization struct {
	Category   string  `json:"category"`
	Confidence float64 `json:"confidence"`
	Rationale  string  `json:"rationale,omitempty"`
	ModelID    string  `json:"model_id,omitempty"`
}

type ComplianceIssue struct {
	TransactionID string `json:"transaction_id"`
	Severity      string `json:"severity"`
	Description   string `json:"description"`
}

type ComplianceReport struct {
	Compliant bool              `json:"compliant"`
	Issues    []ComplianceIssue `json:"issues,omitempty"`
	Summary   string            `json:"summary,omitempty"`
	ModelID   string            `json:"model_id,omitempty"`
}

// Generator is the slice of the orchestrator the advisor consumes.
type Generator interface {
	GenerateText(ctx context.Context, messages []ai.Message, opts ai.GenerationOptions) (*ai.GenerationResult, error)
}

// Service frames accounting questions as generation calls. All
// resilience (retries, failover, timeouts) lives below it in the
// orchestrator; the service owns only prompts and response shapes.
type Service struct {
	generator Generator
}

func NewService(generator Generator) (*Service, error) {
	if generator == nil {
		return nil, errors.New("generator is required")
	}
	return &Service{generator: generator}, nil
}

// AnalyzeTransactions answers an open-ended question over a set of
// transactions. The answer is prose, not structured data.
func (s *Service) AnalyzeTransactions(ctx context.Context, transactions []Transaction, question string) (*Analysis, error) {
	if len(transactions) == 0 {
		return nil, &ai.ValidationError{Field: "transactions", Message: "cannot be empty"}
	}
	if strings.TrimSpace(question) == "" {
		question = "Summarize the notable patterns, anomalies and risks in these transactions."
	}

	payload, err := json.Marshal(transactions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transactions: %w", err)
	}

	temperature := analysisTemperature
	maxTokens := advisorMaxTokens
	result, err := s.generator.GenerateText(ctx, []ai.Message{
		{Role: ai.RoleSystem, Content: analysisSystemPrompt},
		{Role: ai.RoleUser, Content: fmt.Sprintf("Transactions:\n%s\n\nQuestion: %s", payload, question)},
	}, ai.GenerationOptions{Temperature: &temperature, MaxTokens: &maxTokens})
	if err != nil {
		return nil, err
	}

	logrus.WithFields(logrus.Fields{
		"transactions": len(transactions),
		"model":        result.ModelID,
	}).Info("Transaction analysis completed")

	return &Analysis{
		Summary: strings.TrimSpace(result.Content),
		ModelID: result.ModelID,
		Usage:   result.Usage,
	}, nil
}

// CategorizeTransaction assigns one transaction to the chart of
// accounts. A model answer that is not the requested JSON is tolerated
// by treating the whole answer as the category name.
func (s *Service) CategorizeTransaction(ctx context.Context, tx Transaction) (*Categorization, error) {
	if strings.TrimSpace(tx.Description) == "" {
		return nil, &ai.ValidationError{Field: "description", Message: "cannot be empty"}
	}

	payload, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	temperature := categorizationTemperature
	maxTokens := advisorMaxTokens
	result, err := s.generator.GenerateText(ctx, []ai.Message{
		{Role: ai.RoleSystem, Content: categorizationSystemPrompt},
		{Role: ai.RoleUser, Content: string(payload)},
	}, ai.GenerationOptions{Temperature: &temperature, MaxTokens: &maxTokens})
	if err != nil {
		return nil, err
	}

	var categorization Categorization
	if err := decodeModelJSON(result.Content, &categorization); err != nil || categorization.Category == "" {
		categorization = Categorization{
			Category:   strings.ToLower(strings.TrimSpace(result.Content)),
			Confidence: 0.5,
		}
	}
	if categorization.Confidence < 0 {
		categorization.Confidence = 0
	}
	if categorization.Confidence > 1 {
		categorization.Confidence = 1
	}
	categorization.ModelID = result.ModelID

	return &categorization, nil
}

// CheckCompliance reviews transactions for bookkeeping problems. Unlike
// categorization there is no free-text fallback: a compliance verdict
// that cannot be parsed is an error, not a guess.
func (s *Service) CheckCompliance(ctx context.Context, transactions []Transaction) (*ComplianceReport, error) {
	if len(transactions) == 0 {
		return nil, &ai.ValidationError{Field: "transactions", Message: "cannot be empty"}
	}

	payload, err := json.Marshal(transactions)
	if err != nil {
		return nil, fmt.Errorf("failed to encode transactions: %w", err)
	}

	temperature := complianceTemperature
	maxTokens := advisorMaxTokens
	result, err := s.generator.GenerateText(ctx, []ai.Message{
		{Role: ai.RoleSystem, Content: complianceSystemPrompt},
		{Role: ai.RoleUser, Content: string(payload)},
	}, ai.GenerationOptions{Temperature: &temperature, MaxTokens: &maxTokens})
	if err != nil {
		return nil, err
	}

	report := &ComplianceReport{}
	if err := decodeModelJSON(result.Content, report); err != nil {
		return nil, fmt.Errorf("failed to parse compliance verdict: %w", err)
	}
	report.ModelID = result.ModelID

	logrus.WithFields(logrus.Fields{
		"transactions": len(transactions),
		"compliant":    report.Compliant,
		"issues":       len(report.Issues),
	}).Info("Compliance check completed")

	return report, nil
}

// decodeModelJSON unmarshals a model answer that may be wrapped in
// markdown fences.
func decodeModelJSON(raw string, v any) error {
	candidate := strings.TrimSpace(raw)
	if strings.HasPrefix(candidate, "```") {
		candidate = strings.TrimPrefix(candidate, "```json")
		candidate = strings.TrimPrefix(candidate, "```")
		candidate = strings.TrimSuffix(candidate, "```")
		candidate = strings.TrimSpace(candidate)
	}
	return json.Unmarshal([]byte(candidate), v)
}
