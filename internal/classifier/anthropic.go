package classifier

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"receipt-intake/internal/models"
)

const (
	DefaultModel     = "claude-sonnet-4-5-20250929"
	defaultMaxTokens = 2048
)

// AnthropicClassifier asks Claude to allocate a receipt the heuristics could not resolve.
// Its rate limiter belongs to the instance, so separate pipelines do not share a budget.
type AnthropicClassifier struct {
	client  anthropic.Client
	model   string
	limiter *rate.Limiter
	logger  logrus.FieldLogger
}

// NewAnthropicClassifier builds a classifier. ratePerSecond <= 0 disables throttling.
func NewAnthropicClassifier(apiKey, model string, ratePerSecond float64, logger logrus.FieldLogger) (*AnthropicClassifier, error) {
	if len(apiKey) == 0 {
		return nil, errors.New("ANTHROPIC_API_KEY not set. Please set it in the environment or .env")
	}
	if len(model) == 0 {
		model = DefaultModel
	}
	limit := rate.Inf
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &AnthropicClassifier{
		client:  anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:   model,
		limiter: rate.NewLimiter(limit, 1),
		logger:  logger,
	}, nil
}

// Classify implements Classifier.
func (c *AnthropicClassifier) Classify(ctx context.Context, receipt *models.Receipt, entities []models.Entity) (*Classification, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, errors.Wrap(err, "rate limiter")
	}

	prompt, err := buildPrompt(receipt, entities)
	if err != nil {
		return nil, err
	}

	message, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(c.model),
		MaxTokens: defaultMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "claude API call failed")
	}
	if len(message.Content) == 0 {
		return nil, errors.New("empty response from Claude API")
	}

	var responseText string
	for _, block := range message.Content {
		if block.Type == "text" {
			responseText += block.Text
		}
	}
	c.logger.WithFields(logrus.Fields{
		"receipt_id": receipt.ID,
		"model":      c.model,
		"prompt_len": len(prompt),
	}).Debug("classified receipt")

	return parseClassification(responseText)
}

type promptItem struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Amount      string `json:"amount"`
	Category    string `json:"category,omitempty"`
	Allocated   string `json:"allocated_entity_id,omitempty"`
}

type promptEntity struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

type promptData struct {
	Merchant string         `json:"merchant"`
	Date     string         `json:"date"`
	Total    string         `json:"total"`
	Items    []promptItem   `json:"items"`
	Entities []promptEntity `json:"entities"`
}

func buildPrompt(receipt *models.Receipt, entities []models.Entity) (string, error) {
	data := promptData{
		Merchant: receipt.MerchantName,
		Date:     receipt.Date.Format("2006-01-02"),
		Total:    receipt.TotalAmount.StringFixed(2),
	}
	for _, item := range receipt.Items {
		data.Items = append(data.Items, promptItem{
			ID:          item.ID,
			Description: item.Description,
			Amount:      item.Amount.StringFixed(2),
			Category:    item.Category,
			Allocated:   item.AllocatedEntityID,
		})
	}
	for _, e := range entities {
		if !e.Active {
			continue
		}
		data.Entities = append(data.Entities, promptEntity{ID: e.ID, Name: e.Name, Type: string(e.Type)})
	}
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "unable to marshal prompt data")
	}

	prompt := `You allocate receipt line items to the business entity (or personal scope) that should
own them for tax purposes.

**Rules:**
- Use "personal" as the entity id for personal spending.
- Only use entity ids from the "entities" list.
- Items that already have "allocated_entity_id" are decided; do not change them.
- If you cannot tell which entity owns the purchase, answer with confidence "low".
- Keep reasoning BRIEF (5-15 words).

**Output Format:**
Return only a JSON object:

{
  "confidence": "low" | "medium" | "high",
  "is_business": true,
  "category": "Software",
  "suggested_entity_id": "biz-1",
  "line_item_allocations": [{"item_id": "i1", "entity_id": "biz-1", "category": "Software"}],
  "reasoning": "Cloud hosting invoice addressed to the LLC."
}

**Receipt:**

`
	prompt += string(payload)
	prompt += "\n\n**Now generate the JSON response:**"
	return prompt, nil
}

// parseClassification extracts the JSON object from a model reply; models sometimes wrap it
// in markdown fences.
func parseClassification(text string) (*Classification, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end < start {
		return nil, errors.Errorf("no JSON found in response: %s", text)
	}
	var res Classification
	if err := json.Unmarshal([]byte(text[start:end+1]), &res); err != nil {
		return nil, errors.Wrapf(err, "failed to parse JSON response: %s", text[start:end+1])
	}
	res.Confidence = ConfidenceLevel(strings.ToLower(string(res.Confidence)))
	if !res.Confidence.Valid() {
		return nil, errors.Errorf("unknown confidence %q", res.Confidence)
	}
	return &res, nil
}
