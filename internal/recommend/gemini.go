package recommend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"freshcart/internal/inventory"
)

const matchPromptTemplate = `You are a grocery recommendation engine. An item just received a larger discount.

Item:
%s

Customers and their preferences:
%s

Pick the customers who would genuinely want this offer. Consider favorite
categories, price ceilings and preferred discount levels, but you may also
match close substitutes (e.g. a pear lover for apples).

Respond with JSON only, no markdown, in this exact shape:
[{"customer_id": 1, "score": 0.9, "message": "one-sentence personalized pitch"}]

Return an empty array if nobody fits.`

// GeminiMatcher ranks customers for a discounted item using Google Gemini.
type GeminiMatcher struct {
	client *genai.Client
	model  *genai.GenerativeModel
}

// NewGeminiMatcher creates a Gemini-backed matcher.
func NewGeminiMatcher(apiKey string, modelName string) (*GeminiMatcher, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.0-flash"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	return &GeminiMatcher{
		client: client,
		model:  client.GenerativeModel(modelName),
	}, nil
}

// Match implements Matcher.
func (g *GeminiMatcher) Match(ctx context.Context, item inventory.Item, discount float64, customers []inventory.Customer) ([]MatchResult, error) {
	itemJSON, err := json.Marshal(map[string]any{
		"category": item.Category,
		"variety":  item.Variety,
		"discount": discount,
		"price":    item.CurrentPrice,
	})
	if err != nil {
		return nil, err
	}

	profiles := make([]map[string]any, 0, len(customers))
	for _, c := range customers {
		profiles = append(profiles, map[string]any{
			"customer_id":         c.ID,
			"favorite_categories": c.Preferences.FavoriteCategories,
			"max_price":           c.Preferences.MaxPrice,
			"preferred_discount":  c.Preferences.PreferredDiscount,
		})
	}
	customersJSON, err := json.Marshal(profiles)
	if err != nil {
		return nil, err
	}

	prompt := fmt.Sprintf(matchPromptTemplate, itemJSON, customersJSON)
	resp, err := g.model.GenerateContent(ctx, genai.Text(prompt))
	if err != nil {
		return nil, fmt.Errorf("generating content: %w", err)
	}

	if len(resp.Candidates) == 0 || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fmt.Errorf("no response from gemini")
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	// Strip markdown code fences if the model added them anyway.
	text := strings.TrimSpace(responseText.String())
	text = strings.TrimPrefix(text, "```json")
	text = strings.TrimPrefix(text, "```")
	text = strings.TrimSuffix(text, "```")
	text = strings.TrimSpace(text)

	var results []MatchResult
	if err := json.Unmarshal([]byte(text), &results); err != nil {
		return nil, fmt.Errorf("parsing match results: %w", err)
	}
	return results, nil
}

// Close closes the Gemini client.
func (g *GeminiMatcher) Close() error {
	return g.client.Close()
}

// Ensure GeminiMatcher implements Matcher
var _ Matcher = (*GeminiMatcher)(nil)
