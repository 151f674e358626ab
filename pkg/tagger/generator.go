// Package tagger generates topic tags for posts and keeps them current as
// vision enrichment lands.
//
// Two stages live here. The tagger consumes posts.parsed and writes the
// initial (post_id, 'tags') enrichment. The retagger consumes
// posts.vision.analyzed and regenerates tags when vision output changed;
// it never consumes posts.tagged, which is what keeps the retag protocol
// loop-free.
package tagger

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
)

// Generator produces topic tags for one block of post text.
type Generator interface {
	Name() string
	Generate(ctx context.Context, input string, maxTags int) ([]string, error)
}

const tagPrompt = `You are a topic tagging service for social media posts. Respond with a
single JSON array of short lowercase topic tags, no markdown fences, most
specific first. Tags are single words or short hyphenated phrases.`

// LLMGenerator asks a chat model for tags.
type LLMGenerator struct {
	client openai.Client
	model  string
}

// NewLLMGenerator reads OPENAI_API_KEY (and optional OPENAI_BASE_URL) from
// the environment.
func NewLLMGenerator(model string) *LLMGenerator {
	opts := []option.RequestOption{
		option.WithAPIKey(os.Getenv("OPENAI_API_KEY")),
	}
	if base := os.Getenv("OPENAI_BASE_URL"); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return &LLMGenerator{client: openai.NewClient(opts...), model: model}
}

func (g *LLMGenerator) Name() string { return "openai" }

func (g *LLMGenerator) Generate(ctx context.Context, input string, maxTags int) ([]string, error) {
	resp, err := g.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: openai.ChatModel(g.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(tagPrompt),
			openai.UserMessage(fmt.Sprintf("Produce at most %d tags for this post:\n\n%s", maxTags, input)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("tag provider call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("tag provider returned no choices")
	}
	return parseTagReply(resp.Choices[0].Message.Content)
}

// parseTagReply decodes the model's JSON array, tolerating markdown fences.
func parseTagReply(content string) ([]string, error) {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var tags []string
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &tags); err != nil {
		return nil, fmt.Errorf("tag provider returned invalid JSON: %w", err)
	}
	return tags, nil
}

var wordPattern = regexp.MustCompile(`[#\p{L}][\p{L}\p{N}_-]{2,}`)

// stopwords never become tags on the keyword path.
var stopwords = map[string]bool{
	"the": true, "and": true, "for": true, "that": true, "this": true,
	"with": true, "from": true, "have": true, "been": true, "will": true,
	"are": true, "was": true, "were": true, "not": true, "but": true,
	"you": true, "your": true, "our": true, "их": true, "это": true,
	"как": true, "что": true, "для": true, "или": true, "при": true,
}

// KeywordGenerator is the deterministic fallback when no LLM is reachable.
// Hashtags win outright; the rest are frequency-ranked words.
type KeywordGenerator struct{}

func (KeywordGenerator) Name() string { return "keyword" }

func (KeywordGenerator) Generate(_ context.Context, input string, maxTags int) ([]string, error) {
	var hashtags []string
	counts := map[string]int{}
	order := map[string]int{}

	for i, word := range wordPattern.FindAllString(strings.ToLower(input), -1) {
		if strings.HasPrefix(word, "#") {
			hashtags = append(hashtags, strings.TrimPrefix(word, "#"))
			continue
		}
		if stopwords[word] {
			continue
		}
		if _, seen := counts[word]; !seen {
			order[word] = i
		}
		counts[word]++
	}

	words := make([]string, 0, len(counts))
	for w := range counts {
		words = append(words, w)
	}
	// Rank by frequency, ties broken by first appearance.
	sort.Slice(words, func(i, j int) bool {
		if counts[words[i]] != counts[words[j]] {
			return counts[words[i]] > counts[words[j]]
		}
		return order[words[i]] < order[words[j]]
	})

	return NormalizeTags(append(hashtags, words...), maxTags), nil
}

// NormalizeTags lowercases, deduplicates preserving order, and caps the
// list. Empty strings and bare punctuation are dropped.
func NormalizeTags(tags []string, maxTags int) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(tag, "#")))
		if tag == "" || seen[tag] {
			continue
		}
		seen[tag] = true
		out = append(out, tag)
		if maxTags > 0 && len(out) == maxTags {
			break
		}
	}
	return out
}
