// Package memory turns conversation turns into durable Fact nodes. It
// is storage-agnostic: Extractor only needs a cortex.ModelProvider and
// hands the caller plain cortex.Node values ready for
// cortex.KnowledgeStore.SaveFact.
package memory

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/nevindra/cortex"
)

// ExtractedFact is one fact parsed from an LLM extraction response.
type ExtractedFact struct {
	Fact       string  `json:"fact"`
	Category   string  `json:"category"`
	Supersedes *string `json:"supersedes,omitempty"`
}

// ExtractFactsPrompt is the system prompt sent to the model for fact
// extraction.
const ExtractFactsPrompt = `You are a memory extraction system. Given a conversation between a user and an assistant, extract factual information ABOUT THE USER.

Extract facts like:
- Personal info (name, job, location, timezone)
- Preferences (communication style, tools, languages)
- Habits and routines
- Current projects or goals
- Relationships and people they mention

Rules:
- Only extract facts clearly stated or strongly implied by the USER (not the assistant)
- Each fact should be a single, concise statement
- Categorize each fact as: personal, preference, work, habit, or relationship
- If a new fact CONTRADICTS or UPDATES a previously known fact, include a "supersedes" field with the old fact text
- If no new user facts are present, return an empty array
- Do NOT extract facts about the assistant or general knowledge

Return a JSON array:
[{"fact": "User moved to Bali", "category": "personal", "supersedes": "Lives in Jakarta"}]

If the fact does not supersede anything, omit the "supersedes" field:
[{"fact": "User's name is Nev", "category": "personal"}]

Return ONLY the JSON array, no extra text. Return [] if no facts found.`

// ShouldExtract reports whether a message is worth running fact
// extraction on. Short acknowledgements and filler words are skipped to
// avoid a model round trip for every "ok" and "thanks".
func ShouldExtract(text string) bool {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) < 10 {
		return false
	}
	lower := strings.ToLower(trimmed)
	skip := []string{
		"ok", "oke", "okay", "okey",
		"thanks", "thank you", "makasih", "thx", "ty",
		"yes", "no", "ya", "ga", "gak", "nggak", "engga",
		"nice", "sip", "siap", "oke sip",
		"lol", "haha", "wkwk", "wkwkwk",
		"hmm", "hm", "oh", "ah",
		"good", "great", "cool", "yep", "nope",
	}
	for _, s := range skip {
		if lower == s {
			return false
		}
	}
	return true
}

// ParseExtractedFacts parses an LLM's fact extraction response. Handles
// both raw JSON arrays and markdown-fenced or text-wrapped responses by
// falling back to the outermost '[' ... ']' span.
func ParseExtractedFacts(response string) []ExtractedFact {
	response = strings.TrimSpace(response)
	var facts []ExtractedFact
	if err := json.Unmarshal([]byte(response), &facts); err != nil {
		start := strings.Index(response, "[")
		end := strings.LastIndex(response, "]")
		if start >= 0 && end > start {
			_ = json.Unmarshal([]byte(response[start:end+1]), &facts)
		}
	}
	return facts
}

// Extractor implements cortex.FactExtractor by asking a ModelProvider
// to pull facts out of a user's message, then wrapping each as a Fact
// Node.
type Extractor struct {
	provider ModelProviderSender
}

// ModelProviderSender is the single method Extractor needs from a
// cortex.ModelProvider, named narrowly so tests can stub it without
// pulling in the rest of the provider interface.
type ModelProviderSender interface {
	Send(ctx context.Context, req cortex.ChatRequest) (cortex.ChatResponse, error)
}

// NewExtractor creates an Extractor that calls provider for every
// ShouldExtract-worthy message.
func NewExtractor(provider ModelProviderSender) *Extractor {
	return &Extractor{provider: provider}
}

var _ cortex.FactExtractor = (*Extractor)(nil)

// Extract turns userText into zero or more Fact nodes tagged with
// userID. Returns (nil, nil) for messages ShouldExtract skips.
func (e *Extractor) Extract(ctx context.Context, userID, userText string) ([]cortex.Node, error) {
	if !ShouldExtract(userText) {
		return nil, nil
	}

	resp, err := e.provider.Send(ctx, cortex.ChatRequest{
		SystemPrompt: ExtractFactsPrompt,
		History:      []cortex.ChatMessage{{Role: cortex.RoleUser, Content: userText}},
	})
	if err != nil {
		return nil, err
	}

	parsed := ParseExtractedFacts(resp.Content)
	if len(parsed) == 0 {
		return nil, nil
	}

	now := cortex.NowUnix()
	nodes := make([]cortex.Node, 0, len(parsed))
	for _, f := range parsed {
		data, err := json.Marshal(f)
		if err != nil {
			continue
		}
		nodes = append(nodes, cortex.Node{
			ID:        cortex.NewID(),
			Type:      cortex.NodeFact,
			UserID:    userID,
			CreatedAt: now,
			Data:      data,
		})
	}
	return nodes, nil
}
