package memory

import (
	"context"
	"testing"

	"github.com/nevindra/cortex"
)

type stubSender struct {
	resp cortex.ChatResponse
	err  error
}

func (s stubSender) Send(ctx context.Context, req cortex.ChatRequest) (cortex.ChatResponse, error) {
	return s.resp, s.err
}

func TestExtractorSkipsTrivialMessages(t *testing.T) {
	e := NewExtractor(stubSender{resp: cortex.ChatResponse{Content: `[{"fact":"should not be reached","category":"personal"}]`}})
	facts, err := e.Extract(context.Background(), "u1", "ok")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if facts != nil {
		t.Errorf("expected nil facts for a trivial message, got %v", facts)
	}
}

func TestExtractorParsesFactsIntoNodes(t *testing.T) {
	e := NewExtractor(stubSender{resp: cortex.ChatResponse{
		Content: `[{"fact":"User's name is Nev","category":"personal"},{"fact":"Works as a software engineer","category":"work"}]`,
	}})
	facts, err := e.Extract(context.Background(), "u1", "My name is Nev and I work as a software engineer")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(facts) != 2 {
		t.Fatalf("len(facts) = %d, want 2", len(facts))
	}
	for _, f := range facts {
		if f.Type != cortex.NodeFact {
			t.Errorf("Type = %q, want %q", f.Type, cortex.NodeFact)
		}
		if f.UserID != "u1" {
			t.Errorf("UserID = %q, want %q", f.UserID, "u1")
		}
		if f.ID == "" {
			t.Error("expected a generated ID")
		}
	}
}

func TestExtractorReturnsNilOnNoFactsFound(t *testing.T) {
	e := NewExtractor(stubSender{resp: cortex.ChatResponse{Content: "[]"}})
	facts, err := e.Extract(context.Background(), "u1", "I am thinking out loud about something long enough to extract")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if facts != nil {
		t.Errorf("expected nil facts, got %v", facts)
	}
}

func TestExtractorPropagatesProviderError(t *testing.T) {
	wantErr := context.DeadlineExceeded
	e := NewExtractor(stubSender{err: wantErr})
	_, err := e.Extract(context.Background(), "u1", "a message long enough to trigger extraction")
	if err != wantErr {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
}

func TestShouldExtractTrivial(t *testing.T) {
	for _, s := range []string{"ok", "Oke", "thanks", "sip", "lol", "wkwk", "ya", "short"} {
		if ShouldExtract(s) {
			t.Errorf("should skip: %q", s)
		}
	}
}

func TestShouldExtractReal(t *testing.T) {
	for _, s := range []string{
		"Gue tinggal di Jakarta sekarang",
		"I work as a software engineer",
		"My name is Nev and I like Rust",
	} {
		if !ShouldExtract(s) {
			t.Errorf("should extract: %q", s)
		}
	}
}

func TestParseFactsBasic(t *testing.T) {
	r := `[{"fact":"User's name is Nev","category":"personal"},{"fact":"Works as a software engineer","category":"work"}]`
	facts := ParseExtractedFacts(r)
	if len(facts) != 2 {
		t.Fatalf("expected 2, got %d", len(facts))
	}
	if facts[0].Fact != "User's name is Nev" {
		t.Error("wrong fact")
	}
	if facts[1].Category != "work" {
		t.Error("wrong category")
	}
}

func TestParseFactsEmpty(t *testing.T) {
	facts := ParseExtractedFacts("[]")
	if len(facts) != 0 {
		t.Error("expected empty")
	}
}

func TestParseFactsCodeFence(t *testing.T) {
	r := "```json\n[{\"fact\":\"Prefers Rust\",\"category\":\"preference\"}]\n```"
	facts := ParseExtractedFacts(r)
	if len(facts) != 1 || facts[0].Fact != "Prefers Rust" {
		t.Error("wrong")
	}
}

func TestParseFactsSurroundingText(t *testing.T) {
	r := "Here are the facts:\n[{\"fact\":\"Lives in Jakarta\",\"category\":\"personal\"}]\nDone."
	facts := ParseExtractedFacts(r)
	if len(facts) != 1 {
		t.Error("expected 1")
	}
}

func TestParseFactsInvalidJSON(t *testing.T) {
	facts := ParseExtractedFacts("This is not JSON")
	if facts != nil {
		t.Error("expected nil")
	}
}

func TestParseFactsWithSupersedes(t *testing.T) {
	r := `[{"fact":"User moved to Bali","category":"personal","supersedes":"Lives in Jakarta"}]`
	facts := ParseExtractedFacts(r)
	if len(facts) != 1 {
		t.Fatal("expected 1")
	}
	if facts[0].Supersedes == nil || *facts[0].Supersedes != "Lives in Jakarta" {
		t.Error("wrong supersedes")
	}
}

func TestParseFactsWithoutSupersedes(t *testing.T) {
	r := `[{"fact":"User's name is Nev","category":"personal"}]`
	facts := ParseExtractedFacts(r)
	if len(facts) != 1 {
		t.Fatal("expected 1")
	}
	if facts[0].Supersedes != nil {
		t.Error("should be nil")
	}
}
