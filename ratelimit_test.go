package cortex

import (
	"context"
	"testing"
	"time"
)

func TestWithRateLimitBlocksBeyondRPM(t *testing.T) {
	stub := &stubProvider{results: []stubResult{{resp: ChatResponse{Content: "a"}}, {resp: ChatResponse{Content: "b"}}}}
	p := WithRateLimit(stub, RPM(1))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := p.Send(context.Background(), ChatRequest{}); err != nil {
		t.Fatalf("first Send: %v", err)
	}

	if _, err := p.Send(ctx, ChatRequest{}); err == nil {
		t.Fatal("expected second Send to block past the RPM budget and hit the context deadline")
	}
}

func TestWithRateLimitAllowsWithinBudget(t *testing.T) {
	stub := &stubProvider{results: []stubResult{{resp: ChatResponse{Content: "a"}}, {resp: ChatResponse{Content: "b"}}}}
	p := WithRateLimit(stub, RPM(10))

	for i := 0; i < 2; i++ {
		if _, err := p.Send(context.Background(), ChatRequest{}); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
	}
}
