package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/harunnryd/haven/pkg/metrics"
	"github.com/harunnryd/haven/pkg/resilience"
)

func TestChatContextAppendDoesNotMutate(t *testing.T) {
	base := NewChatContext().Append(RoleSystem, "persona")
	next := base.Append(RoleUser, "hello")

	if base.Len() != 1 {
		t.Fatalf("expected base to keep 1 message, got %d", base.Len())
	}
	if next.Len() != 2 {
		t.Fatalf("expected 2 messages, got %d", next.Len())
	}
	msgs := base.Messages()
	msgs[0].Content = "changed"
	if base.Messages()[0].Content != "persona" {
		t.Fatalf("Messages must return a copy")
	}
}

func TestHistoryKeepsSystemWhenTrimming(t *testing.T) {
	h := NewHistory(NewChatContext().Append(RoleSystem, "persona"), 2)
	h.Append(RoleUser, "one")
	h.Append(RoleAssistant, "two")
	h.Append(RoleUser, "three")

	msgs := h.Snapshot().Messages()
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(msgs))
	}
	if msgs[0].Role != RoleSystem || msgs[1].Content != "two" || msgs[2].Content != "three" {
		t.Fatalf("unexpected history %+v", msgs)
	}
}

type flakyAdapter struct {
	failures int
	err      error
	calls    int
}

func (f *flakyAdapter) Name() string { return "flaky" }

func (f *flakyAdapter) Generate(ctx context.Context, input Context) (Response, error) {
	f.calls++
	if f.calls <= f.failures {
		return Response{}, f.err
	}
	return Response{Text: "ok"}, nil
}

func (f *flakyAdapter) Stream(ctx context.Context, input Context) (<-chan string, error) {
	f.calls++
	if f.calls <= f.failures {
		return nil, f.err
	}
	ch := make(chan string, 2)
	ch <- "o"
	ch <- "k"
	close(ch)
	return ch, nil
}

func TestRetryAdapterRetriesRateLimit(t *testing.T) {
	inner := &flakyAdapter{failures: 2, err: resilience.RateLimitError{Provider: "flaky"}}
	a := WithRetry(inner, RetryConfig{MaxAttempts: 3, Sleep: func(time.Duration) {}})

	ch, err := a.Stream(context.Background(), Context{})
	if err != nil {
		t.Fatalf("stream: %v", err)
	}
	text, done := Collect(context.Background(), ch)
	if text != "ok" || !done || inner.calls != 3 {
		t.Fatalf("unexpected result %q done=%v calls=%d", text, done, inner.calls)
	}
}

func TestRetryAdapterDoesNotRetryClientErrors(t *testing.T) {
	inner := &flakyAdapter{failures: 5, err: resilience.StatusError{Provider: "flaky", StatusCode: 400}}
	a := WithRetry(inner, RetryConfig{MaxAttempts: 3, Sleep: func(time.Duration) {}})

	_, err := a.Generate(context.Background(), Context{})
	if err == nil || inner.calls != 1 {
		t.Fatalf("expected one failing call, got %d (%v)", inner.calls, err)
	}
	var se resilience.StatusError
	if !errors.As(err, &se) {
		t.Fatalf("expected status error in chain")
	}
}

func TestCircuitBreakerAdapterDeniesWhenOpen(t *testing.T) {
	inner := &flakyAdapter{failures: 10, err: resilience.RateLimitError{Provider: "flaky"}}
	obs := metrics.NewMemoryObserver()
	a := NewCircuitBreakerAdapter(inner, resilience.NewCircuitBreaker(1, time.Minute))
	a.SetObserver(obs)

	if _, err := a.Generate(context.Background(), Context{}); !resilience.IsRateLimit(err) {
		t.Fatalf("expected rate limit, got %v", err)
	}
	if _, err := a.Generate(context.Background(), Context{}); !resilience.IsRateLimit(err) {
		t.Fatalf("expected denial, got %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("expected breaker to block second call, inner saw %d", inner.calls)
	}
	if len(obs.Named(metrics.EventBreakerDenied)) != 1 {
		t.Fatalf("expected breaker denied event")
	}
}
