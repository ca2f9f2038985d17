package sources

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/agentworkforce/streamrelay/internal/streamrelay"
)

func TestForgeFetchSkipsSelfAndBots(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode([]map[string]any{
			{"id": "c1", "user": map[string]any{"login": "reviewer"}, "body": "nit: rename this", "path": "main.go"},
			{"id": "c2", "user": map[string]any{"login": "selfbot"}, "body": "ack"},
			{"id": "c3", "user": map[string]any{"login": "lint-bot"}, "body": "style issues found"},
		})
	}))
	defer server.Close()

	adapter, err := NewForgeAdapter(streamrelay.ForgeConfig{
		BaseURL:   server.URL,
		Token:     "tok",
		Repos:     []string{"acme/widgets"},
		SelfLogin: "selfbot",
		BotLogins: []string{"lint-bot"},
	}, nil)
	if err != nil {
		t.Fatalf("new adapter: %v", err)
	}

	msgs, err := adapter.Fetch(context.Background(), streamrelay.FetchHint{Limit: 20})
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 comments, got %d", len(msgs))
	}

	var kept []streamrelay.CanonicalEvent
	for _, msg := range msgs {
		if adapter.Key(msg) == "" || adapter.ShouldSkip(msg) {
			continue
		}
		ev, err := adapter.Normalize(msg)
		if err != nil || ev == nil {
			continue
		}
		kept = append(kept, *ev)
	}
	if len(kept) != 1 {
		t.Fatalf("expected 1 surviving comment, got %d", len(kept))
	}
	ev := kept[0]
	if ev.Kind != "forge.review_comment.created" || ev.Actor.Login != "reviewer" {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.EventID != "acme/widgets:c1" {
		t.Fatalf("unexpected event id %q", ev.EventID)
	}
	if ev.Payload["repo"] != "acme/widgets" || ev.Payload["path"] != "main.go" {
		t.Fatalf("unexpected payload: %+v", ev.Payload)
	}
}
