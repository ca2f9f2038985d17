package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/streamrelay/internal/streamrelay"
)

// ForgeAdapter polls code-review comments across the configured repos.
type ForgeAdapter struct {
	cfg    streamrelay.ForgeConfig
	client *http.Client
}

func NewForgeAdapter(cfg streamrelay.ForgeConfig, client *http.Client) (*ForgeAdapter, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" || len(cfg.Repos) == 0 {
		return nil, streamrelay.ErrInvalidInput
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ForgeAdapter{cfg: cfg, client: client}, nil
}

func (a *ForgeAdapter) Name() string { return "forge" }

func (a *ForgeAdapter) Fetch(ctx context.Context, hint streamrelay.FetchHint) ([]streamrelay.Message, error) {
	var out []streamrelay.Message
	for _, repo := range a.cfg.Repos {
		repo = strings.TrimSpace(repo)
		if repo == "" {
			continue
		}
		url := fmt.Sprintf("%s/repos/%s/comments?limit=%d", a.cfg.BaseURL, repo, hint.Limit)
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, err
		}
		if a.cfg.Token != "" {
			req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
		}
		resp, err := a.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("repo %s: %w", repo, err)
		}
		body, readErr := io.ReadAll(resp.Body)
		resp.Body.Close()
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("repo %s: status %d", repo, resp.StatusCode)
		}
		if readErr != nil {
			return nil, fmt.Errorf("repo %s: %w", repo, readErr)
		}
		var comments []streamrelay.Message
		if err := json.Unmarshal(body, &comments); err != nil {
			return nil, fmt.Errorf("repo %s: decode comments: %w", repo, err)
		}
		for _, c := range comments {
			c["repo"] = repo
			out = append(out, c)
		}
	}
	return out, nil
}

func (a *ForgeAdapter) Key(msg streamrelay.Message) string {
	id := strings.TrimSpace(messageID(msg))
	if id == "" {
		return ""
	}
	return "forge:" + msg.String("repo") + ":" + id
}

func (a *ForgeAdapter) ShouldSkip(msg streamrelay.Message) bool {
	login := commentLogin(msg)
	if login == "" {
		return false
	}
	if normalizeHandle(login) == normalizeHandle(a.cfg.SelfLogin) {
		return true
	}
	for _, bot := range a.cfg.BotLogins {
		if normalizeHandle(bot) == normalizeHandle(login) {
			return true
		}
	}
	return false
}

func (a *ForgeAdapter) Normalize(msg streamrelay.Message) (*streamrelay.CanonicalEvent, error) {
	id := messageID(msg)
	if id == "" {
		return nil, nil
	}
	ev, err := streamrelay.NewCanonicalEvent(
		"forge", msg.String("repo")+":"+id, streamrelay.KindFor("forge", "review_comment", "created"),
		streamrelay.Actor{Login: commentLogin(msg)},
		msg.String("created_at"),
		map[string]string{
			"repo": msg.String("repo"),
			"path": msg.String("path"),
			"body": msg.String("body"),
			"url":  msg.String("html_url"),
		},
	)
	if err != nil {
		return nil, nil
	}
	return &ev, nil
}

func (a *ForgeAdapter) FormatLine(ev streamrelay.CanonicalEvent) string {
	return fmt.Sprintf("[forge] %s commented on %s: %s", ev.Actor.Login, ev.Payload["repo"], ev.Payload["body"])
}

func commentLogin(msg streamrelay.Message) string {
	if user, ok := msg["user"].(map[string]any); ok {
		if login, ok := user["login"].(string); ok {
			return login
		}
	}
	return msg.String("login")
}
