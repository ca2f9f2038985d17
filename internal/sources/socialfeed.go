package sources

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/agentworkforce/streamrelay/internal/streamrelay"
)

// SocialFeedAdapter polls the mention timeline for one handle.
type SocialFeedAdapter struct {
	cfg    streamrelay.SocialFeedConfig
	client *http.Client
}

func NewSocialFeedAdapter(cfg streamrelay.SocialFeedConfig, client *http.Client) (*SocialFeedAdapter, error) {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" || strings.TrimSpace(cfg.Handle) == "" {
		return nil, streamrelay.ErrInvalidInput
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &SocialFeedAdapter{cfg: cfg, client: client}, nil
}

func (a *SocialFeedAdapter) Name() string { return "socialfeed" }

func (a *SocialFeedAdapter) Fetch(ctx context.Context, hint streamrelay.FetchHint) ([]streamrelay.Message, error) {
	url := fmt.Sprintf("%s/mentions?handle=%s&limit=%d", a.cfg.BaseURL, normalizeHandle(a.cfg.Handle), hint.Limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if a.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.Token)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch mentions: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return decodeMessages(body)
}

func (a *SocialFeedAdapter) Key(msg streamrelay.Message) string {
	id := strings.TrimSpace(messageID(msg))
	if id == "" {
		return ""
	}
	return "social:" + id
}

func (a *SocialFeedAdapter) ShouldSkip(msg streamrelay.Message) bool {
	return normalizeHandle(msg.String("author")) == normalizeHandle(a.cfg.Handle)
}

func (a *SocialFeedAdapter) Normalize(msg streamrelay.Message) (*streamrelay.CanonicalEvent, error) {
	id := messageID(msg)
	if id == "" {
		return nil, nil
	}
	ev, err := streamrelay.NewCanonicalEvent(
		"social", id, streamrelay.KindFor("social", "post", "mentioned"),
		streamrelay.Actor{Login: msg.String("author")},
		msg.String("created_at"),
		map[string]string{
			"text": msg.String("text"),
			"url":  msg.String("url"),
		},
	)
	if err != nil {
		return nil, nil
	}
	return &ev, nil
}

func (a *SocialFeedAdapter) FormatLine(ev streamrelay.CanonicalEvent) string {
	return fmt.Sprintf("[social] %s mentioned you: %s", ev.Actor.Login, ev.Payload["text"])
}
