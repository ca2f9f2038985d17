// Package sources holds the concrete adapters behind the shared polling
// mechanics: chatroom, forge review comments, social mentions, and a local
// filedrop directory.
package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/agentworkforce/streamrelay/internal/streamrelay"
)

var mentionPattern = regexp.MustCompile(`@([a-zA-Z0-9_.-]+)`)

// taskHints marks owner messages that look like work requests; only those
// get an auto-ack.
var taskHints = []string{
	"can you", "please", "need to", "check", "fix", "update", "review",
	"run", "deploy", "implement", "test", "restart", "install", "respond",
	"post", "pull", "push", "merge",
}

// ChatroomAdapter polls shared rooms for new messages. Listen modes:
// "all" forwards everything, "humans" drops bot senders, "tagged" keeps only
// messages that @mention one of our handles, "owner" keeps only the owner's
// messages. Own messages are always dropped regardless of mode.
type ChatroomAdapter struct {
	cfg    streamrelay.ChatroomConfig
	client *http.Client

	// auto-ack collaborators, all optional
	acked    *streamrelay.DedupLedger
	receipts *streamrelay.ReceiptLog
	limiter  *streamrelay.NotifyLimiter
}

type ChatroomOptions struct {
	Config   streamrelay.ChatroomConfig
	Client   *http.Client
	Acked    *streamrelay.DedupLedger
	Receipts *streamrelay.ReceiptLog
	Limiter  *streamrelay.NotifyLimiter
}

func NewChatroomAdapter(opts ChatroomOptions) (*ChatroomAdapter, error) {
	cfg := opts.Config
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.BaseURL == "" || len(cfg.Rooms) == 0 {
		return nil, streamrelay.ErrInvalidInput
	}
	if cfg.ListenMode == "" {
		cfg.ListenMode = "all"
	}
	client := opts.Client
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	limiter := opts.Limiter
	if limiter == nil {
		limiter = streamrelay.NewNotifyLimiter(0)
	}
	return &ChatroomAdapter{
		cfg:      cfg,
		client:   client,
		acked:    opts.Acked,
		receipts: opts.Receipts,
		limiter:  limiter,
	}, nil
}

func (a *ChatroomAdapter) Name() string { return "chatroom" }

func (a *ChatroomAdapter) Fetch(ctx context.Context, hint streamrelay.FetchHint) ([]streamrelay.Message, error) {
	var out []streamrelay.Message
	for _, room := range a.cfg.Rooms {
		room = strings.TrimSpace(room)
		if room == "" {
			continue
		}
		msgs, err := a.fetchRoom(ctx, room, hint.Limit)
		if err != nil {
			return nil, fmt.Errorf("room %s: %w", room, err)
		}
		for _, msg := range msgs {
			msg["room"] = room
			out = append(out, msg)
		}
	}
	return out, nil
}

func (a *ChatroomAdapter) fetchRoom(ctx context.Context, room string, limit int) ([]streamrelay.Message, error) {
	url := fmt.Sprintf("%s/rooms/%s/messages?limit=%d", a.cfg.BaseURL, room, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("fetch messages: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return decodeMessages(body)
}

// decodeMessages accepts either {"messages": [...]} or a bare array.
func decodeMessages(body []byte) ([]streamrelay.Message, error) {
	var wrapped struct {
		Messages []streamrelay.Message `json:"messages"`
	}
	if err := json.Unmarshal(body, &wrapped); err == nil && wrapped.Messages != nil {
		return wrapped.Messages, nil
	}
	var bare []streamrelay.Message
	if err := json.Unmarshal(body, &bare); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	return bare, nil
}

func (a *ChatroomAdapter) Key(msg streamrelay.Message) string {
	id := strings.TrimSpace(messageID(msg))
	if id == "" {
		return ""
	}
	return "chatroom:" + id
}

func messageID(msg streamrelay.Message) string {
	if s := msg.String("id"); s != "" {
		return s
	}
	// some room servers return numeric ids
	if v, ok := msg["id"].(float64); ok {
		return fmt.Sprintf("%.0f", v)
	}
	return ""
}

func (a *ChatroomAdapter) ShouldSkip(msg streamrelay.Message) bool {
	handle, author := senderHandles(msg)
	if a.isSelf(handle) || a.isSelf(author) {
		return true
	}
	return !a.passesListenFilter(handle, author, msg.String("body"))
}

func (a *ChatroomAdapter) passesListenFilter(handle, author, body string) bool {
	switch strings.ToLower(a.cfg.ListenMode) {
	case "humans":
		return !a.isBot(handle, author)
	case "tagged":
		for _, m := range extractMentions(body) {
			if a.isSelf(m) {
				return true
			}
		}
		return false
	case "owner":
		return a.isOwner(handle) || a.isOwner(author)
	default:
		return true
	}
}

func (a *ChatroomAdapter) isSelf(handle string) bool {
	h := normalizeHandle(handle)
	if h == "" {
		return false
	}
	for _, self := range a.cfg.SelfHandles {
		if normalizeHandle(self) == h {
			return true
		}
	}
	return false
}

func (a *ChatroomAdapter) isOwner(handle string) bool {
	owner := normalizeHandle(a.cfg.OwnerHandle)
	return owner != "" && strings.Contains(normalizeHandle(handle), owner)
}

// isBot uses the room convention that bot handles start with "@", plus the
// configured bot list.
func (a *ChatroomAdapter) isBot(handle, author string) bool {
	h := normalizeHandle(author)
	if h == "" {
		h = normalizeHandle(handle)
	}
	for _, bot := range a.cfg.BotHandles {
		if normalizeHandle(bot) == h {
			return true
		}
	}
	return strings.HasPrefix(handle, "@")
}

func (a *ChatroomAdapter) Normalize(msg streamrelay.Message) (*streamrelay.CanonicalEvent, error) {
	id := messageID(msg)
	if id == "" {
		return nil, nil
	}
	handle, author := senderHandles(msg)
	room := msg.String("room")
	body := msg.String("body")
	payload := map[string]string{
		"room": room,
		"body": body,
	}
	if mentions := extractMentions(body); len(mentions) > 0 {
		payload["mentions"] = strings.Join(mentions, ",")
	}
	ev, err := streamrelay.NewCanonicalEvent(
		"chatroom", id, streamrelay.KindFor("chatroom", "message", "posted"),
		streamrelay.Actor{Login: author, DisplayName: msg.String("from")},
		msg.String("created_at"),
		payload,
	)
	if err != nil {
		return nil, nil
	}

	a.maybeAck(id, room, handle, author, body)
	return &ev, nil
}

// maybeAck posts a short acknowledgement when an owner message looks like a
// task request directed at us. Best effort: failures are recorded and
// forgotten.
func (a *ChatroomAdapter) maybeAck(id, room, handle, author, body string) {
	if !a.cfg.AckEnabled || a.acked == nil {
		return
	}
	if !a.isOwner(handle) && !a.isOwner(author) {
		return
	}
	if !a.targetsSelf(body) || !looksLikeTaskRequest(body) {
		return
	}
	if a.acked.Seen("ack:" + id) {
		return
	}
	if !a.limiter.Allow() {
		return
	}
	a.acked.Mark("ack:" + id)
	_ = a.acked.Save()

	status := "ok"
	if err := a.postAck(room); err != nil {
		status = "error"
	}
	if a.receipts != nil {
		_ = a.receipts.Append(streamrelay.Receipt{
			Actor:          "chatroom",
			Action:         "auto_ack",
			Status:         status,
			IdempotencyKey: "ack_" + id,
			Notes:          fmt.Sprintf("room=%s message=%s", room, id),
		})
	}
}

// targetsSelf treats messages with no explicit mention as potentially
// addressed to us; owner imperatives rarely tag the recipient.
func (a *ChatroomAdapter) targetsSelf(body string) bool {
	mentions := extractMentions(body)
	if len(mentions) == 0 {
		return true
	}
	for _, m := range mentions {
		if a.isSelf(m) {
			return true
		}
	}
	return false
}

func looksLikeTaskRequest(body string) bool {
	text := strings.ToLower(strings.TrimSpace(body))
	if text == "" {
		return false
	}
	for _, hint := range taskHints {
		if strings.Contains(text, hint) {
			return true
		}
	}
	return false
}

func (a *ChatroomAdapter) postAck(room string) error {
	self := "assistant"
	if len(a.cfg.SelfHandles) > 0 {
		self = normalizeHandle(a.cfg.SelfHandles[0])
	}
	text := fmt.Sprintf("@%s [%s] starting now. I will report back when finished with results.",
		normalizeHandle(a.cfg.OwnerHandle), self)
	payload, err := json.Marshal(map[string]string{"room": room, "body": text})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.BaseURL+"/messages", strings.NewReader(string(payload)))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if a.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+a.cfg.APIKey)
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return fmt.Errorf("post ack: status %d", resp.StatusCode)
	}
	return nil
}

func (a *ChatroomAdapter) FormatLine(ev streamrelay.CanonicalEvent) string {
	body := ev.Payload["body"]
	if runes := []rune(body); len(runes) > 400 {
		body = string(runes[:400])
	}
	ts := ev.Timestamp
	if parsed, ok := streamrelay.ParseEventTime(ts); ok {
		ts = parsed.Format("2006-01-02T15:04:05")
	} else if len(ts) > 19 {
		ts = ts[:19]
	}
	return fmt.Sprintf("[%s] [%s] %s: %s", ts, ev.Payload["room"], ev.Actor.Login, body)
}

func senderHandles(msg streamrelay.Message) (handle, author string) {
	handle = msg.String("from")
	author = handle
	if nested, ok := msg["author"].(map[string]any); ok {
		if h, ok := nested["handle"].(string); ok && strings.TrimSpace(h) != "" {
			author = h
		}
	}
	return handle, author
}

func normalizeHandle(h string) string {
	return strings.TrimPrefix(strings.ToLower(strings.TrimSpace(h)), "@")
}

func extractMentions(text string) []string {
	matches := mentionPattern.FindAllStringSubmatch(text, -1)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, strings.ToLower(m[1]))
	}
	return out
}
