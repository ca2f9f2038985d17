package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/streamrelay/internal/streamrelay"
)

// LiveListener subscribes to a room's websocket stream and pushes frames
// through the same chatroom adapter and ledger the poller uses, so a message
// seen on either path is deduplicated on the other.
type LiveListener struct {
	adapter  *ChatroomAdapter
	room     string
	ledger   *streamrelay.DedupLedger
	log      *streamrelay.EventLog
	receipts *streamrelay.ReceiptLog
	inbox    string
	backoff  time.Duration
}

type LiveListenerOptions struct {
	Adapter   *ChatroomAdapter
	Room      string
	Ledger    *streamrelay.DedupLedger
	Log       *streamrelay.EventLog
	Receipts  *streamrelay.ReceiptLog
	InboxPath string
	Backoff   time.Duration
}

func NewLiveListener(opts LiveListenerOptions) (*LiveListener, error) {
	if opts.Adapter == nil || opts.Ledger == nil || opts.Log == nil || strings.TrimSpace(opts.Room) == "" {
		return nil, streamrelay.ErrInvalidInput
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 5 * time.Second
	}
	return &LiveListener{
		adapter:  opts.Adapter,
		room:     strings.TrimSpace(opts.Room),
		ledger:   opts.Ledger,
		log:      opts.Log,
		receipts: opts.Receipts,
		inbox:    opts.InboxPath,
		backoff:  opts.Backoff,
	}, nil
}

// Run dials, reads frames, and reconnects on failure until the context is
// cancelled.
func (l *LiveListener) Run(ctx context.Context) {
	for {
		if err := l.listenOnce(ctx); err != nil && l.receipts != nil {
			_ = l.receipts.Append(streamrelay.Receipt{
				Actor:  "chatroom",
				Action: "live_listen",
				Status: "error",
				Notes:  fmt.Sprintf("room=%s err=%v", l.room, err),
			})
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(l.backoff):
		}
	}
}

func (l *LiveListener) listenOnce(ctx context.Context) error {
	url := l.streamURL()
	header := http.Header{}
	if l.adapter.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+l.adapter.cfg.APIKey)
	}
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return err
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		l.handleFrame(data)
	}
}

func (l *LiveListener) streamURL() string {
	base := l.adapter.cfg.BaseURL
	base = strings.Replace(base, "https://", "wss://", 1)
	base = strings.Replace(base, "http://", "ws://", 1)
	return fmt.Sprintf("%s/rooms/%s/stream", base, l.room)
}

// handleFrame applies the exact pipeline a polled message goes through:
// key, ledger mark, skip filter, normalize, append.
func (l *LiveListener) handleFrame(data []byte) {
	var msg streamrelay.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return
	}
	msg["room"] = l.room

	key := l.adapter.Key(msg)
	if key == "" {
		return
	}
	if !l.ledger.Mark(key) {
		return
	}
	defer func() { _ = l.ledger.Save() }()

	if l.adapter.ShouldSkip(msg) {
		return
	}
	ev, err := l.adapter.Normalize(msg)
	if err != nil || ev == nil {
		return
	}
	if err := l.log.Append(*ev); err != nil {
		return
	}
	l.appendInboxLine(*ev)
}

func (l *LiveListener) appendInboxLine(ev streamrelay.CanonicalEvent) {
	if strings.TrimSpace(l.inbox) == "" {
		return
	}
	line := strings.TrimSpace(l.adapter.FormatLine(ev))
	if line == "" {
		return
	}
	f, err := openAppend(l.inbox)
	if err != nil {
		return
	}
	defer f.Close()
	_, _ = f.WriteString(line + "\n")
}
