package sources

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/fsnotify/fsnotify"

	"github.com/agentworkforce/streamrelay/internal/streamrelay"
)

// FiledropAdapter treats a local directory as a message source: one JSON
// object per "*.json" file, keyed by filename. Files are left in place; the
// dedup ledger is what prevents reprocessing.
type FiledropAdapter struct {
	dir string
}

func NewFiledropAdapter(cfg streamrelay.FiledropConfig) (*FiledropAdapter, error) {
	dir := strings.TrimSpace(cfg.Dir)
	if dir == "" {
		return nil, streamrelay.ErrInvalidInput
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FiledropAdapter{dir: dir}, nil
}

func (a *FiledropAdapter) Name() string { return "filedrop" }

func (a *FiledropAdapter) Fetch(ctx context.Context, hint streamrelay.FetchHint) ([]streamrelay.Message, error) {
	names, err := filepath.Glob(filepath.Join(a.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	if hint.Limit > 0 && len(names) > hint.Limit {
		names = names[:hint.Limit]
	}
	var out []streamrelay.Message
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		data, err := os.ReadFile(name)
		if err != nil {
			continue
		}
		var msg streamrelay.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			// unparseable file: still surfaced so Key marks it and
			// Normalize drops it exactly once
			msg = streamrelay.Message{}
		}
		if msg == nil {
			msg = streamrelay.Message{}
		}
		msg["_file"] = filepath.Base(name)
		out = append(out, msg)
	}
	return out, nil
}

func (a *FiledropAdapter) Key(msg streamrelay.Message) string {
	name := strings.TrimSpace(msg.String("_file"))
	if name == "" {
		return ""
	}
	return "filedrop:" + name
}

func (a *FiledropAdapter) ShouldSkip(msg streamrelay.Message) bool { return false }

func (a *FiledropAdapter) Normalize(msg streamrelay.Message) (*streamrelay.CanonicalEvent, error) {
	name := msg.String("_file")
	if name == "" {
		return nil, nil
	}
	body := msg.String("body")
	if body == "" && len(msg) <= 1 {
		// empty or unparseable drop, marked seen and forgotten
		return nil, nil
	}
	ev, err := streamrelay.NewCanonicalEvent(
		"filedrop", name, streamrelay.KindFor("filedrop", "message", "received"),
		streamrelay.Actor{Login: msg.String("from")},
		msg.String("created_at"),
		map[string]string{
			"file": name,
			"body": body,
		},
	)
	if err != nil {
		return nil, nil
	}
	return &ev, nil
}

func (a *FiledropAdapter) FormatLine(ev streamrelay.CanonicalEvent) string {
	return "[filedrop] " + ev.Payload["file"] + ": " + ev.Payload["body"]
}

// Watch nudges between poll intervals whenever a json file lands in the drop
// directory. Runs until the context is cancelled; watcher errors end the
// watch but never the caller.
func (a *FiledropAdapter) Watch(ctx context.Context, nudge func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(a.dir); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
				continue
			}
			if strings.HasSuffix(strings.ToLower(ev.Name), ".json") {
				nudge()
			}
		case _, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
		}
	}
}
