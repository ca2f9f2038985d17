package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/agentworkforce/streamrelay/internal/httpapi"
	"github.com/agentworkforce/streamrelay/internal/outbound"
	"github.com/agentworkforce/streamrelay/internal/sources"
	"github.com/agentworkforce/streamrelay/internal/streamrelay"
)

func main() {
	addr := os.Getenv("STREAMRELAY_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	cfg := loadConfigFromEnv()
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("create data dir %s: %v", cfg.DataDir, err)
	}

	events, err := streamrelay.NewEventLog(filepath.Join(cfg.DataDir, "events.jsonl"))
	if err != nil {
		log.Fatalf("open event log: %v", err)
	}
	receipts, err := streamrelay.NewReceiptLog(filepath.Join(cfg.DataDir, "receipts.jsonl"))
	if err != nil {
		log.Fatalf("open receipt log: %v", err)
	}
	limiter := streamrelay.NewNotifyLimiter(durationEnv("STREAMRELAY_NUDGE_MIN_GAP", 0))
	notifier := buildNotifier()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var ledgers []*streamrelay.DedupLedger
	openLedger := func(name string) *streamrelay.DedupLedger {
		ledger, err := streamrelay.OpenDedupLedger(filepath.Join(cfg.DataDir, name), cfg.LedgerMax)
		if err != nil {
			log.Fatalf("open ledger %s: %v", name, err)
		}
		ledgers = append(ledgers, ledger)
		return ledger
	}
	defer func() {
		for _, l := range ledgers {
			_ = l.Close()
		}
	}()

	// outbound delivery queue, fed by accepted webhook events when a
	// forward target is configured
	var deliveryStore outbound.Store
	forwardURL := strings.TrimSpace(os.Getenv("STREAMRELAY_FORWARD_URL"))
	if dsn := strings.TrimSpace(os.Getenv("STREAMRELAY_DELIVERY_DSN")); dsn != "" {
		deliveryStore, err = outbound.BuildStoreFromDSN(dsn)
		if err != nil {
			log.Fatalf("build delivery store: %v", err)
		}
		defer deliveryStore.Close()
		worker, err := outbound.NewWorker(outbound.WorkerOptions{
			Store:          deliveryStore,
			Receipts:       receipts,
			BatchSize:      intEnv("STREAMRELAY_DELIVERY_BATCH", 0),
			MaxAttempts:    intEnv("STREAMRELAY_DELIVERY_MAX_ATTEMPTS", 0),
			StaleThreshold: durationEnv("STREAMRELAY_DELIVERY_STALE_THRESHOLD", 0),
			Interval:       durationEnv("STREAMRELAY_DELIVERY_INTERVAL", 0),
		})
		if err != nil {
			log.Fatalf("build delivery worker: %v", err)
		}
		go worker.Run(ctx)
	}

	webhookSecret := os.Getenv("STREAMRELAY_WEBHOOK_SECRET")
	if webhookSecret == "" {
		log.Printf("STREAMRELAY_WEBHOOK_SECRET is empty: webhook signature verification is DISABLED")
	}
	server, err := httpapi.NewServer(httpapi.ServerOptions{
		Config: httpapi.ServerConfig{
			Secret:        webhookSecret,
			AllowedEvents: splitList(os.Getenv("STREAMRELAY_ALLOWED_EVENTS")),
			MaxBodyBytes:  int64Env("STREAMRELAY_MAX_BODY_BYTES", 0),
			SessionID:     cfg.SessionID,
		},
		Ledger:   openLedger("webhook-seen.txt"),
		Events:   events,
		Receipts: receipts,
		Notify:   notifier,
		Limiter:  limiter,
		OnEvent: func(ev streamrelay.CanonicalEvent) {
			if deliveryStore == nil || forwardURL == "" {
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				return
			}
			if _, err := deliveryStore.Enqueue(ctx, forwardURL, string(payload)); err != nil {
				log.Printf("enqueue delivery for %s: %v", ev.TraceID, err)
			}
		},
	})
	if err != nil {
		log.Fatalf("build webhook server: %v", err)
	}

	registry := streamrelay.NewAdapterRegistry()
	var pollers []*streamrelay.Poller
	startPoller := func(adapter streamrelay.SourceAdapter, ledger *streamrelay.DedupLedger, interval time.Duration, fetchLimit, seedLimit int) *streamrelay.Poller {
		registry.Register(adapter)
		poller, err := streamrelay.NewPoller(streamrelay.PollerOptions{
			Adapter:    adapter,
			Ledger:     ledger,
			Log:        events,
			Receipts:   receipts,
			Notifier:   notifier,
			Limiter:    limiter,
			SessionID:  cfg.SessionID,
			InboxPath:  cfg.InboxFile,
			Interval:   interval,
			FetchLimit: fetchLimit,
			SeedLimit:  seedLimit,
		})
		if err != nil {
			log.Fatalf("build %s poller: %v", adapter.Name(), err)
		}
		pollers = append(pollers, poller)
		go poller.Run(ctx)
		return poller
	}

	if cfg.Chatroom != nil {
		ledger := openLedger("chatroom-seen.txt")
		adapter, err := sources.NewChatroomAdapter(sources.ChatroomOptions{
			Config:   *cfg.Chatroom,
			Acked:    openLedger("chatroom-acked.txt"),
			Receipts: receipts,
			Limiter:  limiter,
		})
		if err != nil {
			log.Fatalf("build chatroom adapter: %v", err)
		}
		startPoller(adapter, ledger,
			streamrelay.ParseInterval(cfg.Chatroom.Interval, streamrelay.DefaultPollInterval),
			cfg.Chatroom.FetchLimit, cfg.Chatroom.SeedLimit)

		if boolEnv("STREAMRELAY_LIVE_STREAM", false) {
			for _, room := range cfg.Chatroom.Rooms {
				listener, err := sources.NewLiveListener(sources.LiveListenerOptions{
					Adapter:   adapter,
					Room:      room,
					Ledger:    ledger,
					Log:       events,
					Receipts:  receipts,
					InboxPath: cfg.InboxFile,
				})
				if err != nil {
					log.Fatalf("build live listener for %s: %v", room, err)
				}
				go listener.Run(ctx)
			}
		}
	}
	if cfg.Forge != nil {
		adapter, err := sources.NewForgeAdapter(*cfg.Forge, nil)
		if err != nil {
			log.Fatalf("build forge adapter: %v", err)
		}
		startPoller(adapter, openLedger("forge-seen.txt"),
			streamrelay.ParseInterval(cfg.Forge.Interval, streamrelay.DefaultPollInterval),
			cfg.Forge.FetchLimit, 0)
	}
	if cfg.SocialFeed != nil {
		adapter, err := sources.NewSocialFeedAdapter(*cfg.SocialFeed, nil)
		if err != nil {
			log.Fatalf("build socialfeed adapter: %v", err)
		}
		startPoller(adapter, openLedger("social-seen.txt"),
			streamrelay.ParseInterval(cfg.SocialFeed.Interval, streamrelay.DefaultPollInterval),
			cfg.SocialFeed.FetchLimit, 0)
	}
	if cfg.Filedrop != nil {
		adapter, err := sources.NewFiledropAdapter(*cfg.Filedrop)
		if err != nil {
			log.Fatalf("build filedrop adapter: %v", err)
		}
		poller := startPoller(adapter, openLedger("filedrop-seen.txt"),
			streamrelay.ParseInterval(cfg.Filedrop.Interval, streamrelay.DefaultPollInterval), 0, 0)
		go func() {
			if err := adapter.Watch(ctx, poller.Nudge); err != nil && ctx.Err() == nil {
				log.Printf("filedrop watch stopped: %v", err)
			}
		}()
	}

	log.Printf("streamrelay listening on %s, adapters: %s", addr, strings.Join(registry.Names(), ","))
	httpServer := &http.Server{Addr: addr, Handler: server}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Fatalf("server failed: %v", err)
	}

	for _, p := range pollers {
		p.Stop()
	}
	for _, p := range pollers {
		p.Wait()
	}
}

func loadConfigFromEnv() streamrelay.Config {
	path := strings.TrimSpace(os.Getenv("STREAMRELAY_CONFIG"))
	if path == "" {
		path = "streamrelay.yaml"
	}
	cfg, err := streamrelay.LoadConfig(path)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Fatalf("load config %s: %v", path, err)
		}
		cfg = streamrelay.Config{}
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = ".streamrelay"
	}
	if dir := strings.TrimSpace(os.Getenv("STREAMRELAY_DATA_DIR")); dir != "" {
		cfg.DataDir = dir
	}
	if inbox := strings.TrimSpace(os.Getenv("STREAMRELAY_INBOX_FILE")); inbox != "" {
		cfg.InboxFile = inbox
	}
	if session := strings.TrimSpace(os.Getenv("STREAMRELAY_SESSION_ID")); session != "" {
		cfg.SessionID = session
	}
	if max := intEnv("STREAMRELAY_LEDGER_MAX", 0); max > 0 {
		cfg.LedgerMax = max
	}
	return cfg
}

// buildNotifier shells out to the configured nudge command with the session
// id and text appended. No command configured means no nudges.
func buildNotifier() streamrelay.Notifier {
	command := strings.TrimSpace(os.Getenv("STREAMRELAY_NUDGE_COMMAND"))
	if command == "" {
		return nil
	}
	return func(sessionID, text string) bool {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return exec.CommandContext(ctx, command, sessionID, text).Run() == nil
	}
}

func splitList(raw string) []string {
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

func intEnv(name string, fallback int) int {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func int64Env(name string, fallback int64) int64 {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %d", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(name string, fallback bool) bool {
	raw := strings.ToLower(strings.TrimSpace(os.Getenv(name)))
	switch raw {
	case "":
		return fallback
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		log.Printf("invalid %s=%q, using fallback %v", name, raw, fallback)
		return fallback
	}
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := os.Getenv(name)
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		log.Printf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}
