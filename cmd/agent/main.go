package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"tether/internal/api"
	"tether/internal/config"
	"tether/internal/devicecache"
	"tether/internal/enroll"
	"tether/internal/events"
	"tether/internal/notify"
	"tether/internal/policy"
	"tether/internal/push"
	"tether/internal/store"
	"tether/internal/unlock"
)

const appVersion = "1.0.0"

func main() {
	cfg := config.LoadAgent()

	serverURL := flag.String("server", cfg.ServerURL, "policy store base URL")
	dataDir := flag.String("data", cfg.DataDir, "data directory for session and policy state")
	enrollToken := flag.String("enroll", "", "enrollment token or scanned QR payload")
	deviceName := flag.String("name", hostname(), "device display name")
	interval := flag.Duration("interval", 15*time.Minute, "settings sync interval")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println(appVersion)
		return
	}
	if err := os.MkdirAll(*dataDir, 0o700); err != nil {
		log.Fatalf("[MAIN] data dir: %v", err)
	}

	session := store.LoadSession(*dataDir)
	client := store.NewClient(*serverURL, session)
	bus := events.NewBus()
	cache := devicecache.New(client, session, bus, *dataDir)
	enroller := enroll.NewEnroller(client, session, enroll.LogApplicator{}, *dataDir)
	workflow := unlock.NewWorkflow(client, session, bus)
	listener := push.NewListener(*serverURL, session, bus)

	var sender notify.Sender
	if cfg.NotifyURL != "" {
		sender = notify.ShoutrrrSender{URL: cfg.NotifyURL}
	}
	notifier := notify.NewNotifier(sender, bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if *enrollToken != "" && !session.Authenticated() {
		token := enroll.ParseQR(*enrollToken)
		_, err := enroller.Enroll(ctx, token, api.DeviceInfo{
			DeviceID:   uuid.NewString(),
			Model:      *deviceName,
			AppVersion: appVersion,
		})
		if err != nil {
			log.Fatalf("[MAIN] enrollment failed: %v", err)
		}
	}
	if !session.Authenticated() {
		log.Fatalf("[MAIN] not enrolled; run with -enroll <token>")
	}

	// Push frames are signals; the handlers reconcile with a fetch.
	bus.Subscribe(func(e events.Event) {
		keys := splitKeys(e.Metadata["keys"])
		cache.HandleSettingsUpdatePush(ctx, e.Metadata["updated_by"], keys)
	}, events.SettingsUpdatedPush)
	bus.Subscribe(func(e events.Event) {
		locked, _ := strconv.ParseBool(e.Metadata["is_locked"])
		cache.HandleLockPush(ctx, e.SettingKey, locked, e.Metadata["admin_name"])
	}, events.LockChangedPush)
	bus.Subscribe(func(e events.Event) {
		status := policy.ParseRequestStatus(e.Metadata["status"])
		respondedAt := policy.ParseTime(e.Metadata["responded_at"])
		workflow.UpdateRequestStatus(e.Metadata["request_id"], status, e.Metadata["admin_name"], e.Message, respondedAt)
		if status == policy.StatusApproved {
			if _, err := cache.FetchServerSettings(ctx); err != nil {
				log.Printf("[MAIN] post-approval refetch failed: %v", err)
			}
		}
	}, events.RequestDecidedPush)

	notifier.Start()
	go listener.Run(ctx)

	if _, err := cache.FetchServerSettings(ctx); err != nil {
		log.Printf("[MAIN] initial sync failed: %v", err)
	}
	if _, err := workflow.Get(ctx, policy.FilterAll); err != nil {
		log.Printf("[MAIN] unlock request fetch failed: %v", err)
	}

	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	log.Printf("[MAIN] agent running, syncing every %s", *interval)
	for {
		select {
		case <-ticker.C:
			if _, err := cache.FetchServerSettings(ctx); err != nil {
				log.Printf("[MAIN] sync failed: %v", err)
			}
		case <-stop:
			log.Printf("[MAIN] shutting down")
			cancel()
			notifier.Stop()
			return
		}
	}
}

func hostname() string {
	h, err := os.Hostname()
	if err != nil {
		return "device"
	}
	return h
}

func splitKeys(s string) []string {
	if s == "" {
		return nil
	}
	return strings.Split(s, ",")
}
