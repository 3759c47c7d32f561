package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/tapeworks/meetingbot/pkg/bot"
	"github.com/tapeworks/meetingbot/pkg/config"
	"github.com/tapeworks/meetingbot/pkg/delivery"
	"github.com/tapeworks/meetingbot/pkg/log"
	"github.com/tapeworks/meetingbot/pkg/sched"
	"github.com/tapeworks/meetingbot/pkg/server"
	"github.com/tapeworks/meetingbot/pkg/session"
	"github.com/tapeworks/meetingbot/pkg/store"
)

const shutdownTimeout = 30 * time.Second

func runServer(args []string) {
	cfg, err := config.Load(args)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}
	log.Init(cfg.LogLevel)

	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatalf("Failed to open store at %s: %v", cfg.DatabasePath, err)
	}
	defer st.Close()

	creds, err := config.LoadCredentials(cfg.CredentialsPath)
	if err != nil {
		log.Fatalf("Failed to load credentials: %v", err)
	}
	if err := seedSubscriptions(st, creds); err != nil {
		log.Fatalf("Failed to register webhook subscriptions: %v", err)
	}

	deliverer := delivery.NewDeliverer(st, creds.WebhookSecret)
	deliverer.Start()

	launcher := buildLauncher(cfg)
	manager, err := session.NewManager(session.Deps{
		Store:        st,
		Launcher:     launcher,
		Deliverer:    deliverer,
		ASRKey:       asrKeyFunc(creds),
		RecordingDir: cfg.RecordingDir,
		QueueSize:    cfg.RouterQueueSize,
	})
	if err != nil {
		log.Fatalf("Failed to build session manager: %v", err)
	}

	scheduler := sched.New(st, manager, launcher, deliverer,
		cfg.Scheduler.PollInterval, cfg.Scheduler.StagingLead)
	scheduler.Start()

	httpServer := &http.Server{
		Addr:    cfg.HTTPAddr,
		Handler: server.New(manager, st, cfg),
	}
	go func() {
		log.Infof("Listening on %s", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("HTTP server failed: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info("Shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	scheduler.Stop()
	httpServer.Shutdown(ctx)
	manager.Shutdown(ctx)
	deliverer.Close()
	log.Info("Shutdown complete")
}

// seedSubscriptions mirrors the webhook endpoints declared in the
// credentials file into the store, where the deliverer reads them.
func seedSubscriptions(st store.Store, creds *config.Credentials) error {
	ctx := context.Background()
	for projectID, project := range creds.Projects {
		for _, hook := range project.Webhooks {
			sub := &bot.WebhookSubscription{
				ID:        uuid.NewString(),
				ProjectID: projectID,
				URL:       hook.URL,
				Events:    hook.Events,
			}
			if err := st.UpsertSubscription(ctx, sub); err != nil {
				return err
			}
		}
	}
	return nil
}

func buildLauncher(cfg *config.Config) session.Launcher {
	if cfg.CaptureCommand == "" {
		log.Warn("No capture command configured, sessions will wait for external capture clients")
		return session.ExternalLauncher{}
	}
	return &session.ExecLauncher{
		Command: cfg.CaptureCommand,
		CaptureURL: func(botID string) string {
			return "ws://" + cfg.HTTPAddr + "/ws/capture/" + botID
		},
	}
}

func asrKeyFunc(creds *config.Credentials) session.KeyFunc {
	return func(projectID, provider string) string {
		project, ok := creds.Project(projectID)
		if !ok {
			return ""
		}
		switch provider {
		case "deepgram":
			return project.DeepgramAPIKey
		case "assemblyai":
			return project.AssemblyAIAPIKey
		}
		return ""
	}
}
