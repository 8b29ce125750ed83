package main

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"dripflow/config"
	"dripflow/engine"
	"dripflow/middleware"
	"dripflow/repository"
	"dripflow/routes"
	"dripflow/utils"
	"dripflow/worker"
)

func main() {
	logger := log.New(os.Stdout, "DRIPFLOW: ", log.Ldate|log.Ltime|log.Lshortfile)

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize Sentry
	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Printf("Sentry initialization failed: %v", err)
		}
		defer sentry.Flush(2 * time.Second)
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	utils.SetTrackingSecret(config.AppConfig.TrackingSecret)

	store := repository.NewGormStore(config.DB)

	var cache *redis.Client
	if config.AppConfig.Redis.Enabled {
		cache = redis.NewClient(&redis.Options{
			Addr:     config.AppConfig.Redis.Address,
			Password: config.AppConfig.Redis.Password,
			DB:       config.AppConfig.Redis.DB,
		})
	}

	engineLog := logrus.New()
	if config.AppConfig.Environment == "production" {
		engineLog.SetFormatter(&logrus.JSONFormatter{})
	}
	entry := logrus.NewEntry(engineLog)

	// Engine services
	enrollmentManager := engine.NewEnrollmentManager(store, entry)
	scheduler := engine.NewScheduler(store, entry)
	tracker := engine.NewTracker(store, entry)
	analytics := engine.NewAnalytics(store, cache, config.AppConfig.TickInterval, entry)
	generator := engine.NewEngagementGenerator(store, engine.GeneratorConfig{
		MinReactions: config.AppConfig.MinReactions,
		MaxReactions: config.AppConfig.MaxReactions,
	}, entry)

	mailer := utils.NewSMTPMailer(utils.SMTPConfig{
		Host:      config.AppConfig.SMTP.Host,
		Port:      config.AppConfig.SMTP.Port,
		Username:  config.AppConfig.SMTP.Username,
		Password:  config.AppConfig.SMTP.Password,
		FromName:  config.AppConfig.SMTP.FromName,
		FromEmail: config.AppConfig.SMTP.FromEmail,
	})
	channel := engine.ChannelFunc(func(ctx context.Context, msg engine.OutboundMessage) error {
		return mailer.Send(ctx, msg.To, msg.ToName, msg.Subject, msg.Body, msg.MessageID)
	})

	dispatcher := engine.NewDispatcher(store, channel, generator, engine.DispatcherConfig{
		BaseURL:     config.AppConfig.BaseURL,
		SendTimeout: config.AppConfig.SendTimeout,
		MaxAttempts: config.AppConfig.MaxSendAttempts,
		TokenDefaults: map[string]string{
			"first_name": "there",
		},
	}, entry)

	// Create Fiber app
	app := fiber.New()
	app.Use(middleware.CORS())

	// Background workers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	schedulerWorker := worker.NewSchedulerWorker(scheduler, dispatcher,
		config.AppConfig.TickInterval, config.AppConfig.DispatchPoolSize,
		log.New(os.Stdout, "SCHEDULER: ", log.LstdFlags))
	go schedulerWorker.Start(ctx)

	replyWorker := worker.NewReplyWorker(worker.IMAPConfig{
		Host:       config.AppConfig.IMAP.Host,
		Port:       config.AppConfig.IMAP.Port,
		Username:   config.AppConfig.IMAP.Username,
		Password:   config.AppConfig.IMAP.Password,
		Encryption: config.AppConfig.IMAP.Encryption,
		Mailbox:    config.AppConfig.IMAP.Mailbox,
	}, tracker, log.New(os.Stdout, "REPLY: ", log.LstdFlags))
	go replyWorker.Start(ctx)

	maintenanceWorker := worker.NewMaintenanceWorker(store, analytics,
		log.New(os.Stdout, "MAINTENANCE: ", log.LstdFlags))
	go maintenanceWorker.Start(ctx)

	// Setup routes
	routes.SetupRoutes(app, routes.Deps{
		Store:             store,
		EnrollmentManager: enrollmentManager,
		Tracker:           tracker,
		Analytics:         analytics,
	})

	// Start server
	logger.Printf("🚀 Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
