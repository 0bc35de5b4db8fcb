package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/uptrace/bun"

	"ms-settlement/internal/auth"
	"ms-settlement/internal/config"
	"ms-settlement/internal/database"
	"ms-settlement/internal/database/migrations"
	"ms-settlement/internal/kafka"
	"ms-settlement/internal/logger"
	"ms-settlement/internal/metrics"
	"ms-settlement/internal/notify"
	"ms-settlement/internal/payment"
	"ms-settlement/internal/payment/payment_api"
	"ms-settlement/internal/payout"
	payoutdb "ms-settlement/internal/payout/db"
	"ms-settlement/internal/payout/payout_api"
	"ms-settlement/internal/pricing"
	"ms-settlement/internal/processor"
	"ms-settlement/internal/settlement"
	settlementdb "ms-settlement/internal/settlement/db"
	ticketdb "ms-settlement/internal/tickets/db"
	"ms-settlement/internal/tickets/qr"
	tickets "ms-settlement/internal/tickets/service"
	"ms-settlement/internal/tickets/ticket_api"
	"ms-settlement/internal/utils"
)

func verifyConnections(ctx context.Context, cfg *config.Config, log *logger.Logger) (*bun.DB, *redis.Client) {
	bunDB, err := database.Open(ctx, cfg.Database, log)
	if err != nil {
		log.Fatal("DATABASE", err.Error())
	}

	if cfg.Database.Driver != "sqlite" && cfg.Database.AutoMigrate {
		runner := migrations.NewRunner(cfg.Database.DSN, log)
		if err := runner.MigrateUp(); err != nil {
			log.Fatal("MIGRATION", err.Error())
		}
		if err := runner.Close(); err != nil {
			log.Warn("MIGRATION", err.Error())
		}
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		log.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}
	log.Info("DATABASE", fmt.Sprintf("✅ Redis connection successful to %s (DB: %d)", cfg.Redis.Addr, redisClient.Options().DB))
	return bunDB, redisClient
}

// requestLogger logs every request through the category logger.
func requestLogger(log *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.LogAPI(r.Method, r.URL.Path, ww.Status(), time.Since(start))
		})
	}
}

func healthHandler(bunDB *bun.DB, redisClient *redis.Client) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()

		checks := map[string]string{"database": "ok", "redis": "ok"}
		status := http.StatusOK
		if err := bunDB.PingContext(ctx); err != nil {
			checks["database"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		if err := redisClient.Ping(ctx).Err(); err != nil {
			checks["redis"] = err.Error()
			status = http.StatusServiceUnavailable
		}
		if status != http.StatusOK {
			utils.WriteJSON(w, status, utils.APIResponse{Success: false, Message: "unhealthy", Data: checks, Timestamp: time.Now().UTC()})
			return
		}
		utils.WriteJSON(w, status, utils.SuccessResponse("healthy", checks))
	}
}

func main() {
	envErr := godotenv.Load()
	cfg := config.Load()

	log := logger.NewLogger(logger.Options{Dir: cfg.Log.Dir, Service: "ms-settlement", Level: cfg.Log.Level})
	defer log.Close()

	log.Info("APP", "Starting Settlement Service initialization")
	if envErr != nil {
		log.Warn("CONFIG", ".env file not found, using environment variables")
	} else {
		log.Info("CONFIG", "Loaded environment variables from .env file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("APP", "Verifying database connections")
	bunDB, redisClient := verifyConnections(ctx, cfg, log)
	defer bunDB.Close()
	defer redisClient.Close()

	// Interface values stay nil when a side effect is disabled.
	var publisher settlement.Publisher
	var producer *kafka.Producer
	if cfg.Kafka.Enabled {
		topics := []string{cfg.Kafka.Topics.PaymentSettled, cfg.Kafka.Topics.PaymentRejected, cfg.Kafka.Topics.PayoutTransfer}
		if err := kafka.EnsureTopicsExist(cfg.Kafka.Brokers, topics, log); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}
		producer = kafka.NewProducer(cfg.Kafka.Brokers, log)
		publisher = producer
		log.Info("KAFKA", fmt.Sprintf("Kafka producer initialized for %v", cfg.Kafka.Brokers))
	} else {
		log.Warn("KAFKA", "Kafka disabled, settlement and payout events will not be published")
	}

	var qrGen settlement.QRGenerator
	var qrCodec tickets.QRCodec
	if gen, err := qr.NewGenerator(cfg.QR.SecretKey); err != nil {
		log.Warn("QR", fmt.Sprintf("QR codes disabled: %v", err))
	} else {
		qrGen, qrCodec = gen, gen
	}

	var notifier settlement.Notifier = notify.LogNotifier{Log: log}
	if cfg.Email.SMTPHost != "" {
		notifier = notify.NewMailer(cfg.Email, log)
	} else {
		log.Warn("EMAIL", "SMTP_HOST not set, confirmations are logged instead of sent")
	}

	if cfg.Processor.WebhookSecret == "" {
		log.Warn("CONFIG", "PROCESSOR_WEBHOOK_SECRET not set, every webhook will be rejected")
	}
	if cfg.Auth.JWTSecret == "" {
		log.Warn("CONFIG", "OPERATOR_JWT_SECRET not set, operator endpoints will reject every request")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	processorClient := processor.NewClient(cfg.Processor, log)
	settlementStore := &settlementdb.DB{Bun: bunDB}

	settler := settlement.NewService(settlementStore, qrGen, notifier, publisher, m, log, settlement.Options{
		PublicBaseURL:      cfg.Server.PublicBaseURL,
		SettledTopic:       cfg.Kafka.Topics.PaymentSettled,
		RejectedTopic:      cfg.Kafka.Topics.PaymentRejected,
		SideEffectTimeout:  cfg.Settlement.SideEffectTimeout,
		BookkeepingTimeout: cfg.Settlement.BookkeepingTimeout,
		Async:              true,
	})

	sweeper := payout.NewSweeper(
		&payoutdb.DB{Bun: bunDB},
		processorClient,
		payout.NewLock(redisClient, "", cfg.Payout.LockTTL),
		publisher,
		m,
		log,
		payout.Options{
			DefaultThreshold: cfg.Payout.DefaultThreshold,
			Currency:         cfg.Payout.Currency,
			TransferTopic:    cfg.Kafka.Topics.PayoutTransfer,
			AutoRecredit:     cfg.Payout.AutoRecredit,
		},
	)

	paymentService := payment.NewService(
		cfg.Processor.WebhookSecret,
		cfg.Processor.CallbackURL,
		settler,
		sweeper,
		processorClient,
		pricing.NewCalculator(settlementStore),
		log,
	)
	ticketService := tickets.NewTicketService(&ticketdb.DB{Bun: bunDB}, qrCodec, log)

	paymentHandler := payment_api.NewHandler(paymentService, m, log)
	ticketHandler := ticket_api.NewHandler(ticketService, log)
	payoutHandler := payout_api.NewHandler(sweeper, settler, log)

	log.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(log))

	// --- Public Routes ---
	r.Get("/health", healthHandler(bunDB, redisClient))
	r.Method(http.MethodGet, "/metrics", m.Handler())
	r.Post("/webhooks/payments", paymentHandler.PaymentWebhook)
	log.Info("ROUTER", "Payment webhook registered at /webhooks/payments")

	r.Route("/api", func(r chi.Router) {
		r.Post("/payments/initialize", paymentHandler.InitializePayment)
		r.Get("/payments/verify/{reference}", paymentHandler.VerifyPayment)
		r.Get("/tickets/{ticketNumber}", ticketHandler.ViewTicket)
		r.Get("/tickets/{ticketNumber}/qr", ticketHandler.TicketQR)
		r.Get("/tiers/{tierID}/availability", ticketHandler.TierAvailability)

		// --- Operator Routes ---
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireRole(cfg.Auth.JWTSecret, cfg.Auth.OperatorRole, log))
			log.Info("AUTH", fmt.Sprintf("Operator JWT middleware applied (role %s)", cfg.Auth.OperatorRole))

			r.Post("/tickets/scan", ticketHandler.ScanTicket)
			r.Post("/admin/payouts/sweep", payoutHandler.TriggerSweep)
			r.Post("/admin/payouts/transfers/{reference}/recredit", payoutHandler.RecreditTransfer)
			r.Post("/admin/settlements/{reference}/reconcile", payoutHandler.ReconcileSettlement)
		})
	})
	log.Info("ROUTER", "API routes registered under /api")

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go sweeper.Run(ctx, cfg.Payout.SweepInterval)

	go func() {
		log.Info("HTTP", fmt.Sprintf("🚀 Settlement Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP", fmt.Sprintf("HTTP server error: %v", err))
			stop()
		}
	}()

	log.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-ctx.Done()

	log.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		log.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	}

	log.Info("APP", "Waiting for in-flight side effects")
	settler.Wait()
	if producer != nil {
		if err := producer.Close(); err != nil {
			log.Warn("KAFKA", fmt.Sprintf("Failed to close producer: %v", err))
		}
	}
	log.Info("HTTP", "✅ Settlement Service shutdown complete")
}
