package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	appfulfillment "github.com/gamekeys/backend/internal/application/fulfillment"
	appinventory "github.com/gamekeys/backend/internal/application/inventory"
	appledger "github.com/gamekeys/backend/internal/application/ledger"
	apporder "github.com/gamekeys/backend/internal/application/order"
	apppayment "github.com/gamekeys/backend/internal/application/payment"
	domcatalog "github.com/gamekeys/backend/internal/domain/catalog"
	domledger "github.com/gamekeys/backend/internal/domain/ledger"
	domorder "github.com/gamekeys/backend/internal/domain/order"
	dompayment "github.com/gamekeys/backend/internal/domain/payment"
	"github.com/gamekeys/backend/internal/infrastructure/catalogsync"
	httptransport "github.com/gamekeys/backend/internal/infrastructure/http"
	"github.com/gamekeys/backend/internal/infrastructure/id"
	"github.com/gamekeys/backend/internal/infrastructure/memory"
	"github.com/gamekeys/backend/internal/infrastructure/notifier"
	obsinfra "github.com/gamekeys/backend/internal/infrastructure/observability"
	"github.com/gamekeys/backend/internal/infrastructure/observability/oteltrace"
	"github.com/gamekeys/backend/internal/infrastructure/observability/prometrics"
	"github.com/gamekeys/backend/internal/infrastructure/observability/zaplogger"
	"github.com/gamekeys/backend/internal/infrastructure/outbox"
	"github.com/gamekeys/backend/internal/infrastructure/paymentgw"
	"github.com/gamekeys/backend/internal/infrastructure/postgres"
	"github.com/gamekeys/backend/internal/infrastructure/supplier"
	"github.com/gamekeys/backend/internal/observability"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
)

// supplierAPI is what the shop needs from the wholesaler: key purchases,
// stock answers and the product feed.
type supplierAPI interface {
	appinventory.Supplier
	catalogsync.Feed
}

func main() {
	serviceName := getenvDefault("SERVICE_NAME", "gamekeys")
	env := getenvDefault("ENV", "dev")

	logger := zaplogger.New(
		observability.F("service", serviceName),
		observability.F("env", env),
	)
	tracer := oteltrace.New(serviceName)
	counters, histograms := buildMetrics(prometrics.New("gamekeys", ""))
	tel := obsinfra.New(tracer, logger, counters, histograms)

	// Repositories: memory for local runs, postgres when STORE=postgres.
	var (
		orderRepo   domorder.Repository
		ledgerRepo  domledger.Repository
		productRepo domcatalog.ProductRepository
		keyRepo     domcatalog.KeyRepository
	)
	if getenvDefault("STORE", "memory") == "postgres" {
		db, err := postgres.Open(postgres.Config{
			Host:     getenvDefault("PG_HOST", "localhost"),
			Port:     getenvInt("PG_PORT", 5432),
			User:     getenvDefault("PG_USER", "gamekeys"),
			Password: os.Getenv("PG_PASSWORD"),
			DBName:   getenvDefault("PG_DBNAME", "gamekeys"),
			SSLMode:  getenvDefault("PG_SSLMODE", "disable"),
		})
		if err != nil {
			logger.Error("postgres_open_failed", observability.F("error", err.Error()))
			os.Exit(1)
		}
		defer db.Close()
		if err := postgres.Migrate(db); err != nil {
			logger.Error("postgres_migrate_failed", observability.F("error", err.Error()))
			os.Exit(1)
		}
		orderRepo = postgres.NewOrderRepository(db)
		ledgerRepo = postgres.NewLedgerRepository(db)
		productRepo = postgres.NewProductRepository(db)
		keyRepo = postgres.NewKeyRepository(db)
	} else {
		orderRepo = memory.NewOrderRepository()
		ledgerRepo = memory.NewLedgerRepository()
		productRepo = memory.NewProductRepository()
		keyRepo = memory.NewKeyRepository()
	}

	idGen := id.NewUUIDGenerator()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bus := outbox.NewBus(logger)
	bus.Start(ctx)
	defer bus.Stop(context.Background())

	var wholesaler supplierAPI
	if baseURL := os.Getenv("SUPPLIER_API_URL"); baseURL != "" {
		wholesaler = supplier.NewClient(supplier.Config{
			BaseURL: baseURL,
			APIKey:  os.Getenv("SUPPLIER_API_KEY"),
		}, tel)
	} else {
		wholesaler = supplier.NewSimulator()
	}

	gateways := buildGateways(tel)

	ledgerSvc := appledger.NewService(ledgerRepo, idGen, logger)
	inventorySvc := appinventory.NewService(productRepo, keyRepo, wholesaler, idGen, logger)
	orchestrator := appfulfillment.NewOrchestrator(orderRepo, inventorySvc, ledgerSvc, bus, tel)
	paymentSvc := apppayment.NewService(orderRepo, gateways, ledgerSvc, orchestrator, bus, tel)
	orderSvc := apporder.NewService(orderRepo, productRepo, inventorySvc, ledgerSvc, paymentSvc, gateways, idGen, tel)

	appfulfillment.NewWorker(orchestrator, logger).Start(bus)
	notifier.New(notifier.NewLogSender(logger), logger).Start(bus)

	syncJob := catalogsync.NewJob(wholesaler, productRepo,
		time.Duration(getenvInt("CATALOG_SYNC_MINUTES", 15))*time.Minute, logger)
	go syncJob.Run(ctx)

	if getenvDefault("DEMO_SEED", "false") == "true" {
		seedDemoData(ctx, productRepo, keyRepo, idGen, logger)
	}

	handler := httptransport.NewHandler(
		orderSvc, paymentSvc, ledgerSvc,
		os.Getenv("WEBHOOK_SECRET"), logger,
	)

	root := chi.NewRouter()
	root.Use(httptransport.ObservabilityMiddleware(tel))
	root.Handle("/metrics", promhttp.Handler())
	root.Mount("/", handler.Router())

	server := &http.Server{
		Addr:    getenvDefault("HTTP_ADDR", ":8080"),
		Handler: root,
	}

	go func() {
		logger.Info("http_server_start", observability.F("addr", server.Addr))
		err := server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http_server_error", observability.F("error", err.Error()))
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("http_server_shutdown_error", observability.F("error", err.Error()))
	} else {
		logger.Info("http_server_stopped")
	}
}

func buildMetrics(reg prometrics.Registry) (
	map[observability.MetricKey]observability.Counter,
	map[observability.MetricKey]observability.Histogram,
) {
	counters := map[observability.MetricKey]observability.Counter{
		observability.MUsecaseRequests: reg.Counter(
			string(observability.MUsecaseRequests),
			"Total number of use case invocations.",
			"use_case", "outcome",
		),
		observability.MHTTPRequests: reg.Counter(
			string(observability.MHTTPRequests),
			"Total number of HTTP requests.",
			"method", "route", "status",
		),
		observability.MExternalRequests: reg.Counter(
			string(observability.MExternalRequests),
			"Total number of calls to external peers.",
			"peer", "endpoint", "outcome",
		),
		observability.MKeysAllocated: reg.Counter(
			string(observability.MKeysAllocated),
			"Total number of digital keys allocated to orders.",
		),
		observability.MStockExhausted: reg.Counter(
			string(observability.MStockExhausted),
			"Fulfillment attempts that failed on insufficient stock.",
		),
	}

	histograms := map[observability.MetricKey]observability.Histogram{
		observability.MUsecaseDuration: reg.Histogram(
			string(observability.MUsecaseDuration),
			"Duration of use case execution in seconds.",
			nil,
			"use_case",
		),
		observability.MHTTPRequestDuration: reg.Histogram(
			string(observability.MHTTPRequestDuration),
			"Duration of HTTP requests in seconds.",
			nil,
			"method", "route", "status",
		),
		observability.MExternalRequestDuration: reg.Histogram(
			string(observability.MExternalRequestDuration),
			"Duration of external calls in seconds.",
			nil,
			"peer", "endpoint",
		),
	}
	return counters, histograms
}

// buildGateways wires one Gateway per processor method. Without provider
// credentials the in-process simulator stands in, which keeps local checkout
// flows runnable end to end.
func buildGateways(tel observability.Observability) map[dompayment.Method]dompayment.Gateway {
	gateways := make(map[dompayment.Method]dompayment.Gateway)

	if baseURL := os.Getenv("STRIPE_API_URL"); baseURL != "" {
		gateways[dompayment.MethodStripe] = paymentgw.NewClient(paymentgw.Config{
			Name:    "stripe",
			BaseURL: baseURL,
			APIKey:  os.Getenv("STRIPE_API_KEY"),
		}, tel)
	}
	if baseURL := os.Getenv("PAYPAL_API_URL"); baseURL != "" {
		gateways[dompayment.MethodPayPal] = paymentgw.NewClient(paymentgw.Config{
			Name:    "paypal",
			BaseURL: baseURL,
			APIKey:  os.Getenv("PAYPAL_API_KEY"),
		}, tel)
	}

	sim := paymentgw.NewSimulator()
	if _, ok := gateways[dompayment.MethodStripe]; !ok {
		gateways[dompayment.MethodStripe] = sim
	}
	if _, ok := gateways[dompayment.MethodPayPal]; !ok {
		gateways[dompayment.MethodPayPal] = sim
	}
	return gateways
}

// seedDemoData loads a small catalog with internal stock so a fresh memory
// store can serve checkouts immediately.
func seedDemoData(
	ctx context.Context,
	products domcatalog.ProductRepository,
	keys domcatalog.KeyRepository,
	idGen *id.UUIDGenerator,
	logger observability.Logger,
) {
	demo := []struct {
		product *domcatalog.Product
		stock   int
	}{
		{&domcatalog.Product{ID: "game-alpha", Name: "Alpha Quest", Price: decimal.NewFromInt(30), Active: true}, 10},
		{&domcatalog.Product{ID: "game-beta", Name: "Beta Racer", Price: decimal.NewFromInt(50), SalePrice: decimal.NewFromInt(40), Active: true}, 5},
	}
	for _, d := range demo {
		if err := products.Upsert(ctx, d.product); err != nil {
			logger.Warn("demo_seed_failed", observability.F("error", err.Error()))
			return
		}
		for i := 0; i < d.stock; i++ {
			key := &domcatalog.DigitalKey{
				ID:        idGen.NewID(),
				ProductID: d.product.ID,
				KeyCode:   d.product.ID + "-" + strconv.Itoa(i+1),
				CreatedAt: time.Now().UTC(),
			}
			if err := keys.Add(ctx, key); err != nil {
				logger.Warn("demo_seed_failed", observability.F("error", err.Error()))
				return
			}
		}
	}
	logger.Info("demo_data_seeded")
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
