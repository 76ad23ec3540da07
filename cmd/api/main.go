package main

import (
	"context"
	"errors"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	ginadapter "github.com/awslabs/aws-lambda-go-api-proxy/gin"
	"github.com/gin-gonic/gin"

	"github.com/imrishuroy/go-idempotent-paymentflow/internal/auth"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/aws"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/config"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/downloads"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/gateway"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/handlers"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/idempotency"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/notify"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/orders"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/payments"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/postgres"
)

type orderStore interface {
	payments.OrderStore
	downloads.OrderReader
}

type grantStore interface {
	payments.GrantStore
	downloads.GrantRedeemer
}

type stores struct {
	orders orderStore
	ledger payments.Ledger
	grants grantStore
	close  func()
}

func newStores(ctx context.Context, cfg config.Config, clients *aws.AWSClients) (stores, error) {
	if cfg.StoreBackend == config.BackendPostgres {
		pool, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return stores{}, err
		}
		return stores{
			orders: postgres.NewOrderStore(pool),
			ledger: postgres.NewLedger(pool, cfg.LedgerTTL),
			grants: postgres.NewGrantStore(pool),
			close:  pool.Close,
		}, nil
	}

	return stores{
		orders: orders.NewStore(clients.DynamoDB, cfg.OrdersTable),
		ledger: idempotency.NewStore(clients.DynamoDB, cfg.IdempotencyTable, cfg.LedgerTTL),
		grants: downloads.NewStore(clients.DynamoDB, cfg.DownloadsTable),
		close:  func() {},
	}, nil
}

func newIdentity(cfg config.Config, logger *slog.Logger) auth.Resolver {
	switch {
	case cfg.JWTSecret != "":
		return auth.NewJWTResolver(cfg.JWTSecret, logger)
	case cfg.AuthURL != "":
		return auth.NewIntrospectionResolver(cfg.AuthURL, cfg.AuthAPIKey, logger)
	default:
		logger.Warn("no identity provider configured, every caller is a guest")
		return auth.Guest{}
	}
}

func setupRouter(confirmer handlers.Confirmer, downloader handlers.Downloader, logger *slog.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	handlers.RegisterPaymentRoutes(r, confirmer, logger)
	handlers.RegisterDownloadRoutes(r, downloader, logger)

	// health
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	return r
}

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx := context.Background()
	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		log.Fatalf("failed to init aws clients: %v", err)
	}

	st, err := newStores(ctx, cfg, clients)
	if err != nil {
		log.Fatalf("failed to init stores: %v", err)
	}
	defer st.close()

	deps := payments.Deps{
		Orders:   st.orders,
		Ledger:   st.ledger,
		Gateway:  gateway.NewClient(cfg.TossAPIBaseURL, cfg.TossSecretKey),
		Grants:   st.grants,
		Identity: newIdentity(cfg, logger),
		Metrics:  aws.NewMetricsRecorder(clients.CloudWatch, cfg.MetricsNamespace, logger),
		Logger:   logger,
	}

	var async *notify.Async
	if cfg.NotificationsQueueURL != "" {
		async = notify.NewAsync(notify.NewQueueDispatcher(aws.NewPublisher(clients.SQS, cfg.NotificationsQueueURL)), logger)
		deps.Notifier = async
	} else {
		logger.Warn("NOTIFICATIONS_QUEUE_URL not set, download emails are disabled")
	}

	signer := aws.NewObjectSigner(clients.S3Presign, cfg.DownloadsBucket, cfg.DownloadURLTTL)
	downloader := downloads.NewService(st.grants, st.orders, signer, logger)

	r := setupRouter(payments.NewService(deps), downloader, logger)

	// if environment variable RUN_LOCAL is set to "true", run local HTTP server for development.
	if cfg.RunLocal {
		runLocal(r, cfg.HTTPAddr, async, logger)
		return
	}

	// lambda adapter
	adapter := ginadapter.New(r)

	var pending waiter
	if async != nil {
		pending = async
	}
	lambda.Start(lambdaHandler(adapter.ProxyWithContext, pending))
}

type proxyFunc func(context.Context, events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error)

type waiter interface {
	Wait()
}

// lambdaHandler holds the response until in-flight notifications finish,
// since the runtime is frozen once the handler returns. The notification
// result never changes the response.
func lambdaHandler(proxy proxyFunc, pending waiter) proxyFunc {
	return func(ctx context.Context, req events.APIGatewayProxyRequest) (events.APIGatewayProxyResponse, error) {
		resp, err := proxy(ctx, req)
		if pending != nil {
			pending.Wait()
		}
		return resp, err
	}
}

func runLocal(r *gin.Engine, addr string, async *notify.Async, logger *slog.Logger) {
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		logger.Info("running local server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("failed to run local server: %v", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", "error", err)
	}
	if async != nil {
		async.Wait()
	}
	logger.Info("server stopped")
}
