package main

import (
	"context"
	"log"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-idempotent-paymentflow/internal/aws"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/config"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/orders"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/postgres"
)

func newOrderStore(ctx context.Context, cfg config.Config) (StaleOrderExpirer, func(), error) {
	if cfg.StoreBackend == config.BackendPostgres {
		pool, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewOrderStore(pool), pool.Close, nil
	}

	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		return nil, nil, err
	}
	return orders.NewStore(clients.DynamoDB, cfg.OrdersTable), func() {}, nil
}

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx := context.Background()
	store, closeStore, err := newOrderStore(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init order store: %v", err)
	}
	defer closeStore()

	s := NewSweeper(store, cfg.StaleOrderAfter, logger)

	if cfg.RunLocal {
		if _, err := s.Handle(ctx, events.CloudWatchEvent{ID: "local"}); err != nil {
			log.Fatalf("local sweep failed: %v", err)
		}
		return
	}

	lambda.Start(s.Handle)
}
