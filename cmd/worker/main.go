package main

import (
	"context"
	"encoding/json"
	"log"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"

	"github.com/imrishuroy/go-idempotent-paymentflow/internal/aws"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/config"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/downloads"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/mailer"
	"github.com/imrishuroy/go-idempotent-paymentflow/internal/postgres"
)

func newGrantMarker(ctx context.Context, cfg config.Config) (GrantMarker, func(), error) {
	if cfg.StoreBackend == config.BackendPostgres {
		pool, err := postgres.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, nil, err
		}
		return postgres.NewGrantStore(pool), pool.Close, nil
	}

	clients, err := aws.NewAWSClients(ctx)
	if err != nil {
		return nil, nil, err
	}
	return downloads.NewStore(clients.DynamoDB, cfg.DownloadsTable), func() {}, nil
}

func main() {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx := context.Background()
	grants, closeStore, err := newGrantMarker(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init grant store: %v", err)
	}
	defer closeStore()

	p := NewProcessor(mailer.NewClient(mailer.DefaultBaseURL, cfg.ResendAPIKey, cfg.MailFrom, cfg.AppURL), grants, logger)

	// RUN_LOCAL=true processes a single message taken from LOCAL_SQS_BODY.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			log.Fatalf("LOCAL_SQS_BODY is required when RUN_LOCAL=true")
		}
		resp, err := p.Handle(ctx, events.SQSEvent{
			Records: []events.SQSMessage{{MessageId: "local-1", Body: body}},
		})
		if err != nil {
			log.Fatalf("local handler error: %v", err)
		}
		out, _ := json.Marshal(resp)
		logger.Info("local run finished", "response", string(out))
		return
	}

	lambda.Start(p.Handle)
}
