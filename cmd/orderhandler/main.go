// Command orderhandler is the Lambda executor of the HandleOrders action group.
// It stores orders as JSON objects in the bucket named by BUCKET_NAME.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/aws/aws-lambda-go/lambda"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/kelseyhightower/envconfig"

	"github.com/jettro/bedrock-agent/internal/adapter/store"
	"github.com/jettro/bedrock-agent/internal/infra/logger"
	"github.com/jettro/bedrock-agent/internal/usecase/orders"
)

// env is the function configuration, read from the Lambda environment.
type env struct {
	BucketName   string `envconfig:"BUCKET_NAME" default:"inline-agent-sample-orders-bucket"`
	LogLevel     string `envconfig:"LOG_LEVEL" default:"info"`
	FunctionName string `envconfig:"AWS_LAMBDA_FUNCTION_NAME"`
	Region       string `envconfig:"AWS_REGION"`
}

func main() {
	if err := run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "orderhandler: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	var e env
	if err := envconfig.Process("", &e); err != nil {
		return fmt.Errorf("read environment: %w", err)
	}
	log := logger.ForLambda(e.LogLevel, e.FunctionName)

	h, err := newHandler(ctx, e, log)
	if err != nil {
		return err
	}
	log.Info("order handler ready", "bucket", e.BucketName, "region", e.Region)

	lambda.Start(func(ctx context.Context, event orders.ActionGroupEvent) (orders.ActionGroupResponse, error) {
		return h.Handle(ctx, event), nil
	})
	return nil
}

func newHandler(ctx context.Context, e env, log *slog.Logger) (*orders.Handler, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if e.Region != "" {
		opts = append(opts, awsconfig.WithRegion(e.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return orders.NewHandler(store.NewS3OrderStore(awsCfg, e.BucketName, log), log)
}
