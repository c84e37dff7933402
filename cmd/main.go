package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kinesis"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/kolomiets/tracing-playground/internal/app"
	"github.com/kolomiets/tracing-playground/internal/config"
	"github.com/kolomiets/tracing-playground/internal/exporter"
	"github.com/sethvargo/go-envconfig"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadConfig(ctx, envconfig.OsLookuper())
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("%s is starting as %s (%s mode)", cfg.Function.ServiceName, cfg.Function.Role, cfg.Function.RuntimeMode)

	tp, exporterCleanup, err := exporter.SetupExporter(ctx, *cfg)
	if err != nil {
		log.Fatalf("Failed to set up exporter: %v", err)
	}
	defer exporterCleanup()

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		log.Fatalf("Failed to load AWS configuration: %v", err)
	}

	clients := app.Clients{
		SQS:     sqs.NewFromConfig(awsCfg),
		SNS:     sns.NewFromConfig(awsCfg),
		Kinesis: kinesis.NewFromConfig(awsCfg),
	}

	application, err := app.New(ctx, *cfg, tp, clients)
	if err != nil {
		log.Fatalf("Failed to initialize application: %v", err)
	}

	if err := application.Run(ctx); err != nil {
		log.Printf("Application stopped with error: %v", err)
		return
	}

	log.Println("Completed graceful shutdown")
}
