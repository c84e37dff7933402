package config

import (
	"context"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

const (
	RoleProducer      = "producer"
	RoleRelayQueue    = "relay-queue"
	RoleRelayStream   = "relay-stream"
	RoleConsumerTopic = "consumer-topic"

	ModeLambda = "lambda"
	ModeHTTP   = "http"

	ProtocolHTTP = "http/protobuf"
	ProtocolGRPC = "grpc"

	IDGeneratorRandom = "random"
	IDGeneratorXRay   = "xray"
)

type Config struct {
	Function  FunctionConfig
	Transport TransportConfig
	Exporter  ExporterConfig
	Dispatch  DispatchConfig
	HTTP      HTTPConfig
}

type FunctionConfig struct {
	Role string `env:"FUNCTION_ROLE,required"`

	RuntimeMode string `env:"RUNTIME_MODE,default=lambda"`

	ServiceName string `env:"SERVICE_NAME"`

	Version string `env:"SERVICE_VERSION,default=0.1.0"`

	Verbose bool `env:"VERBOSE,default=false"`
}

type TransportConfig struct {
	QueueURL string `env:"QUEUE_URL"`

	QueueName string `env:"QUEUE_NAME"`

	StreamName string `env:"STREAM_NAME"`

	StreamPartitionKey string `env:"STREAM_PARTITION_KEY"`

	TopicARN string `env:"TOPIC_ARN"`
}

type ExporterConfig struct {
	Endpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT,default=http://localhost:4318"`

	Protocol string `env:"OTEL_EXPORTER_OTLP_PROTOCOL,default=http/protobuf"`

	IDGenerator string `env:"ID_GENERATOR,default=random"`

	FlushTimeout time.Duration `env:"FLUSH_TIMEOUT,default=2s"`
}

type DispatchConfig struct {
	Concurrency int `env:"DISPATCH_CONCURRENCY,default=1"`
}

type HTTPConfig struct {
	Port string `env:"HTTP_PORT,default=8889"`
}

func LoadConfig(ctx context.Context, lookuper envconfig.Lookuper) (*Config, error) {
	var c Config
	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &c,
		Lookuper: lookuper,
	}); err != nil {
		return nil, err
	}

	if c.Function.ServiceName == "" {
		c.Function.ServiceName = c.Function.Role + "-function"
	}

	if err := validateConfig(&c); err != nil {
		return nil, err
	}

	return &c, nil
}

func validateConfig(c *Config) error {
	switch c.Function.Role {
	case RoleProducer:
		if c.Transport.QueueURL == "" && c.Transport.QueueName == "" {
			return fmt.Errorf("QUEUE_URL or QUEUE_NAME is required when FUNCTION_ROLE is '%s'", RoleProducer)
		}
		if c.Transport.StreamName == "" {
			return fmt.Errorf("STREAM_NAME is required when FUNCTION_ROLE is '%s'", RoleProducer)
		}
	case RoleRelayQueue, RoleRelayStream:
		if c.Transport.TopicARN == "" {
			return fmt.Errorf("TOPIC_ARN is required when FUNCTION_ROLE is '%s'", c.Function.Role)
		}
	case RoleConsumerTopic:
		// Final consumer publishes nothing
	default:
		return fmt.Errorf("FUNCTION_ROLE must be one of '%s', '%s', '%s' or '%s', got: %s",
			RoleProducer, RoleRelayQueue, RoleRelayStream, RoleConsumerTopic, c.Function.Role)
	}

	switch c.Function.RuntimeMode {
	case ModeLambda, ModeHTTP:
	default:
		return fmt.Errorf("RUNTIME_MODE must be either '%s' or '%s', got: %s", ModeLambda, ModeHTTP, c.Function.RuntimeMode)
	}

	switch c.Exporter.Protocol {
	case ProtocolHTTP, ProtocolGRPC:
	default:
		return fmt.Errorf("OTEL_EXPORTER_OTLP_PROTOCOL must be either '%s' or '%s', got: %s", ProtocolHTTP, ProtocolGRPC, c.Exporter.Protocol)
	}

	switch c.Exporter.IDGenerator {
	case IDGeneratorRandom, IDGeneratorXRay:
	default:
		return fmt.Errorf("ID_GENERATOR must be either '%s' or '%s', got: %s", IDGeneratorRandom, IDGeneratorXRay, c.Exporter.IDGenerator)
	}

	if c.Dispatch.Concurrency < 1 {
		return fmt.Errorf("DISPATCH_CONCURRENCY must be at least 1, got: %d", c.Dispatch.Concurrency)
	}

	return nil
}
