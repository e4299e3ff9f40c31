package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/twmb/franz-go/pkg/sasl/aws"
	"github.com/twmb/franz-go/pkg/sasl/scram"
)

// ErrClientClosed is returned when the Kafka client has been closed.
var ErrClientClosed = errors.New("kafka client closed")

// Consumer delivers inbound queue messages and acknowledges them one at a time.
type Consumer interface {
	Poll(ctx context.Context) ([]*kgo.Record, error)
	Ack(ctx context.Context, rec *kgo.Record) error
	Close() error
}

// kafkaClient is the subset of kgo.Client methods we use, so tests can mock it.
type kafkaClient interface {
	PollFetches(ctx context.Context) kgo.Fetches
	CommitRecords(ctx context.Context, rs ...*kgo.Record) error
	Ping(ctx context.Context) error
	Close()
}

// KafkaAuthType specifies the authentication method for Kafka.
type KafkaAuthType int

const (
	KafkaAuthTypeSCRAM KafkaAuthType = iota
	KafkaAuthTypeAWSMSK
)

// ParseKafkaAuthType maps a config value ("scram" or "aws-msk") to a KafkaAuthType.
func ParseKafkaAuthType(s string) (KafkaAuthType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "scram":
		return KafkaAuthTypeSCRAM, nil
	case "aws-msk", "msk":
		return KafkaAuthTypeAWSMSK, nil
	default:
		return 0, fmt.Errorf("unknown kafka auth type %q", s)
	}
}

func (t KafkaAuthType) String() string {
	switch t {
	case KafkaAuthTypeSCRAM:
		return "scram"
	case KafkaAuthTypeAWSMSK:
		return "aws-msk"
	default:
		return fmt.Sprintf("KafkaAuthType(%d)", int(t))
	}
}

// KafkaConfig describes where envelopes are consumed from and how to
// authenticate.
type KafkaConfig struct {
	Brokers     []string
	Topic       string
	Group       string
	Auth        KafkaAuthType
	User        string // SCRAM only; SASL is skipped when empty
	Password    string
	TLSDisabled bool

	Logger  *slog.Logger
	Metrics *ConsumerMetrics

	// client replaces the kgo client in tests.
	client kafkaClient
}

func (c *KafkaConfig) Validate() error {
	if c.Logger == nil {
		c.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	if c.Metrics == nil {
		c.Metrics = NewConsumerMetrics(nil)
	}
	if c.client != nil {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka brokers are required")
	}
	if c.Topic == "" {
		return errors.New("kafka topic is required")
	}
	if c.Group == "" {
		return errors.New("kafka consumer group is required")
	}
	return nil
}

// clientOpts builds the kgo options for a manually committing group consumer
// that starts from the oldest offset when the group has none.
func (c *KafkaConfig) clientOpts() []kgo.Opt {
	opts := []kgo.Opt{
		kgo.SeedBrokers(c.Brokers...),
		kgo.ConsumeTopics(c.Topic),
		kgo.ConsumerGroup(c.Group),
		kgo.DisableAutoCommit(),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
	}
	switch c.Auth {
	case KafkaAuthTypeAWSMSK:
		opts = append(opts, kgo.SASL(aws.ManagedStreamingIAM(mskCredentials)))
	case KafkaAuthTypeSCRAM:
		if c.User != "" {
			opts = append(opts, kgo.SASL(scram.Auth{User: c.User, Pass: c.Password}.AsSha256Mechanism()))
		}
	}
	if !c.TLSDisabled {
		opts = append(opts, kgo.DialTLS())
	}
	return opts
}

// mskCredentials resolves IAM credentials from the default AWS chain on every
// SASL handshake, so rotated credentials are picked up on reconnect.
func mskCredentials(ctx context.Context) (aws.Auth, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return aws.Auth{}, fmt.Errorf("error loading aws config: %w", err)
	}
	creds, err := awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return aws.Auth{}, fmt.Errorf("error retrieving credentials: %w", err)
	}
	return aws.Auth{
		AccessKey:    creds.AccessKeyID,
		SecretKey:    creds.SecretAccessKey,
		SessionToken: creds.SessionToken,
	}, nil
}

// KafkaConsumer reads collector envelopes from a Kafka topic. Auto-commit is
// disabled; a record's offset is committed only through Ack.
type KafkaConsumer struct {
	client  kafkaClient
	logger  *slog.Logger
	metrics *ConsumerMetrics
}

func NewKafkaConsumer(cfg KafkaConfig) (*KafkaConsumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	kc := &KafkaConsumer{
		client:  cfg.client,
		logger:  cfg.Logger,
		metrics: cfg.Metrics,
	}
	if kc.client != nil {
		return kc, nil
	}

	client, err := kgo.NewClient(cfg.clientOpts()...)
	if err != nil {
		return nil, fmt.Errorf("error creating kafka client: %w", err)
	}
	kc.client = client

	kc.logger.Info("kafka consumer created",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"group", cfg.Group,
		"auth", cfg.Auth.String())
	return kc, nil
}

// Poll fetches the next set of records. Partition fetch errors are logged and
// counted; the records that did arrive are still returned.
func (kc *KafkaConsumer) Poll(ctx context.Context) ([]*kgo.Record, error) {
	fetches := kc.client.PollFetches(ctx)
	if fetches.IsClientClosed() {
		return nil, ErrClientClosed
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if fetches.Empty() {
		return nil, nil
	}

	fetches.EachError(func(topic string, partition int32, err error) {
		kc.logger.Error("error during fetching", "topic", topic, "partition", partition, "error", err)
		kc.metrics.FetchErrors.Inc()
	})

	records := fetches.Records()
	kc.metrics.RecordsConsumed.Add(float64(len(records)))
	return records, nil
}

// Ack commits the offset of a processed record.
func (kc *KafkaConsumer) Ack(ctx context.Context, rec *kgo.Record) error {
	if err := kc.client.CommitRecords(ctx, rec); err != nil {
		return fmt.Errorf("error committing offset %d on %s/%d: %w", rec.Offset, rec.Topic, rec.Partition, err)
	}
	return nil
}

// Ping checks that at least one broker is reachable.
func (kc *KafkaConsumer) Ping(ctx context.Context) error {
	return kc.client.Ping(ctx)
}

// Close closes the Kafka client.
func (kc *KafkaConsumer) Close() error {
	kc.client.Close()
	return nil
}
