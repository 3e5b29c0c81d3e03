package spend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"

	"github.com/gantry-ai/gantry/pkg/observability"
)

// S3Config configures JSONL spend log archival
type S3Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	// KeyPrefix prepends object keys, default "spend-logs"
	KeyPrefix string
	// BatchSize flushes when this many records are buffered
	BatchSize int
	// FlushInterval flushes a partial batch after this long
	FlushInterval time.Duration
}

// S3Archiver buffers spend records and flushes them to S3 as JSONL objects,
// one object per batch, keyed by date for partition-friendly layout.
type S3Archiver struct {
	client *s3.Client
	config S3Config
	logger *observability.Logger

	mu     sync.Mutex
	buffer []*RequestRecord

	stop chan struct{}
	done chan struct{}
}

// NewS3Archiver creates the archiver and starts its flush loop
func NewS3Archiver(ctx context.Context, cfg S3Config, logger *observability.Logger) (*S3Archiver, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3 bucket is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "spend-logs"
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}

	var awsCfg aws.Config
	var err error
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		// Static credentials for MinIO or explicit AWS keys
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx,
			awsconfig.WithRegion(cfg.Region),
			awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
				cfg.AccessKey, cfg.SecretKey, "")),
		)
	} else {
		awsCfg, err = awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	a := &S3Archiver{
		client: client,
		config: cfg,
		logger: logger,
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go a.flushLoop()
	return a, nil
}

// Name returns the callback identifier
func (a *S3Archiver) Name() string { return "s3" }

// Deliver buffers the record; flushing happens on batch size or interval
func (a *S3Archiver) Deliver(ctx context.Context, rec *RequestRecord) error {
	a.mu.Lock()
	a.buffer = append(a.buffer, rec)
	shouldFlush := len(a.buffer) >= a.config.BatchSize
	a.mu.Unlock()

	if shouldFlush {
		return a.Flush(ctx)
	}
	return nil
}

func (a *S3Archiver) flushLoop() {
	defer close(a.done)
	ticker := time.NewTicker(a.config.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := a.Flush(context.Background()); err != nil {
				a.logger.WithError(err).Warn("scheduled spend log flush failed")
			}
		case <-a.stop:
			return
		}
	}
}

// Flush uploads the current buffer as one JSONL object
func (a *S3Archiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	batch := a.buffer
	a.buffer = nil
	a.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, rec := range batch {
		if err := enc.Encode(rec); err != nil {
			return fmt.Errorf("encode spend record: %w", err)
		}
	}

	key := objectKey(a.config.KeyPrefix, time.Now().UTC())
	_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(a.config.Bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(buf.Bytes()),
		ContentType: aws.String("application/x-ndjson"),
	})
	if err != nil {
		return fmt.Errorf("put spend log object: %w", err)
	}

	a.logger.WithFields(map[string]interface{}{
		"key":     key,
		"records": len(batch),
	}).Debug("archived spend logs to S3")
	return nil
}

// Close stops the flush loop and drains the buffer
func (a *S3Archiver) Close(ctx context.Context) error {
	close(a.stop)
	<-a.done
	return a.Flush(ctx)
}

func objectKey(prefix string, now time.Time) string {
	return fmt.Sprintf("%s/%s/%s.jsonl", prefix, now.Format("2006/01/02"), uuid.NewString())
}
