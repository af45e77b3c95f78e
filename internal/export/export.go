// Package export turns a finished batch into downloadable artifacts: a
// JSONL training file of the successful conversations and a JSON batch log
// recording per-item outcomes.
package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/jamesjordanmarketing/train-data-sub012/internal/models"
)

type uploader interface {
	Upload(ctx context.Context, key string, body []byte, contentType string) (string, error)
}

// Config selects the artifact destination. With an empty bucket only the
// local directory is used.
type Config struct {
	S3Bucket    string
	S3Region    string
	S3Endpoint  string
	S3PathStyle bool
	LocalDir    string
}

// Exporter writes batch artifacts to local disk or S3.
type Exporter struct {
	local uploader
	s3    uploader
}

func New(ctx context.Context, cfg Config) (*Exporter, error) {
	baseDir := cfg.LocalDir
	if baseDir == "" {
		baseDir = "./exports"
	}

	var s3Upload uploader
	if cfg.S3Bucket != "" {
		client, err := newS3Client(ctx, cfg)
		if err != nil {
			return nil, err
		}
		s3Upload = &s3Uploader{client: client, bucket: cfg.S3Bucket}
	}

	return &Exporter{
		local: &localUploader{baseDir: baseDir},
		s3:    s3Upload,
	}, nil
}

func newS3Client(ctx context.Context, cfg Config) (*s3.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.S3Region),
	}
	if cfg.S3Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.S3Endpoint,
					HostnameImmutable: cfg.S3PathStyle,
					SigningRegion:     cfg.S3Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.S3PathStyle
	}), nil
}

// trainingRecord is one JSONL line of the export file.
type trainingRecord struct {
	ItemID       string          `json:"itemId"`
	Topic        string          `json:"topic"`
	Tier         string          `json:"tier"`
	Conversation json.RawMessage `json:"conversation"`
}

// logEntry is one per-item row of the batch log artifact.
type logEntry struct {
	ItemID       string  `json:"itemId"`
	Position     int     `json:"position"`
	Topic        string  `json:"topic"`
	Status       string  `json:"status"`
	ErrorMessage string  `json:"errorMessage,omitempty"`
	InputTokens  int     `json:"inputTokens"`
	OutputTokens int     `json:"outputTokens"`
	Cost         float64 `json:"cost"`
	Attempts     int     `json:"attempts"`
}

type batchLog struct {
	JobID           string     `json:"jobId"`
	Name            string     `json:"name"`
	Status          string     `json:"status"`
	TotalItems      int        `json:"totalItems"`
	SuccessfulItems int        `json:"successfulItems"`
	FailedItems     int        `json:"failedItems"`
	ActualCost      float64    `json:"actualCost"`
	ExportedAt      time.Time  `json:"exportedAt"`
	Items           []logEntry `json:"items"`
}

// BuildJSONL serializes succeeded items, one conversation per line, in
// batch position order.
func BuildJSONL(items []models.BatchItem) ([]byte, int, error) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	count := 0
	for _, item := range items {
		if item.Status != models.ItemSucceeded || len(item.Conversation) == 0 {
			continue
		}
		rec := trainingRecord{
			ItemID:       item.ID,
			Topic:        item.Topic,
			Tier:         item.Tier,
			Conversation: item.Conversation,
		}
		if err := enc.Encode(rec); err != nil {
			return nil, 0, fmt.Errorf("encode item %s: %w", item.ID, err)
		}
		count++
	}
	return buf.Bytes(), count, nil
}

// BuildLog serializes the batch log artifact for a job and its items.
func BuildLog(job models.BatchJob, items []models.BatchItem) ([]byte, error) {
	entries := make([]logEntry, 0, len(items))
	for _, item := range items {
		entries = append(entries, logEntry{
			ItemID:       item.ID,
			Position:     item.Position,
			Topic:        item.Topic,
			Status:       item.Status,
			ErrorMessage: item.ErrorMessage,
			InputTokens:  item.InputTokens,
			OutputTokens: item.OutputTokens,
			Cost:         item.Cost,
			Attempts:     item.Attempts,
		})
	}
	out, err := json.MarshalIndent(batchLog{
		JobID:           job.ID,
		Name:            job.Name,
		Status:          job.Status,
		TotalItems:      job.TotalItems,
		SuccessfulItems: job.SuccessfulItems,
		FailedItems:     job.FailedItems,
		ActualCost:      job.ActualCost,
		ExportedAt:      time.Now().UTC(),
		Items:           entries,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal batch log: %w", err)
	}
	return out, nil
}

// Result describes the written artifacts.
type Result struct {
	TrainingLocation string `json:"trainingFile"`
	LogLocation      string `json:"batchLog"`
	RecordCount      int    `json:"recordCount"`
}

// Export writes both artifacts for a finished job. Destination "s3" requires
// a configured bucket; anything else falls back to the local directory.
func (e *Exporter) Export(ctx context.Context, job models.BatchJob, items []models.BatchItem, destination string) (Result, error) {
	jsonl, count, err := BuildJSONL(items)
	if err != nil {
		return Result{}, err
	}
	logBody, err := BuildLog(job, items)
	if err != nil {
		return Result{}, err
	}

	up, err := e.pick(destination)
	if err != nil {
		return Result{}, err
	}

	prefix := fmt.Sprintf("batches/%s", sanitizeKey(job.ID))
	trainingLoc, err := up.Upload(ctx, prefix+"/training.jsonl", jsonl, "application/jsonl")
	if err != nil {
		return Result{}, fmt.Errorf("upload training file: %w", err)
	}
	logLoc, err := up.Upload(ctx, prefix+"/batch-log.json", logBody, "application/json")
	if err != nil {
		return Result{}, fmt.Errorf("upload batch log: %w", err)
	}

	return Result{TrainingLocation: trainingLoc, LogLocation: logLoc, RecordCount: count}, nil
}

func (e *Exporter) pick(destination string) (uploader, error) {
	switch strings.ToLower(destination) {
	case "s3":
		if e.s3 != nil {
			return e.s3, nil
		}
		return nil, errors.New("destination s3 requested but no bucket is configured")
	case "local", "":
		return e.local, nil
	}
	return e.local, nil
}

func sanitizeKey(key string) string {
	key = filepath.Clean(key)
	key = strings.TrimPrefix(key, string(filepath.Separator))
	key = strings.TrimPrefix(key, "./")
	return key
}

type localUploader struct {
	baseDir string
}

func (l *localUploader) Upload(_ context.Context, key string, body []byte, _ string) (string, error) {
	path := filepath.Join(l.baseDir, key)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create dirs: %w", err)
	}
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return "", fmt.Errorf("write file: %w", err)
	}
	return path, nil
}

type s3Uploader struct {
	client *s3.Client
	bucket string
}

func (s *s3Uploader) Upload(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return "", fmt.Errorf("put object: %w", err)
	}
	return fmt.Sprintf("s3://%s/%s", s.bucket, key), nil
}
