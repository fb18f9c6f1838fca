// Package archive copies transcript files to S3.
//
// Transcripts are append-only and grow in place, so each pass uploads a
// fresh snapshot of every file that changed since the previous pass. The
// object key is dated by the day of the upload:
//
//	[prefix/]YYYY/MM/DD/<channel>/<file>
package archive

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/credentials/stscreds"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/john/chatwatch/internal/config"
)

const shutdownTimeout = 30 * time.Second

// File is one transcript to archive.
type File struct {
	Channel string
	Path    string
}

// Source lists the transcripts to archive on each pass.
type Source func() []File

// PutObjectAPI is the part of the S3 client the uploader needs.
type PutObjectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Uploader handles uploading transcript files to S3
type Uploader struct {
	client     PutObjectAPI
	bucket     string
	prefix     string
	maxRetries int
	backoff    time.Duration
	now        func() time.Time
	logger     *slog.Logger

	mu       sync.Mutex
	uploaded map[string]fileVersion
}

type fileVersion struct {
	size    int64
	modTime time.Time
}

// New creates an uploader from configuration. Credentials come from, in
// order: static keys, a role assumed with a web identity token file, a role
// assumed with the default chain, or the default chain itself.
func New(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*Uploader, error) {
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	if cfg.AccessKeyID == "" && cfg.RoleARN != "" {
		stsClient := sts.NewFromConfig(awsCfg)
		var provider aws.CredentialsProvider
		if cfg.WebIdentityTokenFile != "" {
			provider = stscreds.NewWebIdentityRoleProvider(stsClient, cfg.RoleARN, stscreds.IdentityTokenFile(cfg.WebIdentityTokenFile))
		} else {
			provider = stscreds.NewAssumeRoleProvider(stsClient, cfg.RoleARN)
		}
		awsCfg.Credentials = aws.NewCredentialsCache(provider)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return NewWithClient(client, cfg.Bucket, cfg.Prefix, cfg.MaxRetries, logger), nil
}

// NewWithClient creates an uploader around an existing S3 client.
func NewWithClient(client PutObjectAPI, bucket, prefix string, maxRetries int, logger *slog.Logger) *Uploader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Uploader{
		client:     client,
		bucket:     bucket,
		prefix:     prefix,
		maxRetries: maxRetries,
		backoff:    time.Second,
		now:        time.Now,
		logger:     logger,
		uploaded:   make(map[string]fileVersion),
	}
}

// Run archives src every interval until ctx is done, then makes a final
// pass bounded by its own timeout.
func (u *Uploader) Run(ctx context.Context, interval time.Duration, src Source) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			u.UploadAll(ctx, src())
		case <-ctx.Done():
			u.logger.Info("archiving transcripts before shutdown")
			final, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
			u.UploadAll(final, src())
			cancel()
			return ctx.Err()
		}
	}
}

// UploadAll uploads every changed file and returns how many were sent.
// Failures are logged; the file is retried on the next pass.
func (u *Uploader) UploadAll(ctx context.Context, files []File) int {
	n := 0
	for _, f := range files {
		ok, err := u.upload(ctx, f)
		if err != nil {
			u.logger.Warn("transcript upload failed", slog.String("path", f.Path), slog.Any("err", err))
			continue
		}
		if ok {
			n++
		}
	}
	return n
}

// upload sends f if it changed since the last successful upload.
func (u *Uploader) upload(ctx context.Context, f File) (bool, error) {
	info, err := os.Stat(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("stat: %w", err)
	}
	version := fileVersion{size: info.Size(), modTime: info.ModTime()}

	u.mu.Lock()
	prev, seen := u.uploaded[f.Path]
	u.mu.Unlock()
	if seen && prev == version {
		return false, nil
	}

	key := Key(u.prefix, f.Channel, f.Path, u.now())
	if err := u.uploadWithRetry(ctx, f.Path, key); err != nil {
		return false, err
	}

	u.mu.Lock()
	u.uploaded[f.Path] = version
	u.mu.Unlock()
	u.logger.Info("uploaded transcript", slog.String("path", f.Path), slog.String("bucket", u.bucket), slog.String("key", key))
	return true, nil
}

// uploadWithRetry uploads a file with exponential backoff
func (u *Uploader) uploadWithRetry(ctx context.Context, localPath, key string) error {
	var err error
	for attempt := 0; attempt <= u.maxRetries; attempt++ {
		if err = u.uploadFile(ctx, localPath, key); err == nil {
			return nil
		}
		if attempt == u.maxRetries {
			break
		}
		backoff := u.backoff << uint(attempt)
		u.logger.Debug("upload attempt failed",
			slog.Int("attempt", attempt+1), slog.String("path", localPath), slog.Duration("backoff", backoff), slog.Any("err", err))
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return fmt.Errorf("after %d attempts: %w", u.maxRetries+1, err)
}

// uploadFile uploads a specific file to S3
func (u *Uploader) uploadFile(ctx context.Context, localPath, key string) error {
	file, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return fmt.Errorf("stat file: %w", err)
	}
	// Transcripts grow while we upload. Send exactly the bytes present at
	// stat time so the body always matches the declared length.
	size := info.Size()
	_, err = u.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(u.bucket),
		Key:           aws.String(key),
		Body:          io.NewSectionReader(file, 0, size),
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("text/plain; charset=utf-8"),
	})
	if err != nil {
		return fmt.Errorf("put object: %w", err)
	}
	return nil
}

// Key builds the object key for a transcript uploaded at t.
// Input: prefix "logs", channel "ludwig", /var/log/ludwig.log on 2025-12-30
// Output: logs/2025/12/30/ludwig/ludwig.log
func Key(prefix, channel, localPath string, t time.Time) string {
	t = t.UTC()
	return path.Join(prefix,
		fmt.Sprintf("%04d/%02d/%02d", t.Year(), t.Month(), t.Day()),
		channel,
		filepath.Base(localPath))
}
