// Package remote implements the client for the content-addressed pinning
// network. Objects are ingested through the network's S3-compatible
// endpoint; durability is confirmed independently through its public read
// gateways. The network assigns each object a content fingerprint that
// serves as the durability and retrieval handle.
package remote

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/sethvargo/go-retry"

	"github.com/hermitbox/hermitbox/internal/common"
	"github.com/hermitbox/hermitbox/internal/logging"
	sc "github.com/hermitbox/hermitbox/internal/server/config"
)

// objectAPI is the slice of the S3 API the client uses. *s3.Client
// satisfies it; tests substitute a fake.
type objectAPI interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	HeadObject(ctx context.Context, in *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	HeadBucket(ctx context.Context, in *s3.HeadBucketInput, optFns ...func(*s3.Options)) (*s3.HeadBucketOutput, error)
}

// UploadResult reports a completed ingestion.
type UploadResult struct {
	Fingerprint string
	Size        int64
}

// Client talks to the pinning network. The ingestion session is established
// lazily and memoized; concurrent first callers share one in-flight attempt.
type Client struct {
	cfg    *sc.Config
	logger logging.Logger

	mu       sync.Mutex
	api      objectAPI
	inflight chan struct{}

	gateway *Gateway
}

// NewClient builds a Client. No network traffic happens until the first
// Upload call.
func NewClient(cfg *sc.Config, logger logging.Logger) *Client {
	return &Client{
		cfg:     cfg,
		logger:  logger.With("module", "remote_client"),
		gateway: NewGateway(cfg.GatewayURLs),
	}
}

// connect returns the memoized ingestion handle, dialing it on first use.
// Concurrent callers awaiting the first connection share one in-flight
// attempt rather than dialing in parallel.
func (c *Client) connect(ctx context.Context) (objectAPI, error) {
	for {
		c.mu.Lock()
		if c.api != nil {
			api := c.api
			c.mu.Unlock()
			return api, nil
		}
		if c.inflight == nil {
			break
		}
		ch := c.inflight
		c.mu.Unlock()

		select {
		case <-ch:
			// re-check: the attempt may have failed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ch := make(chan struct{})
	c.inflight = ch
	c.mu.Unlock()

	api, err := c.dial(ctx)

	c.mu.Lock()
	c.inflight = nil
	if err == nil {
		c.api = api
	}
	c.mu.Unlock()
	close(ch)

	if err != nil {
		return nil, err
	}
	return api, nil
}

// dial builds the S3 client and probes the ingestion bucket. Transient
// failures are retried with linear backoff up to the configured attempt
// ceiling; all other errors propagate immediately.
func (c *Client) dial(ctx context.Context) (objectAPI, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(c.cfg.IngestRegion),
		awsconfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(
			c.cfg.IngestAccessKey,
			c.cfg.IngestSecretKey,
			"",
		)))
	if err != nil {
		return nil, fmt.Errorf("ingest config: %w", err)
	}

	api := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(c.cfg.IngestBaseEndpoint)
		o.UsePathStyle = true
	})

	attempts := c.cfg.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(c.cfg.ConnectBackoff))

	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		_, err := api.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(c.cfg.IngestBucket)})
		if err != nil && isTransient(err) {
			c.logger.Warn(ctx, "transient connect failure, will retry", "error", err.Error())
			return retry.RetryableError(err)
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("ingest connect: %w", err)
	}

	return api, nil
}

// uploadTimeout scales the transfer deadline with object size so large
// files get proportionally more time without hanging indefinitely.
func (c *Client) uploadTimeout(size int64) time.Duration {
	mib := size / (1 << 20)
	if size%(1<<20) != 0 {
		mib++
	}
	return c.cfg.UploadTimeoutBase + time.Duration(mib)*c.cfg.UploadTimeoutPerMiB
}

// Upload streams the local file into the network's ingestion queue and
// drives the commit to completion. Success requires both the transfer's
// completion signal (a non-empty ETag) and a content fingerprint; a
// partially progressed transfer is never reported as success.
func (c *Client) Upload(ctx context.Context, localPath, remoteName string) (*UploadResult, error) {
	api, err := c.connect(ctx)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(localPath)
	if err != nil {
		return nil, fmt.Errorf("stat local copy: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.uploadTimeout(info.Size()))
	defer cancel()

	f, err := os.Open(localPath)
	if err != nil {
		return nil, fmt.Errorf("open local copy: %w", err)
	}
	defer f.Close()

	attempts := c.cfg.ConnectAttempts
	if attempts < 1 {
		attempts = 1
	}
	backoff := retry.WithMaxRetries(uint64(attempts-1), retry.NewConstant(c.cfg.ConnectBackoff))

	var out *s3.PutObjectOutput
	err = retry.Do(ctx, backoff, func(ctx context.Context) error {
		if _, err := f.Seek(0, 0); err != nil {
			return err
		}
		var putErr error
		out, putErr = api.PutObject(ctx, &s3.PutObjectInput{
			Bucket:            aws.String(c.cfg.IngestBucket),
			Key:               aws.String(remoteName),
			Body:              f,
			ContentLength:     aws.Int64(info.Size()),
			ChecksumAlgorithm: types.ChecksumAlgorithmSha256,
		})
		if putErr != nil && isTransient(putErr) {
			c.logger.Warn(ctx, "transient upload failure, will retry", "object", remoteName, "error", putErr.Error())
			return retry.RetryableError(putErr)
		}
		return putErr
	})
	if err != nil {
		return nil, fmt.Errorf("ingest upload: %w", err)
	}

	if out == nil || out.ETag == nil || *out.ETag == "" {
		return nil, fmt.Errorf("%w: no completion signal for %s", common.ErrUploadIncomplete, remoteName)
	}

	fp, err := c.extractFingerprint(ctx, api, remoteName, out)
	if err != nil {
		return nil, err
	}

	return &UploadResult{Fingerprint: fp, Size: info.Size()}, nil
}

// extractFingerprint pulls the content fingerprint from, in priority order:
// the transfer's structured checksum field, then the object metadata the
// network attaches after pinning. Whatever the source, the digest is
// normalized to fixed-length hex.
func (c *Client) extractFingerprint(ctx context.Context, api objectAPI, remoteName string, out *s3.PutObjectOutput) (string, error) {
	if out.ChecksumSHA256 != nil && *out.ChecksumSHA256 != "" {
		return NormalizeFingerprint(*out.ChecksumSHA256)
	}

	head, err := api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(c.cfg.IngestBucket),
		Key:    aws.String(remoteName),
	})
	if err != nil {
		return "", fmt.Errorf("%w: head after upload: %v", common.ErrUploadIncomplete, err)
	}

	for _, k := range []string{"cid", "ipfs-hash", "x-amz-meta-cid"} {
		if v, ok := head.Metadata[k]; ok && v != "" {
			return NormalizeFingerprint(v)
		}
	}

	return "", fmt.Errorf("%w: no fingerprint for %s", common.ErrUploadIncomplete, remoteName)
}

// Verify polls the public read gateway for the object. Each attempt is
// independent; network errors and non-200 responses count as "not yet".
func (c *Client) Verify(ctx context.Context, fingerprint string, attempts int, delay time.Duration) bool {
	return c.gateway.Verify(ctx, fingerprint, attempts, delay)
}

// Download hydrates a local failover copy from the gateways.
func (c *Client) Download(ctx context.Context, fingerprint, destPath string) bool {
	return c.gateway.Download(ctx, fingerprint, destPath)
}
