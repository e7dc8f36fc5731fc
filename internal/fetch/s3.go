package fetch

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog/log"

	"github.com/tanq16/hlsplay/internal/hlserr"
)

type S3API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

type S3Config struct {
	Profile  string
	Region   string
	Endpoint string // custom endpoint for S3-compatible stores, addressed path-style
}

// S3Fetcher reads s3://bucket/key URLs. The client is built on first use so
// plain HTTP sessions never load AWS configuration. A failed load is retried
// by the next fetch.
type S3Fetcher struct {
	mu     sync.Mutex
	client S3API
	cfg    S3Config
	load   func(ctx context.Context, optFns ...func(*config.LoadOptions) error) (aws.Config, error)
}

func NewS3Fetcher(client S3API) *S3Fetcher {
	return &S3Fetcher{client: client}
}

func NewS3FetcherFromConfig(cfg S3Config) *S3Fetcher {
	return &S3Fetcher{cfg: cfg, load: config.LoadDefaultConfig}
}

func (f *S3Fetcher) getClient(ctx context.Context) (S3API, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.client != nil {
		return f.client, nil
	}
	opts := []func(*config.LoadOptions) error{config.WithRetryMode("adaptive")}
	if f.cfg.Profile != "" {
		opts = append(opts, config.WithSharedConfigProfile(f.cfg.Profile))
	}
	if f.cfg.Region != "" {
		opts = append(opts, config.WithRegion(f.cfg.Region))
	}
	// The client outlives this request, so its credentials chain must not be
	// tied to the caller's cancellation.
	awsCfg, err := f.load(context.WithoutCancel(ctx), opts...)
	if err != nil {
		return nil, fmt.Errorf("error loading AWS config: %v", err)
	}
	f.client = s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if f.cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(f.cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return f.client, nil
}

func (f *S3Fetcher) Fetch(ctx context.Context, req Request) ([]byte, error) {
	bucket, key, err := parseS3URL(req.URL)
	if err != nil {
		return nil, hlserr.New(hlserr.MalformedURLError, req.URL, "could not parse S3 URL", err)
	}
	client, err := f.getClient(ctx)
	if err != nil {
		return nil, hlserr.DownloadFailed(req.URL, err)
	}
	input := &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if req.Range != nil {
		input.Range = aws.String(req.Range.Header())
	}
	log.Debug().Str("op", "fetch/s3").Str("bucket", bucket).Str("key", key).Msg("GetObject")

	out, err := client.GetObject(ctx, input)
	if err != nil {
		return nil, hlserr.DownloadFailed(req.URL, err)
	}
	defer out.Body.Close()
	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, hlserr.DownloadFailed(req.URL, err)
	}
	return data, nil
}

func parseS3URL(raw string) (string, string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", err
	}
	if u.Scheme != "s3" {
		return "", "", fmt.Errorf("expected s3 scheme, got %q", u.Scheme)
	}
	key := strings.TrimPrefix(u.Path, "/")
	if u.Host == "" || key == "" {
		return "", "", fmt.Errorf("expected s3://bucket/key")
	}
	return u.Host, key, nil
}
