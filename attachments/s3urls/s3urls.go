// Package s3urls obtains signed chunk download URLs for attachments stored in
// an S3 compatible object store.
package s3urls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/companyzero/inboxengine/attachments"
	"github.com/companyzero/inboxengine/enginedb"
	"github.com/companyzero/inboxengine/engineintf"
	"github.com/decred/slog"
)

// DefaultExpiry is how long presigned URLs remain valid.
const DefaultExpiry = 15 * time.Minute

// Config is the configuration of a Presigner.
type Config struct {
	Region    string
	Endpoint  string
	Bucket    string
	AccessKey string
	SecretKey string

	// Prefix is prepended to every object key.
	Prefix string

	// Expiry defaults to DefaultExpiry.
	Expiry time.Duration

	// CheckExists makes the presigner issue a HEAD request for the first
	// chunk before signing, so that attachments removed from the bucket
	// are reported as deleted from the server.
	CheckExists bool

	Logger slog.Logger
}

// Presigner signs GET requests for attachment chunks. It implements
// attachments.SignedURLProvider.
type Presigner struct {
	cfg     Config
	log     slog.Logger
	client  *s3.Client
	presign *s3.PresignClient
}

// New creates a presigner. Signing happens locally: no request is made to the
// object store unless CheckExists is set.
func New(ctx context.Context, cfg Config) (*Presigner, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	if cfg.Expiry <= 0 {
		cfg.Expiry = DefaultExpiry
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Disabled
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey,
				cfg.SecretKey, "")))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("unable to load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Presigner{
		cfg:     cfg,
		log:     cfg.Logger,
		client:  client,
		presign: s3.NewPresignClient(client),
	}, nil
}

// ObjectKey returns the key of chunk n of an attachment.
func (p *Presigner) ObjectKey(id engineintf.AttachmentID, n uint32) string {
	key := fmt.Sprintf("%s/%d/%d", id.Message, id.Number, n)
	if p.cfg.Prefix != "" {
		key = p.cfg.Prefix + "/" + key
	}
	return key
}

func (p *Presigner) exists(ctx context.Context, key string) error {
	_, err := p.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(p.cfg.Bucket),
		Key:    aws.String(key),
	})
	var nf *types.NotFound
	var nsk *types.NoSuchKey
	if errors.As(err, &nf) || errors.As(err, &nsk) {
		return attachments.ErrDeletedFromServer
	}
	return err
}

// RequestSignedURLs returns one presigned GET url per chunk of a.
func (p *Presigner) RequestSignedURLs(ctx context.Context, a *enginedb.Attachment) ([]string, error) {
	if p.cfg.CheckExists {
		if err := p.exists(ctx, p.ObjectKey(a.ID, 0)); err != nil {
			return nil, err
		}
	}
	urls := make([]string, a.ChunkCount)
	for i := range urls {
		req, err := p.presign.PresignGetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(p.cfg.Bucket),
			Key:    aws.String(p.ObjectKey(a.ID, uint32(i))),
		}, s3.WithPresignExpires(p.cfg.Expiry))
		if err != nil {
			return nil, fmt.Errorf("unable to presign chunk %d of %s: %w",
				i, a.ID, err)
		}
		urls[i] = req.URL
	}
	p.log.Debugf("Signed %d chunk urls of %s", len(urls), a.ID)
	return urls, nil
}
