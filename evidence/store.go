// Package evidence issues presigned upload URLs for dispute evidence.
package evidence

import (
	"context"
	"errors"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/oklog/ulid/v2"
)

var (
	ErrNotConfigured   = errors.New("evidence: storage not configured")
	ErrInvalidFilename = errors.New("evidence: invalid filename")
)

const DefaultURLTTL = 15 * time.Minute

// Presigner is the subset of *s3.PresignClient the store needs.
type Presigner interface {
	PresignPutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.PresignOptions)) (*v4.PresignedHTTPRequest, error)
}

// Upload describes where a client should PUT an evidence file. Key is what
// gets attached to the dispute as an evidence reference.
type Upload struct {
	Key         string
	URL         string
	ContentType string
	ExpiresIn   time.Duration
}

type Store struct {
	presigner Presigner
	bucket    string
	ttl       time.Duration
	newID     func() string
}

func NewStore(presigner Presigner, bucket string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultURLTTL
	}
	return &Store{
		presigner: presigner,
		bucket:    bucket,
		ttl:       ttl,
		newID:     func() string { return ulid.Make().String() },
	}
}

// NewS3Store builds a Store from the default AWS credential chain.
func NewS3Store(ctx context.Context, region, bucket string, ttl time.Duration) (*Store, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("evidence: load aws config: %w", err)
	}
	client := s3.NewFromConfig(cfg)
	return NewStore(s3.NewPresignClient(client), bucket, ttl), nil
}

// PresignUpload returns a short-lived PUT URL under evidence/<jobID>/.
func (s *Store) PresignUpload(ctx context.Context, jobID, uploaderID, filename, contentType string) (Upload, error) {
	if s == nil || s.presigner == nil || s.bucket == "" {
		return Upload{}, ErrNotConfigured
	}
	name, err := sanitize(filename)
	if err != nil {
		return Upload{}, err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	key := fmt.Sprintf("evidence/%s/%s-%s", jobID, s.newID(), name)
	req, err := s.presigner.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		ContentType: aws.String(contentType),
		Metadata: map[string]string{
			"job_id":      jobID,
			"uploaded_by": uploaderID,
		},
	}, func(o *s3.PresignOptions) { o.Expires = s.ttl })
	if err != nil {
		return Upload{}, fmt.Errorf("evidence: presign: %w", err)
	}
	return Upload{Key: key, URL: req.URL, ContentType: contentType, ExpiresIn: s.ttl}, nil
}

// OwnsKey reports whether key was issued for jobID.
func OwnsKey(jobID, key string) bool {
	return strings.HasPrefix(key, "evidence/"+jobID+"/")
}

func sanitize(filename string) (string, error) {
	name := path.Base(strings.ReplaceAll(strings.TrimSpace(filename), "\\", "/"))
	if name == "" || name == "." || name == "/" || name == ".." {
		return "", ErrInvalidFilename
	}
	if len(name) > 128 {
		return "", fmt.Errorf("%w: longer than 128 characters", ErrInvalidFilename)
	}
	return strings.ReplaceAll(name, " ", "_"), nil
}
