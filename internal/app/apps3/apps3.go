package apps3

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	transport "github.com/aws/smithy-go/endpoints"
)

// BucketName is the bucket that holds packaged applications.
const BucketName = "apkbuild"

const defaultRegion = "us-east-1"

// endpointResolver implements s3.EndpointResolverV2.
// It resolves path-style endpoints for S3-compatible object storage like MinIO.
type endpointResolver struct {
	BaseURL *url.URL // required
}

func (r *endpointResolver) ResolveEndpoint(_ context.Context, params s3.EndpointParameters) (transport.Endpoint, error) {
	u := *r.BaseURL
	if params.Bucket != nil {
		u.Path += "/" + *params.Bucket
	}
	return transport.Endpoint{URI: u}, nil
}

// NewClient creates a new Client using the provided connection string.
// The connection string must be a valid URL in the format: http://key:secret@s3:9000.
// For MinIO, the key and secret are the username and password respectively.
// It panics if the connection string is not a valid URL.
func NewClient(connectionString string) *s3.Client {
	u, err := url.Parse(connectionString)
	if err != nil {
		panic(err)
	}

	username := u.User.Username()
	password, _ := u.User.Password()
	u.User = nil

	client := s3.New(
		s3.Options{
			Region:             defaultRegion,
			Credentials:        credentials.NewStaticCredentialsProvider(username, password, ""),
			EndpointResolverV2: &endpointResolver{BaseURL: u},
		},
	)
	return client
}

// Setup creates the bucket and waits for it to exist.
// It shouldn't be used with AWS as is because it doesn't specify a location constraint.
func Setup(ctx context.Context, client *s3.Client) error {
	_, err := client.CreateBucket(ctx, &s3.CreateBucketInput{
		Bucket: aws.String(BucketName),
	})
	if ownedErr := (*types.BucketAlreadyOwnedByYou)(nil); errors.As(err, &ownedErr) {
		// continue
	} else if err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	err = s3.NewBucketExistsWaiter(client).Wait(
		ctx,
		&s3.HeadBucketInput{Bucket: aws.String(BucketName)},
		time.Minute,
	)
	if err != nil {
		return fmt.Errorf("setup: %w", err)
	}

	return nil
}

// Presigner turns s3://bucket/key locations into temporary HTTP URLs.
type Presigner struct {
	client  *s3.PresignClient // required
	expires time.Duration
}

func NewPresigner(client *s3.Client, expires time.Duration) *Presigner {
	if expires <= 0 {
		expires = 15 * time.Minute
	}
	return &Presigner{client: s3.NewPresignClient(client), expires: expires}
}

// ParseLocation splits s3://bucket/key. ok is false for any other scheme.
func ParseLocation(raw string) (bucket, key string, ok bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "s3" || u.Host == "" {
		return "", "", false
	}
	key = strings.TrimPrefix(u.Path, "/")
	if key == "" {
		return "", "", false
	}
	return u.Host, key, true
}

// URL returns raw unchanged unless it is an s3:// location,
// in which case it returns a presigned GET URL.
func (p *Presigner) URL(ctx context.Context, raw string) (string, error) {
	bucket, key, ok := ParseLocation(raw)
	if !ok {
		return raw, nil
	}

	req, err := p.client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.expires))
	if err != nil {
		return "", fmt.Errorf("presign %s: %w", raw, err)
	}
	return req.URL, nil
}
