/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

package transfer

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/gravitational/trace"

	"github.com/eth-cscs/firecrest/lib/defaults"
	"github.com/eth-cscs/firecrest/lib/fcerrors"
)

// StoreConfig configures the staging object store. The store is reached
// through two endpoints: the private one, visible to the gateway and the
// clusters, and the public one embedded in the URLs handed to users.
type StoreConfig struct {
	PrivateURL      string
	PublicURL       string
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	// Tenant prefixes bucket names as tenant:bucket, the Ceph RGW multi
	// tenancy convention. Requires path style addressing.
	Tenant string
	// LifecycleDays is the expiry applied to staging buckets when they
	// are first created.
	LifecycleDays int
	// URLExpiry bounds every presigned URL.
	URLExpiry time.Duration
}

// CheckAndSetDefaults validates the config and fills defaults.
func (c *StoreConfig) CheckAndSetDefaults() error {
	if c.PrivateURL == "" || c.PublicURL == "" {
		return trace.BadParameter("missing object store endpoints")
	}
	if c.AccessKeyID == "" || c.SecretAccessKey == "" {
		return trace.BadParameter("missing object store credentials")
	}
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.LifecycleDays <= 0 {
		c.LifecycleDays = defaults.BucketLifecycleDays
	}
	if c.URLExpiry <= 0 {
		c.URLExpiry = defaults.PresignedURLExpiry
	}
	return nil
}

// ObjectStore stages transfer payloads in per user buckets on an S3
// compatible store.
type ObjectStore struct {
	cfg            StoreConfig
	private        *s3.Client
	presignPrivate *s3.PresignClient
	presignPublic  *s3.PresignClient
}

// NewObjectStore builds the S3 clients for both endpoints.
func NewObjectStore(ctx context.Context, cfg StoreConfig) (*ObjectStore, error) {
	if err := cfg.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, "")),
	)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	clientFor := func(endpoint string) *s3.Client {
		return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(endpoint)
			// Path style keeps tenant qualified bucket names intact and
			// spares per bucket DNS on self hosted stores.
			o.UsePathStyle = true
		})
	}
	private := clientFor(cfg.PrivateURL)
	return &ObjectStore{
		cfg:            cfg,
		private:        private,
		presignPrivate: s3.NewPresignClient(private),
		presignPublic:  s3.NewPresignClient(clientFor(cfg.PublicURL)),
	}, nil
}

// MaxURLExpiry returns the lifetime of the URLs the store presigns.
func (s *ObjectStore) MaxURLExpiry() time.Duration {
	return s.cfg.URLExpiry
}

// BucketName maps a username to its staging bucket.
func (s *ObjectStore) BucketName(username string) string {
	bucket := strings.ToLower(username)
	if s.cfg.Tenant != "" {
		bucket = s.cfg.Tenant + ":" + bucket
	}
	return bucket
}

// EnsureBucket makes sure the user's staging bucket exists, applying the
// expiry lifecycle only on creation so operator tuning of existing
// buckets survives.
func (s *ObjectStore) EnsureBucket(ctx context.Context, username string) (string, error) {
	bucket := s.BucketName(username)
	if _, err := s.private.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(bucket)}); err == nil {
		return bucket, nil
	}
	input := &s3.CreateBucketInput{Bucket: aws.String(bucket)}
	if s.cfg.Region != "us-east-1" {
		input.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.cfg.Region),
		}
	}
	if _, err := s.private.CreateBucket(ctx, input); err != nil {
		var owned *types.BucketAlreadyOwnedByYou
		if errors.As(err, &owned) {
			return bucket, nil
		}
		return "", fcerrors.NewConnection("Object storage bucket creation failed: %v", err)
	}
	lifecycle := &s3.PutBucketLifecycleConfigurationInput{
		Bucket: aws.String(bucket),
		LifecycleConfiguration: &types.BucketLifecycleConfiguration{
			Rules: []types.LifecycleRule{{
				ID:         aws.String("ExpireObjects"),
				Status:     types.ExpirationStatusEnabled,
				Filter:     &types.LifecycleRuleFilter{Prefix: aws.String("")},
				Expiration: &types.LifecycleExpiration{Days: aws.Int32(int32(s.cfg.LifecycleDays))},
			}},
		},
	}
	if _, err := s.private.PutBucketLifecycleConfiguration(ctx, lifecycle); err != nil {
		return "", fcerrors.NewConnection("Object storage lifecycle configuration failed: %v", err)
	}
	return bucket, nil
}

// CreateMultipartUpload opens a multipart upload for the object.
func (s *ObjectStore) CreateMultipartUpload(ctx context.Context, bucket, key string) (string, error) {
	out, err := s.private.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fcerrors.NewConnection("Object storage multipart upload creation failed: %v", err)
	}
	return aws.ToString(out.UploadId), nil
}

func (s *ObjectStore) presigner(public bool) *s3.PresignClient {
	if public {
		return s.presignPublic
	}
	return s.presignPrivate
}

// PresignUploadParts returns one PUT URL per part, numbered from one.
func (s *ObjectStore) PresignUploadParts(ctx context.Context, bucket, key, uploadID string, numParts int, public bool) ([]string, error) {
	urls := make([]string, 0, numParts)
	for part := 1; part <= numParts; part++ {
		req, err := s.presigner(public).PresignUploadPart(ctx, &s3.UploadPartInput{
			Bucket:     aws.String(bucket),
			Key:        aws.String(key),
			UploadId:   aws.String(uploadID),
			PartNumber: aws.Int32(int32(part)),
		}, s3.WithPresignExpires(s.cfg.URLExpiry))
		if err != nil {
			return nil, fcerrors.NewConnection("Object storage URL signing failed: %v", err)
		}
		urls = append(urls, req.URL)
	}
	return urls, nil
}

// PresignCompleteUpload returns the POST URL that seals the multipart
// upload once every part is in.
func (s *ObjectStore) PresignCompleteUpload(ctx context.Context, bucket, key, uploadID string, public bool) (string, error) {
	req, err := s.presigner(public).PresignCompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:   aws.String(bucket),
		Key:      aws.String(key),
		UploadId: aws.String(uploadID),
	}, s3.WithPresignExpires(s.cfg.URLExpiry))
	if err != nil {
		return "", fcerrors.NewConnection("Object storage URL signing failed: %v", err)
	}
	return req.URL, nil
}

// PresignGetObject returns a GET URL for the object.
func (s *ObjectStore) PresignGetObject(ctx context.Context, bucket, key string, public bool) (string, error) {
	req, err := s.presigner(public).PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.cfg.URLExpiry))
	if err != nil {
		return "", fcerrors.NewConnection("Object storage URL signing failed: %v", err)
	}
	return req.URL, nil
}

// PresignHeadObject returns a HEAD URL, used by transfer jobs to poll for
// an object's arrival without downloading it.
func (s *ObjectStore) PresignHeadObject(ctx context.Context, bucket, key string) (string, error) {
	req, err := s.presignPrivate.PresignHeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(s.cfg.URLExpiry))
	if err != nil {
		return "", fcerrors.NewConnection("Object storage URL signing failed: %v", err)
	}
	return req.URL, nil
}

// Probe verifies the store answers on the private endpoint. The health
// checker calls this; listing a single bucket keeps it cheap.
func (s *ObjectStore) Probe(ctx context.Context) error {
	_, err := s.private.ListBuckets(ctx, &s3.ListBucketsInput{MaxBuckets: aws.Int32(1)})
	if err != nil {
		return fcerrors.NewConnection("Object storage is unreachable: %v", err)
	}
	return nil
}
