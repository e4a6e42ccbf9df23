// Copyright (C) 2024 Farm Companion Ltd.
// See LICENSE for copying information.

// Package s3store grants presigned direct-upload URLs against an S3 bucket
// or any S3 compatible store.
package s3store

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"github.com/farmcompanion/farm-photos/objectstore"
)

var (
	// Error is the default s3store errs class.
	Error = errs.Class("s3store")

	mon = monkit.Package()
)

// Config contains the configuration for the S3 backed object store.
type Config struct {
	Bucket          string        `help:"bucket that stores farm photos" default:""`
	Region          string        `help:"region of the bucket" default:"eu-west-2"`
	Endpoint        string        `help:"custom endpoint for s3 compatible stores, e.g. minio" default:""`
	AccessKeyID     string        `help:"static access key id, ambient credentials are used when empty" default:""`
	SecretAccessKey string        `help:"static secret access key" default:""`
	UsePathStyle    bool          `help:"use path style addressing, required by most s3 compatible stores" default:"false"`
	URLExpiry       time.Duration `help:"lifetime of granted upload urls" default:"10m"`
}

// Store implements objectstore.Store using presigned S3 PUT URLs for grants
// and HEAD requests for existence checks.
type Store struct {
	log     *zap.Logger
	client  *s3.Client
	presign *s3.PresignClient
	config  Config
}

// New creates an S3 backed object store.
func New(ctx context.Context, log *zap.Logger, config Config) (*Store, error) {
	if config.Bucket == "" {
		return nil, Error.New("bucket is required")
	}

	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(config.Region),
	}
	if config.AccessKeyID != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(config.AccessKeyID, config.SecretAccessKey, "")))
	}

	awscfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, Error.Wrap(err)
	}

	client := s3.NewFromConfig(awscfg, func(o *s3.Options) {
		if config.Endpoint != "" {
			o.BaseEndpoint = aws.String(config.Endpoint)
		}
		o.UsePathStyle = config.UsePathStyle
	})

	return &Store{
		log:     log,
		client:  client,
		presign: s3.NewPresignClient(client),
		config:  config,
	}, nil
}

// RequestUpload returns a presigned PUT URL for key. The content type and
// length are part of the signature, so the granted URL accepts only the
// upload the reservation promised.
func (store *Store) RequestUpload(ctx context.Context, key string, contentType string, contentLength int64) (_ *objectstore.UploadGrant, err error) {
	defer mon.Task()(&ctx)(&err)

	request, err := store.presign.PresignPutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(store.config.Bucket),
		Key:           aws.String(key),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(contentLength),
	}, s3.WithPresignExpires(store.config.URLExpiry))
	if err != nil {
		return nil, Error.Wrap(err)
	}

	store.log.Debug("upload url granted", zap.String("key", key))

	return &objectstore.UploadGrant{
		URL:       request.URL,
		ExpiresAt: time.Now().Add(store.config.URLExpiry),
	}, nil
}

// Exists reports whether an object is present at key using a HEAD request.
func (store *Store) Exists(ctx context.Context, key string) (_ bool, err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = store.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(store.config.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var notFound *types.NotFound
		if errors.As(err, &notFound) {
			return false, nil
		}
		return false, Error.Wrap(err)
	}
	return true, nil
}
