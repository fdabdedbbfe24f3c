// Copyright (C) NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved. This file is part of mm2store.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

// Package spool provides an optional cold-tier mirror for spool files
// that the main store has already acknowledged or quarantined. Targets
// share a minimal WriteFile(name, data) abstraction so the store never
// has to care where the mirror actually lives.
package spool

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// Target abstracts the destination for a cold-tier spool mirror.
type Target interface {
	WriteFile(name string, data []byte) error
}

// S3TargetConfig configures an S3-compatible mirror destination.
type S3TargetConfig struct {
	Endpoint     string
	Bucket       string
	Region       string
	Prefix       string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

// S3Target mirrors spool file bytes to an S3-compatible bucket. Intended
// use: once a spool file is rotated out (migrated further, quarantined,
// or about to be unlinked on ACK), the store can hand its bytes here
// before the local copy disappears, so post-mortem investigation of a
// NACK storm or a corrupt-file incident isn't limited to whatever is
// still on local disk.
type S3Target struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Target constructs an S3-backed mirror target.
func NewS3Target(cfg S3TargetConfig) (*S3Target, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("spool S3 target: empty bucket name")
	}

	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(context.Background(),
		awsconfig.WithRegion(region),
		awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("spool S3 target: load AWS config: %w", err)
	}

	opts := func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}

	client := s3.NewFromConfig(awsCfg, opts)
	return &S3Target{client: client, bucket: cfg.Bucket, prefix: cfg.Prefix}, nil
}

// WriteFile uploads one spool file's raw bytes under prefix/name.
func (st *S3Target) WriteFile(name string, data []byte) error {
	key := name
	if st.prefix != "" {
		key = st.prefix + "/" + name
	}
	_, err := st.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket:      aws.String(st.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("spool S3 target: put object %q: %w", key, err)
	}
	return nil
}
