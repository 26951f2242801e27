/*
Copyright 2025 the dstack-verifier authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package blob stores verification reports in S3-compatible object storage.
package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/go-logr/logr"
)

// Config locates the bucket and its credentials. Endpoint is optional and
// selects an S3-compatible service (MinIO, R2) over AWS proper.
type Config struct {
	Endpoint  string
	Region    string
	AccessKey string
	SecretKey string
	Bucket    string
}

// Object identifies one stored report.
type Object struct {
	Filename string `json:"filename"`
	Key      string `json:"key"`
	Bucket   string `json:"bucket"`
}

// Client uploads and retrieves report blobs.
type Client struct {
	s3c    *s3.Client
	bucket string
	logger logr.Logger
}

// New builds an S3 client for the configured bucket.
func New(ctx context.Context, cfg Config, logger logr.Logger) (*Client, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blob storage bucket is required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}

	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}

	s3c := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	return &Client{s3c: s3c, bucket: cfg.Bucket, logger: logger.WithName("blob")}, nil
}

// UploadJSON marshals v and stores it under <name>.json.
func (c *Client) UploadJSON(ctx context.Context, name string, v any) (*Object, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling %s: %w", name, err)
	}
	key := name + ".json"

	_, err = c.s3c.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(c.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return nil, fmt.Errorf("uploading %s: %w", key, err)
	}
	c.logger.V(1).Info("uploaded report", "key", key, "bytes", len(body))
	return &Object{Filename: key, Key: key, Bucket: c.bucket}, nil
}

// Download fetches a stored report by key.
func (c *Client) Download(ctx context.Context, key string) ([]byte, error) {
	out, err := c.s3c.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("downloading %s: %w", key, err)
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", key, err)
	}
	return data, nil
}

// Delete removes a stored report by key.
func (c *Client) Delete(ctx context.Context, key string) error {
	_, err := c.s3c.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(c.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("deleting %s: %w", key, err)
	}
	return nil
}
