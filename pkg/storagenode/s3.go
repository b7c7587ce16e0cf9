// Copyright (C) 2022 NHR@FAU, University Erlangen-Nuremberg.
// All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.
package storagenode

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/carbonio/carbon/pkg/cache"
	"github.com/carbonio/carbon/pkg/retention"
)

// S3EngineConfig configures the optional S3-backed storage engine, an
// alternative to FileEngine for deployments that archive carbon nodes in
// object storage instead of local disk.
type S3EngineConfig struct {
	Endpoint     string
	Bucket       string
	AccessKey    string
	SecretKey    string
	Region       string
	UsePathStyle bool
}

// S3Engine stores one object per metric, encoded the same way FileEngine
// encodes its on-disk files, under s3://bucket/<metric>.carbon (the dotted
// metric name is used as the key unchanged).
type S3Engine struct {
	client *s3.Client
	bucket string

	mu    sync.Mutex
	nodes map[string]*s3Node
}

func NewS3Engine(cfg S3EngineConfig) (*S3Engine, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("storagenode: S3 engine requires a bucket name")
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
		return nil, fmt.Errorf("storagenode: load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &S3Engine{client: client, bucket: cfg.Bucket, nodes: map[string]*s3Node{}}, nil
}

func (e *S3Engine) key(metric string) string {
	return metric + ".carbon"
}

func (e *S3Engine) GetNode(metric string) (Node, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if n, ok := e.nodes[metric]; ok {
		if n.deleted {
			return nil, ErrNodeDeleted
		}
		return n, nil
	}

	out, err := e.client.GetObject(context.Background(), &s3.GetObjectInput{
		Bucket: aws.String(e.bucket),
		Key:    aws.String(e.key(metric)),
	})
	if err != nil {
		return nil, ErrNodeMissing
	}
	defer out.Body.Close()

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("storagenode: read S3 object for %q: %w", metric, err)
	}

	fn := &fileNode{path: metric}
	if err := fn.decode(data); err != nil {
		return nil, fmt.Errorf("storagenode: decode S3 object for %q: %w", metric, err)
	}

	n := &s3Node{fileNode: fn, engine: e, metric: metric}
	e.nodes[metric] = n
	return n, nil
}

func (e *S3Engine) CreateNode(metric string, config retention.Config) (Node, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	fn := &fileNode{path: metric, config: config}
	n := &s3Node{fileNode: fn, engine: e, metric: metric}
	if err := n.putObject(); err != nil {
		return nil, err
	}
	e.nodes[metric] = n
	return n, nil
}

// s3Node reuses fileNode's in-memory archive logic and point encoding, only
// swapping the flush target from local disk to an S3 PutObject call.
type s3Node struct {
	*fileNode
	engine *S3Engine
	metric string
}

func (n *s3Node) Write(datapoints []cache.Datapoint) error {
	n.mu.Lock()
	if n.deleted {
		n.mu.Unlock()
		return ErrNodeDeleted
	}
	n.points = append(n.points, datapoints...)
	sortDatapoints(n.points)
	if len(n.config.Archives) > 0 {
		capacity := int(n.config.Archives[0].Points)
		if capacity > 0 && len(n.points) > capacity {
			n.points = n.points[len(n.points)-capacity:]
		}
	}
	n.mu.Unlock()

	return n.putObject()
}

func (n *s3Node) putObject() error {
	n.mu.Lock()
	data := n.encode()
	n.mu.Unlock()

	_, err := n.engine.client.PutObject(context.Background(), &s3.PutObjectInput{
		Bucket:      aws.String(n.engine.bucket),
		Key:         aws.String(n.engine.key(n.metric)),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return fmt.Errorf("storagenode: put object for %q: %w", n.metric, err)
	}
	return nil
}
