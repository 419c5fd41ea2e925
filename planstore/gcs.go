// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package planstore

import (
	"context"
	"io"
	"time"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GCS stores plans as objects of a Google Cloud Storage bucket, named Prefix + key + ".plan".
type GCS struct {
	Bucket string
	Prefix string

	client *storage.Client
}

var _ Store = (*GCS)(nil)

// NewGCS creates a store in the given bucket, using the default credentials of the environment.
// Call Close to release the client.
func NewGCS(ctx context.Context, bucket, prefix string) (*GCS, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "creating GCS storage client")
	}
	return &GCS{Bucket: bucket, Prefix: prefix, client: client}, nil
}

// Close the GCS client.
func (g *GCS) Close() error {
	return g.client.Close()
}

func (g *GCS) objectKey(key string) string {
	return g.Prefix + key + PlanExtension
}

// URL of the object for key.
func (g *GCS) URL(key string) string {
	return "gs://" + g.Bucket + "/" + g.objectKey(key)
}

// Get implements Store.
func (g *GCS) Get(ctx context.Context, key string) ([]byte, error) {
	if err := CheckKey(key); err != nil {
		return nil, err
	}
	log := klog.FromContext(ctx)
	gcsURL := g.URL(key)

	startedAt := time.Now()
	r, err := g.client.Bucket(g.Bucket).Object(g.objectKey(key)).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			log.V(1).Info("plan not found in GCS", "url", gcsURL)
			return nil, notFound(key)
		}
		return nil, errors.Wrapf(err, "opening object from GCS %q", gcsURL)
	}
	defer func() { _ = r.Close() }()

	plan, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "downloading %q from GCS", gcsURL)
	}
	log.V(1).Info("downloaded plan from GCS", "url", gcsURL, "bytes", len(plan), "duration", time.Since(startedAt))
	return plan, nil
}

// Put implements Store.
func (g *GCS) Put(ctx context.Context, key string, plan []byte) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	log := klog.FromContext(ctx)
	gcsURL := g.URL(key)

	startedAt := time.Now()
	w := g.client.Bucket(g.Bucket).Object(g.objectKey(key)).NewWriter(ctx)
	w.ContentType = "application/octet-stream"
	if _, err := w.Write(plan); err != nil {
		_ = w.Close()
		return errors.Wrapf(err, "uploading %q to GCS", gcsURL)
	}
	if err := w.Close(); err != nil {
		return errors.Wrapf(err, "closing GCS writer for %q", gcsURL)
	}
	log.V(1).Info("uploaded plan to GCS", "url", gcsURL, "bytes", len(plan), "duration", time.Since(startedAt))
	return nil
}
