// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package planstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// PlanExtension of the files written by Disk.
const PlanExtension = ".plan"

// Disk stores plans as files "<key>.plan" in a directory.
//
// Files are written to a temporary file and renamed, so concurrent readers never see a partial plan.
type Disk struct {
	dir string
}

var _ Store = (*Disk)(nil)

// NewDisk returns a Disk store in dir, creating the directory if needed.
func NewDisk(dir string) (*Disk, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating plan directory %q", dir)
	}
	return &Disk{dir: dir}, nil
}

// Dir returns the directory of the store.
func (d *Disk) Dir() string { return d.dir }

// Path of the file for key.
func (d *Disk) Path(key string) string {
	return filepath.Join(d.dir, key+PlanExtension)
}

// Get implements Store.
func (d *Disk) Get(_ context.Context, key string) ([]byte, error) {
	if err := CheckKey(key); err != nil {
		return nil, err
	}
	plan, err := os.ReadFile(d.Path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, notFound(key)
		}
		return nil, errors.Wrapf(err, "reading plan %q", key)
	}
	return plan, nil
}

// Put implements Store.
func (d *Disk) Put(ctx context.Context, key string, plan []byte) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	n, err := writeToFile(ctx, bytes.NewReader(plan), d.Path(key))
	if err != nil {
		return errors.WithMessagef(err, "writing plan %q", key)
	}
	klog.FromContext(ctx).V(1).Info("plan written", "path", d.Path(key), "bytes", n)
	return nil
}

// tempFile is the part of *os.File used by writeToFile.
type tempFile interface {
	io.Writer
	io.Closer
	Name() string
}

// createTemp creates the temporary file written by writeToFile.
var createTemp = func(dir, pattern string) (tempFile, error) {
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// writeToFile copies src to a temporary file in the destination directory, and renames it to destinationPath.
func writeToFile(ctx context.Context, src io.Reader, destinationPath string) (int64, error) {
	log := klog.FromContext(ctx)

	tempFile, err := createTemp(filepath.Dir(destinationPath), "plan-*.tmp")
	if err != nil {
		return 0, errors.Wrap(err, "creating temp file")
	}

	shouldDeleteTempFile := true
	defer func() {
		if shouldDeleteTempFile {
			if err := os.Remove(tempFile.Name()); err != nil {
				log.Error(err, "removing temp file", "path", tempFile.Name())
			}
		}
	}()

	shouldCloseTempFile := true
	defer func() {
		if shouldCloseTempFile {
			if err := tempFile.Close(); err != nil {
				log.Error(err, "closing temp file", "path", tempFile.Name())
			}
		}
	}()

	n, err := io.Copy(tempFile, src)
	if err != nil {
		return n, errors.Wrap(err, "writing temp file")
	}
	shouldCloseTempFile = false
	if err := tempFile.Close(); err != nil {
		return n, errors.Wrap(err, "closing temp file")
	}

	if err := os.Rename(tempFile.Name(), destinationPath); err != nil {
		return n, errors.Wrap(err, "renaming temp file")
	}
	shouldDeleteTempFile = false
	return n, nil
}
