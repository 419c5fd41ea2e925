// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package planstore persists serialized compiled graphs ("plans") by content key.
//
// Keys are produced by engine.Key: a hex encoded sha256 of the network description, the
// optimization profiles and the build configuration. A Store never interprets the plans.
package planstore

import (
	"context"
	"os"
	"regexp"
	"slices"
	"sync"

	"github.com/pkg/errors"
)

// Store of serialized plans.
type Store interface {
	// Get returns the plan stored under key. If there is no such plan, it returns an error for
	// which errors.Is(err, os.ErrNotExist) is true.
	Get(ctx context.Context, key string) ([]byte, error)

	// Put stores the plan under key, replacing any previous one.
	Put(ctx context.Context, key string, plan []byte) error
}

var validKey = regexp.MustCompile(`^[0-9A-Za-z_.-]+$`)

// CheckKey returns an error if key can't be used as a plan key: keys are used as file and object
// names, so only letters, digits, '_', '.' and '-' are accepted.
func CheckKey(key string) error {
	if !validKey.MatchString(key) || key == "." || key == ".." {
		return errors.Errorf("invalid plan key %q", key)
	}
	return nil
}

// notFound returns an error wrapping os.ErrNotExist.
func notFound(key string) error {
	return errors.Wrapf(os.ErrNotExist, "plan %q", key)
}

// Memory is an in-memory Store, safe for concurrent use.
type Memory struct {
	mu    sync.RWMutex
	plans map[string][]byte
}

var _ Store = (*Memory)(nil)

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{plans: make(map[string][]byte)}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	if err := CheckKey(key); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	plan, found := m.plans[key]
	if !found {
		return nil, notFound(key)
	}
	return slices.Clone(plan), nil
}

// Put implements Store.
func (m *Memory) Put(_ context.Context, key string, plan []byte) error {
	if err := CheckKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plans[key] = slices.Clone(plan)
	return nil
}

// Len returns the number of stored plans.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.plans)
}
