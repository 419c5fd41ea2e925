// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSet(t *testing.T) {
	s := MakeSet[int](10)
	assert.Len(t, s, 0)

	s.Insert(3, 7)
	assert.Len(t, s, 2)
	assert.True(t, s.Has(3))
	assert.True(t, s.Has(7))
	assert.False(t, s.Has(5))

	s2 := MakeSet[int]()
	s2.Insert(5, 7)
	s3 := s.Sub(s2)
	assert.Len(t, s3, 1)
	assert.True(t, s3.Has(3))
	assert.Len(t, s, 2, "Sub must not change the receiver")
}

func TestSortedKeys(t *testing.T) {
	s := MakeSet[string]()
	s.Insert("b", "c", "a")
	assert.Equal(t, []string{"a", "b", "c"}, SortedKeys(s))
	assert.Empty(t, SortedKeys(MakeSet[int]()))
}
