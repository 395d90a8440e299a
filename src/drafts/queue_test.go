// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package drafts

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"videofleet/src/model"
)

func TestReplaceAllSupersedes(t *testing.T) {
	q := NewQueue()
	q.ReplaceAll([]model.Draft{{DraftID: "a"}, {DraftID: "b"}})
	n := q.ReplaceAll([]model.Draft{{DraftID: "c", Prompt: "old"}, {DraftID: ""}, {DraftID: "c", Prompt: "new"}})

	assert.Equal(t, 1, n)
	assert.Equal(t, []model.Draft{{DraftID: "c", Prompt: "new"}}, q.List())
}

func TestListReturnsCopy(t *testing.T) {
	q := NewQueue()
	q.ReplaceAll([]model.Draft{{DraftID: "a"}})
	got := q.List()
	got[0].DraftID = "mutated"
	assert.Equal(t, "a", q.List()[0].DraftID)
}

func TestRemoveAndClear(t *testing.T) {
	q := NewQueue()
	q.ReplaceAll([]model.Draft{
		{DraftID: "a", GenerationID: "g1"},
		{DraftID: "b", GenerationID: "g2"},
		{DraftID: "c", GenerationID: "g1"},
	})

	assert.True(t, q.RemoveByID("b"))
	assert.False(t, q.RemoveByID("b"))
	assert.Equal(t, 2, q.RemoveByGenerationID("g1"))
	assert.Equal(t, 0, q.RemoveByGenerationID("g1"))
	assert.Equal(t, 0, q.Len())

	q.ReplaceAll([]model.Draft{{DraftID: "x"}, {DraftID: "y"}})
	assert.Equal(t, 2, q.Clear())
	assert.Equal(t, 0, q.Clear())
	assert.Empty(t, q.List())
}
