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

// Package drafts holds generated artifacts waiting for the publishing agent.
package drafts

import (
	"sync"

	"videofleet/src/model"
)

type Queue struct {
	mu      sync.Mutex
	entries []model.Draft
}

func NewQueue() *Queue {
	return &Queue{}
}

// ReplaceAll drops the current contents and stores entries. Later entries
// with a repeated draft id win.
func (q *Queue) ReplaceAll(entries []model.Draft) int {
	index := make(map[string]int, len(entries))
	next := make([]model.Draft, 0, len(entries))
	for _, d := range entries {
		if d.DraftID == "" {
			continue
		}
		if i, ok := index[d.DraftID]; ok {
			next[i] = d
			continue
		}
		index[d.DraftID] = len(next)
		next = append(next, d)
	}

	q.mu.Lock()
	q.entries = next
	q.mu.Unlock()
	return len(next)
}

func (q *Queue) List() []model.Draft {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]model.Draft{}, q.entries...)
}

func (q *Queue) RemoveByID(draftID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, d := range q.entries {
		if d.DraftID == draftID {
			q.entries = append(q.entries[:i], q.entries[i+1:]...)
			return true
		}
	}
	return false
}

// RemoveByGenerationID evicts every draft produced by generationID.
func (q *Queue) RemoveByGenerationID(generationID string) int {
	if generationID == "" {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.entries[:0]
	removed := 0
	for _, d := range q.entries {
		if d.GenerationID == generationID {
			removed++
			continue
		}
		kept = append(kept, d)
	}
	q.entries = kept
	return removed
}

func (q *Queue) Clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.entries)
	q.entries = nil
	return n
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
