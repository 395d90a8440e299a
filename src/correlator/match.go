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

package correlator

import (
	"strings"

	"videofleet/src/model"
)

type MatchType string

const (
	MatchTaskID       MatchType = "task_id"
	MatchExternalID   MatchType = "external_id"
	MatchGenerationID MatchType = "generation_id"
	MatchExact        MatchType = "exact_prompt"
	MatchFuzzy        MatchType = "fuzzy_prompt"
	MatchStale        MatchType = "stale_binding"
	MatchNone         MatchType = "none"
)

// MatchPrompt picks the first candidate whose trimmed prompt equals prompt
// exactly, falling back to the first case-insensitive containment in
// either direction. Candidates must already be in preference order.
func MatchPrompt(candidates []*model.Task, prompt string) (*model.Task, MatchType) {
	p := strings.TrimSpace(prompt)
	if p == "" {
		return nil, MatchNone
	}
	for _, c := range candidates {
		if strings.TrimSpace(c.Prompt) == p {
			return c, MatchExact
		}
	}
	lp := strings.ToLower(p)
	for _, c := range candidates {
		cp := strings.ToLower(strings.TrimSpace(c.Prompt))
		if cp == "" {
			continue
		}
		if strings.Contains(lp, cp) || strings.Contains(cp, lp) {
			return c, MatchFuzzy
		}
	}
	return nil, MatchNone
}
