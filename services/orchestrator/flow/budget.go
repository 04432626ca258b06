// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package flow

import (
	"context"
	"time"
)

// shutdownHeadroom is reserved at the tail of the total budget so a flow
// that runs out of time can still assemble and return a degraded response.
const shutdownHeadroom = 250 * time.Millisecond

// ledger tracks the flow's total wall-clock budget and derives per-stage
// deadlines from it: a stage never gets more than its configured default,
// and never more than what remains of the total budget minus the headroom.
type ledger struct {
	start time.Time
	total time.Duration
}

func newLedger(total time.Duration) *ledger {
	return &ledger{start: time.Now(), total: total}
}

// remaining reports the unspent portion of the total budget.
func (l *ledger) remaining() time.Duration {
	return l.total - time.Since(l.start)
}

// exhausted reports whether only headroom (or less) is left.
func (l *ledger) exhausted() bool {
	return l.remaining() <= shutdownHeadroom
}

// stageContext derives a stage-scoped context. The stage budget is
// min(stageMS, remaining - headroom); a non-positive result yields an
// already-expired context so the stage fails fast instead of overshooting.
func (l *ledger) stageContext(ctx context.Context, stageMS int64) (context.Context, context.CancelFunc) {
	budget := time.Duration(stageMS) * time.Millisecond
	if avail := l.remaining() - shutdownHeadroom; avail < budget {
		budget = avail
	}
	if budget <= 0 {
		expired, cancel := context.WithCancel(ctx)
		cancel()
		return expired, func() {}
	}
	return context.WithTimeout(ctx, budget)
}
