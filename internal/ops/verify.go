package ops

import (
	"context"
	"time"
)

// Verifier probes every configured store and reports health and counts.
// It never mutates anything and never returns an error; unreachable stores
// show up as unreachable in the report.
type Verifier struct {
	stores       Set
	storeTimeout time.Duration
	now          func() time.Time
}

func NewVerifier(stores Set, storeTimeout time.Duration) *Verifier {
	return &Verifier{stores: stores, storeTimeout: storeTimeout, now: time.Now}
}

func (v *Verifier) Run(ctx context.Context) *Report {
	rep := &Report{Operation: "verify", StartedAt: v.now().UTC()}
	for _, a := range v.stores.Ordered() {
		cctx, cancel := context.WithTimeout(ctx, v.storeTimeout)
		h := a.Verify(cctx)
		cancel()
		rep.Health = append(rep.Health, h)
	}
	rep.FinishedAt = v.now().UTC()
	return rep
}
