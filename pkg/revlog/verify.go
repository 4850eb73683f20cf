package revlog

import (
	"errors"

	"github.com/stratavcs/strata/pkg/types"
)

// Verify reconstructs every revision and counts the ones whose content
// fails its integrity check. It never aborts on the first failure and
// never repairs anything; censored revisions are read under PolicyIgnore
// and only count when their tombstone frame itself is damaged.
func (r *Revlog) Verify() (corrupt int, err error) {
	for rev := range r.records {
		_, rerr := r.Read(rev, types.PolicyIgnore)
		if rerr == nil {
			continue
		}
		var cerr *CorruptionError
		if errors.As(rerr, &cerr) {
			corrupt++
			r.log.WithField("store", r.name).WithField("rev", rev).
				Warnf("integrity check failed: %v", rerr)
			continue
		}
		// Anything else (I/O failure, missing file) is an environment
		// problem, not a corruption count.
		return corrupt, rerr
	}
	return corrupt, nil
}
