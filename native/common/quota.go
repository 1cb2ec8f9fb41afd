package common

import (
	"errors"
	"math"
)

var (
	ErrQuotaRequestsExceeded = errors.New("quota requests exceeded")
	ErrQuotaValueCapExceeded = errors.New("quota value cap exceeded")
	ErrQuotaCounterOverflow  = errors.New("quota counter overflow")
)

// QuotaNow captures the usage counters for one source within an epoch.
type QuotaNow struct {
	ReqCount  uint32
	ValueUsed uint64
	EpochID   uint64
}

// Quota bounds how many requests and how much token value a single source may
// spend per epoch. A zero field disables the corresponding cap.
type Quota struct {
	MaxRequestsPerEpoch uint32
	MaxValuePerEpoch    uint64
	EpochSeconds        uint32
}

// CheckQuota folds the additional usage into prev, resetting the counters when
// the epoch rolled over. On success the returned QuotaNow carries the updated
// counters; on failure prev is returned untouched so callers keep the last
// committed state.
func CheckQuota(q Quota, nowEpoch uint64, prev QuotaNow, addReq uint32, addValue uint64) (QuotaNow, error) {
	next := prev
	if prev.EpochID != nowEpoch {
		next = QuotaNow{EpochID: nowEpoch}
	}

	if addReq > 0 {
		if next.ReqCount > math.MaxUint32-addReq {
			return prev, ErrQuotaCounterOverflow
		}
		next.ReqCount += addReq
	}
	if q.MaxRequestsPerEpoch > 0 && next.ReqCount > q.MaxRequestsPerEpoch {
		return prev, ErrQuotaRequestsExceeded
	}

	if addValue > 0 {
		if next.ValueUsed > math.MaxUint64-addValue {
			return prev, ErrQuotaCounterOverflow
		}
		next.ValueUsed += addValue
	}
	if q.MaxValuePerEpoch > 0 && next.ValueUsed > q.MaxValuePerEpoch {
		return prev, ErrQuotaValueCapExceeded
	}

	return next, nil
}
