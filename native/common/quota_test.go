package common

import (
	"errors"
	"math"
	"testing"
)

func TestCheckQuotaAccumulatesWithinEpoch(t *testing.T) {
	quota := Quota{MaxRequestsPerEpoch: 3, EpochSeconds: 60}
	usage := QuotaNow{EpochID: 7}
	var err error
	for i := 0; i < 3; i++ {
		usage, err = CheckQuota(quota, 7, usage, 1, 0)
		if err != nil {
			t.Fatalf("request %d should fit the quota: %v", i, err)
		}
	}
	if usage.ReqCount != 3 {
		t.Fatalf("expected 3 counted requests, got %d", usage.ReqCount)
	}
	rejected, err := CheckQuota(quota, 7, usage, 1, 0)
	if !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected ErrQuotaRequestsExceeded, got %v", err)
	}
	if rejected != usage {
		t.Fatalf("rejection must return the previous counters unchanged")
	}
}

func TestCheckQuotaResetsOnEpochRollover(t *testing.T) {
	quota := Quota{MaxRequestsPerEpoch: 1, EpochSeconds: 60}
	usage, err := CheckQuota(quota, 7, QuotaNow{}, 1, 0)
	if err != nil {
		t.Fatalf("first request should pass: %v", err)
	}
	if _, err := CheckQuota(quota, 7, usage, 1, 0); !errors.Is(err, ErrQuotaRequestsExceeded) {
		t.Fatalf("expected second request in epoch to fail, got %v", err)
	}
	next, err := CheckQuota(quota, 8, usage, 1, 0)
	if err != nil {
		t.Fatalf("rollover should reset counters: %v", err)
	}
	if next.EpochID != 8 || next.ReqCount != 1 {
		t.Fatalf("unexpected counters after rollover: %+v", next)
	}
}

func TestCheckQuotaEnforcesValueCap(t *testing.T) {
	quota := Quota{MaxValuePerEpoch: 1_000, EpochSeconds: 60}
	usage, err := CheckQuota(quota, 1, QuotaNow{EpochID: 1}, 1, 800)
	if err != nil {
		t.Fatalf("value within cap should pass: %v", err)
	}
	if usage.ValueUsed != 800 {
		t.Fatalf("expected 800 value used, got %d", usage.ValueUsed)
	}
	if _, err := CheckQuota(quota, 1, usage, 1, 300); !errors.Is(err, ErrQuotaValueCapExceeded) {
		t.Fatalf("expected ErrQuotaValueCapExceeded, got %v", err)
	}
}

func TestCheckQuotaZeroCapsAreUnbounded(t *testing.T) {
	quota := Quota{EpochSeconds: 60}
	usage := QuotaNow{EpochID: 3}
	var err error
	for i := 0; i < 100; i++ {
		usage, err = CheckQuota(quota, 3, usage, 1, 1_000_000)
		if err != nil {
			t.Fatalf("uncapped quota rejected request %d: %v", i, err)
		}
	}
	if usage.ReqCount != 100 {
		t.Fatalf("expected 100 requests counted, got %d", usage.ReqCount)
	}
}

func TestCheckQuotaGuardsCounterOverflow(t *testing.T) {
	quota := Quota{EpochSeconds: 60}
	prev := QuotaNow{EpochID: 2, ReqCount: math.MaxUint32}
	if _, err := CheckQuota(quota, 2, prev, 1, 0); !errors.Is(err, ErrQuotaCounterOverflow) {
		t.Fatalf("expected request counter overflow, got %v", err)
	}
	prev = QuotaNow{EpochID: 2, ValueUsed: math.MaxUint64}
	if _, err := CheckQuota(quota, 2, prev, 0, 1); !errors.Is(err, ErrQuotaCounterOverflow) {
		t.Fatalf("expected value counter overflow, got %v", err)
	}
}
