package ruleengine

import (
	"math"

	"github.com/spaolacci/murmur3"
)

// BucketCount is the rollout resolution: one bucket per basis point (0.01%).
const BucketCount = 10_000

// Bucket maps (flagKey, subjectID) to a stable bucket in [0, BucketCount).
//
// The hash is murmur3 x86 32-bit, seed 0, over flagKey + ":" + subjectID. This is
// a deployed contract: changing the hash, seed, or key layout reshuffles every
// rollout decision. The flag key salts the hash so a subject's buckets are
// independent across flags.
func Bucket(flagKey, subjectID string) int {
	h := murmur3.New32()
	_, _ = h.Write([]byte(flagKey + ":" + subjectID))
	return int(h.Sum32() % BucketCount)
}

// RolloutThreshold converts a percentage in [0, 100] into the exclusive bucket
// bound. Values outside the range are clamped.
func RolloutThreshold(percentage float64) int {
	switch {
	case math.IsNaN(percentage), percentage <= 0:
		return 0
	case percentage >= 100:
		return BucketCount
	}
	return int(math.Round(percentage * 100))
}

// InRollout reports whether subjectID is inside the rollout for flagKey.
// A subject without a stable identity is never included.
//
// Inclusion is monotonic in percentage: the bucket does not depend on it, so
// raising the percentage only adds subjects.
func InRollout(flagKey, subjectID string, percentage float64) bool {
	if subjectID == "" {
		return false
	}
	return Bucket(flagKey, subjectID) < RolloutThreshold(percentage)
}
