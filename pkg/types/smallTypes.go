package types

import (
	"fmt"
	"math"
)

// NidIndex maps a nid onto a dense non-negative index. Nids are handed out upwards
// from math.MinInt32+1, so the index space fills from the bottom.
func NidIndex(nid int32) int {
	return int(nid) - math.MinInt32
}

// IndexNid is the inverse of NidIndex.
func IndexNid(index int) int32 {
	return int32(index + math.MinInt32)
}

// CheckNid rejects zero and positive values, which are never valid nids.
func CheckNid(nid int32) error {
	if nid >= 0 {
		return fmt.Errorf("%w: %d is not a valid nid", ErrIntegrityViolation, nid)
	}
	return nil
}
