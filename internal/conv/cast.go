package conv

import (
	"fmt"
	"math"
)

// Integer is the set of integer kinds accepted by the helpers.
type Integer interface {
	~int | ~int32 | ~int64 | ~uint | ~uint32 | ~uint64
}

// ToUint32 converts v to uint32, failing on negative or oversized values.
func ToUint32[T Integer](v T) (uint32, error) {
	if v < 0 {
		return 0, fmt.Errorf("integer overflow: %d cannot be converted to uint32 (negative)", v)
	}
	if uint64(v) > math.MaxUint32 {
		return 0, fmt.Errorf("integer overflow: %d cannot be converted to uint32 (too large)", v)
	}
	return uint32(v), nil
}

// ToInt32 converts v to int32, failing on out-of-range values.
func ToInt32[T Integer](v T) (int32, error) {
	if v < 0 {
		if int64(v) < math.MinInt32 {
			return 0, fmt.Errorf("integer overflow: %d cannot be converted to int32 (too small)", v)
		}
		return int32(v), nil
	}
	if uint64(v) > math.MaxInt32 {
		return 0, fmt.Errorf("integer overflow: %d cannot be converted to int32 (too large)", v)
	}
	return int32(v), nil
}

// ToInt converts v to int, failing when it does not fit the platform int.
func ToInt[T Integer](v T) (int, error) {
	if v >= 0 && uint64(v) > uint64(math.MaxInt) {
		return 0, fmt.Errorf("integer overflow: %d cannot be converted to int (too large)", v)
	}
	return int(v), nil
}
