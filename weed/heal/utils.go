package heal

import "fmt"

// FormatSetDiskID is the checkpoint key of an erasure set.
func FormatSetDiskID(poolIdx, setIdx int) string {
	return fmt.Sprintf("pool_%d_set_%d", poolIdx, setIdx)
}

// FormatSetDiskIDFromInt32 is FormatSetDiskID for indices that may be unset,
// it reports false for negative indices.
func FormatSetDiskIDFromInt32(poolIdx, setIdx int32) (string, bool) {
	if poolIdx < 0 || setIdx < 0 {
		return "", false
	}
	return FormatSetDiskID(int(poolIdx), int(setIdx)), true
}

// ParseSetDiskID is the inverse of FormatSetDiskID.
func ParseSetDiskID(setDiskID string) (poolIdx, setIdx int, err error) {
	if _, err = fmt.Sscanf(setDiskID, "pool_%d_set_%d", &poolIdx, &setIdx); err != nil {
		return 0, 0, fmt.Errorf("%w: set disk id %q", ErrInvalidArgument, setDiskID)
	}
	if poolIdx < 0 || setIdx < 0 || FormatSetDiskID(poolIdx, setIdx) != setDiskID {
		return 0, 0, fmt.Errorf("%w: set disk id %q", ErrInvalidArgument, setDiskID)
	}
	return poolIdx, setIdx, nil
}
