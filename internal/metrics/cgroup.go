package metrics

import (
	"os"
	"strconv"
	"strings"
)

// memoryLimit reads the container memory limit from the cgroup filesystem.
// Returns 0 when no limit is set or the process is not containerized.
// Tries cgroup v2 first, then falls back to v1.
func memoryLimit() (int64, error) {
	// cgroup v2: "536870912" or "max" for unlimited.
	if data, err := os.ReadFile("/sys/fs/cgroup/memory.max"); err == nil {
		limitStr := strings.TrimSpace(string(data))
		if limitStr != "max" {
			return strconv.ParseInt(limitStr, 10, 64)
		}
		return 0, nil
	}

	// cgroup v1: always numeric.
	if data, err := os.ReadFile("/sys/fs/cgroup/memory/memory.limit_in_bytes"); err == nil {
		return strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	}

	return 0, nil
}
