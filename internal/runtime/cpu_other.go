//go:build !linux

package runtime

import goruntime "runtime"

func availableCPUs() int {
	return goruntime.NumCPU()
}
