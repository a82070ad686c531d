//go:build linux

package runtime

import (
	goruntime "runtime"

	"golang.org/x/sys/unix"
)

// availableCPUs returns the number of CPUs the process is allowed to
// run on.
func availableCPUs() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return goruntime.NumCPU()
	}
	if n := set.Count(); n > 0 {
		return n
	}
	return goruntime.NumCPU()
}
