//go:build unix

package bufferpool

import "golang.org/x/sys/unix"

// adviseHugePages asks the kernel to back region with transparent huge
// pages when cfg.HugePages is set. Best-effort: a failure here never fails
// Pool construction, since huge pages are a throughput hint, not a
// correctness requirement.
func adviseHugePages(region []byte, enable bool) error {
	if !enable || len(region) == 0 {
		return nil
	}
	return unix.Madvise(region, unix.MADV_HUGEPAGE)
}
