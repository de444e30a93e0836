//go:build !unix

package bufferpool

// adviseHugePages is a no-op on platforms without madvise.
func adviseHugePages(region []byte, enable bool) error { return nil }
