//go:build linux || darwin

package sysinfo

import "golang.org/x/sys/unix"

// diskUsage mirrors df: used excludes space reserved for root.
func diskUsage(path string) (Usage, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(path, &st); err != nil {
		return Usage{}, err
	}
	bsize := uint64(st.Bsize)
	total := st.Blocks * bsize
	used := (st.Blocks - st.Bfree) * bsize
	avail := st.Bavail * bsize
	u := Usage{TotalGB: gigabytes(total), UsedGB: gigabytes(used)}
	if used+avail > 0 {
		u.Pct = int((used*100 + used + avail - 1) / (used + avail))
	}
	return u, nil
}
