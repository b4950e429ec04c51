//go:build !(linux || darwin)

package sysinfo

import (
	"errors"
	"runtime"
)

func diskUsage(string) (Usage, error) {
	return Usage{}, errors.New("disk usage is not supported on " + runtime.GOOS)
}
