//go:build !windows && !((linux || darwin || freebsd) && (amd64 || arm64))

package dynamic

import (
	"fmt"
	"runtime"
)

func load(path string) (natives, error) {
	return nil, &LoadError{Path: path, Err: fmt.Errorf("dynamic loading not supported on %v/%v", runtime.GOOS, runtime.GOARCH)}
}
