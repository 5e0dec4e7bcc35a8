//go:build !linux && !darwin && !dragonfly && !freebsd && !netbsd && !openbsd

package util

func setSockOpts(uintptr) error { return nil }
