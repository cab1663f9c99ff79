//go:build !linux

package pwa

func processRSSBytes() (uint64, bool) { return 0, false }
