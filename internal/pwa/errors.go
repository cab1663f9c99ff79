package pwa

import (
	"errors"
	"fmt"
)

var (
	// ErrNoResponse means neither the network nor the cache could answer.
	ErrNoResponse = errors.New("no response available")

	// ErrOffline is returned by Sync while the connectivity monitor reports
	// the network as down.
	ErrOffline = errors.New("network unavailable")

	// ErrSyncInProgress is returned when a drain is already running.
	ErrSyncInProgress = errors.New("sync already in progress")

	errBodyTooLarge = errors.New("request body too large")
)

// InstallError reports why installing a cache generation was aborted.
type InstallError struct {
	Version string
	Path    string
	Err     error
}

func (e *InstallError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("install %q: %v", e.Version, e.Err)
	}
	return fmt.Sprintf("install %q: precache %s: %v", e.Version, e.Path, e.Err)
}

func (e *InstallError) Unwrap() error { return e.Err }
