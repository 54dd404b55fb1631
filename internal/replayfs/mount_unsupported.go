//go:build !linux
// +build !linux

package replayfs

import "fmt"

// Run is one recorded pipeline run as replayfs would serve it.
type Run struct {
	ID           string
	InputPath    string
	TimingLedger []int64
}

// Mount is unavailable on non-Linux builds because replayfs depends on go-fuse.
func Mount(mountPoint string, runs []Run) error {
	return fmt.Errorf("replayfs: mount is only supported on linux builds")
}
