//go:build darwin && arm64

package main

import (
	"github.com/partitionhv/hvcore/internal/hv"
	"github.com/partitionhv/hvcore/internal/hv/hvf"
	"github.com/partitionhv/hvcore/internal/initx"
)

type hvfSnapshotIO struct{}

func (hvfSnapshotIO) SaveSnapshot(path string, snap hv.Snapshot) error {
	return hvf.SaveSnapshot(path, snap)
}

func (hvfSnapshotIO) LoadSnapshot(path string) (hv.Snapshot, error) {
	return hvf.LoadSnapshot(path)
}

func getSnapshotIO() initx.SnapshotIO {
	return hvfSnapshotIO{}
}
