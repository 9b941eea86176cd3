//go:build !darwin || !arm64

package main

import "github.com/partitionhv/hvcore/internal/initx"

func getSnapshotIO() initx.SnapshotIO {
	return initx.GetSnapshotIO()
}
