//go:build darwin && arm64

package factory

import (
	"github.com/partitionhv/hvcore/internal/hv"
	"github.com/partitionhv/hvcore/internal/hv/hvf"
)

func Open() (hv.Hypervisor, error) {
	return hvf.Open()
}
