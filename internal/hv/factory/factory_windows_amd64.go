//go:build windows && amd64

package factory

import (
	"github.com/partitionhv/hvcore/internal/hv"
	"github.com/partitionhv/hvcore/internal/hv/whp"
)

func Open() (hv.Hypervisor, error) {
	return whp.Open()
}
