//go:build !linux
// +build !linux

package spidev

import (
	"errors"

	"github.com/BertoldVdb/qspiloader/qspi"
)

type SPIDev struct{}

func New(path string, speedHz uint32, dual bool) (*SPIDev, error) {
	return nil, errors.New("spidev is only available on linux")
}

func (s *SPIDev) Close() error {
	return nil
}

func (s *SPIDev) Transport() *qspi.SPIBus {
	return nil
}
