package loader

import (
	"io/ioutil"

	"github.com/sirupsen/logrus"

	"github.com/BertoldVdb/qspiloader/devinfo"
	"github.com/BertoldVdb/qspiloader/spiflash"
)

type Option func(*Loader)

// WithBringup sets the board initialization run by Init. It returns 1 on
// success and 0 on failure.
func WithBringup(f func() int) Option {
	return func(l *Loader) {
		l.bringup = f
	}
}

// WithStorageInfo replaces the device descriptor. Its start address is the
// base of the memory-mapped window.
func WithStorageInfo(info devinfo.StorageInfo) Option {
	return func(l *Loader) {
		l.info = info
	}
}

// WithEraseUnit overrides the erase granularity derived from the descriptor.
func WithEraseUnit(unit spiflash.EraseUnit) Option {
	return func(l *Loader) {
		l.unit = &unit
	}
}

// WithChunkSize sets the read size used by Verify and Checksum.
func WithChunkSize(n int) Option {
	return func(l *Loader) {
		if n > 0 {
			l.chunkSize = n
		}
	}
}

func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Loader) {
		if log != nil {
			l.log = log
		}
	}
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = ioutil.Discard
	return l
}
