package spiflash

import (
	"io/ioutil"
	"time"

	"github.com/sirupsen/logrus"
)

// Timeouts bound every status poll by instruction category.
type Timeouts struct {
	Status      time.Duration
	Program     time.Duration
	SectorErase time.Duration
	BlockErase  time.Duration
	ChipErase   time.Duration
}

// DefaultTimeouts are about twice the W25Q32FV datasheet maxima.
var DefaultTimeouts = Timeouts{
	Status:      10 * time.Millisecond,
	Program:     10 * time.Millisecond,
	SectorErase: 1 * time.Second,
	BlockErase:  3 * time.Second,
	ChipErase:   100 * time.Second,
}

// ReadMode selects the read instruction used for Read and memory-mapped mode.
type ReadMode int

const (
	ReadDualOutput ReadMode = iota
	ReadFast
)

type config struct {
	part        Part
	timeouts    Timeouts
	readMode    ReadMode
	autoReset   bool
	maxTransfer int
	log         logrus.FieldLogger
}

func defaultConfig() config {
	return config{
		part:      W25Q32,
		timeouts:  DefaultTimeouts,
		readMode:  ReadDualOutput,
		autoReset: true,
		log:       discardLogger(),
	}
}

func discardLogger() logrus.FieldLogger {
	l := logrus.New()
	l.Out = ioutil.Discard
	return l
}

type Option func(*config)

func WithPart(p Part) Option {
	return func(c *config) {
		c.part = p
	}
}

func WithTimeouts(t Timeouts) Option {
	return func(c *config) {
		c.timeouts = t
	}
}

// WithReadMode selects single line fast reads for transports that cannot
// drive two data lines.
func WithReadMode(m ReadMode) Option {
	return func(c *config) {
		c.readMode = m
	}
}

// WithAutoReset controls what happens when an instruction is requested in
// memory-mapped mode: reset first (default) or fail with ErrorMemoryMapped.
func WithAutoReset(enable bool) Option {
	return func(c *config) {
		c.autoReset = enable
	}
}

// WithMaxTransfer limits the payload of a single read transaction.
func WithMaxTransfer(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.maxTransfer = n
		}
	}
}

func WithLogger(l logrus.FieldLogger) Option {
	return func(c *config) {
		if l != nil {
			c.log = l
		}
	}
}
