package client

import (
	"github.com/danmuck/dps_sync/src/config"
	"github.com/danmuck/dps_sync/src/impl"
)

const (
	DefaultMaxAttempts = 8
	DefaultParallelism = 4
)

// Options tunes a Reconciler. Zero fields take the defaults.
type Options struct {
	BlockSize   int // bytes per block
	MaxAttempts int // modify/delete calls per operation before giving up
	Parallelism int // concurrent block transfers
}

func DefaultOptions() Options {
	return Options{
		BlockSize:   impl.DefaultBlockSize,
		MaxAttempts: DefaultMaxAttempts,
		Parallelism: DefaultParallelism,
	}
}

// OptionsFromConfig reads the [client] table of a cluster config.
func OptionsFromConfig(cfg config.ClientConfig) Options {
	return Options{
		BlockSize:   cfg.BlockSize,
		MaxAttempts: cfg.MaxAttempts,
		Parallelism: cfg.Parallelism,
	}.withDefaults()
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BlockSize <= 0 {
		o.BlockSize = d.BlockSize
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = d.MaxAttempts
	}
	if o.Parallelism <= 0 {
		o.Parallelism = d.Parallelism
	}
	return o
}
