// Copyright 2024 TiKV Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config holds the client configuration. The global config is
// read on every transaction begin, so tests can flip knobs through
// UpdateGlobal and restore them afterwards.
package config

import (
	"sync/atomic"
	"time"
)

// Config contains the tunable knobs of the transaction client.
type Config struct {
	CommitterConcurrency int
	MaxTxnTTL            uint64
	TiKVClient           TiKVClient
}

// TiKVClient is the config for the interaction with the storage nodes.
type TiKVClient struct {
	AsyncCommit AsyncCommit
	// MaxBatchSize is the max length of a lock scan batch during cleanup.
	MaxBatchSize uint
}

// AsyncCommit bounds the transactions eligible for the async commit
// fast path. Oversized transactions fall back to classic 2PC.
type AsyncCommit struct {
	// KeysLimit is the upper bound of mutated keys.
	KeysLimit uint
	// TotalKeySizeLimit is the upper bound of the sum of key lengths.
	TotalKeySizeLimit uint64
	// SafeWindow bounds how far a calculated commit ts may run ahead
	// of the current oracle time.
	SafeWindow time.Duration
	// AllowedClockDrift is added to SafeWindow for cross-node skew.
	AllowedClockDrift time.Duration
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		CommitterConcurrency: 128,
		MaxTxnTTL:            uint64((10 * time.Minute) / time.Millisecond),
		TiKVClient: TiKVClient{
			AsyncCommit: AsyncCommit{
				KeysLimit:         256,
				TotalKeySizeLimit: 4 * 1024,
				SafeWindow:        2 * time.Second,
				AllowedClockDrift: 500 * time.Millisecond,
			},
			MaxBatchSize: 1024,
		},
	}
}

var globalConf atomic.Value

func init() {
	conf := DefaultConfig()
	globalConf.Store(&conf)
}

// GetGlobalConfig returns the global configuration for this server.
// It should store configuration from command line and configuration file.
// Other parts of the system can read the global configuration use this function.
func GetGlobalConfig() *Config {
	return globalConf.Load().(*Config)
}

// StoreGlobalConfig stores a new config to the globalConf.
func StoreGlobalConfig(config *Config) {
	globalConf.Store(config)
}

// UpdateGlobal updates the global config, and provides a restore function
// that can be used to restore to the original.
func UpdateGlobal(f func(conf *Config)) RestoreFunc {
	g := GetGlobalConfig()
	restore := func() {
		StoreGlobalConfig(g)
	}
	newConf := *g
	f(&newConf)
	StoreGlobalConfig(&newConf)
	return restore
}

// RestoreFunc gets a function that restore the config to the current value.
type RestoreFunc func()
