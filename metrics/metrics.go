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

// Package metrics defines the prometheus collectors of the client.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	TxnCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tikv",
			Subsystem: "txnkv",
			Name:      "txn_total",
			Help:      "Counter of started txns.",
		}, []string{"type"})

	TxnCommitCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tikv",
			Subsystem: "txnkv",
			Name:      "txn_commit_total",
			Help:      "Counter of txn commits by protocol.",
		}, []string{"type"})

	TxnHeartBeatHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tikv",
			Subsystem: "txnkv",
			Name:      "txn_heart_beat",
			Help:      "Bucketed histogram of the txn_heartbeat request duration.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 18),
		}, []string{"type"})

	SecondaryLockCleanupFailureCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tikv",
			Subsystem: "txnkv",
			Name:      "lock_cleanup_task_total",
			Help:      "failure statistic of secondary lock cleanup task.",
		}, []string{"type"})

	LockResolverCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tikv",
			Subsystem: "txnkv",
			Name:      "lock_resolver_actions_total",
			Help:      "Counter of lock resolver actions.",
		}, []string{"type"})

	BackoffCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "tikv",
			Subsystem: "txnkv",
			Name:      "backoff_total",
			Help:      "Counter of backoff.",
		}, []string{"type"})

	BackoffHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tikv",
			Subsystem: "txnkv",
			Name:      "backoff_seconds",
			Help:      "Bucketed histogram of sleep seconds of backoff.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 20),
		}, []string{"type"})

	TxnRegionsNumHistogram = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "tikv",
			Subsystem: "txnkv",
			Name:      "txn_regions_num",
			Help:      "Number of regions in a transaction.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 25),
		}, []string{"type"})

	TxnWriteKVCountHistogram = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "tikv",
			Subsystem: "txnkv",
			Name:      "txn_write_kv_num",
			Help:      "Count of kv pairs to write in a transaction.",
			Buckets:   prometheus.ExponentialBuckets(1, 4, 17),
		})
)

// Label constants.
const (
	LblGeneral     = "general"
	LblInternal    = "internal"
	LblOk          = "ok"
	LblError       = "err"
	LblRollback    = "rollback"
	Lbl2PC         = "2pc"
	LblAsyncCommit = "async_commit"
	LblOnePC       = "one_pc"
)

func init() {
	prometheus.MustRegister(TxnCounter)
	prometheus.MustRegister(TxnCommitCounter)
	prometheus.MustRegister(TxnHeartBeatHistogram)
	prometheus.MustRegister(SecondaryLockCleanupFailureCounter)
	prometheus.MustRegister(LockResolverCounter)
	prometheus.MustRegister(BackoffCounter)
	prometheus.MustRegister(BackoffHistogram)
	prometheus.MustRegister(TxnRegionsNumHistogram)
	prometheus.MustRegister(TxnWriteKVCountHistogram)
}
