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

package txnkv

import (
	"sync/atomic"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tikv/txnkv/internal/logutil"
	"github.com/tikv/txnkv/internal/retry"
	"github.com/tikv/txnkv/metrics"
	"github.com/tikv/txnkv/tikvrpc"
	"go.uber.org/zap"
)

type actionPrewrite struct{}

var tiKVTxnRegionsNumHistogramPrewrite = metrics.TxnRegionsNumHistogram.WithLabelValues("2pc_prewrite")

func (actionPrewrite) String() string {
	return "prewrite"
}

func (actionPrewrite) tiKVTxnRegionsNumHistogram() prometheus.Observer {
	return tiKVTxnRegionsNumHistogramPrewrite
}

func (c *twoPhaseCommitter) buildPrewriteRequest(batch batchMutations, txnSize uint64) *tikvrpc.Request {
	m := batch.mutations
	mutations := make([]*kvrpcpb.Mutation, m.Len())
	for i := 0; i < m.Len(); i++ {
		mutations[i] = &kvrpcpb.Mutation{
			Op:    m.GetOp(i),
			Key:   m.GetKey(i),
			Value: m.GetValue(i),
		}
	}
	req := &kvrpcpb.PrewriteRequest{
		Mutations:      mutations,
		PrimaryLock:    c.primary(),
		StartVersion:   c.startTS,
		LockTtl:        c.lockTTL,
		ForUpdateTs:    c.forUpdateTS,
		TxnSize:        txnSize,
		MinCommitTs:    c.startTS + 1,
		MaxCommitTs:    c.maxCommitTS,
		UseAsyncCommit: c.isAsyncCommit(),
		TryOnePc:       c.isOnePC(),
	}
	if c.isAsyncCommit() && batch.isPrimary {
		req.Secondaries = c.asyncSecondaries()
	}
	return tikvrpc.NewRequest(tikvrpc.CmdPrewrite, req, kvrpcpb.Context{Priority: c.priority})
}

func (action actionPrewrite) handleSingleBatch(c *twoPhaseCommitter, bo *retry.Backoffer, batch batchMutations) error {
	txnSize := uint64(c.txnSize)
	req := c.buildPrewriteRequest(batch, txnSize)
	for {
		resp, err := c.store.SendReq(bo, req, batch.region, readTimeoutShort)
		if err != nil {
			return errors.WithStack(err)
		}
		regionErr, err := resp.GetRegionError()
		if err != nil {
			return errors.WithStack(err)
		}
		if regionErr != nil {
			err = bo.Backoff(retry.BoRegionMiss, errors.New(regionErr.String()))
			if err != nil {
				return errors.WithStack(err)
			}
			// Re-split the batch: the region boundary may have moved.
			return c.prewriteMutations(bo, batch.mutations)
		}
		if resp.Resp == nil {
			return errors.WithStack(ErrBodyMissing)
		}
		prewriteResp := resp.Resp.(*kvrpcpb.PrewriteResponse)
		keyErrs := prewriteResp.GetErrors()
		if len(keyErrs) == 0 {
			if c.isOnePC() {
				if prewriteResp.OnePcCommitTs == 0 {
					// The storage side rejected 1PC; fall back to 2PC.
					c.setOnePC(false)
				} else {
					c.onePCCommitTS = prewriteResp.OnePcCommitTs
				}
				return nil
			}
			if c.isAsyncCommit() {
				if prewriteResp.MinCommitTs == 0 {
					logutil.Logger(bo.GetContext()).Info("async commit cannot proceed, fallback to normal path",
						zap.Uint64("startTS", c.startTS))
					c.setAsyncCommit(false)
					atomic.StoreUint64(&c.minCommitTS, 0)
				} else {
					// Fold the batch's min commit ts into the txn-level one.
					for {
						oldVal := atomic.LoadUint64(&c.minCommitTS)
						if prewriteResp.MinCommitTs <= oldVal {
							break
						}
						if atomic.CompareAndSwapUint64(&c.minCommitTS, oldVal, prewriteResp.MinCommitTs) {
							break
						}
					}
				}
			}
			return nil
		}
		var locks []*Lock
		for _, keyErr := range keyErrs {
			// Check already exists error
			if alreadyExist := keyErr.GetAlreadyExist(); alreadyExist != nil {
				return errors.WithStack(&ErrKeyExist{AlreadyExist: alreadyExist})
			}

			// Extract lock from key error
			lock, err1 := extractLockFromKeyErr(keyErr)
			if err1 != nil {
				return errors.WithStack(err1)
			}
			logutil.BgLogger().Info("prewrite encounters lock",
				zap.Uint64("txnStartTS", c.startTS),
				zap.Stringer("lock", lock))
			locks = append(locks, lock)
		}
		msBeforeExpired, err := c.store.GetLockResolver().ResolveLocks(bo, c.startTS, locks)
		if err != nil {
			return errors.WithStack(err)
		}
		if msBeforeExpired > 0 {
			err = bo.BackoffWithMaxSleep(retry.BoTxnLock, int(msBeforeExpired), errors.Errorf("2PC prewrite lockedKeys: %d", len(locks)))
			if err != nil {
				return errors.WithStack(err)
			}
		}
	}
}

func (c *twoPhaseCommitter) prewriteMutations(bo *retry.Backoffer, mutations CommitterMutations) error {
	return c.doActionOnMutations(bo, actionPrewrite{}, mutations)
}
