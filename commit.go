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
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tikv/txnkv/internal/logutil"
	"github.com/tikv/txnkv/internal/retry"
	"github.com/tikv/txnkv/metrics"
	"github.com/tikv/txnkv/tikvrpc"
	"go.uber.org/zap"
)

type actionCommit struct{ retry bool }

var tiKVTxnRegionsNumHistogramCommit = metrics.TxnRegionsNumHistogram.WithLabelValues("2pc_commit")

func (actionCommit) String() string {
	return "commit"
}

func (actionCommit) tiKVTxnRegionsNumHistogram() prometheus.Observer {
	return tiKVTxnRegionsNumHistogramCommit
}

func (action actionCommit) handleSingleBatch(c *twoPhaseCommitter, bo *retry.Backoffer, batch batchMutations) error {
	req := tikvrpc.NewRequest(tikvrpc.CmdCommit, &kvrpcpb.CommitRequest{
		StartVersion:  c.startTS,
		Keys:          batch.mutations.GetKeys(),
		CommitVersion: c.commitTS,
	}, kvrpcpb.Context{Priority: c.priority})

	sender := c.store
	resp, err := sender.SendReq(bo, req, batch.region, readTimeoutShort)

	// If the RPC to the primary fails after it may have reached the
	// storage node, the commit outcome is unknown.
	isPrimary := batch.isPrimary && !c.isAsyncCommit()
	if isPrimary && err != nil {
		c.setUndeterminedErr(errors.WithStack(err))
	}

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
		return c.doActionOnMutations(bo, actionCommit{retry: true}, batch.mutations)
	}
	if resp.Resp == nil {
		return errors.WithStack(ErrBodyMissing)
	}
	commitResp := resp.Resp.(*kvrpcpb.CommitResponse)
	if keyErr := commitResp.GetError(); keyErr != nil {
		if rejected := keyErr.GetCommitTsExpired(); rejected != nil {
			logutil.Logger(bo.GetContext()).Info("2PC commitTS rejected by TiKV, retry with a newer commitTS",
				zap.Uint64("txnStartTS", c.startTS),
				zap.Uint64("attemptedCommitTS", rejected.AttemptedCommitTs),
				zap.Uint64("minCommitTS", rejected.MinCommitTs))

			// The store is not allowing the commit ts; pick a newer one and retry.
			newCommitTS, err := c.store.getTimestampWithRetry(bo)
			if err != nil {
				logutil.Logger(bo.GetContext()).Warn("2PC get commitTS failed",
					zap.Error(err),
					zap.Uint64("txnStartTS", c.startTS))
				return errors.WithStack(err)
			}
			c.mu.Lock()
			c.commitTS = newCommitTS
			c.mu.Unlock()
			return c.doActionOnMutations(bo, actionCommit{true}, batch.mutations)
		}

		c.mu.RLock()
		defer c.mu.RUnlock()
		err = extractKeyErr(keyErr)
		if c.mu.committed {
			// No secondary key could be rolled back after it's primary key is committed.
			// There must be a serious bug somewhere.
			logutil.Logger(bo.GetContext()).Error("2PC failed commit key after primary key committed",
				zap.Error(err),
				zap.Uint64("txnStartTS", c.startTS))
			return errors.WithStack(err)
		}
		// The transaction maybe rolled back by concurrent transactions.
		logutil.Logger(bo.GetContext()).Debug("2PC failed commit primary key",
			zap.Error(err),
			zap.Uint64("txnStartTS", c.startTS))
		return err
	}

	if isPrimary {
		// The RPC returned a definite answer, so the outcome is no longer
		// undetermined even if an earlier attempt errored out.
		c.setUndeterminedErr(nil)
		c.mu.Lock()
		c.mu.committed = true
		c.mu.Unlock()
	}
	return nil
}

func (c *twoPhaseCommitter) commitMutations(bo *retry.Backoffer, mutations CommitterMutations) error {
	return c.doActionOnMutations(bo, actionCommit{}, mutations)
}
