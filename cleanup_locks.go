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
	"bytes"
	"context"
	"math"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/tikv/txnkv/config"
	"github.com/tikv/txnkv/fail"
	"github.com/tikv/txnkv/internal/locate"
	"github.com/tikv/txnkv/internal/logutil"
	"github.com/tikv/txnkv/internal/retry"
	"github.com/tikv/txnkv/metrics"
	"github.com/tikv/txnkv/tikvrpc"
	"go.uber.org/zap"
)

// GCScanLockLimit is the default number of locks fetched by one scan
// request during cleanup.
const GCScanLockLimit = 1024

// ResolveLocksOptions configures CleanupLocks.
type ResolveLocksOptions struct {
	// AsyncCommitOnly restricts the cleanup to locks written by the
	// async commit protocol.
	AsyncCommitOnly bool
	// BatchSize is the max number of locks fetched by one scan request.
	// Zero means the configured TiKVClient.MaxBatchSize.
	BatchSize uint32
}

// CleanupLocksResult is the summary of a CleanupLocks run.
type CleanupLocksResult struct {
	// MeetLocks is the raw number of lock sightings. Scan rounds can
	// overlap at batch boundaries and after region changes, so a lock
	// left unresolved may be counted more than once.
	MeetLocks int
}

// ScanLocks returns up to limit locks below maxVersion in [startKey,
// endKey). Empty endKey means unbounded; limit zero means no limit.
func (s *KVStore) ScanLocks(ctx context.Context, startKey, endKey []byte, maxVersion uint64, limit uint32) ([]*Lock, error) {
	bo := retry.NewBackoffer(ctx, retry.ScanLockBackoff)
	var result []*Lock
	key := startKey
	for {
		locks, loc, err := s.scanLocksInRegion(bo, key, endKey, maxVersion, limit)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		result = append(result, locks...)
		if limit > 0 && uint32(len(result)) >= limit {
			return result[:limit], nil
		}
		key = loc.EndKey
		if len(key) == 0 || (len(endKey) > 0 && bytes.Compare(key, endKey) >= 0) {
			return result, nil
		}
	}
}

// scanLocksInRegion scans one region worth of locks starting at key.
func (s *KVStore) scanLocksInRegion(bo *retry.Backoffer, key, endKey []byte, maxVersion uint64, limit uint32) ([]*Lock, *locate.KeyLocation, error) {
	for {
		loc, err := s.GetRegionCache().LocateKey(bo, key)
		if err != nil {
			return nil, nil, errors.WithStack(err)
		}
		req := tikvrpc.NewRequest(tikvrpc.CmdScanLock, &kvrpcpb.ScanLockRequest{
			MaxVersion: maxVersion,
			StartKey:   key,
			EndKey:     endKey,
			Limit:      limit,
		})
		resp, err := s.SendReq(bo, req, loc.Region, readTimeoutMedium)
		if err != nil {
			return nil, nil, errors.WithStack(err)
		}
		regionErr, err := resp.GetRegionError()
		if err != nil {
			return nil, nil, errors.WithStack(err)
		}
		if regionErr != nil {
			err = bo.Backoff(retry.BoRegionMiss, errors.New(regionErr.String()))
			if err != nil {
				return nil, nil, errors.WithStack(err)
			}
			continue
		}
		if resp.Resp == nil {
			return nil, nil, errors.WithStack(ErrBodyMissing)
		}
		locksResp := resp.Resp.(*kvrpcpb.ScanLockResponse)
		if locksResp.GetError() != nil {
			return nil, nil, errors.Errorf("unexpected scanlock error: %s", locksResp)
		}
		locksInfo := locksResp.GetLocks()
		locks := make([]*Lock, 0, len(locksInfo))
		for _, li := range locksInfo {
			locks = append(locks, NewLock(li))
		}
		return locks, loc, nil
	}
}

// CleanupLocks scans [startKey, endKey) for locks below the safepoint
// and resolves them regardless of their TTL. Committed transactions
// have their residual locks committed, aborted ones rolled back. The
// call is idempotent.
func (s *KVStore) CleanupLocks(ctx context.Context, startKey, endKey []byte, safepoint uint64, opts ResolveLocksOptions) (CleanupLocksResult, error) {
	var result CleanupLocksResult
	batchSize := opts.BatchSize
	if batchSize == 0 {
		batchSize = uint32(config.GetGlobalConfig().TiKVClient.MaxBatchSize)
	}
	if batchSize == 0 {
		batchSize = GCScanLockLimit
	}
	bo := retry.NewBackoffer(ctx, retry.GcResolveLockMaxBackoff)
	key := startKey
	for {
		locks, loc, err := s.scanLocksInRegion(bo, key, endKey, safepoint, batchSize)
		if err != nil {
			return result, errors.WithStack(err)
		}
		result.MeetLocks += len(locks)
		scanned := len(locks)
		var lastKey []byte
		if scanned > 0 {
			lastKey = locks[scanned-1].Key
		}

		if fail.Eval(fail.BeforeCleanupLocks) {
			// Count but leave the locks alone.
		} else {
			if opts.AsyncCommitOnly {
				filtered := locks[:0]
				for _, l := range locks {
					if l.UseAsyncCommit {
						filtered = append(filtered, l)
					}
				}
				locks = filtered
			}
			if err = s.lockResolver.resolveLocksForCleanup(bo, locks); err != nil {
				return result, errors.WithStack(err)
			}
		}

		if uint32(scanned) == batchSize {
			// The region may hold more locks. The next round rescans from
			// the boundary lock; if resolution left it in place it is
			// observed and counted again.
			if bytes.Equal(lastKey, key) {
				key = append(append([]byte{}, lastKey...), 0)
			} else {
				key = lastKey
			}
		} else {
			key = loc.EndKey
		}
		if len(key) == 0 || (len(endKey) > 0 && bytes.Compare(key, endKey) >= 0) {
			return result, nil
		}
	}
}

// resolveLocksForCleanup resolves locks below a safepoint. Unlike
// ResolveLocks it never waits out a TTL: a still-ticking classic lock
// is force-expired, and async commit locks go through the secondary
// check to either commit or roll back the whole transaction.
func (lr *LockResolver) resolveLocksForCleanup(bo *retry.Backoffer, locks []*Lock) error {
	if len(locks) == 0 {
		return nil
	}
	metrics.LockResolverCounter.WithLabelValues("resolve_for_cleanup").Inc()

	cleanTxns := make(map[uint64]map[locate.RegionVerID]struct{})
	for _, l := range locks {
		status, err := lr.getTxnStatusForCleanup(bo, l)
		if err != nil {
			return errors.WithStack(err)
		}

		cleanRegions, exists := cleanTxns[l.TxnID]
		if !exists {
			cleanRegions = make(map[locate.RegionVerID]struct{})
			cleanTxns[l.TxnID] = cleanRegions
		}

		if status.primaryLock != nil && status.primaryLock.UseAsyncCommit {
			err = lr.resolveLockAsync(bo, l, status)
			if _, ok := errors.Cause(err).(*nonAsyncCommitLock); ok {
				status, err = lr.getTxnStatus(bo, l.TxnID, l.Primary, math.MaxUint64, math.MaxUint64, true, true)
				if err == nil {
					err = lr.resolveLock(bo, l, status, cleanRegions)
				}
			}
			if err != nil {
				return errors.WithStack(err)
			}
			continue
		}

		if status.ttl != 0 {
			logutil.Logger(bo.GetContext()).Error("cleanup met an unexpectedly live lock",
				zap.Stringer("lock", l),
				zap.Uint64("ttl", status.ttl))
			return errors.Errorf("cleanup met a live lock, txn: %d", l.TxnID)
		}
		if err = lr.resolveLock(bo, l, status, cleanRegions); err != nil {
			return errors.WithStack(err)
		}
	}
	return nil
}

// getTxnStatusForCleanup forces the expiry of the lock's transaction by
// checking its status at the largest possible timestamp.
func (lr *LockResolver) getTxnStatusForCleanup(bo *retry.Backoffer, l *Lock) (TxnStatus, error) {
	for {
		status, err := lr.getTxnStatus(bo, l.TxnID, l.Primary, math.MaxUint64, math.MaxUint64, true, false)
		if err == nil {
			return status, nil
		}
		if _, ok := errors.Cause(err).(txnNotFoundErr); !ok {
			return TxnStatus{}, errors.WithStack(err)
		}
		err = bo.Backoff(retry.BoTxnNotFound, err)
		if err != nil {
			return TxnStatus{}, errors.WithStack(err)
		}
	}
}
