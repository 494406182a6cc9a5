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

// Package txnkv provides a transactional client for a partitioned,
// replicated MVCC key-value store. Transactions are committed with a
// two-phase protocol: the primary key carries the commit point and
// secondary keys are finalized afterwards. The client also supports the
// async commit and single-region 1PC fast paths, keeps transaction
// locks alive with a background heartbeat, and exposes a safepoint
// driven scan-and-cleanup for locks abandoned by crashed clients.
package txnkv

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/errorpb"
	"github.com/tikv/txnkv/internal/locate"
	"github.com/tikv/txnkv/internal/logutil"
	"github.com/tikv/txnkv/internal/retry"
	"github.com/tikv/txnkv/oracle"
	"github.com/tikv/txnkv/tikvrpc"
	"go.uber.org/zap"
)

// RPC timeouts.
const (
	readTimeoutShort  = 20 * time.Second
	readTimeoutMedium = 60 * time.Second
)

// KVStore is a transactional client of a partitioned key-value cluster.
type KVStore struct {
	oracle       oracle.Oracle
	client       tikvrpc.Client
	regionCache  *locate.RegionCache
	lockResolver *LockResolver
}

// NewKVStore creates a KVStore over the given cluster view, transport
// and timestamp oracle.
func NewKVStore(cluster locate.Cluster, client tikvrpc.Client, o oracle.Oracle) *KVStore {
	store := &KVStore{
		oracle:      o,
		client:      client,
		regionCache: locate.NewRegionCache(cluster),
	}
	store.lockResolver = newLockResolver(store)
	return store
}

// Begin starts an optimistic transaction at the current timestamp.
func (s *KVStore) Begin() (*KVTxn, error) {
	return s.BeginWithOptions(DefaultTransactionOptions())
}

// BeginWithOptions starts a transaction configured by options.
func (s *KVStore) BeginWithOptions(options TransactionOptions) (*KVTxn, error) {
	bo := retry.NewBackoffer(context.Background(), retry.TsoMaxBackoff)
	startTS, err := s.getTimestampWithRetry(bo)
	if err != nil {
		return nil, errors.WithStack(err)
	}
	return newKVTxn(s, startTS, options), nil
}

// GetSnapshot returns a read-only view of the store at ts.
func (s *KVStore) GetSnapshot(ts uint64) *KVSnapshot {
	return newKVSnapshot(s, ts)
}

// GetOracle returns the timestamp oracle.
func (s *KVStore) GetOracle() oracle.Oracle {
	return s.oracle
}

// GetRegionCache returns the region cache.
func (s *KVStore) GetRegionCache() *locate.RegionCache {
	return s.regionCache
}

// GetLockResolver returns the lock resolver.
func (s *KVStore) GetLockResolver() *LockResolver {
	return s.lockResolver
}

// CurrentTimestamp returns a timestamp from the oracle.
func (s *KVStore) CurrentTimestamp() (uint64, error) {
	bo := retry.NewBackoffer(context.Background(), retry.TsoMaxBackoff)
	return s.getTimestampWithRetry(bo)
}

// Close releases the transport.
func (s *KVStore) Close() error {
	return s.client.Close()
}

func (s *KVStore) getTimestampWithRetry(bo *retry.Backoffer) (uint64, error) {
	for {
		startTS, err := s.oracle.GetTimestamp(bo.GetContext())
		if err == nil {
			return startTS, nil
		}
		err = bo.Backoff(retry.BoPDRPC, errors.Errorf("get timestamp failed: %v", err))
		if err != nil {
			return 0, errors.WithStack(err)
		}
	}
}

// SendReq sends a request to the region. When the cached region is
// stale it synthesizes a region error response so the caller relocates
// the key and retries.
func (s *KVStore) SendReq(bo *retry.Backoffer, req *tikvrpc.Request, regionID locate.RegionVerID, timeout time.Duration) (*tikvrpc.Response, error) {
	for {
		ctx, err := s.regionCache.GetRPCContext(bo, regionID)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if ctx == nil {
			// The region has been evicted from the cache. Return an epoch
			// error so the caller re-locates the keys.
			return tikvrpc.GenRegionErrorResp(req, &errorpb.Error{EpochNotMatch: &errorpb.EpochNotMatch{}})
		}
		if err := tikvrpc.SetContext(req, ctx.KVContext()); err != nil {
			return nil, errors.WithStack(err)
		}
		resp, err := s.client.SendRequest(bo.GetContext(), ctx.Addr, req, timeout)
		if err != nil {
			s.regionCache.InvalidateCachedRegion(regionID)
			err = bo.Backoff(retry.BoTiKVRPC, errors.Errorf("send request failed: %v, ctx: %s", err, regionID))
			if err != nil {
				return nil, errors.WithStack(err)
			}
			continue
		}
		regionErr, err := resp.GetRegionError()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if regionErr != nil {
			if notMatch := regionErr.GetEpochNotMatch(); notMatch != nil {
				logutil.Logger(bo.GetContext()).Debug("region epoch not match",
					zap.Uint64("region", regionID.GetID()),
					zap.Int("currentRegions", len(notMatch.CurrentRegions)))
				s.regionCache.OnRegionEpochNotMatch(bo, regionID, notMatch.CurrentRegions)
			} else {
				s.regionCache.InvalidateCachedRegion(regionID)
			}
		}
		return resp, nil
	}
}
