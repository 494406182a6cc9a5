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
	"context"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/tikv/txnkv/internal/retry"
	"github.com/tikv/txnkv/tikvrpc"
)

// KVSnapshot is a read-only view of the store at a timestamp. Reads
// that run into locks of other transactions resolve them before
// returning.
type KVSnapshot struct {
	store   *KVStore
	version uint64
}

func newKVSnapshot(store *KVStore, ts uint64) *KVSnapshot {
	return &KVSnapshot{
		store:   store,
		version: ts,
	}
}

// Get returns the value of key at the snapshot version. A missing key
// returns (nil, nil).
func (s *KVSnapshot) Get(ctx context.Context, key []byte) ([]byte, error) {
	bo := retry.NewBackoffer(ctx, retry.GetMaxBackoff)
	req := tikvrpc.NewRequest(tikvrpc.CmdGet, &kvrpcpb.GetRequest{
		Key:     key,
		Version: s.version,
	})
	for {
		loc, err := s.store.GetRegionCache().LocateKey(bo, key)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		resp, err := s.store.SendReq(bo, req, loc.Region, readTimeoutShort)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		regionErr, err := resp.GetRegionError()
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if regionErr != nil {
			err = bo.Backoff(retry.BoRegionMiss, errors.New(regionErr.String()))
			if err != nil {
				return nil, errors.WithStack(err)
			}
			continue
		}
		if resp.Resp == nil {
			return nil, errors.WithStack(ErrBodyMissing)
		}
		cmdGetResp := resp.Resp.(*kvrpcpb.GetResponse)
		val := cmdGetResp.GetValue()
		if keyErr := cmdGetResp.GetError(); keyErr != nil {
			lock, err := extractLockFromKeyErr(keyErr)
			if err != nil {
				return nil, errors.WithStack(err)
			}
			msBeforeExpired, err := s.store.GetLockResolver().ResolveLocks(bo, s.version, []*Lock{lock})
			if err != nil {
				return nil, errors.WithStack(err)
			}
			if msBeforeExpired > 0 {
				err = bo.BackoffWithMaxSleep(retry.BoTxnLockFast, int(msBeforeExpired), errors.New(keyErr.String()))
				if err != nil {
					return nil, errors.WithStack(err)
				}
			}
			continue
		}
		if cmdGetResp.NotFound {
			return nil, nil
		}
		return val, nil
	}
}

// BatchGet gets the values of the keys at the snapshot version. Missing
// keys are absent from the result map.
func (s *KVSnapshot) BatchGet(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	m := make(map[string][]byte, len(keys))
	for _, k := range keys {
		v, err := s.Get(ctx, k)
		if err != nil {
			return nil, errors.WithStack(err)
		}
		if v != nil {
			m[string(k)] = v
		}
	}
	return m, nil
}
