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

package mocktikv

import (
	"context"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/errorpb"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/tikv/txnkv/tikvrpc"
)

func convertToKeyError(err error) *kvrpcpb.KeyError {
	if err == nil {
		return nil
	}
	switch e := errors.Cause(err).(type) {
	case *ErrLocked:
		return &kvrpcpb.KeyError{Locked: e.LockInfo()}
	case *ErrKeyAlreadyExist:
		return &kvrpcpb.KeyError{
			AlreadyExist: &kvrpcpb.AlreadyExist{Key: e.Key},
		}
	case *ErrConflict:
		return &kvrpcpb.KeyError{
			Conflict: &kvrpcpb.WriteConflict{
				StartTs:          e.StartTS,
				ConflictTs:       e.ConflictTS,
				ConflictCommitTs: e.ConflictCommitTS,
				Key:              e.Key,
			},
		}
	case *ErrTxnNotFound:
		return &kvrpcpb.KeyError{
			TxnNotFound: &kvrpcpb.TxnNotFound{
				StartTs:    e.StartTS,
				PrimaryKey: e.PrimaryKey,
			},
		}
	case *ErrCommitTSExpired:
		return &kvrpcpb.KeyError{
			CommitTsExpired: &e.CommitTsExpired,
		}
	case ErrRetryable:
		return &kvrpcpb.KeyError{
			Retryable: err.Error(),
		}
	default:
		return &kvrpcpb.KeyError{
			Abort: err.Error(),
		}
	}
}

func convertToKeyErrors(errs []error) []*kvrpcpb.KeyError {
	var keyErrors []*kvrpcpb.KeyError
	for _, err := range errs {
		if err != nil {
			keyErrors = append(keyErrors, convertToKeyError(err))
		}
	}
	return keyErrors
}

type rpcHandler struct {
	cluster   *Cluster
	mvccStore *MvccStore

	// The range of the served region, set by checkRequestContext.
	startKey       []byte
	endKey         []byte
	isolationLevel kvrpcpb.IsolationLevel
}

func (h *rpcHandler) checkRequestContext(ctx *kvrpcpb.Context) *errorpb.Error {
	region, leader := h.cluster.GetRegionByID(ctx.GetRegionId())
	if region == nil {
		return &errorpb.Error{
			Message:        "region not found",
			RegionNotFound: &errorpb.RegionNotFound{RegionId: ctx.GetRegionId()},
		}
	}
	if leader == nil {
		return &errorpb.Error{
			Message:   "no leader",
			NotLeader: &errorpb.NotLeader{RegionId: ctx.GetRegionId()},
		}
	}
	epoch := ctx.GetRegionEpoch()
	if epoch.GetConfVer() != region.GetRegionEpoch().GetConfVer() ||
		epoch.GetVersion() != region.GetRegionEpoch().GetVersion() {
		currentRegions := []*metapb.Region{region}
		if len(region.GetEndKey()) > 0 {
			if next, _ := h.cluster.GetRegionByKey(region.GetEndKey()); next != nil {
				currentRegions = append(currentRegions, next)
			}
		}
		return &errorpb.Error{
			Message: "epoch not match",
			EpochNotMatch: &errorpb.EpochNotMatch{
				CurrentRegions: currentRegions,
			},
		}
	}
	h.startKey = region.GetStartKey()
	h.endKey = region.GetEndKey()
	h.isolationLevel = ctx.GetIsolationLevel()
	return nil
}

func (h *rpcHandler) checkKeyInRegion(key []byte) bool {
	return regionContains(h.startKey, h.endKey, key)
}

func (h *rpcHandler) handleKvGet(req *kvrpcpb.GetRequest) *kvrpcpb.GetResponse {
	if !h.checkKeyInRegion(req.Key) {
		panic("KvGet: key not in region")
	}
	val, err := h.mvccStore.Get(req.Key, req.GetVersion(), h.isolationLevel)
	if err != nil {
		return &kvrpcpb.GetResponse{
			Error: convertToKeyError(err),
		}
	}
	return &kvrpcpb.GetResponse{
		Value: val,
	}
}

func (h *rpcHandler) handleKvScan(req *kvrpcpb.ScanRequest) *kvrpcpb.ScanResponse {
	startKey := maxStartKey(req.StartKey, h.startKey)
	endKey := minEndKey(req.EndKey, h.endKey)
	pairs := h.mvccStore.Scan(startKey, endKey, int(req.GetLimit()), req.GetVersion(), h.isolationLevel)
	return &kvrpcpb.ScanResponse{
		Pairs: convertToPbPairs(pairs),
	}
}

func (h *rpcHandler) handleKvPrewrite(req *kvrpcpb.PrewriteRequest) *kvrpcpb.PrewriteResponse {
	for _, m := range req.Mutations {
		if !h.checkKeyInRegion(m.Key) {
			panic("KvPrewrite: key not in region")
		}
	}
	res := h.mvccStore.Prewrite(req)
	return &kvrpcpb.PrewriteResponse{
		Errors:        convertToKeyErrors(res.Errs),
		MinCommitTs:   res.MinCommitTS,
		OnePcCommitTs: res.OnePCCommitTS,
	}
}

func (h *rpcHandler) handleKvPessimisticLock(req *kvrpcpb.PessimisticLockRequest) *kvrpcpb.PessimisticLockResponse {
	for _, m := range req.Mutations {
		if !h.checkKeyInRegion(m.Key) {
			panic("KvPessimisticLock: key not in region")
		}
	}
	errs := h.mvccStore.PessimisticLock(req)
	return &kvrpcpb.PessimisticLockResponse{
		Errors: convertToKeyErrors(errs),
	}
}

func (h *rpcHandler) handleKvPessimisticRollback(req *kvrpcpb.PessimisticRollbackRequest) *kvrpcpb.PessimisticRollbackResponse {
	for _, k := range req.Keys {
		if !h.checkKeyInRegion(k) {
			panic("KvPessimisticRollback: key not in region")
		}
	}
	errs := h.mvccStore.PessimisticRollback(req.Keys, req.StartVersion, req.ForUpdateTs)
	return &kvrpcpb.PessimisticRollbackResponse{
		Errors: convertToKeyErrors(errs),
	}
}

func (h *rpcHandler) handleKvCommit(req *kvrpcpb.CommitRequest) *kvrpcpb.CommitResponse {
	for _, k := range req.Keys {
		if !h.checkKeyInRegion(k) {
			panic("KvCommit: key not in region")
		}
	}
	err := h.mvccStore.Commit(req.Keys, req.GetStartVersion(), req.GetCommitVersion())
	if err != nil {
		return &kvrpcpb.CommitResponse{
			Error: convertToKeyError(err),
		}
	}
	return &kvrpcpb.CommitResponse{}
}

func (h *rpcHandler) handleKvBatchRollback(req *kvrpcpb.BatchRollbackRequest) *kvrpcpb.BatchRollbackResponse {
	for _, k := range req.Keys {
		if !h.checkKeyInRegion(k) {
			panic("KvBatchRollback: key not in region")
		}
	}
	err := h.mvccStore.Rollback(req.Keys, req.StartVersion)
	if err != nil {
		return &kvrpcpb.BatchRollbackResponse{
			Error: convertToKeyError(err),
		}
	}
	return &kvrpcpb.BatchRollbackResponse{}
}

func (h *rpcHandler) handleKvCleanup(req *kvrpcpb.CleanupRequest) *kvrpcpb.CleanupResponse {
	if !h.checkKeyInRegion(req.Key) {
		panic("KvCleanup: key not in region")
	}
	var resp kvrpcpb.CleanupResponse
	err := h.mvccStore.Cleanup(req.Key, req.GetStartVersion(), req.GetCurrentTs())
	if err != nil {
		if commitTS, ok := errors.Cause(err).(ErrAlreadyCommitted); ok {
			resp.CommitVersion = uint64(commitTS)
		} else {
			resp.Error = convertToKeyError(err)
		}
	}
	return &resp
}

func (h *rpcHandler) handleTxnHeartBeat(req *kvrpcpb.TxnHeartBeatRequest) *kvrpcpb.TxnHeartBeatResponse {
	if !h.checkKeyInRegion(req.PrimaryLock) {
		panic("TxnHeartBeat: key not in region")
	}
	ttl, err := h.mvccStore.TxnHeartBeat(req.PrimaryLock, req.StartVersion, req.AdviseLockTtl)
	if err != nil {
		return &kvrpcpb.TxnHeartBeatResponse{Error: convertToKeyError(err)}
	}
	return &kvrpcpb.TxnHeartBeatResponse{LockTtl: ttl}
}

func (h *rpcHandler) handleKvCheckTxnStatus(req *kvrpcpb.CheckTxnStatusRequest) *kvrpcpb.CheckTxnStatusResponse {
	if !h.checkKeyInRegion(req.PrimaryKey) {
		panic("KvCheckTxnStatus: key not in region")
	}
	status, err := h.mvccStore.CheckTxnStatus(req.PrimaryKey, req.LockTs, req.CallerStartTs, req.CurrentTs,
		req.RollbackIfNotExist, req.ForceSyncCommit)
	if err != nil {
		return &kvrpcpb.CheckTxnStatusResponse{Error: convertToKeyError(err)}
	}
	return &kvrpcpb.CheckTxnStatusResponse{
		LockTtl:       status.TTL,
		CommitVersion: status.CommitTS,
		Action:        status.Action,
		LockInfo:      status.LockInfo,
	}
}

func (h *rpcHandler) handleKvCheckSecondaryLocks(req *kvrpcpb.CheckSecondaryLocksRequest) *kvrpcpb.CheckSecondaryLocksResponse {
	for _, k := range req.Keys {
		if !h.checkKeyInRegion(k) {
			panic("KvCheckSecondaryLocks: key not in region")
		}
	}
	locks, commitTS, err := h.mvccStore.CheckSecondaryLocks(req.Keys, req.StartVersion)
	if err != nil {
		return &kvrpcpb.CheckSecondaryLocksResponse{Error: convertToKeyError(err)}
	}
	return &kvrpcpb.CheckSecondaryLocksResponse{
		Locks:    locks,
		CommitTs: commitTS,
	}
}

func (h *rpcHandler) handleKvScanLock(req *kvrpcpb.ScanLockRequest) *kvrpcpb.ScanLockResponse {
	startKey := maxStartKey(req.StartKey, h.startKey)
	endKey := minEndKey(req.EndKey, h.endKey)
	locks, err := h.mvccStore.ScanLock(startKey, endKey, req.GetMaxVersion(), req.GetLimit())
	if err != nil {
		return &kvrpcpb.ScanLockResponse{Error: convertToKeyError(err)}
	}
	return &kvrpcpb.ScanLockResponse{Locks: locks}
}

func (h *rpcHandler) handleKvResolveLock(req *kvrpcpb.ResolveLockRequest) *kvrpcpb.ResolveLockResponse {
	err := h.mvccStore.ResolveLock(h.startKey, h.endKey, req.GetStartVersion(), req.GetCommitVersion(), req.Keys)
	if err != nil {
		return &kvrpcpb.ResolveLockResponse{Error: convertToKeyError(err)}
	}
	return &kvrpcpb.ResolveLockResponse{}
}

func convertToPbPairs(pairs []Pair) []*kvrpcpb.KvPair {
	kvPairs := make([]*kvrpcpb.KvPair, 0, len(pairs))
	for _, p := range pairs {
		var kvPair *kvrpcpb.KvPair
		if p.Err == nil {
			kvPair = &kvrpcpb.KvPair{
				Key:   p.Key,
				Value: p.Value,
			}
		} else {
			kvPair = &kvrpcpb.KvPair{
				Error: convertToKeyError(p.Err),
			}
		}
		kvPairs = append(kvPairs, kvPair)
	}
	return kvPairs
}

func maxStartKey(rangeStartKey, regionStartKey []byte) []byte {
	if len(rangeStartKey) > 0 && string(rangeStartKey) > string(regionStartKey) {
		return rangeStartKey
	}
	return regionStartKey
}

func minEndKey(rangeEndKey, regionEndKey []byte) []byte {
	if len(regionEndKey) == 0 {
		return rangeEndKey
	}
	if len(rangeEndKey) == 0 {
		return regionEndKey
	}
	if string(rangeEndKey) < string(regionEndKey) {
		return rangeEndKey
	}
	return regionEndKey
}

// RPCClient sends kv RPC calls to the mock cluster in-process. It
// implements the tikvrpc.Client interface.
type RPCClient struct {
	Cluster   *Cluster
	MvccStore *MvccStore
}

// NewRPCClient creates an RPCClient.
func NewRPCClient(cluster *Cluster, mvccStore *MvccStore) *RPCClient {
	return &RPCClient{
		Cluster:   cluster,
		MvccStore: mvccStore,
	}
}

// SendRequest sends a request to the mock cluster.
func (c *RPCClient) SendRequest(ctx context.Context, addr string, req *tikvrpc.Request, timeout time.Duration) (*tikvrpc.Response, error) {
	select {
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	default:
	}

	handler := &rpcHandler{
		cluster:   c.Cluster,
		mvccStore: c.MvccStore,
	}
	regionErr := handler.checkRequestContext(&req.Context)

	resp := &tikvrpc.Response{}
	switch req.Type {
	case tikvrpc.CmdGet:
		if regionErr != nil {
			resp.Resp = &kvrpcpb.GetResponse{RegionError: regionErr}
			return resp, nil
		}
		resp.Resp = handler.handleKvGet(req.Get())
	case tikvrpc.CmdScan:
		if regionErr != nil {
			resp.Resp = &kvrpcpb.ScanResponse{RegionError: regionErr}
			return resp, nil
		}
		resp.Resp = handler.handleKvScan(req.Scan())
	case tikvrpc.CmdPrewrite:
		if regionErr != nil {
			resp.Resp = &kvrpcpb.PrewriteResponse{RegionError: regionErr}
			return resp, nil
		}
		resp.Resp = handler.handleKvPrewrite(req.Prewrite())
	case tikvrpc.CmdPessimisticLock:
		if regionErr != nil {
			resp.Resp = &kvrpcpb.PessimisticLockResponse{RegionError: regionErr}
			return resp, nil
		}
		resp.Resp = handler.handleKvPessimisticLock(req.PessimisticLock())
	case tikvrpc.CmdPessimisticRollback:
		if regionErr != nil {
			resp.Resp = &kvrpcpb.PessimisticRollbackResponse{RegionError: regionErr}
			return resp, nil
		}
		resp.Resp = handler.handleKvPessimisticRollback(req.PessimisticRollback())
	case tikvrpc.CmdCommit:
		if regionErr != nil {
			resp.Resp = &kvrpcpb.CommitResponse{RegionError: regionErr}
			return resp, nil
		}
		resp.Resp = handler.handleKvCommit(req.Commit())
	case tikvrpc.CmdCleanup:
		if regionErr != nil {
			resp.Resp = &kvrpcpb.CleanupResponse{RegionError: regionErr}
			return resp, nil
		}
		resp.Resp = handler.handleKvCleanup(req.Cleanup())
	case tikvrpc.CmdBatchRollback:
		if regionErr != nil {
			resp.Resp = &kvrpcpb.BatchRollbackResponse{RegionError: regionErr}
			return resp, nil
		}
		resp.Resp = handler.handleKvBatchRollback(req.BatchRollback())
	case tikvrpc.CmdScanLock:
		if regionErr != nil {
			resp.Resp = &kvrpcpb.ScanLockResponse{RegionError: regionErr}
			return resp, nil
		}
		resp.Resp = handler.handleKvScanLock(req.ScanLock())
	case tikvrpc.CmdResolveLock:
		if regionErr != nil {
			resp.Resp = &kvrpcpb.ResolveLockResponse{RegionError: regionErr}
			return resp, nil
		}
		resp.Resp = handler.handleKvResolveLock(req.ResolveLock())
	case tikvrpc.CmdTxnHeartBeat:
		if regionErr != nil {
			resp.Resp = &kvrpcpb.TxnHeartBeatResponse{RegionError: regionErr}
			return resp, nil
		}
		resp.Resp = handler.handleTxnHeartBeat(req.TxnHeartBeat())
	case tikvrpc.CmdCheckTxnStatus:
		if regionErr != nil {
			resp.Resp = &kvrpcpb.CheckTxnStatusResponse{RegionError: regionErr}
			return resp, nil
		}
		resp.Resp = handler.handleKvCheckTxnStatus(req.CheckTxnStatus())
	case tikvrpc.CmdCheckSecondaryLocks:
		if regionErr != nil {
			resp.Resp = &kvrpcpb.CheckSecondaryLocksResponse{RegionError: regionErr}
			return resp, nil
		}
		resp.Resp = handler.handleKvCheckSecondaryLocks(req.CheckSecondaryLocks())
	default:
		return nil, errors.Errorf("unsupported this request type %v", req.Type)
	}
	return resp, nil
}

// Close closes the client. It is a no-op for the mock client.
func (c *RPCClient) Close() error {
	return nil
}
