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

// Package tikvrpc wraps the kvproto transaction commands into a single
// typed envelope so one send path can serve every command.
package tikvrpc

import (
	"context"
	"fmt"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/errorpb"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
)

// CmdType represents the concrete request type.
type CmdType uint16

// CmdType values.
const (
	CmdGet CmdType = 1 + iota
	CmdScan
	CmdPrewrite
	CmdCommit
	CmdCleanup
	CmdBatchRollback
	CmdScanLock
	CmdResolveLock
	CmdTxnHeartBeat
	CmdCheckTxnStatus
	CmdCheckSecondaryLocks
	CmdPessimisticLock
	CmdPessimisticRollback
)

func (t CmdType) String() string {
	switch t {
	case CmdGet:
		return "Get"
	case CmdScan:
		return "Scan"
	case CmdPrewrite:
		return "Prewrite"
	case CmdCommit:
		return "Commit"
	case CmdCleanup:
		return "Cleanup"
	case CmdBatchRollback:
		return "BatchRollback"
	case CmdScanLock:
		return "ScanLock"
	case CmdResolveLock:
		return "ResolveLock"
	case CmdTxnHeartBeat:
		return "TxnHeartBeat"
	case CmdCheckTxnStatus:
		return "CheckTxnStatus"
	case CmdCheckSecondaryLocks:
		return "CheckSecondaryLocks"
	case CmdPessimisticLock:
		return "PessimisticLock"
	case CmdPessimisticRollback:
		return "PessimisticRollback"
	}
	return "Unknown"
}

// Request wraps all kv/coprocessor requests.
type Request struct {
	Type CmdType
	Req  interface{}
	kvrpcpb.Context
}

// NewRequest returns new kv rpc request.
func NewRequest(typ CmdType, pointer interface{}, ctxs ...kvrpcpb.Context) *Request {
	if len(ctxs) > 0 {
		return &Request{
			Type:    typ,
			Req:     pointer,
			Context: ctxs[0],
		}
	}
	return &Request{
		Type: typ,
		Req:  pointer,
	}
}

// Get returns GetRequest in request.
func (req *Request) Get() *kvrpcpb.GetRequest {
	return req.Req.(*kvrpcpb.GetRequest)
}

// Scan returns ScanRequest in request.
func (req *Request) Scan() *kvrpcpb.ScanRequest {
	return req.Req.(*kvrpcpb.ScanRequest)
}

// Prewrite returns PrewriteRequest in request.
func (req *Request) Prewrite() *kvrpcpb.PrewriteRequest {
	return req.Req.(*kvrpcpb.PrewriteRequest)
}

// Commit returns CommitRequest in request.
func (req *Request) Commit() *kvrpcpb.CommitRequest {
	return req.Req.(*kvrpcpb.CommitRequest)
}

// Cleanup returns CleanupRequest in request.
func (req *Request) Cleanup() *kvrpcpb.CleanupRequest {
	return req.Req.(*kvrpcpb.CleanupRequest)
}

// BatchRollback returns BatchRollbackRequest in request.
func (req *Request) BatchRollback() *kvrpcpb.BatchRollbackRequest {
	return req.Req.(*kvrpcpb.BatchRollbackRequest)
}

// ScanLock returns ScanLockRequest in request.
func (req *Request) ScanLock() *kvrpcpb.ScanLockRequest {
	return req.Req.(*kvrpcpb.ScanLockRequest)
}

// ResolveLock returns ResolveLockRequest in request.
func (req *Request) ResolveLock() *kvrpcpb.ResolveLockRequest {
	return req.Req.(*kvrpcpb.ResolveLockRequest)
}

// TxnHeartBeat returns TxnHeartBeatRequest in request.
func (req *Request) TxnHeartBeat() *kvrpcpb.TxnHeartBeatRequest {
	return req.Req.(*kvrpcpb.TxnHeartBeatRequest)
}

// CheckTxnStatus returns CheckTxnStatusRequest in request.
func (req *Request) CheckTxnStatus() *kvrpcpb.CheckTxnStatusRequest {
	return req.Req.(*kvrpcpb.CheckTxnStatusRequest)
}

// CheckSecondaryLocks returns CheckSecondaryLocksRequest in request.
func (req *Request) CheckSecondaryLocks() *kvrpcpb.CheckSecondaryLocksRequest {
	return req.Req.(*kvrpcpb.CheckSecondaryLocksRequest)
}

// PessimisticLock returns PessimisticLockRequest in request.
func (req *Request) PessimisticLock() *kvrpcpb.PessimisticLockRequest {
	return req.Req.(*kvrpcpb.PessimisticLockRequest)
}

// PessimisticRollback returns PessimisticRollbackRequest in request.
func (req *Request) PessimisticRollback() *kvrpcpb.PessimisticRollbackRequest {
	return req.Req.(*kvrpcpb.PessimisticRollbackRequest)
}

// Response wraps all kv/coprocessor responses.
type Response struct {
	Resp interface{}
}

// GetRegionError returns the RegionError of the underlying concrete response.
func (resp *Response) GetRegionError() (*errorpb.Error, error) {
	if resp.Resp == nil {
		return nil, nil
	}
	err, ok := resp.Resp.(interface {
		GetRegionError() *errorpb.Error
	})
	if !ok {
		return nil, fmt.Errorf("invalid response type %v", resp)
	}
	return err.GetRegionError(), nil
}

// SetContext sets the region routing fields on the request.
func SetContext(req *Request, region *kvrpcpb.Context) error {
	if region != nil {
		req.Context = *region
	}
	switch req.Type {
	case CmdGet:
		req.Get().Context = &req.Context
	case CmdScan:
		req.Scan().Context = &req.Context
	case CmdPrewrite:
		req.Prewrite().Context = &req.Context
	case CmdCommit:
		req.Commit().Context = &req.Context
	case CmdCleanup:
		req.Cleanup().Context = &req.Context
	case CmdBatchRollback:
		req.BatchRollback().Context = &req.Context
	case CmdScanLock:
		req.ScanLock().Context = &req.Context
	case CmdResolveLock:
		req.ResolveLock().Context = &req.Context
	case CmdTxnHeartBeat:
		req.TxnHeartBeat().Context = &req.Context
	case CmdCheckTxnStatus:
		req.CheckTxnStatus().Context = &req.Context
	case CmdCheckSecondaryLocks:
		req.CheckSecondaryLocks().Context = &req.Context
	case CmdPessimisticLock:
		req.PessimisticLock().Context = &req.Context
	case CmdPessimisticRollback:
		req.PessimisticRollback().Context = &req.Context
	default:
		return errors.Errorf("invalid request type %v", req.Type)
	}
	return nil
}

// GenRegionErrorResp returns a response with the given region error for
// the request type, used when the region is not found in the cache.
func GenRegionErrorResp(req *Request, e *errorpb.Error) (*Response, error) {
	var p interface{}
	switch req.Type {
	case CmdGet:
		p = &kvrpcpb.GetResponse{RegionError: e}
	case CmdScan:
		p = &kvrpcpb.ScanResponse{RegionError: e}
	case CmdPrewrite:
		p = &kvrpcpb.PrewriteResponse{RegionError: e}
	case CmdCommit:
		p = &kvrpcpb.CommitResponse{RegionError: e}
	case CmdCleanup:
		p = &kvrpcpb.CleanupResponse{RegionError: e}
	case CmdBatchRollback:
		p = &kvrpcpb.BatchRollbackResponse{RegionError: e}
	case CmdScanLock:
		p = &kvrpcpb.ScanLockResponse{RegionError: e}
	case CmdResolveLock:
		p = &kvrpcpb.ResolveLockResponse{RegionError: e}
	case CmdTxnHeartBeat:
		p = &kvrpcpb.TxnHeartBeatResponse{RegionError: e}
	case CmdCheckTxnStatus:
		p = &kvrpcpb.CheckTxnStatusResponse{RegionError: e}
	case CmdCheckSecondaryLocks:
		p = &kvrpcpb.CheckSecondaryLocksResponse{RegionError: e}
	case CmdPessimisticLock:
		p = &kvrpcpb.PessimisticLockResponse{RegionError: e}
	case CmdPessimisticRollback:
		p = &kvrpcpb.PessimisticRollbackResponse{RegionError: e}
	default:
		return nil, errors.Errorf("invalid request type %v", req.Type)
	}
	return &Response{Resp: p}, nil
}

// Client is the transport the store sends requests through. The
// production implementation speaks gRPC to storage nodes; tests use an
// in-process implementation.
type Client interface {
	SendRequest(ctx context.Context, addr string, req *Request, timeout time.Duration) (*Response, error)
	Close() error
}
