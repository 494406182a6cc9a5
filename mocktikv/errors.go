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
	"encoding/hex"
	"fmt"

	"github.com/pingcap/kvproto/pkg/kvrpcpb"
)

// ErrLocked is returned when trying to Read/Write on a locked key. Client should
// backoff or cleanup the lock then retry.
type ErrLocked struct {
	Key            []byte
	Primary        []byte
	StartTS        uint64
	ForUpdateTS    uint64
	TTL            uint64
	TxnSize        uint64
	LockType       kvrpcpb.Op
	UseAsyncCommit bool
	MinCommitTS    uint64
	Secondaries    [][]byte
}

// Error formats the lock to a string.
func (e *ErrLocked) Error() string {
	return fmt.Sprintf("key is locked, key: %q, primary: %q, txnStartTS: %v, forUpdateTs: %v, LockType: %v",
		e.Key, e.Primary, e.StartTS, e.ForUpdateTS, e.LockType)
}

// LockInfo dumps the lock into its protobuf form.
func (e *ErrLocked) LockInfo() *kvrpcpb.LockInfo {
	return &kvrpcpb.LockInfo{
		Key:             e.Key,
		PrimaryLock:     e.Primary,
		LockVersion:     e.StartTS,
		LockForUpdateTs: e.ForUpdateTS,
		LockTtl:         e.TTL,
		TxnSize:         e.TxnSize,
		LockType:        e.LockType,
		UseAsyncCommit:  e.UseAsyncCommit,
		MinCommitTs:     e.MinCommitTS,
		Secondaries:     e.Secondaries,
	}
}

// ErrKeyAlreadyExist is returned when a unique key constraint is violated.
type ErrKeyAlreadyExist struct {
	Key []byte
}

func (e *ErrKeyAlreadyExist) Error() string {
	return fmt.Sprintf("key already exist, key: %q", e.Key)
}

// ErrRetryable suggests that client may restart the txn.
type ErrRetryable string

func (e ErrRetryable) Error() string {
	return fmt.Sprintf("retryable: %s", string(e))
}

// ErrAbort means something is wrong and client should abort the txn.
type ErrAbort string

func (e ErrAbort) Error() string {
	return fmt.Sprintf("abort: %s", string(e))
}

// ErrAlreadyCommitted is returned specially when client tries to rollback a
// committed lock.
type ErrAlreadyCommitted uint64

func (e ErrAlreadyCommitted) Error() string {
	return "txn already committed"
}

// ErrAlreadyRollbacked is returned when lock operation meets rollback write record.
type ErrAlreadyRollbacked struct {
	startTS uint64
	key     []byte
}

func (e *ErrAlreadyRollbacked) Error() string {
	return fmt.Sprintf("txn=%v on key=%s is already rolled back", e.startTS, hex.EncodeToString(e.key))
}

// ErrConflict is returned when the commitTS of key in the DB is greater than startTS.
type ErrConflict struct {
	StartTS          uint64
	ConflictTS       uint64
	ConflictCommitTS uint64
	Key              []byte
}

func (e *ErrConflict) Error() string {
	return "write conflict"
}

// ErrTxnNotFound is returned when the primary lock of the txn is not found.
type ErrTxnNotFound struct {
	StartTS    uint64
	PrimaryKey []byte
}

func (e *ErrTxnNotFound) Error() string {
	return "txn not found"
}

// ErrCommitTSExpired is returned when commit.CommitTs < lock.MinCommitTs.
type ErrCommitTSExpired struct {
	kvrpcpb.CommitTsExpired
}

func (e *ErrCommitTSExpired) Error() string {
	return "commit ts expired"
}
