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
	"fmt"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
)

var (
	// ErrBodyMissing response body is missing error.
	ErrBodyMissing = errors.New("response body is missing")
	// ErrInvalidTxnState is returned when a transaction operation is
	// called in a state that does not allow it.
	ErrInvalidTxnState = errors.New("invalid transaction state")
	// ErrUndetermined means the commit RPC on the primary failed in a way
	// that leaves the transaction outcome unknown.
	ErrUndetermined = errors.New("execution result undetermined")
)

// ErrKeyExist wraps *kvrpcpb.AlreadyExist to implement the error interface.
type ErrKeyExist struct {
	*kvrpcpb.AlreadyExist
}

func (k *ErrKeyExist) Error() string {
	return fmt.Sprintf("key already exist, key: %q", k.GetKey())
}

// ErrWriteConflict wraps *kvrpcpb.WriteConflict to implement the error interface.
type ErrWriteConflict struct {
	*kvrpcpb.WriteConflict
}

func (k *ErrWriteConflict) Error() string {
	return fmt.Sprintf("write conflict { %s }", k.WriteConflict.String())
}

// newWriteConflictError generates an ErrWriteConflict with the protobuf message.
func newWriteConflictError(conflict *kvrpcpb.WriteConflict) error {
	return errors.WithStack(&ErrWriteConflict{WriteConflict: conflict})
}

// ErrRetryable wraps *kvrpcpb.Retryable to implement the error interface.
type ErrRetryable struct {
	Retryable string
}

func (k *ErrRetryable) Error() string {
	return k.Retryable
}

// extractKeyErr converts a kvproto KeyError into a typed error.
func extractKeyErr(keyErr *kvrpcpb.KeyError) error {
	if keyErr.Conflict != nil {
		return newWriteConflictError(keyErr.Conflict)
	}
	if keyErr.Retryable != "" {
		return errors.WithStack(&ErrRetryable{Retryable: "tikv restarts txn: " + keyErr.GetRetryable()})
	}
	if keyErr.AlreadyExist != nil {
		return errors.WithStack(&ErrKeyExist{AlreadyExist: keyErr.GetAlreadyExist()})
	}
	if keyErr.Abort != "" {
		err := errors.Errorf("tikv aborts txn: %s", keyErr.GetAbort())
		return errors.WithStack(err)
	}
	if keyErr.CommitTsTooLarge != nil {
		err := errors.Errorf("commit TS %v is too large", keyErr.CommitTsTooLarge.CommitTs)
		return errors.WithStack(err)
	}
	if keyErr.TxnNotFound != nil {
		err := errors.Errorf("txn %d not found on primary %q", keyErr.TxnNotFound.StartTs, keyErr.TxnNotFound.PrimaryKey)
		return errors.WithStack(err)
	}
	return errors.Errorf("unexpected KeyError: %s", keyErr.String())
}
