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
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/tikv/txnkv/internal/logutil"
	"github.com/tikv/txnkv/internal/retry"
	"github.com/tikv/txnkv/metrics"
	"go.uber.org/zap"
)

// txnState is the lifecycle state of a transaction.
type txnState int32

const (
	// StateActive accepts reads and buffered writes.
	StateActive txnState = iota
	// StateCommitting is set while the two-phase commit is in flight.
	StateCommitting
	// StateCommitted is terminal; the commit point was reached.
	StateCommitted
	// StateRolledBack is terminal; the transaction was rolled back.
	StateRolledBack
	// StateFailed is terminal; the commit failed before the commit point.
	StateFailed
)

func (s txnState) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateCommitting:
		return "committing"
	case StateCommitted:
		return "committed"
	case StateRolledBack:
		return "rolledback"
	case StateFailed:
		return "failed"
	}
	return "unknown"
}

// HeartbeatOption controls the background TTL heartbeat of a
// transaction's primary lock.
type HeartbeatOption struct {
	d time.Duration
}

// NoHeartbeat disables the background heartbeat. The zero value of
// HeartbeatOption behaves the same way.
func NoHeartbeat() HeartbeatOption {
	return HeartbeatOption{}
}

// FixedTimeHeartbeat sends a heartbeat every d.
func FixedTimeHeartbeat(d time.Duration) HeartbeatOption {
	return HeartbeatOption{d: d}
}

func (h HeartbeatOption) interval() (time.Duration, bool) {
	if h.d <= 0 {
		return 0, false
	}
	return h.d, true
}

// CheckLevel controls what happens when a transaction is dropped
// without calling Commit or Rollback.
type CheckLevel int

const (
	// CheckLevelWarn logs a warning for a dropped active transaction.
	CheckLevelWarn CheckLevel = iota
	// CheckLevelNone drops active transactions silently.
	CheckLevelNone
	// CheckLevelError logs an error for a dropped active transaction.
	CheckLevelError
)

// TransactionOptions configures a transaction at Begin time.
type TransactionOptions struct {
	// Pessimistic transactions take locks at LockKeys time instead of
	// at prewrite.
	Pessimistic bool
	// TryAsyncCommit commits through the async commit protocol when the
	// transaction is small enough.
	TryAsyncCommit bool
	// TryOnePC commits single-region transactions in one round trip.
	TryOnePC bool
	// LockTTL overrides the size-derived lock TTL, in milliseconds.
	LockTTL uint64
	// Heartbeat keeps the primary lock alive while the transaction runs.
	Heartbeat HeartbeatOption
	// DropCheck controls the reaction to dropping an active transaction.
	DropCheck CheckLevel
}

// DefaultTransactionOptions returns an optimistic configuration with
// no heartbeat and no fast paths.
func DefaultTransactionOptions() TransactionOptions {
	return TransactionOptions{}
}

// KVTxn is a transaction on a KVStore.
type KVTxn struct {
	store       *KVStore
	us          *memBuffer
	startTS     uint64
	startTime   time.Time
	commitTS    uint64
	forUpdateTS uint64
	options     TransactionOptions
	committer   *twoPhaseCommitter
	state       int32
	mu          sync.Mutex
	lockedKeys  [][]byte
}

func newKVTxn(store *KVStore, startTS uint64, options TransactionOptions) *KVTxn {
	txn := &KVTxn{
		store:     store,
		us:        newMemBuffer(),
		startTS:   startTS,
		startTime: time.Now(),
		options:   options,
	}
	metrics.TxnCounter.WithLabelValues(metrics.LblGeneral).Inc()
	if options.DropCheck != CheckLevelNone {
		runtime.SetFinalizer(txn, dropCheck)
	}
	return txn
}

func dropCheck(txn *KVTxn) {
	if txnState(atomic.LoadInt32(&txn.state)) != StateActive {
		return
	}
	msg := "transaction dropped without commit or rollback"
	if txn.options.DropCheck == CheckLevelError {
		logutil.BgLogger().Error(msg, zap.Uint64("startTS", txn.startTS))
		return
	}
	logutil.BgLogger().Warn(msg, zap.Uint64("startTS", txn.startTS))
}

// StartTS returns the transaction's start timestamp.
func (txn *KVTxn) StartTS() uint64 {
	return txn.startTS
}

// CommitTS returns the commit timestamp. It is zero until the
// transaction has committed.
func (txn *KVTxn) CommitTS() uint64 {
	return txn.commitTS
}

// State returns the transaction's lifecycle state.
func (txn *KVTxn) State() txnState {
	return txnState(atomic.LoadInt32(&txn.state))
}

// Valid reports whether the transaction still accepts operations.
func (txn *KVTxn) Valid() bool {
	return txn.State() == StateActive
}

// Len returns the number of buffered mutations.
func (txn *KVTxn) Len() int {
	return txn.us.Len()
}

// Size returns the byte size of buffered mutations.
func (txn *KVTxn) Size() int {
	return txn.us.Size()
}

// Get returns the value of key, preferring the transaction's own
// buffered writes over the store snapshot at startTS.
func (txn *KVTxn) Get(ctx context.Context, key []byte) ([]byte, error) {
	if !txn.Valid() {
		return nil, errors.WithStack(ErrInvalidTxnState)
	}
	if val, ok := txn.us.Get(key); ok {
		return val, nil
	}
	return txn.store.GetSnapshot(txn.startTS).Get(ctx, key)
}

// Set buffers a put of value on key.
func (txn *KVTxn) Set(key, value []byte) error {
	if !txn.Valid() {
		return errors.WithStack(ErrInvalidTxnState)
	}
	txn.us.Set(key, value)
	return nil
}

// Delete buffers a delete of key.
func (txn *KVTxn) Delete(key []byte) error {
	if !txn.Valid() {
		return errors.WithStack(ErrInvalidTxnState)
	}
	txn.us.Delete(key)
	return nil
}

// Insert buffers a put that fails at commit time if the key already
// exists.
func (txn *KVTxn) Insert(key, value []byte) error {
	if !txn.Valid() {
		return errors.WithStack(ErrInvalidTxnState)
	}
	txn.us.Insert(key, value)
	return nil
}

// LockKeys acquires pessimistic locks on the keys. The first locked key
// becomes the transaction's primary. Only valid for transactions begun
// with Pessimistic set.
func (txn *KVTxn) LockKeys(ctx context.Context, keys ...[]byte) error {
	if !txn.Valid() {
		return errors.WithStack(ErrInvalidTxnState)
	}
	if !txn.options.Pessimistic {
		return errors.New("LockKeys requires a pessimistic transaction")
	}
	if len(keys) == 0 {
		return nil
	}
	txn.mu.Lock()
	defer txn.mu.Unlock()

	bo := retry.NewBackoffer(ctx, retry.PessimisticBackoff)
	forUpdateTS, err := txn.store.getTimestampWithRetry(bo)
	if err != nil {
		return errors.WithStack(err)
	}
	txn.forUpdateTS = forUpdateTS

	if txn.committer == nil {
		txn.committer, err = newTwoPhaseCommitter(txn)
		if err != nil {
			return errors.WithStack(err)
		}
		txn.committer.primaryKey = keys[0]
		txn.committer.isPessimistic = true
		txn.committer.lockTTL = ManagedLockTTL
	}
	txn.committer.forUpdateTS = forUpdateTS

	muts := NewPlainMutations(len(keys))
	for _, k := range keys {
		muts.Push(kvrpcpb.Op_PessimisticLock, k, nil)
	}
	err = txn.committer.pessimisticLockMutations(bo, &muts)
	if err != nil {
		return errors.WithStack(err)
	}
	txn.lockedKeys = append(txn.lockedKeys, keys...)

	// Pessimistic locks can outlive their TTL while the transaction is
	// doing reads, so keep them alive from the first LockKeys on.
	if interval, ok := txn.options.Heartbeat.interval(); ok {
		txn.committer.ttlManager.run(txn.committer, interval)
	}
	return nil
}

// Commit runs the two-phase commit protocol over the buffered
// mutations.
func (txn *KVTxn) Commit(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&txn.state, int32(StateActive), int32(StateCommitting)) {
		return errors.WithStack(ErrInvalidTxnState)
	}

	var err error
	committer := txn.committer
	if committer == nil {
		committer, err = newTwoPhaseCommitter(txn)
		if err != nil {
			atomic.StoreInt32(&txn.state, int32(StateFailed))
			return errors.WithStack(err)
		}
		txn.committer = committer
	}
	defer committer.ttlManager.close()

	if err = committer.initKeysAndMutations(); err != nil {
		atomic.StoreInt32(&txn.state, int32(StateFailed))
		return errors.WithStack(err)
	}
	if committer.mutations.Len() == 0 {
		atomic.StoreInt32(&txn.state, int32(StateCommitted))
		return nil
	}

	err = committer.execute(ctx)
	if err != nil {
		atomic.StoreInt32(&txn.state, int32(StateFailed))
		return errors.WithStack(err)
	}
	atomic.StoreInt32(&txn.state, int32(StateCommitted))
	txn.commitTS = committer.commitTS
	return nil
}

// Rollback discards the buffered mutations and releases any
// pessimistic locks.
func (txn *KVTxn) Rollback() error {
	if !atomic.CompareAndSwapInt32(&txn.state, int32(StateActive), int32(StateRolledBack)) {
		return errors.WithStack(ErrInvalidTxnState)
	}
	if txn.committer != nil {
		txn.committer.ttlManager.close()
		if len(txn.lockedKeys) > 0 {
			muts := NewPlainMutations(len(txn.lockedKeys))
			for _, k := range txn.lockedKeys {
				muts.Push(kvrpcpb.Op_PessimisticLock, k, nil)
			}
			bo := retry.NewBackoffer(context.Background(), retry.CleanupMaxBackoff)
			err := txn.committer.pessimisticRollbackMutations(bo, &muts)
			if err != nil {
				logutil.BgLogger().Warn("rollback pessimistic locks failed",
					zap.Error(err),
					zap.Uint64("startTS", txn.startTS))
			}
		}
	}
	metrics.TxnCounter.WithLabelValues(metrics.LblRollback).Inc()
	return nil
}
