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

// Package mocktikv implements an in-memory transactional key-value
// store speaking the kvproto command surface, backed by a mock cluster
// view. It keeps whole transactions in one process so client behavior
// around locks, TTLs and region changes can be tested hermetically.
package mocktikv

import (
	"bytes"
	"math"
	"sort"
	"sync"

	"github.com/google/btree"
	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/tikv/txnkv/oracle"
)

const btreeDegree = 32

type mvccValueType int

const (
	typePut mvccValueType = iota
	typeDelete
	typeRollback
	typeLock
)

type mvccValue struct {
	valueType mvccValueType
	startTS   uint64
	commitTS  uint64
	value     []byte
}

type mvccLock struct {
	startTS        uint64
	primary        []byte
	value          []byte
	op             kvrpcpb.Op
	ttl            uint64
	forUpdateTS    uint64
	minCommitTS    uint64
	useAsyncCommit bool
	secondaries    [][]byte
}

func (l *mvccLock) dumpLockInfo(key []byte) *kvrpcpb.LockInfo {
	return &kvrpcpb.LockInfo{
		Key:             key,
		PrimaryLock:     l.primary,
		LockVersion:     l.startTS,
		LockForUpdateTs: l.forUpdateTS,
		LockTtl:         l.ttl,
		LockType:        l.op,
		UseAsyncCommit:  l.useAsyncCommit,
		MinCommitTs:     l.minCommitTS,
		Secondaries:     l.secondaries,
	}
}

func (l *mvccLock) lockErr(key []byte) error {
	return &ErrLocked{
		Key:            key,
		Primary:        l.primary,
		StartTS:        l.startTS,
		ForUpdateTS:    l.forUpdateTS,
		TTL:            l.ttl,
		LockType:       l.op,
		UseAsyncCommit: l.useAsyncCommit,
		MinCommitTS:    l.minCommitTS,
		Secondaries:    l.secondaries,
	}
}

type mvccEntry struct {
	key    []byte
	values []mvccValue
	lock   *mvccLock
}

func newEntry(key []byte) *mvccEntry {
	return &mvccEntry{key: key}
}

func (e *mvccEntry) Less(than btree.Item) bool {
	return bytes.Compare(e.key, than.(*mvccEntry).key) < 0
}

func (e *mvccEntry) Get(ts uint64, isoLevel kvrpcpb.IsolationLevel) ([]byte, error) {
	if isoLevel == kvrpcpb.IsolationLevel_SI {
		if e.lock != nil && e.lock.startTS <= ts && e.lock.op != kvrpcpb.Op_PessimisticLock {
			return nil, e.lock.lockErr(e.key)
		}
	}
	for _, v := range e.values {
		if v.commitTS <= ts && v.valueType != typeRollback && v.valueType != typeLock {
			return v.value, nil
		}
	}
	return nil, nil
}

func (e *mvccEntry) getTxnCommitInfo(startTS uint64) *mvccValue {
	for i := range e.values {
		if e.values[i].startTS == startTS {
			return &e.values[i]
		}
	}
	return nil
}

// addValue keeps e.values sorted descending by commitTS.
func (e *mvccEntry) addValue(v mvccValue) {
	i := sort.Search(len(e.values), func(i int) bool { return e.values[i].commitTS <= v.commitTS })
	if i >= len(e.values) {
		e.values = append(e.values, v)
	} else {
		e.values = append(e.values[:i+1], e.values[i:]...)
		e.values[i] = v
	}
}

func (e *mvccEntry) prewrite(m *kvrpcpb.Mutation, req *kvrpcpb.PrewriteRequest) error {
	startTS := req.StartVersion
	if len(e.values) > 0 && e.values[0].commitTS >= startTS {
		return &ErrConflict{
			StartTS:          startTS,
			ConflictTS:       e.values[0].startTS,
			ConflictCommitTS: e.values[0].commitTS,
			Key:              m.Key,
		}
	}
	if e.lock != nil {
		if e.lock.startTS != startTS {
			return e.lock.lockErr(e.key)
		}
		// Rewriting the same key in the same txn overwrites the
		// pending value. A pessimistic lock is upgraded in place.
		e.lock.op = m.GetOp()
		e.lock.value = m.Value
		return nil
	}
	if c := e.getTxnCommitInfo(startTS); c != nil && c.valueType == typeRollback {
		return &ErrAlreadyRollbacked{startTS: startTS, key: m.Key}
	}
	if m.GetOp() == kvrpcpb.Op_Insert {
		if v, err := e.Get(startTS, kvrpcpb.IsolationLevel_RC); err == nil && v != nil {
			return &ErrKeyAlreadyExist{Key: m.Key}
		}
	}
	op := m.GetOp()
	if op == kvrpcpb.Op_Insert {
		op = kvrpcpb.Op_Put
	}
	e.lock = &mvccLock{
		startTS:     startTS,
		primary:     req.PrimaryLock,
		value:       m.Value,
		op:          op,
		ttl:         req.LockTtl,
		forUpdateTS: req.ForUpdateTs,
	}
	return nil
}

func (e *mvccEntry) commit(startTS, commitTS uint64) error {
	if e.lock == nil || e.lock.startTS != startTS {
		if c := e.getTxnCommitInfo(startTS); c != nil && c.valueType != typeRollback {
			return nil
		}
		return ErrRetryable("txn not found")
	}
	if e.lock.minCommitTS > commitTS {
		return &ErrCommitTSExpired{
			kvrpcpb.CommitTsExpired{
				StartTs:           startTS,
				AttemptedCommitTs: commitTS,
				Key:               e.key,
				MinCommitTs:       e.lock.minCommitTS,
			},
		}
	}
	switch e.lock.op {
	case kvrpcpb.Op_Put:
		e.addValue(mvccValue{
			valueType: typePut,
			startTS:   startTS,
			commitTS:  commitTS,
			value:     e.lock.value,
		})
	case kvrpcpb.Op_Del:
		e.addValue(mvccValue{
			valueType: typeDelete,
			startTS:   startTS,
			commitTS:  commitTS,
		})
	case kvrpcpb.Op_Lock:
		e.addValue(mvccValue{
			valueType: typeLock,
			startTS:   startTS,
			commitTS:  commitTS,
		})
	}
	e.lock = nil
	return nil
}

func (e *mvccEntry) rollback(startTS uint64) error {
	if e.lock != nil && e.lock.startTS == startTS {
		e.lock = nil
		e.addValue(mvccValue{
			valueType: typeRollback,
			startTS:   startTS,
			commitTS:  startTS,
		})
		return nil
	}
	if c := e.getTxnCommitInfo(startTS); c != nil {
		if c.valueType != typeRollback {
			return ErrAlreadyCommitted(c.commitTS)
		}
		return nil
	}
	// Leave a rollback record so a late prewrite of this txn fails.
	e.addValue(mvccValue{
		valueType: typeRollback,
		startTS:   startTS,
		commitTS:  startTS,
	})
	return nil
}

// Pair is a KV pair read from MvccStore or an error if any occurs.
type Pair struct {
	Key   []byte
	Value []byte
	Err   error
}

// PrewriteResult carries the outcome of a Prewrite call.
type PrewriteResult struct {
	Errs []error
	// MinCommitTS is non-zero when the async commit fast path was
	// accepted; it folds this node's max observed ts.
	MinCommitTS uint64
	// OnePCCommitTS is non-zero when the txn was committed in one phase.
	OnePCCommitTS uint64
}

// MvccStore is an in-memory, multi-versioned, transaction-supported kv storage.
type MvccStore struct {
	sync.RWMutex
	tree *btree.BTree
	// maxTS tracks the max start/commit ts this node has observed.
	// Async commit folds it into the negotiated min commit ts.
	maxTS uint64
}

// NewMvccStore creates a MvccStore.
func NewMvccStore() *MvccStore {
	return &MvccStore{
		tree: btree.New(btreeDegree),
	}
}

func (s *MvccStore) updateMaxTS(ts uint64) {
	if ts != math.MaxUint64 && ts > s.maxTS {
		s.maxTS = ts
	}
}

func (s *MvccStore) getEntry(key []byte) *mvccEntry {
	if item := s.tree.Get(newEntry(key)); item != nil {
		return item.(*mvccEntry)
	}
	return nil
}

func (s *MvccStore) getOrNewEntry(key []byte) *mvccEntry {
	if e := s.getEntry(key); e != nil {
		return e
	}
	e := newEntry(append([]byte(nil), key...))
	s.tree.ReplaceOrInsert(e)
	return e
}

// Get reads a key by ts.
func (s *MvccStore) Get(key []byte, startTS uint64, isoLevel kvrpcpb.IsolationLevel) ([]byte, error) {
	s.RLock()
	defer s.RUnlock()

	entry := s.getEntry(key)
	if entry == nil {
		return nil, nil
	}
	return entry.Get(startTS, isoLevel)
}

// BatchGet gets values with keys and ts.
func (s *MvccStore) BatchGet(ks [][]byte, startTS uint64, isoLevel kvrpcpb.IsolationLevel) []Pair {
	s.RLock()
	defer s.RUnlock()

	var pairs []Pair
	for _, k := range ks {
		entry := s.getEntry(k)
		if entry == nil {
			continue
		}
		val, err := entry.Get(startTS, isoLevel)
		if val == nil && err == nil {
			continue
		}
		pairs = append(pairs, Pair{Key: k, Value: val, Err: err})
	}
	return pairs
}

func regionContains(startKey []byte, endKey []byte, key []byte) bool {
	return bytes.Compare(startKey, key) <= 0 &&
		(bytes.Compare(key, endKey) < 0 || len(endKey) == 0)
}

// Scan reads up to a limited number of Pairs that greater than or equal to startKey and less than endKey.
func (s *MvccStore) Scan(startKey, endKey []byte, limit int, startTS uint64, isoLevel kvrpcpb.IsolationLevel) []Pair {
	s.RLock()
	defer s.RUnlock()

	var pairs []Pair
	iterator := func(item btree.Item) bool {
		if len(pairs) >= limit {
			return false
		}
		ent := item.(*mvccEntry)
		if !regionContains(startKey, endKey, ent.key) {
			return false
		}
		val, err := ent.Get(startTS, isoLevel)
		if val != nil || err != nil {
			pairs = append(pairs, Pair{Key: ent.key, Value: val, Err: err})
		}
		return true
	}
	s.tree.AscendGreaterOrEqual(newEntry(startKey), iterator)
	return pairs
}

// Prewrite acquires locks for the mutations. (1st phase of 2PC).
func (s *MvccStore) Prewrite(req *kvrpcpb.PrewriteRequest) *PrewriteResult {
	s.Lock()
	defer s.Unlock()

	startTS := req.StartVersion
	s.updateMaxTS(startTS)

	res := &PrewriteResult{Errs: make([]error, 0, len(req.Mutations))}
	anyError := false
	for _, m := range req.Mutations {
		entry := s.getOrNewEntry(m.Key)
		err := entry.prewrite(m, req)
		if err != nil {
			anyError = true
		}
		res.Errs = append(res.Errs, err)
	}
	if anyError {
		return res
	}

	isPrimary := false
	for _, m := range req.Mutations {
		if bytes.Equal(m.Key, req.PrimaryLock) {
			isPrimary = true
			break
		}
	}
	if req.UseAsyncCommit {
		minCommitTS := s.maxTS + 1
		if startTS+1 > minCommitTS {
			minCommitTS = startTS + 1
		}
		if req.MinCommitTs > minCommitTS {
			minCommitTS = req.MinCommitTs
		}
		for _, m := range req.Mutations {
			lock := s.getEntry(m.Key).lock
			lock.useAsyncCommit = true
			lock.minCommitTS = minCommitTS
		}
		if isPrimary {
			s.getEntry(req.PrimaryLock).lock.secondaries = req.Secondaries
		}
		res.MinCommitTS = minCommitTS
	}
	if req.TryOnePc {
		commitTS := s.maxTS + 1
		for _, m := range req.Mutations {
			if err := s.getEntry(m.Key).commit(startTS, commitTS); err != nil {
				res.Errs = []error{errors.WithStack(err)}
				return res
			}
		}
		s.updateMaxTS(commitTS)
		res.OnePCCommitTS = commitTS
		res.MinCommitTS = 0
	}
	return res
}

// PessimisticLock writes the pessimistic lock.
func (s *MvccStore) PessimisticLock(req *kvrpcpb.PessimisticLockRequest) []error {
	s.Lock()
	defer s.Unlock()

	startTS := req.StartVersion
	s.updateMaxTS(startTS)
	errs := make([]error, 0, len(req.Mutations))
	for _, m := range req.Mutations {
		entry := s.getOrNewEntry(m.Key)
		errs = append(errs, s.pessimisticLockMutation(entry, m, startTS, req.ForUpdateTs, req.PrimaryLock, req.LockTtl))
	}
	return errs
}

func (s *MvccStore) pessimisticLockMutation(entry *mvccEntry, m *kvrpcpb.Mutation, startTS, forUpdateTS uint64, primary []byte, ttl uint64) error {
	if entry.lock != nil {
		if entry.lock.startTS != startTS {
			return entry.lock.lockErr(entry.key)
		}
		return nil
	}
	if len(entry.values) > 0 && entry.values[0].commitTS > forUpdateTS {
		return &ErrConflict{
			StartTS:          startTS,
			ConflictTS:       entry.values[0].startTS,
			ConflictCommitTS: entry.values[0].commitTS,
			Key:              m.Key,
		}
	}
	entry.lock = &mvccLock{
		startTS:     startTS,
		primary:     primary,
		op:          kvrpcpb.Op_PessimisticLock,
		ttl:         ttl,
		forUpdateTS: forUpdateTS,
	}
	return nil
}

// PessimisticRollback undoes pessimistic locks that were never written.
func (s *MvccStore) PessimisticRollback(keys [][]byte, startTS, forUpdateTS uint64) []error {
	s.Lock()
	defer s.Unlock()

	errs := make([]error, 0, len(keys))
	for _, k := range keys {
		entry := s.getEntry(k)
		if entry != nil && entry.lock != nil {
			lock := entry.lock
			if lock.op != kvrpcpb.Op_PessimisticLock {
				errs = append(errs, ErrAbort("pessimistic rollback on a prewritten lock"))
				continue
			}
			if lock.startTS == startTS && lock.forUpdateTS <= forUpdateTS {
				entry.lock = nil
			}
		}
		errs = append(errs, nil)
	}
	return errs
}

// Commit commits the lock on the keys. (2nd phase of 2PC).
func (s *MvccStore) Commit(keys [][]byte, startTS, commitTS uint64) error {
	s.Lock()
	defer s.Unlock()

	s.updateMaxTS(commitTS)
	for _, k := range keys {
		entry := s.getOrNewEntry(k)
		if err := entry.commit(startTS, commitTS); err != nil {
			return err
		}
	}
	return nil
}

// Rollback rolls back the locks of a transaction on the keys, leaving
// rollback records so the prewrite cannot reappear.
func (s *MvccStore) Rollback(keys [][]byte, startTS uint64) error {
	s.Lock()
	defer s.Unlock()

	for _, k := range keys {
		entry := s.getOrNewEntry(k)
		if err := entry.rollback(startTS); err != nil {
			return err
		}
	}
	return nil
}

// Cleanup rolls back the lock on key if it is expired by currentTS.
// currentTS == 0 means unconditional rollback.
func (s *MvccStore) Cleanup(key []byte, startTS, currentTS uint64) error {
	s.Lock()
	defer s.Unlock()

	entry := s.getOrNewEntry(key)
	if entry.lock != nil && entry.lock.startTS == startTS && currentTS > 0 && currentTS != math.MaxUint64 {
		if !isLockExpired(startTS, entry.lock.ttl, currentTS) {
			return entry.lock.lockErr(key)
		}
	}
	return entry.rollback(startTS)
}

func isLockExpired(lockTS, ttl, currentTS uint64) bool {
	if currentTS == math.MaxUint64 {
		return true
	}
	return oracle.ExtractPhysical(lockTS)+int64(ttl) <= oracle.ExtractPhysical(currentTS)
}

// TxnHeartBeat advances the TTL of the primary lock.
func (s *MvccStore) TxnHeartBeat(key []byte, startTS, adviseTTL uint64) (uint64, error) {
	s.Lock()
	defer s.Unlock()

	entry := s.getEntry(key)
	if entry == nil || entry.lock == nil || entry.lock.startTS != startTS {
		return 0, &ErrTxnNotFound{StartTS: startTS, PrimaryKey: key}
	}
	if entry.lock.ttl < adviseTTL {
		entry.lock.ttl = adviseTTL
	}
	return entry.lock.ttl, nil
}

// TxnStatus is the result of CheckTxnStatus.
type TxnStatus struct {
	TTL      uint64
	CommitTS uint64
	Action   kvrpcpb.Action
	LockInfo *kvrpcpb.LockInfo
}

// CheckTxnStatus checks the primary lock of a transaction and decides
// what the caller may do with it. currentTS == MaxUint64 forces expiry.
func (s *MvccStore) CheckTxnStatus(primaryKey []byte, lockTS, callerStartTS, currentTS uint64, rollbackIfNotExist, forceSyncCommit bool) (TxnStatus, error) {
	s.Lock()
	defer s.Unlock()

	s.updateMaxTS(callerStartTS)
	s.updateMaxTS(currentTS)

	var status TxnStatus
	entry := s.getEntry(primaryKey)
	if entry != nil && entry.lock != nil && entry.lock.startTS == lockTS {
		lock := entry.lock
		if lock.useAsyncCommit && !forceSyncCommit {
			// The outcome is decided by the secondaries, not by TTL.
			status.TTL = lock.ttl
			status.LockInfo = lock.dumpLockInfo(primaryKey)
			return status, nil
		}
		if isLockExpired(lock.startTS, lock.ttl, currentTS) {
			if err := entry.rollback(lockTS); err != nil {
				return status, err
			}
			status.Action = kvrpcpb.Action_TTLExpireRollback
			return status, nil
		}
		if callerStartTS != math.MaxUint64 && callerStartTS+1 > lock.minCommitTS {
			lock.minCommitTS = callerStartTS + 1
			status.Action = kvrpcpb.Action_MinCommitTSPushed
		}
		status.TTL = lock.ttl
		return status, nil
	}

	if entry != nil {
		if c := entry.getTxnCommitInfo(lockTS); c != nil {
			if c.valueType != typeRollback {
				status.CommitTS = c.commitTS
			}
			return status, nil
		}
	}
	if !rollbackIfNotExist {
		return status, &ErrTxnNotFound{StartTS: lockTS, PrimaryKey: primaryKey}
	}
	entry = s.getOrNewEntry(primaryKey)
	if err := entry.rollback(lockTS); err != nil {
		return status, err
	}
	status.Action = kvrpcpb.Action_LockNotExistRollback
	return status, nil
}

// CheckSecondaryLocks reports the state of the secondary keys of an
// async commit transaction. A missing lock with no commit record is
// converted into a rollback record to fence the prewrite out.
func (s *MvccStore) CheckSecondaryLocks(keys [][]byte, startTS uint64) ([]*kvrpcpb.LockInfo, uint64, error) {
	s.Lock()
	defer s.Unlock()

	locks := make([]*kvrpcpb.LockInfo, 0, len(keys))
	var commitTS uint64
	for _, k := range keys {
		entry := s.getOrNewEntry(k)
		if entry.lock != nil && entry.lock.startTS == startTS {
			if entry.lock.op == kvrpcpb.Op_PessimisticLock {
				// A leftover pessimistic lock cannot have been part of
				// a successful prewrite round.
				entry.lock = nil
				if err := entry.rollback(startTS); err != nil {
					return nil, 0, err
				}
				continue
			}
			locks = append(locks, entry.lock.dumpLockInfo(k))
			continue
		}
		if c := entry.getTxnCommitInfo(startTS); c != nil {
			if c.valueType != typeRollback && c.commitTS > commitTS {
				commitTS = c.commitTS
			}
			continue
		}
		if err := entry.rollback(startTS); err != nil {
			return nil, 0, err
		}
	}
	return locks, commitTS, nil
}

// ScanLock scans locks with startTS <= maxTS in [startKey, endKey).
// The version bound is inclusive, as in TiKV's ScanLock.
// limit == 0 means no limit.
func (s *MvccStore) ScanLock(startKey, endKey []byte, maxTS uint64, limit uint32) ([]*kvrpcpb.LockInfo, error) {
	s.RLock()
	defer s.RUnlock()

	var locks []*kvrpcpb.LockInfo
	iterator := func(item btree.Item) bool {
		if limit > 0 && uint32(len(locks)) >= limit {
			return false
		}
		ent := item.(*mvccEntry)
		if !regionContains(startKey, endKey, ent.key) {
			return false
		}
		if ent.lock != nil && ent.lock.startTS <= maxTS {
			locks = append(locks, ent.lock.dumpLockInfo(ent.key))
		}
		return true
	}
	s.tree.AscendGreaterOrEqual(newEntry(startKey), iterator)
	return locks, nil
}

// ResolveLock commits or rolls back all locks of a transaction in
// [startKey, endKey). When keys is non-empty only those keys are touched.
func (s *MvccStore) ResolveLock(startKey, endKey []byte, startTS, commitTS uint64, keys [][]byte) error {
	s.Lock()
	defer s.Unlock()

	resolve := func(ent *mvccEntry) error {
		if ent.lock == nil || ent.lock.startTS != startTS {
			return nil
		}
		if commitTS > 0 {
			return ent.commit(startTS, commitTS)
		}
		return ent.rollback(startTS)
	}

	if len(keys) > 0 {
		for _, k := range keys {
			ent := s.getEntry(k)
			if ent == nil {
				continue
			}
			if err := resolve(ent); err != nil {
				return errors.WithStack(err)
			}
		}
		return nil
	}

	var ents []*mvccEntry
	iterator := func(item btree.Item) bool {
		ent := item.(*mvccEntry)
		if !regionContains(startKey, endKey, ent.key) {
			return false
		}
		if ent.lock != nil && ent.lock.startTS == startTS {
			ents = append(ents, ent)
		}
		return true
	}
	s.tree.AscendGreaterOrEqual(newEntry(startKey), iterator)
	for _, ent := range ents {
		if err := resolve(ent); err != nil {
			return errors.WithStack(err)
		}
	}
	if commitTS > 0 {
		s.updateMaxTS(commitTS)
	}
	return nil
}
