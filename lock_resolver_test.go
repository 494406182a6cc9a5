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
	"math"
	"time"

	. "github.com/pingcap/check"
	"github.com/tikv/txnkv/internal/retry"
)

type testLockResolverSuite struct {
	env *testEnv
}

var _ = Suite(&testLockResolverSuite{})

func (s *testLockResolverSuite) SetUpTest(c *C) {
	s.env = newTestEnv(c)
}

func (s *testLockResolverSuite) TearDownTest(c *C) {
	s.env.close(c)
}

func (s *testLockResolverSuite) prewriteOnly(c *C, kvs map[string]string) *twoPhaseCommitter {
	committer := newTestCommitter(c, s.env, kvs)
	bo := retry.NewBackoffer(context.Background(), retry.PrewriteMaxBackoff)
	c.Assert(committer.prewriteMutations(bo, committer.mutations), IsNil)
	return committer
}

func (s *testLockResolverSuite) scanAll(c *C) []*Lock {
	locks, err := s.env.store.ScanLocks(context.Background(), nil, nil, math.MaxUint64, 0)
	c.Assert(err, IsNil)
	return locks
}

func (s *testLockResolverSuite) TestGetTxnStatusCommitted(c *C) {
	txn := s.env.mustCommit(c, DefaultTransactionOptions(), map[string]string{"a": "va"})
	waitCommitted(txn)

	bo := retry.NewBackoffer(context.Background(), retry.GcResolveLockMaxBackoff)
	status, err := s.env.store.GetLockResolver().GetTxnStatus(bo, txn.StartTS(), []byte("a"))
	c.Assert(err, IsNil)
	c.Assert(status.IsCommitted(), IsTrue)
	c.Assert(status.CommitTS(), Equals, txn.CommitTS())
}

func (s *testLockResolverSuite) TestGetTxnStatusRolledBack(c *C) {
	committer := s.prewriteOnly(c, map[string]string{"a": "va"})
	bo := retry.NewBackoffer(context.Background(), retry.GcResolveLockMaxBackoff)
	c.Assert(committer.cleanupMutations(bo, committer.mutations), IsNil)

	status, err := s.env.store.GetLockResolver().GetTxnStatus(bo, committer.startTS, []byte("a"))
	c.Assert(err, IsNil)
	c.Assert(status.IsRolledBack(), IsTrue)
}

func (s *testLockResolverSuite) TestGetTxnStatusRollsBackMissingTxn(c *C) {
	bo := retry.NewBackoffer(context.Background(), retry.GcResolveLockMaxBackoff)
	startTS, err := s.env.store.CurrentTimestamp()
	c.Assert(err, IsNil)
	status, err := s.env.store.GetLockResolver().GetTxnStatus(bo, startTS, []byte("nothing"))
	c.Assert(err, IsNil)
	c.Assert(status.IsRolledBack(), IsTrue)

	// The fence keeps a late prewrite of that txn out.
	committer := newTestCommitter(c, s.env, map[string]string{"nothing": "v"})
	committer.startTS = startTS
	c.Assert(committer.prewriteMutations(bo, committer.mutations), NotNil)
}

func (s *testLockResolverSuite) TestResolveExpiredLockCommitted(c *C) {
	restore := shrinkLockTTL(1000)
	defer restore()

	// Prewrite and commit only the primary; the secondary lock stays.
	committer := s.prewriteOnly(c, map[string]string{"a": "va", "b": "vb"})
	commitTS, err := s.env.store.CurrentTimestamp()
	c.Assert(err, IsNil)
	committer.commitTS = commitTS
	bo := retry.NewBackoffer(context.Background(), retry.CommitMaxBackoff)
	primary := committer.mutations.Slice(0, 1)
	c.Assert(committer.commitMutations(bo, primary), IsNil)
	committer.cleanWg.Wait()

	locks := s.scanAll(c)
	c.Assert(locks, HasLen, 1)

	// The lock TTL lapses; a reader resolves it through the primary's
	// commit record.
	advanceOracle(s.env, 5*time.Second)
	msBeforeExpired, err := s.env.store.GetLockResolver().ResolveLocks(bo, 0, locks)
	c.Assert(err, IsNil)
	c.Assert(msBeforeExpired, Equals, int64(0))

	c.Assert(s.scanAll(c), HasLen, 0)
	s.env.mustGet(c, "a", "va")
	s.env.mustGet(c, "b", "vb")
}

func (s *testLockResolverSuite) TestResolveExpiredLockRollsBack(c *C) {
	restore := shrinkLockTTL(1000)
	defer restore()

	s.prewriteOnly(c, map[string]string{"a": "va", "b": "vb"})
	advanceOracle(s.env, 5*time.Second)

	bo := retry.NewBackoffer(context.Background(), retry.GcResolveLockMaxBackoff)
	locks := s.scanAll(c)
	c.Assert(locks, HasLen, 2)
	msBeforeExpired, err := s.env.store.GetLockResolver().ResolveLocks(bo, 0, locks)
	c.Assert(err, IsNil)
	c.Assert(msBeforeExpired, Equals, int64(0))

	c.Assert(s.scanAll(c), HasLen, 0)
	s.env.mustNotExist(c, "a")
	s.env.mustNotExist(c, "b")
}

func (s *testLockResolverSuite) TestResolveLiveLockWaits(c *C) {
	s.prewriteOnly(c, map[string]string{"a": "va"})

	bo := retry.NewBackoffer(context.Background(), retry.GcResolveLockMaxBackoff)
	locks := s.scanAll(c)
	c.Assert(locks, HasLen, 1)
	msBeforeExpired, err := s.env.store.GetLockResolver().ResolveLocks(bo, 0, locks)
	c.Assert(err, IsNil)
	c.Assert(msBeforeExpired, Greater, int64(0))
	c.Assert(s.scanAll(c), HasLen, 1)
}

func (s *testLockResolverSuite) TestResolvedCache(c *C) {
	txn := s.env.mustCommit(c, DefaultTransactionOptions(), map[string]string{"a": "va"})
	waitCommitted(txn)

	resolver := s.env.store.GetLockResolver()
	bo := retry.NewBackoffer(context.Background(), retry.GcResolveLockMaxBackoff)
	status, err := resolver.GetTxnStatus(bo, txn.StartTS(), []byte("a"))
	c.Assert(err, IsNil)

	cached, ok := resolver.getResolved(txn.StartTS())
	c.Assert(ok, IsTrue)
	c.Assert(cached.CommitTS(), Equals, status.CommitTS())
}

func (s *testLockResolverSuite) TestResolvedCacheEviction(c *C) {
	resolver := s.env.store.GetLockResolver()
	for i := 0; i < ResolvedCacheSize+10; i++ {
		resolver.saveResolved(uint64(i+1), TxnStatus{commitTS: uint64(i + 2)})
	}
	_, ok := resolver.getResolved(1)
	c.Assert(ok, IsFalse)
	_, ok = resolver.getResolved(uint64(ResolvedCacheSize + 10))
	c.Assert(ok, IsTrue)
}

func (s *testLockResolverSuite) TestReadResolvesLock(c *C) {
	restore := shrinkLockTTL(1000)
	defer restore()

	s.prewriteOnly(c, map[string]string{"a": "va"})
	advanceOracle(s.env, 5*time.Second)

	// A snapshot read runs into the expired lock and cleans it up.
	s.env.mustNotExist(c, "a")
	c.Assert(s.scanAll(c), HasLen, 0)
}
