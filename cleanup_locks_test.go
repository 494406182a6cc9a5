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
	"fmt"
	"math"

	. "github.com/pingcap/check"
	"github.com/tikv/txnkv/fail"
)

type testCleanupLocksSuite struct {
	env *testEnv
}

var _ = Suite(&testCleanupLocksSuite{})

func (s *testCleanupLocksSuite) SetUpTest(c *C) {
	s.env = newTestEnv(c)
}

func (s *testCleanupLocksSuite) TearDownTest(c *C) {
	s.env.close(c)
}

func (s *testCleanupLocksSuite) countLocks(c *C) int {
	locks, err := s.env.store.ScanLocks(context.Background(), nil, nil, math.MaxUint64, 0)
	c.Assert(err, IsNil)
	return len(locks)
}

// abandonTxn prewrites the keys and then walks away, leaving the locks
// behind.
func (s *testCleanupLocksSuite) abandonTxn(c *C, options TransactionOptions, kvs map[string]string) *KVTxn {
	fail.Cfg(fail.AfterPrewrite, fail.Action{Return: true})
	defer fail.Off(fail.AfterPrewrite)
	txn := s.env.begin(c, options)
	for k, v := range kvs {
		c.Assert(txn.Set([]byte(k), []byte(v)), IsNil)
	}
	c.Assert(txn.Commit(context.Background()), NotNil)
	waitCommitted(txn)
	return txn
}

// abandonTxnKeys is like abandonTxn but writes the keys in slice
// order, so keys[0] is the primary.
func (s *testCleanupLocksSuite) abandonTxnKeys(c *C, options TransactionOptions, keys []string) {
	fail.Cfg(fail.AfterPrewrite, fail.Action{Return: true})
	defer fail.Off(fail.AfterPrewrite)
	txn := s.env.begin(c, options)
	for _, k := range keys {
		c.Assert(txn.Set([]byte(k), []byte("v"+k)), IsNil)
	}
	c.Assert(txn.Commit(context.Background()), NotNil)
	waitCommitted(txn)
}

// writeInterruptedAsyncTxns commits txns async-commit batches of 32
// keys each, dropping half of the background key commits, primary
// first. Every txn leaves 16 locks behind.
func (s *testCleanupLocksSuite) writeInterruptedAsyncTxns(c *C, txns, keysPerTxn, percent int) {
	fail.Cfg(fail.BeforeCommitSecondary, fail.Action{Percent: percent})
	defer fail.Off(fail.BeforeCommitSecondary)

	for i := 0; i < txns; i++ {
		txn := s.env.begin(c, asyncOptions())
		for j := 0; j < keysPerTxn; j++ {
			k := fmt.Sprintf("k%02d@%03d", i, j)
			c.Assert(txn.Set([]byte(k), []byte("v"+k)), IsNil)
		}
		c.Assert(txn.Commit(context.Background()), IsNil)
		waitCommitted(txn)
	}
}

func (s *testCleanupLocksSuite) TestCleanupInterruptedAsyncCommit(c *C) {
	s.writeInterruptedAsyncTxns(c, 16, 32, 50)
	c.Assert(s.countLocks(c), Equals, 256)

	safepoint, err := s.env.store.CurrentTimestamp()
	c.Assert(err, IsNil)
	res, err := s.env.store.CleanupLocks(context.Background(), nil, nil, safepoint,
		ResolveLocksOptions{AsyncCommitOnly: true})
	c.Assert(err, IsNil)
	c.Assert(res.MeetLocks, Equals, 256)
	c.Assert(s.countLocks(c), Equals, 0)

	// Every key of every transaction must be visible: the primaries were
	// committed, so cleanup finishes the residual keys as commits.
	for i := 0; i < 16; i++ {
		for j := 0; j < 32; j++ {
			k := fmt.Sprintf("k%02d@%03d", i, j)
			s.env.mustGet(c, k, "v"+k)
		}
	}

	// Cleanup is idempotent.
	res, err = s.env.store.CleanupLocks(context.Background(), nil, nil, safepoint,
		ResolveLocksOptions{AsyncCommitOnly: true})
	c.Assert(err, IsNil)
	c.Assert(res.MeetLocks, Equals, 0)
}

func (s *testCleanupLocksSuite) TestCleanupRollsBackAbandoned2PC(c *C) {
	s.abandonTxn(c, DefaultTransactionOptions(), map[string]string{"a": "va", "b": "vb"})
	c.Assert(s.countLocks(c), Equals, 2)

	// The locks are fresh, yet cleanup below a safepoint force-expires
	// them.
	safepoint, err := s.env.store.CurrentTimestamp()
	c.Assert(err, IsNil)
	res, err := s.env.store.CleanupLocks(context.Background(), nil, nil, safepoint, ResolveLocksOptions{})
	c.Assert(err, IsNil)
	c.Assert(res.MeetLocks, Equals, 2)
	c.Assert(s.countLocks(c), Equals, 0)
	s.env.mustNotExist(c, "a")
	s.env.mustNotExist(c, "b")
}

func (s *testCleanupLocksSuite) TestCleanupCountsButSkipsWhenDisabled(c *C) {
	s.abandonTxn(c, DefaultTransactionOptions(), map[string]string{"a": "va", "b": "vb", "c": "vc"})

	fail.Cfg(fail.BeforeCleanupLocks, fail.Action{Return: true})
	safepoint, err := s.env.store.CurrentTimestamp()
	c.Assert(err, IsNil)
	res, err := s.env.store.CleanupLocks(context.Background(), nil, nil, safepoint, ResolveLocksOptions{})
	c.Assert(err, IsNil)
	c.Assert(res.MeetLocks, Equals, 3)
	c.Assert(s.countLocks(c), Equals, 3)

	// Scanning again still meets the same locks.
	res, err = s.env.store.CleanupLocks(context.Background(), nil, nil, safepoint, ResolveLocksOptions{})
	c.Assert(err, IsNil)
	c.Assert(res.MeetLocks, Equals, 3)

	fail.Off(fail.BeforeCleanupLocks)
	res, err = s.env.store.CleanupLocks(context.Background(), nil, nil, safepoint, ResolveLocksOptions{})
	c.Assert(err, IsNil)
	c.Assert(res.MeetLocks, Equals, 3)
	c.Assert(s.countLocks(c), Equals, 0)
}

func (s *testCleanupLocksSuite) TestCleanupHonorsSafepoint(c *C) {
	safepoint, err := s.env.store.CurrentTimestamp()
	c.Assert(err, IsNil)

	// These locks are above the safepoint and must not be touched.
	s.abandonTxn(c, DefaultTransactionOptions(), map[string]string{"a": "va"})
	res, err := s.env.store.CleanupLocks(context.Background(), nil, nil, safepoint, ResolveLocksOptions{})
	c.Assert(err, IsNil)
	c.Assert(res.MeetLocks, Equals, 0)
	c.Assert(s.countLocks(c), Equals, 1)
}

func (s *testCleanupLocksSuite) TestCleanupAsyncCommitOnlyFilter(c *C) {
	s.abandonTxn(c, DefaultTransactionOptions(), map[string]string{"a": "va"})
	s.abandonTxn(c, asyncOptions(), map[string]string{"x": "vx", "y": "vy"})
	c.Assert(s.countLocks(c), Equals, 3)

	safepoint, err := s.env.store.CurrentTimestamp()
	c.Assert(err, IsNil)
	res, err := s.env.store.CleanupLocks(context.Background(), nil, nil, safepoint,
		ResolveLocksOptions{AsyncCommitOnly: true})
	c.Assert(err, IsNil)
	c.Assert(res.MeetLocks, Equals, 3)

	// Only the async commit locks were resolved, and since all of them
	// were still in place the transaction was committed.
	c.Assert(s.countLocks(c), Equals, 1)
	s.env.mustGet(c, "x", "vx")
	s.env.mustGet(c, "y", "vy")

	res, err = s.env.store.CleanupLocks(context.Background(), nil, nil, safepoint, ResolveLocksOptions{})
	c.Assert(err, IsNil)
	c.Assert(res.MeetLocks, Equals, 1)
	c.Assert(s.countLocks(c), Equals, 0)
	s.env.mustNotExist(c, "a")
}

func (s *testCleanupLocksSuite) TestCleanupBatchSizeStepping(c *C) {
	keys := make([]string, 0, 10)
	for i := 0; i < 10; i++ {
		keys = append(keys, fmt.Sprintf("k%02d", i))
	}
	s.abandonTxnKeys(c, DefaultTransactionOptions(), keys)

	safepoint, err := s.env.store.CurrentTimestamp()
	c.Assert(err, IsNil)
	res, err := s.env.store.CleanupLocks(context.Background(), nil, nil, safepoint,
		ResolveLocksOptions{BatchSize: 3})
	c.Assert(err, IsNil)
	c.Assert(res.MeetLocks, Equals, 10)
	c.Assert(s.countLocks(c), Equals, 0)
}

func (s *testCleanupLocksSuite) TestBoundaryLockSightedTwice(c *C) {
	keys := make([]string, 0, 6)
	for i := 0; i < 6; i++ {
		keys = append(keys, fmt.Sprintf("k%02d", i))
	}
	s.abandonTxnKeys(c, DefaultTransactionOptions(), keys)
	c.Assert(s.countLocks(c), Equals, 6)

	safepoint, err := s.env.store.CurrentTimestamp()
	c.Assert(err, IsNil)

	// The classic locks survive an async-commit-only pass, so each full
	// batch ends by rescanning its boundary lock: k02 and k04 are sighted
	// twice and MeetLocks exceeds the distinct lock count.
	res, err := s.env.store.CleanupLocks(context.Background(), nil, nil, safepoint,
		ResolveLocksOptions{AsyncCommitOnly: true, BatchSize: 3})
	c.Assert(err, IsNil)
	c.Assert(res.MeetLocks, Equals, 8)
	c.Assert(s.countLocks(c), Equals, 6)

	// Resolution is keyed by transaction, not by sighting: one rollback
	// decision removes every distinct lock exactly once.
	res, err = s.env.store.CleanupLocks(context.Background(), nil, nil, safepoint,
		ResolveLocksOptions{BatchSize: 3})
	c.Assert(err, IsNil)
	c.Assert(res.MeetLocks, Equals, 6)
	c.Assert(s.countLocks(c), Equals, 0)
	for _, k := range keys {
		s.env.mustNotExist(c, k)
	}
}

func (s *testCleanupLocksSuite) TestCleanupAcrossSplitRegions(c *C) {
	keys := make([]string, 0, 8)
	for i := 0; i < 8; i++ {
		keys = append(keys, fmt.Sprintf("k%02d", i))
	}
	s.abandonTxnKeys(c, DefaultTransactionOptions(), keys)
	c.Assert(s.countLocks(c), Equals, 8)

	// Split after the locks are written; the client's region cache is
	// stale and must recover from the epoch mismatch during the scan.
	peerIDs := s.env.cluster.AllocIDs(1)
	s.env.cluster.Split(s.env.firstRegionID, s.env.cluster.AllocID(), []byte("k04"), peerIDs, peerIDs[0])

	safepoint, err := s.env.store.CurrentTimestamp()
	c.Assert(err, IsNil)
	res, err := s.env.store.CleanupLocks(context.Background(), nil, nil, safepoint, ResolveLocksOptions{})
	c.Assert(err, IsNil)
	c.Assert(res.MeetLocks, Equals, 8)
	c.Assert(s.countLocks(c), Equals, 0)

	// The abandoned 2PC txn never reached its commit point, so cleanup
	// rolled every key back.
	for _, k := range keys {
		s.env.mustNotExist(c, k)
	}
}
