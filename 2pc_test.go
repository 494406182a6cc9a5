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
	"bytes"
	"context"
	"fmt"
	"math"

	. "github.com/pingcap/check"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/tikv/txnkv/fail"
	"github.com/tikv/txnkv/internal/retry"
)

type testCommitterSuite struct {
	env *testEnv
}

var _ = Suite(&testCommitterSuite{})

func (s *testCommitterSuite) SetUpTest(c *C) {
	s.env = newTestEnv(c)
}

func (s *testCommitterSuite) TearDownTest(c *C) {
	s.env.close(c)
}

func (s *testCommitterSuite) newCommitter(c *C, kvs map[string]string) *twoPhaseCommitter {
	return newTestCommitter(c, s.env, kvs)
}

func (s *testCommitterSuite) TestPrimaryIsFirstMutatedKey(c *C) {
	txn := s.env.begin(c, DefaultTransactionOptions())
	c.Assert(txn.Set([]byte("b"), []byte("vb")), IsNil)
	c.Assert(txn.Set([]byte("a"), []byte("va")), IsNil)
	committer, err := newTwoPhaseCommitter(txn)
	c.Assert(err, IsNil)
	c.Assert(committer.initKeysAndMutations(), IsNil)
	c.Assert(committer.primary(), BytesEquals, []byte("b"))
}

func (s *testCommitterSuite) TestPrewriteLeavesLocks(c *C) {
	committer := s.newCommitter(c, map[string]string{"a": "va", "b": "vb"})
	bo := retry.NewBackoffer(context.Background(), retry.PrewriteMaxBackoff)
	c.Assert(committer.prewriteMutations(bo, committer.mutations), IsNil)

	locks, err := s.env.store.ScanLocks(context.Background(), nil, nil, math.MaxUint64, 0)
	c.Assert(err, IsNil)
	c.Assert(locks, HasLen, 2)
	for _, l := range locks {
		c.Assert(l.TxnID, Equals, committer.startTS)
		c.Assert(l.Primary, BytesEquals, committer.primary())
	}
}

func (s *testCommitterSuite) TestCommitAfterPrewrite(c *C) {
	committer := s.newCommitter(c, map[string]string{"a": "va"})
	bo := retry.NewBackoffer(context.Background(), retry.CommitMaxBackoff)
	c.Assert(committer.prewriteMutations(bo, committer.mutations), IsNil)

	commitTS, err := s.env.store.CurrentTimestamp()
	c.Assert(err, IsNil)
	committer.commitTS = commitTS
	c.Assert(committer.commitMutations(bo, committer.mutations), IsNil)
	committer.cleanWg.Wait()

	s.env.mustGet(c, "a", "va")
}

func (s *testCommitterSuite) TestCleanupRollsBackPrewrite(c *C) {
	committer := s.newCommitter(c, map[string]string{"a": "va", "b": "vb"})
	bo := retry.NewBackoffer(context.Background(), retry.PrewriteMaxBackoff)
	c.Assert(committer.prewriteMutations(bo, committer.mutations), IsNil)
	c.Assert(committer.cleanupMutations(bo, committer.mutations), IsNil)

	locks, err := s.env.store.ScanLocks(context.Background(), nil, nil, math.MaxUint64, 0)
	c.Assert(err, IsNil)
	c.Assert(locks, HasLen, 0)
	s.env.mustNotExist(c, "a")
	s.env.mustNotExist(c, "b")
}

func (s *testCommitterSuite) TestFailedCommitTriggersCleanup(c *C) {
	// Conflict on "a" makes prewrite fail; the deferred cleanup must
	// remove the locks the partial prewrite left behind.
	txn := s.env.begin(c, DefaultTransactionOptions())
	c.Assert(txn.Set([]byte("a"), []byte("v1")), IsNil)
	c.Assert(txn.Set([]byte("b"), []byte("v1")), IsNil)
	s.env.mustCommit(c, DefaultTransactionOptions(), map[string]string{"a": "v2"})
	c.Assert(txn.Commit(context.Background()), NotNil)
	waitCommitted(txn)

	locks, err := s.env.store.ScanLocks(context.Background(), nil, nil, math.MaxUint64, 0)
	c.Assert(err, IsNil)
	c.Assert(locks, HasLen, 0)
}

func (s *testCommitterSuite) TestAbandonAfterPrewriteSkipsCleanup(c *C) {
	fail.Cfg(fail.AfterPrewrite, fail.Action{Return: true})
	defer fail.Off(fail.AfterPrewrite)

	txn := s.env.begin(c, DefaultTransactionOptions())
	c.Assert(txn.Set([]byte("a"), []byte("va")), IsNil)
	c.Assert(txn.Set([]byte("b"), []byte("vb")), IsNil)
	c.Assert(txn.Commit(context.Background()), NotNil)
	waitCommitted(txn)

	// The locks survive: neither committed nor cleaned up.
	locks, err := s.env.store.ScanLocks(context.Background(), nil, nil, math.MaxUint64, 0)
	c.Assert(err, IsNil)
	c.Assert(locks, HasLen, 2)
}

func (s *testCommitterSuite) TestBatchSplitBySize(c *C) {
	committer := s.newCommitter(c, map[string]string{"a": "va"})
	var muts PlainMutations
	value := bytes.Repeat([]byte("v"), 1024)
	for i := 0; i < 100; i++ {
		muts.Push(kvrpcpb.Op_Put, []byte(fmt.Sprintf("k%03d", i)), value)
	}
	bo := retry.NewBackoffer(context.Background(), retry.PrewriteMaxBackoff)
	loc, err := s.env.store.GetRegionCache().LocateKey(bo, []byte("k000"))
	c.Assert(err, IsNil)
	b := newBatched(committer.primary())
	b.appendBatchMutationsBySize(loc.Region, &muts, committer.keyValueSize, txnCommitBatchSize)
	batches := b.allBatches()
	c.Assert(len(batches), Greater, 1)
	total := 0
	for _, batch := range batches {
		total += batch.mutations.Len()
	}
	c.Assert(total, Equals, 100)
}

func (s *testCommitterSuite) TestGroupMutationsAcrossRegions(c *C) {
	peerIDs := s.env.cluster.AllocIDs(1)
	s.env.cluster.Split(s.env.firstRegionID, s.env.cluster.AllocID(), []byte("m"), peerIDs, peerIDs[0])

	committer := s.newCommitter(c, map[string]string{"a": "v", "z": "v", "b": "v"})
	bo := retry.NewBackoffer(context.Background(), retry.PrewriteMaxBackoff)
	groups, err := committer.groupMutations(bo, committer.mutations)
	c.Assert(err, IsNil)
	c.Assert(groups, HasLen, 2)
}
