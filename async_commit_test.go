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
	"github.com/tikv/txnkv/config"
	"github.com/tikv/txnkv/fail"
)

type testAsyncCommitSuite struct {
	env *testEnv
}

var _ = Suite(&testAsyncCommitSuite{})

func (s *testAsyncCommitSuite) SetUpTest(c *C) {
	s.env = newTestEnv(c)
}

func (s *testAsyncCommitSuite) TearDownTest(c *C) {
	s.env.close(c)
}

func asyncOptions() TransactionOptions {
	opts := DefaultTransactionOptions()
	opts.TryAsyncCommit = true
	return opts
}

func (s *testAsyncCommitSuite) TestAsyncCommit(c *C) {
	txn := s.env.begin(c, asyncOptions())
	c.Assert(txn.Set([]byte("a"), []byte("va")), IsNil)
	c.Assert(txn.Set([]byte("b"), []byte("vb")), IsNil)
	c.Assert(txn.Commit(context.Background()), IsNil)
	c.Assert(txn.committer.isAsyncCommit(), IsTrue)
	// The commit ts comes from the folded min commit ts, not a second
	// oracle round trip.
	c.Assert(txn.CommitTS(), Greater, txn.StartTS())

	waitCommitted(txn)
	locks, err := s.env.store.ScanLocks(context.Background(), nil, nil, math.MaxUint64, 0)
	c.Assert(err, IsNil)
	c.Assert(locks, HasLen, 0)
	s.env.mustGet(c, "a", "va")
	s.env.mustGet(c, "b", "vb")
}

func (s *testAsyncCommitSuite) TestAsyncCommitFallbackKeysLimit(c *C) {
	defer config.UpdateGlobal(func(conf *config.Config) {
		conf.TiKVClient.AsyncCommit.KeysLimit = 4
	})()

	txn := s.env.begin(c, asyncOptions())
	for i := 0; i < 5; i++ {
		c.Assert(txn.Set([]byte(fmt.Sprintf("k%d", i)), []byte("v")), IsNil)
	}
	c.Assert(txn.Commit(context.Background()), IsNil)
	c.Assert(txn.committer.isAsyncCommit(), IsFalse)
	waitCommitted(txn)
	s.env.mustGet(c, "k0", "v")
}

func (s *testAsyncCommitSuite) TestAsyncCommitFallbackKeySize(c *C) {
	defer config.UpdateGlobal(func(conf *config.Config) {
		conf.TiKVClient.AsyncCommit.TotalKeySizeLimit = 16
	})()

	txn := s.env.begin(c, asyncOptions())
	c.Assert(txn.Set([]byte("a-rather-long-key-exceeding-the-limit"), []byte("v")), IsNil)
	c.Assert(txn.Commit(context.Background()), IsNil)
	c.Assert(txn.committer.isAsyncCommit(), IsFalse)
	waitCommitted(txn)
}

func (s *testAsyncCommitSuite) TestPrimaryLockCarriesSecondaries(c *C) {
	fail.Cfg(fail.AfterPrewrite, fail.Action{Return: true})
	defer fail.Off(fail.AfterPrewrite)

	txn := s.env.begin(c, asyncOptions())
	c.Assert(txn.Set([]byte("a"), []byte("va")), IsNil)
	c.Assert(txn.Set([]byte("b"), []byte("vb")), IsNil)
	c.Assert(txn.Set([]byte("c"), []byte("vc")), IsNil)
	c.Assert(txn.Commit(context.Background()), NotNil)
	waitCommitted(txn)

	status, err := s.env.mvccStore.CheckTxnStatus([]byte("a"), txn.StartTS(), math.MaxUint64, math.MaxUint64, true, false)
	c.Assert(err, IsNil)
	c.Assert(status.LockInfo, NotNil)
	c.Assert(status.LockInfo.Secondaries, HasLen, 2)
}

func (s *testAsyncCommitSuite) TestAbandonedAsyncCommitIsRecoveredAsCommit(c *C) {
	// The client dies after prewrite. Every key is locked and the
	// primary knows all secondaries, so cleanup must finish the commit.
	fail.Cfg(fail.AfterPrewrite, fail.Action{Return: true})
	txn := s.env.begin(c, asyncOptions())
	c.Assert(txn.Set([]byte("a"), []byte("va")), IsNil)
	c.Assert(txn.Set([]byte("b"), []byte("vb")), IsNil)
	c.Assert(txn.Commit(context.Background()), NotNil)
	waitCommitted(txn)
	fail.Off(fail.AfterPrewrite)

	res, err := s.env.store.CleanupLocks(context.Background(), nil, nil, math.MaxUint64, ResolveLocksOptions{})
	c.Assert(err, IsNil)
	c.Assert(res.MeetLocks, Equals, 2)

	s.env.mustGet(c, "a", "va")
	s.env.mustGet(c, "b", "vb")
}

func (s *testAsyncCommitSuite) TestOnePC(c *C) {
	opts := DefaultTransactionOptions()
	opts.TryOnePC = true
	txn := s.env.begin(c, opts)
	c.Assert(txn.Set([]byte("a"), []byte("va")), IsNil)
	c.Assert(txn.Commit(context.Background()), IsNil)
	c.Assert(txn.committer.isOnePC(), IsTrue)
	c.Assert(txn.CommitTS(), Greater, txn.StartTS())

	locks, err := s.env.store.ScanLocks(context.Background(), nil, nil, math.MaxUint64, 0)
	c.Assert(err, IsNil)
	c.Assert(locks, HasLen, 0)
	s.env.mustGet(c, "a", "va")
}

func (s *testAsyncCommitSuite) TestOnePCFallbackMultipleBatches(c *C) {
	peerIDs := s.env.cluster.AllocIDs(1)
	s.env.cluster.Split(s.env.firstRegionID, s.env.cluster.AllocID(), []byte("m"), peerIDs, peerIDs[0])

	opts := DefaultTransactionOptions()
	opts.TryOnePC = true
	txn := s.env.begin(c, opts)
	c.Assert(txn.Set([]byte("a"), []byte("va")), IsNil)
	c.Assert(txn.Set([]byte("z"), []byte("vz")), IsNil)
	c.Assert(txn.Commit(context.Background()), IsNil)
	c.Assert(txn.committer.isOnePC(), IsFalse)
	waitCommitted(txn)
	s.env.mustGet(c, "a", "va")
	s.env.mustGet(c, "z", "vz")
}
