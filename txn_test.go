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
)

type testTxnSuite struct {
	env *testEnv
}

var _ = Suite(&testTxnSuite{})

func (s *testTxnSuite) SetUpTest(c *C) {
	s.env = newTestEnv(c)
}

func (s *testTxnSuite) TearDownTest(c *C) {
	s.env.close(c)
}

func (s *testTxnSuite) TestSetGetCommit(c *C) {
	txn := s.env.begin(c, DefaultTransactionOptions())
	c.Assert(txn.Set([]byte("a"), []byte("va")), IsNil)
	c.Assert(txn.Set([]byte("b"), []byte("vb")), IsNil)

	// Reads see the transaction's own buffered writes.
	val, err := txn.Get(context.Background(), []byte("a"))
	c.Assert(err, IsNil)
	c.Assert(string(val), Equals, "va")

	c.Assert(txn.Commit(context.Background()), IsNil)
	c.Assert(txn.State(), Equals, StateCommitted)
	c.Assert(txn.CommitTS(), Greater, txn.StartTS())

	s.env.mustGet(c, "a", "va")
	s.env.mustGet(c, "b", "vb")
}

func (s *testTxnSuite) TestDelete(c *C) {
	s.env.mustCommit(c, DefaultTransactionOptions(), map[string]string{"a": "va"})

	txn := s.env.begin(c, DefaultTransactionOptions())
	c.Assert(txn.Delete([]byte("a")), IsNil)
	val, err := txn.Get(context.Background(), []byte("a"))
	c.Assert(err, IsNil)
	c.Assert(val, IsNil)
	c.Assert(txn.Commit(context.Background()), IsNil)

	s.env.mustNotExist(c, "a")
}

func (s *testTxnSuite) TestInsertExistingKey(c *C) {
	s.env.mustCommit(c, DefaultTransactionOptions(), map[string]string{"a": "va"})

	txn := s.env.begin(c, DefaultTransactionOptions())
	c.Assert(txn.Insert([]byte("a"), []byte("vx")), IsNil)
	err := txn.Commit(context.Background())
	c.Assert(err, NotNil)
	c.Assert(txn.State(), Equals, StateFailed)

	s.env.mustGet(c, "a", "va")
}

func (s *testTxnSuite) TestRollback(c *C) {
	txn := s.env.begin(c, DefaultTransactionOptions())
	c.Assert(txn.Set([]byte("a"), []byte("va")), IsNil)
	c.Assert(txn.Rollback(), IsNil)
	c.Assert(txn.State(), Equals, StateRolledBack)

	s.env.mustNotExist(c, "a")

	// Terminal states reject further operations.
	c.Assert(txn.Set([]byte("b"), []byte("vb")), NotNil)
	c.Assert(txn.Commit(context.Background()), NotNil)
	c.Assert(txn.Rollback(), NotNil)
}

func (s *testTxnSuite) TestEmptyCommit(c *C) {
	txn := s.env.begin(c, DefaultTransactionOptions())
	c.Assert(txn.Commit(context.Background()), IsNil)
	c.Assert(txn.State(), Equals, StateCommitted)
	c.Assert(txn.CommitTS(), Equals, uint64(0))
}

func (s *testTxnSuite) TestSnapshotIsolation(c *C) {
	s.env.mustCommit(c, DefaultTransactionOptions(), map[string]string{"a": "v1"})

	// The reader's startTS predates the second write.
	reader := s.env.begin(c, DefaultTransactionOptions())
	s.env.mustCommit(c, DefaultTransactionOptions(), map[string]string{"a": "v2"})

	val, err := reader.Get(context.Background(), []byte("a"))
	c.Assert(err, IsNil)
	c.Assert(string(val), Equals, "v1")
}

func (s *testTxnSuite) TestWriteConflict(c *C) {
	txn1 := s.env.begin(c, DefaultTransactionOptions())
	c.Assert(txn1.Set([]byte("a"), []byte("v1")), IsNil)

	s.env.mustCommit(c, DefaultTransactionOptions(), map[string]string{"a": "v2"})

	err := txn1.Commit(context.Background())
	c.Assert(err, NotNil)
	_, conflict := errorsCauseAsWriteConflict(err)
	c.Assert(conflict, IsTrue)

	s.env.mustGet(c, "a", "v2")
}

func (s *testTxnSuite) TestOverwriteSameKey(c *C) {
	txn := s.env.begin(c, DefaultTransactionOptions())
	c.Assert(txn.Set([]byte("a"), []byte("v1")), IsNil)
	c.Assert(txn.Set([]byte("a"), []byte("v2")), IsNil)
	c.Assert(txn.Len(), Equals, 1)
	c.Assert(txn.Commit(context.Background()), IsNil)

	s.env.mustGet(c, "a", "v2")
}

func (s *testTxnSuite) TestCommitMultiRegions(c *C) {
	// Split so the mutations span two regions.
	peerIDs := s.env.cluster.AllocIDs(1)
	s.env.cluster.Split(s.env.firstRegionID, s.env.cluster.AllocID(), []byte("h"), peerIDs, peerIDs[0])

	kvs := make(map[string]string)
	for i := 0; i < 20; i++ {
		k := fmt.Sprintf("k%02d", i)
		kvs[k] = "v" + k
	}
	kvs["a1"] = "va1"
	kvs["z1"] = "vz1"
	txn := s.env.mustCommit(c, DefaultTransactionOptions(), kvs)
	waitCommitted(txn)

	for k, v := range kvs {
		s.env.mustGet(c, k, v)
	}
}

func (s *testTxnSuite) TestPessimisticLockKeys(c *C) {
	opts := DefaultTransactionOptions()
	opts.Pessimistic = true
	txn := s.env.begin(c, opts)
	c.Assert(txn.LockKeys(context.Background(), []byte("a"), []byte("b")), IsNil)
	c.Assert(txn.Set([]byte("a"), []byte("va")), IsNil)
	c.Assert(txn.Commit(context.Background()), IsNil)
	s.env.mustGet(c, "a", "va")
}

func (s *testTxnSuite) TestPessimisticLockedKeyNotWritten(c *C) {
	opts := DefaultTransactionOptions()
	opts.Pessimistic = true
	txn := s.env.begin(c, opts)
	// The first locked key is the primary even though it is never
	// written.
	c.Assert(txn.LockKeys(context.Background(), []byte("a")), IsNil)
	c.Assert(txn.Set([]byte("b"), []byte("vb")), IsNil)
	c.Assert(txn.Commit(context.Background()), IsNil)
	waitCommitted(txn)

	s.env.mustGet(c, "b", "vb")
	s.env.mustNotExist(c, "a")

	// The pessimistic lock on the read-only key was released at commit.
	locks, err := s.env.store.ScanLocks(context.Background(), nil, nil, math.MaxUint64, 0)
	c.Assert(err, IsNil)
	c.Assert(locks, HasLen, 0)
}

func (s *testTxnSuite) TestPessimisticLockOnlyCommit(c *C) {
	opts := DefaultTransactionOptions()
	opts.Pessimistic = true
	txn := s.env.begin(c, opts)
	c.Assert(txn.LockKeys(context.Background(), []byte("a"), []byte("b")), IsNil)
	c.Assert(txn.Commit(context.Background()), IsNil)
	waitCommitted(txn)
	c.Assert(txn.State(), Equals, StateCommitted)
	c.Assert(txn.CommitTS(), Greater, txn.StartTS())

	locks, err := s.env.store.ScanLocks(context.Background(), nil, nil, math.MaxUint64, 0)
	c.Assert(err, IsNil)
	c.Assert(locks, HasLen, 0)
}

func (s *testTxnSuite) TestPessimisticRollbackReleasesLocks(c *C) {
	opts := DefaultTransactionOptions()
	opts.Pessimistic = true
	txn := s.env.begin(c, opts)
	c.Assert(txn.LockKeys(context.Background(), []byte("a")), IsNil)
	c.Assert(txn.Rollback(), IsNil)

	// Another transaction can lock the key right away.
	txn2 := s.env.begin(c, opts)
	c.Assert(txn2.LockKeys(context.Background(), []byte("a")), IsNil)
	c.Assert(txn2.Rollback(), IsNil)
}

func (s *testTxnSuite) TestDropCheckNeverPanics(c *C) {
	for _, level := range []CheckLevel{CheckLevelWarn, CheckLevelNone, CheckLevelError} {
		opts := DefaultTransactionOptions()
		opts.DropCheck = level
		txn := s.env.begin(c, opts)
		c.Assert(txn.Set([]byte("a"), []byte("va")), IsNil)
		// Dropping an active transaction logs at the configured level and
		// never panics.
		dropCheck(txn)
		c.Assert(txn.Rollback(), IsNil)
	}
}

func (s *testTxnSuite) TestLockKeysRequiresPessimistic(c *C) {
	txn := s.env.begin(c, DefaultTransactionOptions())
	c.Assert(txn.LockKeys(context.Background(), []byte("a")), NotNil)
}
