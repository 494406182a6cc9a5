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
	"github.com/tikv/txnkv/fail"
	"github.com/tikv/txnkv/internal/retry"
)

type testHeartbeatSuite struct {
	env *testEnv
}

var _ = Suite(&testHeartbeatSuite{})

func (s *testHeartbeatSuite) SetUpTest(c *C) {
	s.env = newTestEnv(c)
}

func (s *testHeartbeatSuite) TearDownTest(c *C) {
	s.env.close(c)
}

func (s *testHeartbeatSuite) TestSendTxnHeartBeat(c *C) {
	committer := newTestCommitter(c, s.env, map[string]string{"a": "va"})
	bo := retry.NewBackoffer(context.Background(), retry.PrewriteMaxBackoff)
	c.Assert(committer.prewriteMutations(bo, committer.mutations), IsNil)

	newTTL, err := sendTxnHeartBeat(bo, s.env.store, committer.primary(), committer.startTS, 6666)
	c.Assert(err, IsNil)
	c.Assert(newTTL, Equals, uint64(6666))

	// A dead transaction cannot be heartbeated.
	c.Assert(committer.cleanupMutations(bo, committer.mutations), IsNil)
	_, err = sendTxnHeartBeat(bo, s.env.store, committer.primary(), committer.startTS, 6666)
	c.Assert(err, NotNil)
}

// TestHeartbeatKeepsLockAlive holds a transaction between prewrite and
// commit while a concurrent resolver attacks its locks. The heartbeat
// advances the TTL, so the resolver leaves the locks alone and the
// commit succeeds.
func (s *testHeartbeatSuite) TestHeartbeatKeepsLockAlive(c *C) {
	restore := shrinkLockTTL(1000)
	defer restore()

	fail.Cfg(fail.AfterPrewrite, fail.Action{Sleep: 400 * time.Millisecond})
	defer fail.Off(fail.AfterPrewrite)

	opts := DefaultTransactionOptions()
	opts.Heartbeat = FixedTimeHeartbeat(20 * time.Millisecond)
	txn := s.env.begin(c, opts)
	c.Assert(txn.Set([]byte("a"), []byte("va")), IsNil)
	c.Assert(txn.Set([]byte("b"), []byte("vb")), IsNil)

	commitDone := make(chan error, 1)
	go func() {
		commitDone <- txn.Commit(context.Background())
	}()

	// Give the heartbeat a few ticks, then simulate a long wait so the
	// original TTL would have lapsed.
	time.Sleep(200 * time.Millisecond)
	advanceOracle(s.env, 5*time.Second)

	locks, err := s.env.store.ScanLocks(context.Background(), nil, nil, math.MaxUint64, 0)
	c.Assert(err, IsNil)
	c.Assert(locks, HasLen, 2)

	bo := retry.NewBackoffer(context.Background(), retry.GcResolveLockMaxBackoff)
	msBeforeExpired, err := s.env.store.GetLockResolver().ResolveLocks(bo, 0, locks)
	c.Assert(err, IsNil)
	c.Assert(msBeforeExpired, Greater, int64(0))

	c.Assert(<-commitDone, IsNil)
	waitCommitted(txn)
	s.env.mustGet(c, "a", "va")
	s.env.mustGet(c, "b", "vb")
}

// TestNoHeartbeatLockExpires is the counterpart: without a heartbeat
// the TTL lapses, the resolver rolls the transaction back, and the late
// commit fails.
func (s *testHeartbeatSuite) TestNoHeartbeatLockExpires(c *C) {
	restore := shrinkLockTTL(1000)
	defer restore()

	fail.Cfg(fail.AfterPrewrite, fail.Action{Sleep: 400 * time.Millisecond})
	defer fail.Off(fail.AfterPrewrite)

	txn := s.env.begin(c, DefaultTransactionOptions())
	c.Assert(txn.Set([]byte("a"), []byte("va")), IsNil)
	c.Assert(txn.Set([]byte("b"), []byte("vb")), IsNil)

	commitDone := make(chan error, 1)
	go func() {
		commitDone <- txn.Commit(context.Background())
	}()

	time.Sleep(200 * time.Millisecond)
	advanceOracle(s.env, 5*time.Second)

	locks, err := s.env.store.ScanLocks(context.Background(), nil, nil, math.MaxUint64, 0)
	c.Assert(err, IsNil)
	c.Assert(locks, HasLen, 2)

	bo := retry.NewBackoffer(context.Background(), retry.GcResolveLockMaxBackoff)
	msBeforeExpired, err := s.env.store.GetLockResolver().ResolveLocks(bo, 0, locks)
	c.Assert(err, IsNil)
	c.Assert(msBeforeExpired, Equals, int64(0))

	c.Assert(<-commitDone, NotNil)
	waitCommitted(txn)
	s.env.mustNotExist(c, "a")
	s.env.mustNotExist(c, "b")
}

func (s *testHeartbeatSuite) TestTTLManagerSingleRun(c *C) {
	committer := newTestCommitter(c, s.env, map[string]string{"a": "va"})
	committer.ttlManager.run(committer, 10*time.Millisecond)
	state := committer.ttlManager.state
	committer.ttlManager.run(committer, 10*time.Millisecond)
	c.Assert(committer.ttlManager.state, Equals, state)
	committer.ttlManager.close()
	c.Assert(committer.ttlManager.state, Equals, stateClosed)
	// Closing twice is a no-op.
	committer.ttlManager.close()
}
