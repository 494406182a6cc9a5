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
	"flag"
	"testing"
	"time"

	. "github.com/pingcap/check"
	"github.com/pingcap/errors"
	"github.com/tikv/txnkv/fail"
	"github.com/tikv/txnkv/mocktikv"
	"github.com/tikv/txnkv/oracle/oracles"
)

func TestT(t *testing.T) {
	CustomVerboseFlag = true
	flag.Parse()
	TestingT(t)
}

// testEnv bundles a store with the handles tests poke at.
type testEnv struct {
	store         *KVStore
	cluster       *mocktikv.Cluster
	mvccStore     *mocktikv.MvccStore
	oracle        *oracles.MockOracle
	firstRegionID uint64
}

func newTestEnv(c *C) *testEnv {
	cluster := mocktikv.NewCluster()
	_, _, regionID := mocktikv.BootstrapWithSingleStore(cluster)
	mvccStore := mocktikv.NewMvccStore()
	client := mocktikv.NewRPCClient(cluster, mvccStore)
	o := &oracles.MockOracle{}
	store := NewKVStore(cluster, client, o)
	return &testEnv{
		store:         store,
		cluster:       cluster,
		mvccStore:     mvccStore,
		oracle:        o,
		firstRegionID: regionID,
	}
}

func (env *testEnv) close(c *C) {
	fail.Reset()
	c.Assert(env.store.Close(), IsNil)
}

func (env *testEnv) begin(c *C, options TransactionOptions) *KVTxn {
	txn, err := env.store.BeginWithOptions(options)
	c.Assert(err, IsNil)
	return txn
}

func (env *testEnv) mustCommit(c *C, options TransactionOptions, kvs map[string]string) *KVTxn {
	txn := env.begin(c, options)
	for k, v := range kvs {
		c.Assert(txn.Set([]byte(k), []byte(v)), IsNil)
	}
	c.Assert(txn.Commit(context.Background()), IsNil)
	return txn
}

func (env *testEnv) mustGet(c *C, key, expected string) {
	ts, err := env.store.CurrentTimestamp()
	c.Assert(err, IsNil)
	val, err := env.store.GetSnapshot(ts).Get(context.Background(), []byte(key))
	c.Assert(err, IsNil)
	c.Assert(string(val), Equals, expected)
}

func (env *testEnv) mustNotExist(c *C, key string) {
	ts, err := env.store.CurrentTimestamp()
	c.Assert(err, IsNil)
	val, err := env.store.GetSnapshot(ts).Get(context.Background(), []byte(key))
	c.Assert(err, IsNil)
	c.Assert(val, IsNil)
}

// waitCommitted waits for the background secondary commit of txn.
func waitCommitted(txn *KVTxn) {
	if txn.committer != nil {
		txn.committer.cleanWg.Wait()
	}
}

// shrinkLockTTL shortens the default lock TTL for the duration of a
// test so expiry can be driven by the mock oracle's offset.
func shrinkLockTTL(ttl uint64) func() {
	original := defaultLockTTL
	defaultLockTTL = ttl
	return func() {
		defaultLockTTL = original
	}
}

func advanceOracle(env *testEnv, d time.Duration) {
	env.oracle.AddOffset(d)
}

func newTestCommitter(c *C, env *testEnv, kvs map[string]string) *twoPhaseCommitter {
	txn := env.begin(c, DefaultTransactionOptions())
	for k, v := range kvs {
		c.Assert(txn.Set([]byte(k), []byte(v)), IsNil)
	}
	committer, err := newTwoPhaseCommitter(txn)
	c.Assert(err, IsNil)
	c.Assert(committer.initKeysAndMutations(), IsNil)
	return committer
}

func errorsCauseAsWriteConflict(err error) (*ErrWriteConflict, bool) {
	conflict, ok := errors.Cause(err).(*ErrWriteConflict)
	return conflict, ok
}
