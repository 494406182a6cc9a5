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
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/tikv/txnkv/config"
	"github.com/tikv/txnkv/fail"
	"github.com/tikv/txnkv/internal/locate"
	"github.com/tikv/txnkv/internal/logutil"
	"github.com/tikv/txnkv/internal/retry"
	"github.com/tikv/txnkv/metrics"
	"github.com/tikv/txnkv/oracle"
	"github.com/tikv/txnkv/tikvrpc"
	atomicutil "go.uber.org/atomic"
	"go.uber.org/zap"
)

// Global variable set by config, tuned by tests.
var (
	// ManagedLockTTL is the TTL advised by the heartbeat, in milliseconds.
	ManagedLockTTL uint64 = 20000

	// defaultLockTTL is the TTL of a small transaction's locks.
	defaultLockTTL uint64 = 3000
	// maxLockTTL caps the size-derived TTL.
	maxLockTTL uint64 = 120000
	// ttlFactor scales the TTL with the square root of the txn size in MiB.
	ttlFactor = 6000
)

// txnCommitBatchSize is the max transaction batch size in bytes.
const txnCommitBatchSize = 16 * 1024

// CommitterMutations contains the mutations to be submitted.
type CommitterMutations interface {
	Len() int
	GetKey(i int) []byte
	GetKeys() [][]byte
	GetOp(i int) kvrpcpb.Op
	GetValue(i int) []byte
	Slice(from, to int) CommitterMutations
}

// PlainMutations contains transaction operations.
type PlainMutations struct {
	ops    []kvrpcpb.Op
	keys   [][]byte
	values [][]byte
}

// NewPlainMutations creates a PlainMutations object with sizeHint reserved.
func NewPlainMutations(sizeHint int) PlainMutations {
	return PlainMutations{
		ops:    make([]kvrpcpb.Op, 0, sizeHint),
		keys:   make([][]byte, 0, sizeHint),
		values: make([][]byte, 0, sizeHint),
	}
}

// Slice return a sub mutations in range [from, to).
func (c *PlainMutations) Slice(from, to int) CommitterMutations {
	var res PlainMutations
	res.keys = c.keys[from:to]
	if c.ops != nil {
		res.ops = c.ops[from:to]
	}
	if c.values != nil {
		res.values = c.values[from:to]
	}
	return &res
}

// Push another mutation into mutations.
func (c *PlainMutations) Push(op kvrpcpb.Op, key []byte, value []byte) {
	c.ops = append(c.ops, op)
	c.keys = append(c.keys, key)
	c.values = append(c.values, value)
}

// Len returns the count of mutations.
func (c *PlainMutations) Len() int {
	return len(c.keys)
}

// GetKey returns the key at index.
func (c *PlainMutations) GetKey(i int) []byte {
	return c.keys[i]
}

// GetKeys returns the keys.
func (c *PlainMutations) GetKeys() [][]byte {
	return c.keys
}

// GetOp returns the key op at index.
func (c *PlainMutations) GetOp(i int) kvrpcpb.Op {
	return c.ops[i]
}

// GetValue returns the key value at index.
func (c *PlainMutations) GetValue(i int) []byte {
	if len(c.values) <= i {
		return nil
	}
	return c.values[i]
}

// twoPhaseCommitter executes a two-phase commit protocol.
type twoPhaseCommitter struct {
	store         *KVStore
	txn           *KVTxn
	startTS       uint64
	mutations     *PlainMutations
	lockTTL       uint64
	commitTS      uint64
	priority      kvrpcpb.CommandPri
	primaryKey    []byte
	forUpdateTS   uint64
	isPessimistic bool
	cleanWg       sync.WaitGroup

	mu struct {
		sync.RWMutex
		undeterminedErr error
		committed       bool
	}
	// skipCommit is set by the after-prewrite instrumentation point:
	// the commit phase is abandoned but the prewrite is left intact.
	skipCommit bool

	ttlManager

	useAsyncCommit atomicutil.Bool
	useOnePC       atomicutil.Bool
	minCommitTS    uint64
	maxCommitTS    uint64
	onePCCommitTS  uint64

	txnSize int
}

// newTwoPhaseCommitter creates a twoPhaseCommitter.
func newTwoPhaseCommitter(txn *KVTxn) (*twoPhaseCommitter, error) {
	return &twoPhaseCommitter{
		store:   txn.store,
		txn:     txn,
		startTS: txn.StartTS(),
	}, nil
}

func (c *twoPhaseCommitter) initKeysAndMutations() error {
	c.mutations = c.txn.us.mutations()
	c.txnSize = c.txn.us.Size()
	if len(c.txn.lockedKeys) > 0 {
		// Keys locked through LockKeys but never written are committed
		// with a lock record, so the pessimistic locks are released at
		// the transaction's commit ts.
		lockedOnly := make(map[string]struct{}, len(c.txn.lockedKeys))
		for _, k := range c.txn.lockedKeys {
			if _, written := c.txn.us.Get(k); written {
				continue
			}
			if _, ok := lockedOnly[string(k)]; ok {
				continue
			}
			lockedOnly[string(k)] = struct{}{}
			c.mutations.Push(kvrpcpb.Op_Lock, k, nil)
			c.txnSize += len(k)
		}
	}
	if c.mutations.Len() == 0 {
		return nil
	}
	c.lockTTL = txnLockTTL(c.txn.startTime, c.txnSize)
	if c.txn.options.LockTTL > 0 {
		c.lockTTL = c.txn.options.LockTTL
	}
	if c.primaryKey == nil {
		c.primaryKey = c.mutations.GetKey(0)
	}
	c.isPessimistic = c.txn.options.Pessimistic
	c.forUpdateTS = c.txn.forUpdateTS
	metrics.TxnWriteKVCountHistogram.Observe(float64(c.mutations.Len()))
	return nil
}

func (c *twoPhaseCommitter) primary() []byte {
	if len(c.primaryKey) == 0 {
		return c.mutations.GetKey(0)
	}
	return c.primaryKey
}

func txnLockTTL(startTime time.Time, txnSize int) uint64 {
	// Increase lockTTL for large transactions.
	// The formula is `ttl = ttlFactor * sqrt(sizeInMiB)`.
	lockTTL := defaultLockTTL
	if txnSize >= txnCommitBatchSize {
		sizeMiB := float64(txnSize) / bytesPerMiB
		lockTTL = uint64(float64(ttlFactor) * math.Sqrt(sizeMiB))
		if lockTTL < defaultLockTTL {
			lockTTL = defaultLockTTL
		}
		if lockTTL > maxLockTTL {
			lockTTL = maxLockTTL
		}
	}
	elapsed := time.Since(startTime) / time.Millisecond
	return lockTTL + uint64(elapsed)
}

const bytesPerMiB = 1024 * 1024

// checkAsyncCommit checks whether the transaction can use the async
// commit protocol. Oversized transactions fall back to classic 2PC
// because the primary lock must carry every secondary key.
func (c *twoPhaseCommitter) checkAsyncCommit() bool {
	if !c.txn.options.TryAsyncCommit {
		return false
	}
	asyncCommitCfg := config.GetGlobalConfig().TiKVClient.AsyncCommit
	totalKeySize := uint64(0)
	for i := 0; i < c.mutations.Len(); i++ {
		totalKeySize += uint64(len(c.mutations.GetKey(i)))
		if totalKeySize > asyncCommitCfg.TotalKeySizeLimit {
			return false
		}
	}
	return uint(c.mutations.Len()) <= asyncCommitCfg.KeysLimit
}

func (c *twoPhaseCommitter) checkOnePC() bool {
	return c.txn.options.TryOnePC
}

func (c *twoPhaseCommitter) isAsyncCommit() bool {
	return c.useAsyncCommit.Load()
}

func (c *twoPhaseCommitter) setAsyncCommit(val bool) {
	c.useAsyncCommit.Store(val)
}

func (c *twoPhaseCommitter) isOnePC() bool {
	return c.useOnePC.Load()
}

func (c *twoPhaseCommitter) setOnePC(val bool) {
	c.useOnePC.Store(val)
}

// asyncSecondaries returns every key except the primary, recorded on
// the primary lock so an observer can find the whole key set.
func (c *twoPhaseCommitter) asyncSecondaries() [][]byte {
	secondaries := make([][]byte, 0, c.mutations.Len())
	for i := 0; i < c.mutations.Len(); i++ {
		k := c.mutations.GetKey(i)
		if bytes.Equal(k, c.primary()) {
			continue
		}
		secondaries = append(secondaries, k)
	}
	return secondaries
}

// calculateMaxCommitTS bounds the async commit ts by the configured
// safe window over the start ts, so a follower read started after the
// window cannot miss the commit.
func (c *twoPhaseCommitter) calculateMaxCommitTS() {
	asyncCommitCfg := config.GetGlobalConfig().TiKVClient.AsyncCommit
	safeWindow := asyncCommitCfg.SafeWindow + asyncCommitCfg.AllowedClockDrift
	maxCommitTS := oracle.ComposeTS(oracle.ExtractPhysical(c.startTS)+int64(safeWindow/time.Millisecond), oracle.ExtractLogical(c.startTS))
	c.maxCommitTS = maxCommitTS
}

type ttlManagerState uint32

const (
	stateUninitialized ttlManagerState = iota
	stateRunning
	stateClosed
)

type ttlManager struct {
	state ttlManagerState
	ch    chan struct{}
}

func (tm *ttlManager) run(c *twoPhaseCommitter, interval time.Duration) {
	// Run only once.
	if !atomic.CompareAndSwapUint32((*uint32)(&tm.state), uint32(stateUninitialized), uint32(stateRunning)) {
		return
	}
	tm.ch = make(chan struct{})
	go keepAlive(c, tm.ch, interval)
}

func (tm *ttlManager) close() {
	if !atomic.CompareAndSwapUint32((*uint32)(&tm.state), uint32(stateRunning), uint32(stateClosed)) {
		return
	}
	close(tm.ch)
}

func keepAlive(c *twoPhaseCommitter, closeCh chan struct{}, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-closeCh:
			return
		case <-ticker.C:
			if fail.Eval(fail.BeforeSendHeartBeat) {
				continue
			}
			bo := retry.NewBackoffer(context.Background(), retry.PessimisticBackoff)
			now, err := c.store.getTimestampWithRetry(bo)
			if err != nil {
				logutil.Logger(bo.GetContext()).Warn("keepAlive get tso fail",
					zap.Error(err))
				return
			}

			uptime := uint64(oracle.ExtractPhysical(now) - oracle.ExtractPhysical(c.startTS))
			if uptime > config.GetGlobalConfig().MaxTxnTTL {
				// Checks maximum lifetime for the ttlManager, so when something goes wrong
				// the key will not be locked forever.
				logutil.Logger(bo.GetContext()).Info("ttlManager live up to its lifetime",
					zap.Uint64("txnStartTS", c.startTS),
					zap.Uint64("uptime", uptime),
					zap.Uint64("maxTxnTTL", config.GetGlobalConfig().MaxTxnTTL))
				metrics.TxnHeartBeatHistogram.WithLabelValues(metrics.LblError).Observe(float64(uptime))
				return
			}

			newTTL := uptime + ManagedLockTTL
			logutil.Logger(bo.GetContext()).Info("send TxnHeartBeat",
				zap.Uint64("startTS", c.startTS), zap.Uint64("newTTL", newTTL))
			startTime := time.Now()
			_, err = sendTxnHeartBeat(bo, c.store, c.primary(), c.startTS, newTTL)
			if err != nil {
				metrics.TxnHeartBeatHistogram.WithLabelValues(metrics.LblError).Observe(time.Since(startTime).Seconds())
				logutil.Logger(bo.GetContext()).Warn("send TxnHeartBeat failed",
					zap.Error(err),
					zap.Uint64("txnStartTS", c.startTS))
				return
			}
			metrics.TxnHeartBeatHistogram.WithLabelValues(metrics.LblOk).Observe(time.Since(startTime).Seconds())
		}
	}
}

func sendTxnHeartBeat(bo *retry.Backoffer, store *KVStore, primary []byte, startTS, ttl uint64) (uint64, error) {
	req := tikvrpc.NewRequest(tikvrpc.CmdTxnHeartBeat, &kvrpcpb.TxnHeartBeatRequest{
		PrimaryLock:   primary,
		StartVersion:  startTS,
		AdviseLockTtl: ttl,
	})
	for {
		loc, err := store.GetRegionCache().LocateKey(bo, primary)
		if err != nil {
			return 0, errors.WithStack(err)
		}
		resp, err := store.SendReq(bo, req, loc.Region, readTimeoutShort)
		if err != nil {
			return 0, errors.WithStack(err)
		}
		regionErr, err := resp.GetRegionError()
		if err != nil {
			return 0, errors.WithStack(err)
		}
		if regionErr != nil {
			err = bo.Backoff(retry.BoRegionMiss, errors.New(regionErr.String()))
			if err != nil {
				return 0, errors.WithStack(err)
			}
			continue
		}
		if resp.Resp == nil {
			return 0, errors.WithStack(ErrBodyMissing)
		}
		cmdResp := resp.Resp.(*kvrpcpb.TxnHeartBeatResponse)
		if keyErr := cmdResp.GetError(); keyErr != nil {
			return 0, errors.Errorf("txn %d heartbeat fail, primary key = %v, err = %s", startTS, primary, keyErr.Abort)
		}
		return cmdResp.GetLockTtl(), nil
	}
}

// batchMutations is a batch of mutations to be sent to one region.
type batchMutations struct {
	region    locate.RegionVerID
	mutations CommitterMutations
	isPrimary bool
}

type batched struct {
	batches    []batchMutations
	primaryIdx int
	primaryKey []byte
}

func newBatched(primaryKey []byte) *batched {
	return &batched{
		primaryIdx: -1,
		primaryKey: primaryKey,
	}
}

// appendBatchMutationsBySize appends mutations to b. It may split the keys to make
// sure each batch's size does not exceed the limit.
func (b *batched) appendBatchMutationsBySize(region locate.RegionVerID, mutations CommitterMutations, sizeFn func(k, v []byte) int, limit int) {
	var start, end int
	for start = 0; start < mutations.Len(); start = end {
		var size int
		for end = start; end < mutations.Len() && size < limit; end++ {
			var k, v []byte
			k = mutations.GetKey(end)
			v = mutations.GetValue(end)
			size += sizeFn(k, v)
			if b.primaryIdx < 0 && bytes.Equal(k, b.primaryKey) {
				b.primaryIdx = len(b.batches)
			}
		}
		b.batches = append(b.batches, batchMutations{
			region:    region,
			mutations: mutations.Slice(start, end),
		})
	}
}

func (b *batched) setPrimary() bool {
	// If the batches include the primary key, put it to the first
	if b.primaryIdx >= 0 {
		if len(b.batches) > 0 {
			b.batches[b.primaryIdx].isPrimary = true
			b.batches[0], b.batches[b.primaryIdx] = b.batches[b.primaryIdx], b.batches[0]
			b.primaryIdx = 0
		}
		return true
	}
	return false
}

func (b *batched) allBatches() []batchMutations {
	return b.batches
}

// primaryBatch returns the batch containing the primary key.
// Precondition: `b.setPrimary() == true`
func (b *batched) primaryBatch() []batchMutations {
	return b.batches[:1]
}

func (b *batched) forgetPrimary() {
	if len(b.batches) == 0 {
		return
	}
	b.batches = b.batches[1:]
}

// twoPhaseCommitAction is a retryable action on a single batch.
type twoPhaseCommitAction interface {
	handleSingleBatch(*twoPhaseCommitter, *retry.Backoffer, batchMutations) error
	tiKVTxnRegionsNumHistogram() prometheus.Observer
	String() string
}

// doActionOnMutations groups the keys into regions and batches, then
// dispatches the action on the batches.
func (c *twoPhaseCommitter) doActionOnMutations(bo *retry.Backoffer, action twoPhaseCommitAction, mutations CommitterMutations) error {
	if mutations.Len() == 0 {
		return nil
	}
	groups, err := c.groupMutations(bo, mutations)
	if err != nil {
		return errors.WithStack(err)
	}
	return c.doActionOnGroupMutations(bo, action, groups)
}

type groupedMutations struct {
	region    locate.RegionVerID
	mutations CommitterMutations
}

// groupMutations groups mutations by region.
func (c *twoPhaseCommitter) groupMutations(bo *retry.Backoffer, mutations CommitterMutations) ([]groupedMutations, error) {
	groupMap := make(map[locate.RegionVerID]*PlainMutations)
	var order []locate.RegionVerID
	var lastLoc *locate.KeyLocation
	for i := 0; i < mutations.Len(); i++ {
		k := mutations.GetKey(i)
		if lastLoc == nil || !lastLoc.Contains(k) {
			var err error
			lastLoc, err = c.store.GetRegionCache().LocateKey(bo, k)
			if err != nil {
				return nil, errors.WithStack(err)
			}
		}
		group, ok := groupMap[lastLoc.Region]
		if !ok {
			muts := NewPlainMutations(8)
			group = &muts
			groupMap[lastLoc.Region] = group
			order = append(order, lastLoc.Region)
		}
		group.Push(mutations.GetOp(i), k, mutations.GetValue(i))
	}

	groups := make([]groupedMutations, 0, len(order))
	for _, region := range order {
		groups = append(groups, groupedMutations{
			region:    region,
			mutations: groupMap[region],
		})
	}
	return groups, nil
}

// doActionOnGroupMutations splits groups into batches (there is a size
// limit for each batch), and does the action on the batches.
func (c *twoPhaseCommitter) doActionOnGroupMutations(bo *retry.Backoffer, action twoPhaseCommitAction, groups []groupedMutations) error {
	action.tiKVTxnRegionsNumHistogram().Observe(float64(len(groups)))

	batchBuilder := newBatched(c.primary())
	var sizeFunc = c.keySize
	if _, ok := action.(actionPrewrite); ok {
		sizeFunc = c.keyValueSize
	}
	for _, group := range groups {
		batchBuilder.appendBatchMutationsBySize(group.region, group.mutations, sizeFunc, txnCommitBatchSize)
	}
	firstIsPrimary := batchBuilder.setPrimary()

	if _, ok := action.(actionPrewrite); ok && c.isOnePC() && len(batchBuilder.allBatches()) > 1 {
		// 1PC only works when every mutation fits in one request.
		c.setOnePC(false)
	}

	_, actionIsCommit := action.(actionCommit)
	_, actionIsCleanup := action.(actionCleanup)
	_, actionIsPessimisticLock := action.(actionPessimisticLock)

	var err error
	if firstIsPrimary &&
		((actionIsCommit && !c.isAsyncCommit()) || actionIsCleanup || actionIsPessimisticLock) {
		// primary should be committed(not async commit)/cleanup/pessimistically locked first
		err = c.doActionOnBatches(bo, action, batchBuilder.primaryBatch())
		if err != nil {
			return errors.WithStack(err)
		}
		batchBuilder.forgetPrimary()
	}
	// commits the secondary batches in the background so the committed
	// transaction returns as soon as the primary is durable.
	if actionIsCommit && !action.(actionCommit).retry && !c.isAsyncCommit() && len(batchBuilder.allBatches()) > 0 {
		secondaryBo := retry.NewBackoffer(context.Background(), retry.CommitMaxBackoff)
		go func() {
			e := c.doActionOnBatches(secondaryBo, action, batchBuilder.allBatches())
			if e != nil {
				logutil.BgLogger().Debug("2PC async doActionOnBatches",
					zap.Uint64("txnStartTS", c.startTS), zap.Stringer("action type", action), zap.Error(e))
				metrics.SecondaryLockCleanupFailureCounter.WithLabelValues("commit").Inc()
			}
		}()
		return nil
	}
	return c.doActionOnBatches(bo, action, batchBuilder.allBatches())
}

// doActionOnBatches does action to batches in parallel.
func (c *twoPhaseCommitter) doActionOnBatches(bo *retry.Backoffer, action twoPhaseCommitAction, batches []batchMutations) error {
	if len(batches) == 0 {
		return nil
	}
	if len(batches) == 1 {
		e := action.handleSingleBatch(c, bo, batches[0])
		if e != nil {
			logutil.BgLogger().Debug("2PC doActionOnBatches failed",
				zap.Stringer("action type", action),
				zap.Error(e),
				zap.Uint64("txnStartTS", c.startTS))
		}
		return errors.WithStack(e)
	}
	rateLim := len(batches)
	// Set rateLim here for the large transaction.
	if rateLim > config.GetGlobalConfig().CommitterConcurrency {
		rateLim = config.GetGlobalConfig().CommitterConcurrency
	}
	batchExecutor := newBatchExecutor(rateLim, c, action, bo)
	return batchExecutor.process(batches)
}

func (c *twoPhaseCommitter) keyValueSize(key, value []byte) int {
	return len(key) + len(value)
}

func (c *twoPhaseCommitter) keySize(key, value []byte) int {
	return len(key)
}

func (c *twoPhaseCommitter) setUndeterminedErr(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mu.undeterminedErr = err
}

func (c *twoPhaseCommitter) getUndeterminedErr() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.mu.undeterminedErr
}

// execute executes the two-phase commit protocol.
func (c *twoPhaseCommitter) execute(ctx context.Context) (err error) {
	committed := false
	defer func() {
		// Always clean up all written keys if the txn does not commit.
		c.mu.RLock()
		committed = c.mu.committed
		undetermined := c.mu.undeterminedErr != nil
		c.mu.RUnlock()
		if !committed && !undetermined && !c.skipCommit {
			c.cleanWg.Add(1)
			go func() {
				cleanupBo := retry.NewBackoffer(context.Background(), retry.CleanupMaxBackoff)
				err := c.cleanupMutations(cleanupBo, c.mutations)
				if err != nil {
					metrics.SecondaryLockCleanupFailureCounter.WithLabelValues("rollback").Inc()
					logutil.Logger(ctx).Info("2PC cleanup failed",
						zap.Error(err),
						zap.Uint64("txnStartTS", c.startTS))
				} else {
					logutil.Logger(ctx).Info("2PC clean up done",
						zap.Uint64("txnStartTS", c.startTS))
				}
				c.cleanWg.Done()
			}()
		}
		c.txn.commitTS = c.commitTS
	}()

	c.setAsyncCommit(c.checkAsyncCommit())
	c.setOnePC(c.checkOnePC())
	if c.isAsyncCommit() || c.isOnePC() {
		c.calculateMaxCommitTS()
	}

	// The heartbeat keeps the primary lock alive while the commit is in
	// flight. Pessimistic transactions started it at the first LockKeys.
	if interval, ok := c.txn.options.Heartbeat.interval(); ok && !c.isPessimistic {
		c.ttlManager.run(c, interval)
	}

	prewriteBo := retry.NewBackoffer(ctx, retry.PrewriteMaxBackoff)
	start := time.Now()
	err = c.prewriteMutations(prewriteBo, c.mutations)
	if err != nil {
		metrics.TxnCommitCounter.WithLabelValues(metrics.LblError).Inc()
		return errors.WithStack(err)
	}
	logutil.Logger(ctx).Debug("2PC prewrite finished",
		zap.Duration("takes", time.Since(start)),
		zap.Uint64("txnStartTS", c.startTS))

	if fail.Eval(fail.AfterPrewrite) {
		// Abandon the commit phase; the locks stay behind so a resolver
		// can observe a client that died between prewrite and commit.
		c.skipCommit = true
		return errors.Errorf("commit abandoned after prewrite, startTS: %d", c.startTS)
	}

	if c.isOnePC() {
		if c.onePCCommitTS == 0 {
			return errors.Errorf("session 1PC commit ts is 0, startTS: %v", c.startTS)
		}
		c.commitTS = c.onePCCommitTS
		c.mu.Lock()
		c.mu.committed = true
		c.mu.Unlock()
		metrics.TxnCommitCounter.WithLabelValues(metrics.LblOnePC).Inc()
		return nil
	}

	if c.isAsyncCommit() {
		if c.minCommitTS == 0 {
			// The storage side rejected async commit; fall back.
			c.setAsyncCommit(false)
		} else {
			// The transaction is considered committed once all prewrites
			// succeed. Commit the keys in the background.
			c.commitTS = c.minCommitTS
			c.mu.Lock()
			c.mu.committed = true
			c.mu.Unlock()
			metrics.TxnCommitCounter.WithLabelValues(metrics.LblAsyncCommit).Inc()
			c.cleanWg.Add(1)
			go func() {
				defer c.cleanWg.Done()
				defer c.ttlManager.close()
				commitBo := retry.NewBackoffer(context.Background(), retry.CommitMaxBackoff)
				c.commitAsyncSecondaries(commitBo)
			}()
			return nil
		}
	}

	tsoBo := retry.NewBackoffer(ctx, retry.TsoMaxBackoff)
	commitTS, err := c.store.getTimestampWithRetry(tsoBo)
	if err != nil {
		logutil.Logger(ctx).Warn("2PC get commitTS failed",
			zap.Error(err),
			zap.Uint64("txnStartTS", c.startTS))
		return errors.WithStack(err)
	}
	if commitTS <= c.startTS {
		return errors.Errorf("invalid commitTS %d le startTS %d", commitTS, c.startTS)
	}
	c.commitTS = commitTS

	commitBo := retry.NewBackoffer(ctx, retry.CommitMaxBackoff)
	err = c.commitMutations(commitBo, c.mutations)
	if err != nil {
		if undeterminedErr := c.getUndeterminedErr(); undeterminedErr != nil {
			logutil.Logger(ctx).Error("2PC commit result undetermined",
				zap.Error(err),
				zap.NamedError("rpcErr", undeterminedErr),
				zap.Uint64("txnStartTS", c.startTS))
			return errors.WithStack(ErrUndetermined)
		}
		metrics.TxnCommitCounter.WithLabelValues(metrics.LblError).Inc()
		return errors.WithStack(err)
	}
	metrics.TxnCommitCounter.WithLabelValues(metrics.Lbl2PC).Inc()
	return nil
}

// commitAsyncSecondaries commits every key of an async commit txn in
// the background. The instrumentation point drops a share of the tail
// keys to simulate a crash mid-commit.
func (c *twoPhaseCommitter) commitAsyncSecondaries(bo *retry.Backoffer) {
	muts := CommitterMutations(c.mutations)
	if p := fail.EvalPercent(fail.BeforeCommitSecondary); p > 0 {
		keep := muts.Len() * (100 - p) / 100
		muts = muts.Slice(0, keep)
	}
	err := c.commitMutations(bo, muts)
	if err != nil {
		metrics.SecondaryLockCleanupFailureCounter.WithLabelValues("commit").Inc()
		logutil.BgLogger().Warn("2PC async commit secondaries failed",
			zap.Error(err),
			zap.Uint64("txnStartTS", c.startTS))
	}
}

type batchExecutor struct {
	rateLim     int
	rateLimiter *rateLimit
	committer   *twoPhaseCommitter
	action      twoPhaseCommitAction
	backoffer   *retry.Backoffer
}

func newBatchExecutor(rateLim int, committer *twoPhaseCommitter, action twoPhaseCommitAction, backoffer *retry.Backoffer) *batchExecutor {
	return &batchExecutor{rateLim, nil, committer, action, backoffer}
}

// initUtils do initialize batchExecutor related policies like rateLimit util
func (batchExe *batchExecutor) initUtils() error {
	// init rateLimiter by injected rate limit number
	batchExe.rateLimiter = newRateLimit(batchExe.rateLim)
	return nil
}

// startWork concurrently does the work for each batch considering rate limit
func (batchExe *batchExecutor) startWorker(exitCh chan struct{}, ch chan error, batches []batchMutations) {
	for idx, batch1 := range batches {
		if exit := batchExe.rateLimiter.getToken(exitCh); !exit {
			batch := batch1
			go func() {
				defer batchExe.rateLimiter.putToken()
				var singleBatchBackoffer *retry.Backoffer
				if _, ok := batchExe.action.(actionCommit); ok {
					// Because the secondary batches of the commit actions are implemented to be
					// committed asynchronously in background goroutines, we should not
					// fork a child context and call cancel() while the foreground goroutine exits.
					// Otherwise the background goroutines will be canceled execeptionally.
					// Here we makes a new clone of the original backoffer for this goroutine
					// exclusively to avoid the data race when using the same backoffer
					// in concurrent goroutines.
					singleBatchBackoffer = batchExe.backoffer.Clone()
				} else {
					var singleBatchCancel context.CancelFunc
					singleBatchBackoffer, singleBatchCancel = batchExe.backoffer.Fork()
					defer singleBatchCancel()
				}
				ch <- batchExe.action.handleSingleBatch(batchExe.committer, singleBatchBackoffer, batch)
			}()
		} else {
			logutil.Logger(batchExe.backoffer.GetContext()).Info("break startWorker",
				zap.Stringer("action", batchExe.action), zap.Int("batch size", len(batches)),
				zap.Int("index", idx))
			break
		}
	}
}

// process will start worker routine and collect results
func (batchExe *batchExecutor) process(batches []batchMutations) error {
	var err error
	err = batchExe.initUtils()
	if err != nil {
		logutil.Logger(batchExe.backoffer.GetContext()).Error("batchExecutor initUtils failed", zap.Error(err))
		return err
	}

	// For prewrite, stop sending other requests after receiving first error.
	var cancel context.CancelFunc
	if _, ok := batchExe.action.(actionPrewrite); ok {
		batchExe.backoffer, cancel = batchExe.backoffer.Fork()
		defer cancel()
	}
	// concurrently do the work for each batch.
	ch := make(chan error, len(batches))
	exitCh := make(chan struct{})
	go batchExe.startWorker(exitCh, ch, batches)
	// check results
	for i := 0; i < len(batches); i++ {
		if e := <-ch; e != nil {
			logutil.Logger(batchExe.backoffer.GetContext()).Debug("2PC doActionOnBatch failed",
				zap.Stringer("action type", batchExe.action),
				zap.Error(e),
				zap.Uint64("txnStartTS", batchExe.committer.startTS))
			// Cancel other requests and return the first error.
			if cancel != nil {
				logutil.Logger(batchExe.backoffer.GetContext()).Debug("2PC doActionOnBatch to cancel other actions",
					zap.Stringer("action type", batchExe.action),
					zap.Uint64("txnStartTS", batchExe.committer.startTS))
				cancel()
			}
			if err == nil {
				err = e
			}
		}
	}
	close(exitCh)
	return err
}

// rateLimit wraps a fix sized channel to control concurrency.
type rateLimit struct {
	token chan struct{}
}

// newRateLimit creates a limit controller with capacity n.
func newRateLimit(n int) *rateLimit {
	return &rateLimit{
		token: make(chan struct{}, n),
	}
}

// getToken acquires a token.
func (r *rateLimit) getToken(done <-chan struct{}) (exit bool) {
	select {
	case <-done:
		return true
	case r.token <- struct{}{}:
		return false
	}
}

// putToken puts a token back.
func (r *rateLimit) putToken() {
	select {
	case <-r.token:
	default:
		panic("put a redundant token")
	}
}
