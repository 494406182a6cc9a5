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

// Package locate maintains the client's view of the region layout.
// Regions move and split underneath a running transaction, so every
// cached location is a hint. Callers retry through the Backoffer when
// a storage node answers with a region error.
package locate

import (
	"bytes"
	"fmt"
	"sync"

	"github.com/pingcap/errors"
	"github.com/pingcap/kvproto/pkg/kvrpcpb"
	"github.com/pingcap/kvproto/pkg/metapb"
	"github.com/tikv/txnkv/internal/retry"
)

// Cluster provides the region topology. It stands in for the placement
// driver; tests back it with an in-process mock cluster.
type Cluster interface {
	GetRegionByKey(key []byte) (*metapb.Region, *metapb.Peer)
	GetRegionByID(regionID uint64) (*metapb.Region, *metapb.Peer)
}

// RegionVerID is a unique ID that can identify a Region at a specific version.
type RegionVerID struct {
	id      uint64
	confVer uint64
	ver     uint64
}

// GetID returns the id of the region.
func (r RegionVerID) GetID() uint64 {
	return r.id
}

// GetVer returns the version of the region's epoch.
func (r RegionVerID) GetVer() uint64 {
	return r.ver
}

// String formats the RegionVerID to string.
func (r RegionVerID) String() string {
	return fmt.Sprintf("{ region id: %v, ver: %v, confVer: %v }", r.id, r.ver, r.confVer)
}

// Region presents kv region.
type Region struct {
	meta *metapb.Region
	peer *metapb.Peer
}

// VerID returns the Region's RegionVerID.
func (r *Region) VerID() RegionVerID {
	return RegionVerID{
		id:      r.meta.GetId(),
		confVer: r.meta.GetRegionEpoch().GetConfVer(),
		ver:     r.meta.GetRegionEpoch().GetVersion(),
	}
}

// Contains checks whether the key is in the region, for the maximum region endKey is empty.
// startKey <= key < endKey.
func (r *Region) Contains(key []byte) bool {
	return bytes.Compare(r.meta.GetStartKey(), key) <= 0 &&
		(bytes.Compare(key, r.meta.GetEndKey()) < 0 || len(r.meta.GetEndKey()) == 0)
}

// KeyLocation is the region and range that a key is located.
type KeyLocation struct {
	Region   RegionVerID
	StartKey []byte
	EndKey   []byte
}

// Contains checks if key is in [StartKey, EndKey).
func (l *KeyLocation) Contains(key []byte) bool {
	return bytes.Compare(l.StartKey, key) <= 0 &&
		(bytes.Compare(key, l.EndKey) < 0 || len(l.EndKey) == 0)
}

// RPCContext contains data that is needed to send RPC to a region.
type RPCContext struct {
	Region RegionVerID
	Meta   *metapb.Region
	Peer   *metapb.Peer
	Addr   string
}

// KVContext builds the kvrpcpb routing header for this region.
func (c *RPCContext) KVContext() *kvrpcpb.Context {
	return &kvrpcpb.Context{
		RegionId:    c.Region.id,
		RegionEpoch: c.Meta.GetRegionEpoch(),
		Peer:        c.Peer,
	}
}

// RegionCache caches Regions loaded from the cluster view.
type RegionCache struct {
	cluster Cluster
	mu      struct {
		sync.RWMutex
		regions map[RegionVerID]*Region
		sorted  map[uint64]RegionVerID
	}
}

// NewRegionCache creates a RegionCache.
func NewRegionCache(cluster Cluster) *RegionCache {
	c := &RegionCache{cluster: cluster}
	c.mu.regions = make(map[RegionVerID]*Region)
	c.mu.sorted = make(map[uint64]RegionVerID)
	return c
}

// LocateKey searches for the region and range that the key is located.
func (c *RegionCache) LocateKey(bo *retry.Backoffer, key []byte) (*KeyLocation, error) {
	r, err := c.findRegionByKey(bo, key)
	if err != nil {
		return nil, err
	}
	return &KeyLocation{
		Region:   r.VerID(),
		StartKey: r.meta.GetStartKey(),
		EndKey:   r.meta.GetEndKey(),
	}, nil
}

func (c *RegionCache) findRegionByKey(bo *retry.Backoffer, key []byte) (*Region, error) {
	c.mu.RLock()
	for _, r := range c.mu.regions {
		if r.Contains(key) {
			c.mu.RUnlock()
			return r, nil
		}
	}
	c.mu.RUnlock()
	return c.loadRegionByKey(bo, key)
}

func (c *RegionCache) loadRegionByKey(bo *retry.Backoffer, key []byte) (*Region, error) {
	for {
		meta, peer := c.cluster.GetRegionByKey(key)
		if meta == nil {
			err := bo.Backoff(retry.BoPDRPC, errors.Errorf("region not found for key %q", key))
			if err != nil {
				return nil, err
			}
			continue
		}
		if peer == nil {
			return nil, errors.Errorf("region %d has no leader", meta.GetId())
		}
		r := &Region{meta: meta, peer: peer}
		c.insertRegion(r)
		return r, nil
	}
}

func (c *RegionCache) insertRegion(r *Region) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if old, ok := c.mu.sorted[r.meta.GetId()]; ok {
		delete(c.mu.regions, old)
	}
	ver := r.VerID()
	c.mu.regions[ver] = r
	c.mu.sorted[r.meta.GetId()] = ver
}

// GetRPCContext returns the data that is needed to send an RPC to the region.
// It returns nil if the region is not in the cache any more.
func (c *RegionCache) GetRPCContext(bo *retry.Backoffer, id RegionVerID) (*RPCContext, error) {
	c.mu.RLock()
	r, ok := c.mu.regions[id]
	c.mu.RUnlock()
	if !ok {
		return nil, nil
	}
	return &RPCContext{
		Region: id,
		Meta:   r.meta,
		Peer:   r.peer,
		Addr:   fmt.Sprintf("store%d", r.peer.GetStoreId()),
	}, nil
}

// InvalidateCachedRegion removes a cached Region, typically because a
// request against it came back with a region error.
func (c *RegionCache) InvalidateCachedRegion(id RegionVerID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.mu.regions[id]; ok {
		delete(c.mu.regions, id)
		delete(c.mu.sorted, id.id)
	}
}

// OnRegionEpochNotMatch handles the EpochNotMatch error: drop the stale
// entry and cache the current regions carried in the error.
func (c *RegionCache) OnRegionEpochNotMatch(bo *retry.Backoffer, id RegionVerID, currentRegions []*metapb.Region) {
	c.InvalidateCachedRegion(id)
	for _, meta := range currentRegions {
		if len(meta.GetPeers()) == 0 {
			continue
		}
		c.insertRegion(&Region{meta: meta, peer: meta.GetPeers()[0]})
	}
}

// GroupKeysByRegion separates keys into groups by their belonging Regions.
// The first returned RegionVerID is the region of the first key. The
// filter, if non-nil, drops keys it returns false for.
func (c *RegionCache) GroupKeysByRegion(bo *retry.Backoffer, keys [][]byte, filter func(key, regionStartKey []byte) bool) (map[RegionVerID][][]byte, RegionVerID, error) {
	groups := make(map[RegionVerID][][]byte)
	var first RegionVerID
	var lastLoc *KeyLocation
	for i, k := range keys {
		if lastLoc == nil || !lastLoc.Contains(k) {
			var err error
			lastLoc, err = c.LocateKey(bo, k)
			if err != nil {
				return nil, first, errors.WithStack(err)
			}
			if filter != nil && !filter(k, lastLoc.StartKey) {
				continue
			}
		}
		id := lastLoc.Region
		if i == 0 {
			first = id
		}
		groups[id] = append(groups[id], k)
	}
	return groups, first, nil
}
