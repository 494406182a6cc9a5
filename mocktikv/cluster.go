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

package mocktikv

import (
	"sync"

	"github.com/pingcap/kvproto/pkg/metapb"
)

// Cluster simulates a TiKV cluster. It focuses on region layout: which
// regions exist, their key ranges, epochs and leaders. Tests control
// the layout directly through Split and friends, so region error paths
// can be exercised deterministically.
type Cluster struct {
	sync.RWMutex
	id      uint64
	stores  map[uint64]*Store
	regions map[uint64]*Region
}

// NewCluster creates an empty cluster.
func NewCluster() *Cluster {
	return &Cluster{
		stores:  make(map[uint64]*Store),
		regions: make(map[uint64]*Region),
	}
}

// AllocID creates an unique ID in cluster. The ID could be used as either
// StoreID, RegionID, or PeerID.
func (c *Cluster) AllocID() uint64 {
	c.Lock()
	defer c.Unlock()

	return c.allocID()
}

// AllocIDs creates multiple IDs.
func (c *Cluster) AllocIDs(n int) []uint64 {
	c.Lock()
	defer c.Unlock()

	var ids []uint64
	for len(ids) < n {
		ids = append(ids, c.allocID())
	}
	return ids
}

func (c *Cluster) allocID() uint64 {
	c.id++
	return c.id
}

// GetRegionByKey returns the Region and its leader whose range contains the key.
func (c *Cluster) GetRegionByKey(key []byte) (*metapb.Region, *metapb.Peer) {
	c.RLock()
	defer c.RUnlock()

	for _, r := range c.regions {
		if regionContains(r.Meta.StartKey, r.Meta.EndKey, key) {
			return cloneRegion(r.Meta), r.leaderPeer()
		}
	}
	return nil, nil
}

// GetRegionByID returns the Region and its leader whose ID is regionID.
func (c *Cluster) GetRegionByID(regionID uint64) (*metapb.Region, *metapb.Peer) {
	c.RLock()
	defer c.RUnlock()

	r, ok := c.regions[regionID]
	if !ok {
		return nil, nil
	}
	return cloneRegion(r.Meta), r.leaderPeer()
}

// GetAllRegions returns a snapshot of the current regions.
func (c *Cluster) GetAllRegions() []*metapb.Region {
	c.RLock()
	defer c.RUnlock()

	metas := make([]*metapb.Region, 0, len(c.regions))
	for _, r := range c.regions {
		metas = append(metas, cloneRegion(r.Meta))
	}
	return metas
}

// AddStore adds a store to the cluster.
func (c *Cluster) AddStore(storeID uint64, addr string) {
	c.Lock()
	defer c.Unlock()

	c.stores[storeID] = newStore(storeID, addr)
}

// GetStoreAddr returns the address of the store with storeID.
func (c *Cluster) GetStoreAddr(storeID uint64) string {
	c.RLock()
	defer c.RUnlock()

	if s, ok := c.stores[storeID]; ok {
		return s.meta.Address
	}
	return ""
}

// Bootstrap creates the first Region covering the whole range.
func (c *Cluster) Bootstrap(regionID uint64, storeIDs, peerIDs []uint64, leaderPeerID uint64) {
	c.Lock()
	defer c.Unlock()

	c.regions[regionID] = newRegion(regionID, storeIDs, peerIDs, leaderPeerID)
}

// Split splits a Region at the key and creates new Region. The new
// region covers [key, oldEnd); the old shrinks to [oldStart, key).
// Both epochs advance, so cached locations on either side go stale.
func (c *Cluster) Split(regionID, newRegionID uint64, key []byte, peerIDs []uint64, leaderPeerID uint64) {
	c.Lock()
	defer c.Unlock()

	old := c.regions[regionID]
	newRegion := old.split(newRegionID, key, peerIDs, leaderPeerID)
	c.regions[newRegionID] = newRegion
}

// Merge merges 2 regions, their key ranges must be adjacent.
func (c *Cluster) Merge(regionID1, regionID2 uint64) {
	c.Lock()
	defer c.Unlock()

	c.regions[regionID1].merge(c.regions[regionID2].Meta.GetEndKey())
	delete(c.regions, regionID2)
}

// Region is the Region meta data.
type Region struct {
	Meta   *metapb.Region
	leader uint64
}

func newPeerMeta(peerID, storeID uint64) *metapb.Peer {
	return &metapb.Peer{
		Id:      peerID,
		StoreId: storeID,
	}
}

func newRegion(regionID uint64, storeIDs, peerIDs []uint64, leaderPeerID uint64) *Region {
	if len(storeIDs) != len(peerIDs) {
		panic("len(storeIDs) != len(peerIDs)")
	}
	peers := make([]*metapb.Peer, 0, len(storeIDs))
	for i := range storeIDs {
		peers = append(peers, newPeerMeta(peerIDs[i], storeIDs[i]))
	}
	meta := &metapb.Region{
		Id:          regionID,
		Peers:       peers,
		RegionEpoch: &metapb.RegionEpoch{ConfVer: 1, Version: 1},
	}
	return &Region{
		Meta:   meta,
		leader: leaderPeerID,
	}
}

func (r *Region) leaderPeer() *metapb.Peer {
	for _, p := range r.Meta.Peers {
		if p.GetId() == r.leader {
			return clonePeer(p)
		}
	}
	return nil
}

func (r *Region) split(newRegionID uint64, key []byte, peerIDs []uint64, leaderPeerID uint64) *Region {
	storeIDs := make([]uint64, 0, len(r.Meta.Peers))
	for _, peer := range r.Meta.Peers {
		storeIDs = append(storeIDs, peer.GetStoreId())
	}
	newRegion := newRegion(newRegionID, storeIDs, peerIDs, leaderPeerID)
	newRegion.updateKeyRange(key, r.Meta.EndKey)
	r.updateKeyRange(r.Meta.StartKey, key)
	return newRegion
}

func (r *Region) merge(endKey []byte) {
	r.Meta.EndKey = endKey
	r.incVersion()
}

func (r *Region) updateKeyRange(start, end []byte) {
	r.Meta.StartKey = start
	r.Meta.EndKey = end
	r.incVersion()
}

func (r *Region) incVersion() {
	r.Meta.RegionEpoch.Version++
}

// Store is the Store's meta data.
type Store struct {
	meta *metapb.Store
}

func newStore(storeID uint64, addr string) *Store {
	return &Store{
		meta: &metapb.Store{
			Id:      storeID,
			Address: addr,
		},
	}
}

func cloneRegion(meta *metapb.Region) *metapb.Region {
	peers := make([]*metapb.Peer, 0, len(meta.Peers))
	for _, p := range meta.Peers {
		peers = append(peers, clonePeer(p))
	}
	return &metapb.Region{
		Id:       meta.Id,
		StartKey: append([]byte(nil), meta.StartKey...),
		EndKey:   append([]byte(nil), meta.EndKey...),
		RegionEpoch: &metapb.RegionEpoch{
			ConfVer: meta.GetRegionEpoch().GetConfVer(),
			Version: meta.GetRegionEpoch().GetVersion(),
		},
		Peers: peers,
	}
}

func clonePeer(p *metapb.Peer) *metapb.Peer {
	return &metapb.Peer{
		Id:      p.GetId(),
		StoreId: p.GetStoreId(),
	}
}

// BootstrapWithSingleStore initializes a Cluster with 1 Region and 1 Store.
func BootstrapWithSingleStore(cluster *Cluster) (storeID, peerID, regionID uint64) {
	ids := cluster.AllocIDs(3)
	storeID, peerID, regionID = ids[0], ids[1], ids[2]
	cluster.AddStore(storeID, "store1")
	cluster.Bootstrap(regionID, []uint64{storeID}, []uint64{peerID}, peerID)
	return
}

// BootstrapWithMultiRegions initializes a Cluster with multiple Regions
// and 1 Store. The Regions are split by splitKeys.
func BootstrapWithMultiRegions(cluster *Cluster, splitKeys ...[]byte) (storeID uint64, regionIDs, peerIDs []uint64) {
	var firstRegionID, firstPeerID uint64
	storeID, firstPeerID, firstRegionID = BootstrapWithSingleStore(cluster)
	regionIDs = append([]uint64{firstRegionID}, cluster.AllocIDs(len(splitKeys))...)
	peerIDs = append([]uint64{firstPeerID}, cluster.AllocIDs(len(splitKeys))...)
	for i, k := range splitKeys {
		cluster.Split(regionIDs[i], regionIDs[i+1], k, []uint64{peerIDs[i+1]}, peerIDs[i+1])
	}
	return
}
