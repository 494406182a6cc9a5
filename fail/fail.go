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

// Package fail provides named instrumentation points that tests
// configure at runtime. A point with no configured action is a no-op,
// so the hooks stay compiled into production paths.
package fail

import (
	"sync"
	"time"
)

// Point names used by the client.
const (
	AfterPrewrite         = "after-prewrite"
	BeforeCommitSecondary = "before-commit-secondary"
	BeforeCleanupLocks    = "before-cleanup-locks"
	BeforeSendHeartBeat   = "before-send-heart-beat"
)

// Action tells a point what to do when evaluated.
type Action struct {
	// Sleep pauses the caller before it proceeds.
	Sleep time.Duration
	// Return makes the caller skip the guarded step.
	Return bool
	// Percent makes the caller skip the given percentage of the
	// guarded work. The interpretation is up to the call site.
	Percent int
}

var registry = struct {
	sync.RWMutex
	points map[string]Action
}{points: make(map[string]Action)}

// Cfg sets the action of a point.
func Cfg(name string, a Action) {
	registry.Lock()
	defer registry.Unlock()
	registry.points[name] = a
}

// Off removes the action of a point.
func Off(name string) {
	registry.Lock()
	defer registry.Unlock()
	delete(registry.points, name)
}

// Reset removes all configured actions.
func Reset() {
	registry.Lock()
	defer registry.Unlock()
	registry.points = make(map[string]Action)
}

// Eval runs a point. It performs the configured sleep, then reports
// whether the guarded step should be skipped.
func Eval(name string) (skip bool) {
	a, ok := lookup(name)
	if !ok {
		return false
	}
	if a.Sleep > 0 {
		time.Sleep(a.Sleep)
	}
	return a.Return
}

// EvalPercent runs a point that skips a share of the guarded work.
// It returns the configured percentage, or 0 when the point is off.
func EvalPercent(name string) int {
	a, ok := lookup(name)
	if !ok {
		return 0
	}
	if a.Sleep > 0 {
		time.Sleep(a.Sleep)
	}
	if a.Return {
		return 100
	}
	return a.Percent
}

func lookup(name string) (Action, bool) {
	registry.RLock()
	defer registry.RUnlock()
	a, ok := registry.points[name]
	return a, ok
}
