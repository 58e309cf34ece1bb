/*
 * FirecREST
 * Copyright (c) 2025, ETH Zurich. All rights reserved.
 *
 * Please, refer to the LICENSE file in the root directory.
 * SPDX-License-Identifier: BSD-3-Clause
 */

package healthcheck

import (
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// Store holds the most recent health samples of every cluster. Checkers
// replace a cluster's samples wholesale after each probing round so
// readers never observe a half-updated round.
type Store struct {
	clock clockwork.Clock

	mu      sync.RWMutex
	samples map[string][]Sample
}

// NewStore returns an empty sample store.
func NewStore(clock clockwork.Clock) *Store {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Store{
		clock:   clock,
		samples: make(map[string][]Sample),
	}
}

// Replace swaps in the samples of one probing round for a cluster.
func (s *Store) Replace(cluster string, samples []Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.samples[cluster] = append([]Sample(nil), samples...)
}

// Samples returns a copy of the cluster's current samples, oldest round
// order preserved. The second return is false when the cluster has never
// been probed.
func (s *Store) Samples(cluster string) ([]Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	samples, ok := s.samples[cluster]
	if !ok {
		return nil, false
	}
	return append([]Sample(nil), samples...), true
}

// Snapshot returns the samples of every known cluster.
func (s *Store) Snapshot() map[string][]Sample {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]Sample, len(s.samples))
	for cluster, samples := range s.samples {
		out[cluster] = append([]Sample(nil), samples...)
	}
	return out
}

// ByType returns the cluster's sample for one service type. Filesystem
// samples are per path; use Filesystem for those.
func (s *Store) ByType(cluster string, t ServiceType) (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sample := range s.samples[cluster] {
		if sample.ServiceType == t {
			return sample, true
		}
	}
	return Sample{}, false
}

// Filesystem returns the sample of the filesystem serving path: the
// probed mount point that is the longest prefix of the requested path.
func (s *Store) Filesystem(cluster, path string) (Sample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best Sample
	found := false
	for _, sample := range s.samples[cluster] {
		if sample.ServiceType != ServiceFilesystem {
			continue
		}
		if !pathHasPrefix(path, sample.Path) {
			continue
		}
		if !found || len(sample.Path) > len(best.Path) {
			best = sample
			found = true
		}
	}
	return best, found
}

// Age returns how long ago the cluster's oldest sample was taken. Serves
// as a liveness signal: a stale age means the checker stopped running.
// Returns false when the cluster has no samples yet.
func (s *Store) Age(cluster string) (time.Duration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	samples := s.samples[cluster]
	if len(samples) == 0 {
		return 0, false
	}
	oldest := samples[0].LastChecked
	for _, sample := range samples[1:] {
		if sample.LastChecked.Before(oldest) {
			oldest = sample.LastChecked
		}
	}
	return s.clock.Since(oldest), true
}

// pathHasPrefix reports whether path lives under mount, matching on whole
// path elements so /scratchy does not match mount /scratch.
func pathHasPrefix(path, mount string) bool {
	if mount == "" {
		return false
	}
	mount = strings.TrimSuffix(mount, "/")
	if mount == "" {
		return true
	}
	if !strings.HasPrefix(path, mount) {
		return false
	}
	rest := path[len(mount):]
	return rest == "" || strings.HasPrefix(rest, "/")
}
