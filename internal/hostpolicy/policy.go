// Package hostpolicy implements the per-origin adaptive segment-count
// tuner: it remembers, per (scheme, host, port), how well ranged
// downloads have gone and picks a segment count for the next job.
package hostpolicy

import (
	"encoding/json"
	"os"
	"time"

	"github.com/datallboy/godlm/internal/domain"
	"github.com/datallboy/godlm/internal/probe"
)

const throughputGoodBytesPerSec = 1_000_000.0

// snapshotVersion is written to every persisted snapshot; it exists so
// a future format change has something to branch on.
const snapshotVersion = 1

// PersistedHostPolicy is the on-disk snapshot shape: a version tag, the
// bounds the policy was saved with, and every known host's entry keyed
// by HostKey.String(). Matches the original policy's PersistedHostPolicy.
type PersistedHostPolicy struct {
	Version     int                          `json:"version"`
	MinSegments int                          `json:"min_segments"`
	MaxSegments int                          `json:"max_segments"`
	Entries     map[string]domain.HostEntry  `json:"entries"`
}

// observed carries the in-memory-only timestamps alongside the
// persisted HostEntry; these never round-trip through the snapshot.
type observed struct {
	entry           domain.HostEntry
	lastThrottledAt time.Time
	lastErrorAt     time.Time
	lastSuccessAt   time.Time
}

// Policy is the single mutable owner of host state in single-job mode;
// callers that need shared access wrap it in a mutex (see scheduler).
type Policy struct {
	entries     map[domain.HostKey]*observed
	minSegments int
	maxSegments int
}

// New returns an empty policy with the configured [min, max] segment
// bounds (min clamped to at least 1, max clamped to at least min).
func New(minSegments, maxSegments int) *Policy {
	if minSegments < 1 {
		minSegments = 1
	}
	if maxSegments < minSegments {
		maxSegments = minSegments
	}
	return &Policy{entries: make(map[domain.HostKey]*observed), minSegments: minSegments, maxSegments: maxSegments}
}

func (p *Policy) defaultAdaptiveLimit() int {
	n := 4
	if p.minSegments > n {
		n = p.minSegments
	}
	if n > p.maxSegments {
		n = p.maxSegments
	}
	return n
}

func (p *Policy) entryFor(key domain.HostKey) *observed {
	e, ok := p.entries[key]
	if !ok {
		e = &observed{entry: domain.HostEntry{AdaptiveSegmentLimit: p.defaultAdaptiveLimit()}}
		p.entries[key] = e
	}
	return e
}

// RecommendedMaxSegments returns the cap on segment count for key,
// derived from the configured max segments halved for every group of
// three throttle events observed (at most three halving steps, never
// below min_segments).
func (p *Policy) RecommendedMaxSegments(key domain.HostKey) int {
	base := p.maxSegments
	if p.minSegments > base {
		base = p.minSegments
	}
	if base < 1 {
		base = 1
	}
	e, ok := p.entries[key]
	if !ok {
		return base
	}
	steps := int(e.entry.ThrottledEvents) / 3
	if steps > 3 {
		steps = 3
	}
	recommended := base
	floor := p.minSegments
	if floor < 1 {
		floor = 1
	}
	for i := 0; i < steps; i++ {
		recommended /= 2
		if recommended < floor {
			recommended = floor
		}
	}
	return recommended
}

// RecommendedMaxSegmentsForURL is a convenience wrapper over
// RecommendedMaxSegments for callers that only have a URL.
func (p *Policy) RecommendedMaxSegmentsForURL(rawURL string) (int, error) {
	key, err := domain.HostKeyFromURL(rawURL)
	if err != nil {
		return 0, err
	}
	return p.RecommendedMaxSegments(key), nil
}

// AdaptiveSegmentCount returns the segment count the next job to key
// should use: the host's remembered adaptive limit, clamped by the
// recommended max and by the configured [min, max] bounds.
func (p *Policy) AdaptiveSegmentCount(key domain.HostKey) int {
	maxCap := p.RecommendedMaxSegments(key)
	e, ok := p.entries[key]
	if !ok {
		n := p.defaultAdaptiveLimit()
		if n > maxCap {
			n = maxCap
		}
		return n
	}
	n := e.entry.AdaptiveSegmentLimit
	if n > maxCap {
		n = maxCap
	}
	if n < p.minSegments {
		n = p.minSegments
	}
	if n > p.maxSegments {
		n = p.maxSegments
	}
	return n
}

// AdaptiveSegmentCountForURL is a convenience wrapper for callers that
// only have a URL; it falls back to the default limit on a parse error.
func (p *Policy) AdaptiveSegmentCountForURL(rawURL string) int {
	key, err := domain.HostKeyFromURL(rawURL)
	if err != nil {
		n := p.minSegments
		if n > p.maxSegments {
			n = p.maxSegments
		}
		if n < 1 {
			n = 1
		}
		return n
	}
	return p.AdaptiveSegmentCount(key)
}

// RecordHeadResult updates range support for url's host from a probe result.
func (p *Policy) RecordHeadResult(rawURL string, result probe.Result) error {
	key, err := domain.HostKeyFromURL(rawURL)
	if err != nil {
		return err
	}
	e := p.entryFor(key)
	if result.AcceptRanges {
		e.entry.RangeSupport = domain.RangeSupported
	} else {
		e.entry.RangeSupport = domain.RangeNotSupported
	}
	return nil
}

// RecordJobOutcome updates the entry for url after a job run: observed
// throughput, throttle/error counters, and the adaptive segment limit
// stepping (halve on trouble, step 4/8/16 on good throughput).
func (p *Policy) RecordJobOutcome(rawURL string, bytesDownloaded uint64, duration time.Duration, throttleEvents, errorEvents uint32) error {
	key, err := domain.HostKeyFromURL(rawURL)
	if err != nil {
		return err
	}
	minSeg := p.minSegments
	if minSeg < 1 {
		minSeg = 1
	}
	maxCap := p.RecommendedMaxSegments(key)
	e := p.entryFor(key)

	var bps float64
	if duration.Seconds() > 0 {
		bps = float64(bytesDownloaded) / duration.Seconds()
	}
	e.entry.LastThroughputBytesPerSec = &bps

	now := time.Now()
	if throttleEvents > 0 {
		e.entry.ThrottledEvents += throttleEvents
		e.lastThrottledAt = now
	}
	if errorEvents > 0 {
		e.entry.ErrorEvents += errorEvents
		e.lastErrorAt = now
	}

	switch {
	case throttleEvents > 0 || errorEvents > 0:
		limit := e.entry.AdaptiveSegmentLimit / 2
		if limit < minSeg {
			limit = minSeg
		}
		if limit > p.maxSegments {
			limit = p.maxSegments
		}
		e.entry.AdaptiveSegmentLimit = limit
	case bps >= throughputGoodBytesPerSec:
		var next int
		switch {
		case e.entry.AdaptiveSegmentLimit < 8:
			next = 8
		case e.entry.AdaptiveSegmentLimit < 16:
			next = 16
		default:
			next = p.maxSegments
			if next > 16 {
				next = 16
			}
		}
		if next > maxCap {
			next = maxCap
		}
		e.entry.AdaptiveSegmentLimit = next
	}
	return nil
}

// RecordSuccess bumps the success counter and success time for key
// outside a full job-outcome record.
func (p *Policy) RecordSuccess(key domain.HostKey) {
	e := p.entryFor(key)
	e.entry.SuccessEvents++
	e.lastSuccessAt = time.Now()
}

// Snapshot returns the persisted (timestamp-free) part of every known
// entry, keyed by HostKey.String(), wrapped in the versioned envelope
// written to the snapshot file between process runs.
func (p *Policy) Snapshot() PersistedHostPolicy {
	entries := make(map[string]domain.HostEntry, len(p.entries))
	for key, e := range p.entries {
		entries[key.String()] = e.entry
	}
	return PersistedHostPolicy{
		Version:     snapshotVersion,
		MinSegments: p.minSegments,
		MaxSegments: p.maxSegments,
		Entries:     entries,
	}
}

// LoadFile replaces p's in-memory entries with those stored in a JSON
// snapshot at path, keeping p's configured [min, max] bounds (the
// snapshot's own min_segments/max_segments are informational only;
// current config always wins). Every loaded entry's adaptive segment
// limit is re-clamped to p's bounds, since the snapshot may have been
// written under a different configuration. A missing file is not an
// error: a fresh policy simply stays empty.
func (p *Policy) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	var snapshot PersistedHostPolicy
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return err
	}
	minSeg := p.minSegments
	if minSeg < 1 {
		minSeg = 1
	}
	maxSeg := p.maxSegments
	if maxSeg < minSeg {
		maxSeg = minSeg
	}
	entries := make(map[domain.HostKey]*observed, len(snapshot.Entries))
	for keyStr, entry := range snapshot.Entries {
		key, ok := domain.ParseHostKey(keyStr)
		if !ok {
			continue
		}
		if entry.AdaptiveSegmentLimit < minSeg {
			entry.AdaptiveSegmentLimit = minSeg
		}
		if entry.AdaptiveSegmentLimit > maxSeg {
			entry.AdaptiveSegmentLimit = maxSeg
		}
		entries[key] = &observed{entry: entry}
	}
	p.entries = entries
	return nil
}

// SaveFile writes p's snapshot to path as JSON, creating or truncating
// the file.
func (p *Policy) SaveFile(path string) error {
	data, err := json.MarshalIndent(p.Snapshot(), "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}
