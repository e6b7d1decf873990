// Package orchestrator drives the write path (A→B→C→D→E) for one or many
// collections with crash-safe resumption (spec §4.8).
package orchestrator

import (
	"fmt"
	"os"

	"github.com/commoncrawl-tools/ccpointer/pkg/columnar"
)

// ShardState is a position in the per-shard state machine:
//
//	INPUT_PRESENT → SORTING → SORTED → INDEXED → AGGREGATED
//	      │             │         │         │
//	      └─FAIL────────┴─FAIL────┴─FAIL────┘
//
// FAIL is recoverable; RunShard retries from the furthest marker present.
type ShardState int

const (
	StateInputPresent ShardState = iota
	StateSorting
	StateSorted
	StateIndexed
	StateAggregated
	StateFailed
)

func (s ShardState) String() string {
	switch s {
	case StateInputPresent:
		return "INPUT_PRESENT"
	case StateSorting:
		return "SORTING"
	case StateSorted:
		return "SORTED"
	case StateIndexed:
		return "INDEXED"
	case StateAggregated:
		return "AGGREGATED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// markerSuffix returns the sidecar filename extension that commits a
// transition into state. StateSorted's marker is columnar.Write's own
// ".sorted" file; orchestrator adds ".sorting", ".indexed" and
// ".aggregated" beside it so a restart can tell the stages apart without
// opening the shard.
func markerSuffix(s ShardState) string {
	switch s {
	case StateSorting:
		return ".sorting"
	case StateIndexed:
		return ".indexed"
	case StateAggregated:
		return ".aggregated"
	default:
		return ""
	}
}

// markerPath returns the sidecar path for state beside shardPath, or "" if
// state has no marker of its own (StateInputPresent, StateSorted and
// StateFailed are observed by other means).
func markerPath(shardPath string, s ShardState) string {
	suffix := markerSuffix(s)
	if suffix == "" {
		return ""
	}

	return shardPath + suffix
}

// placeMarker commits a transition atomically: write to a temp file in the
// same directory, then rename. An empty marker file is sufficient; the
// transition is the rename itself (spec §4.8, §5 cancellation semantics).
func placeMarker(shardPath string, s ShardState) error {
	path := markerPath(shardPath, s)
	if path == "" {
		return nil
	}

	tmp := path + ".tmp"

	if err := os.WriteFile(tmp, nil, 0o644); err != nil {
		return fmt.Errorf("error writing marker %q: %w", tmp, err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)

		return fmt.Errorf("error committing marker %q: %w", path, err)
	}

	return nil
}

// clearMarker removes a sidecar marker, ignoring a missing file. Used when
// retrying a shard from scratch after StateFailed.
func clearMarker(shardPath string, s ShardState) error {
	path := markerPath(shardPath, s)
	if path == "" {
		return nil
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("error clearing marker %q: %w", path, err)
	}

	return nil
}

func hasMarker(shardPath string, s ShardState) bool {
	path := markerPath(shardPath, s)
	if path == "" {
		return false
	}

	_, err := os.Stat(path)

	return err == nil
}

// inspectShard determines a shard's current state from its sidecar markers
// and the presence of the input file, without opening the shard itself
// (spec §4.8: "restart resumes from the furthest advanced state").
func inspectShard(inputPath, shardPath string) ShardState {
	if hasMarker(shardPath, StateAggregated) {
		return StateAggregated
	}

	if hasMarker(shardPath, StateIndexed) {
		return StateIndexed
	}

	if columnar.HasSortedMarker(shardPath) {
		return StateSorted
	}

	if hasMarker(shardPath, StateSorting) {
		return StateFailed
	}

	if _, err := os.Stat(inputPath); err == nil {
		return StateInputPresent
	}

	return StateFailed
}
