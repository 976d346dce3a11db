package snapshot

import (
	"context"
	"fmt"
	"reflect"
	"sort"
	"strconv"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

// CompareOption tunes CompareSnapshotState.
type CompareOption func(*compareConfig)

type compareConfig struct {
	volatile       bool
	ignoreIdentity bool
}

// WithVolatileFields includes Timestamp and Version in the comparison.
func WithVolatileFields() CompareOption {
	return func(cfg *compareConfig) {
		cfg.volatile = true
	}
}

// IgnoreIdentity compares content only, ignoring ID and hierarchy links.
func IgnoreIdentity() CompareOption {
	return func(cfg *compareConfig) {
		cfg.ignoreIdentity = true
	}
}

// CompareSnapshotState reports structural equality of a and b. Nil and empty
// collections are equal. Timestamp and Version are ignored unless
// WithVolatileFields is given. The relation is reflexive and symmetric.
func CompareSnapshotState[T any, M any](a, b Snapshot[T, M], opts ...CompareOption) bool {
	cfg := compareConfig{}
	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}
	options := []cmp.Option{
		cmpopts.EquateEmpty(),
		cmp.Exporter(func(reflect.Type) bool { return true }),
	}
	var ignored []string
	if !cfg.volatile {
		ignored = append(ignored, "Timestamp", "Version")
	}
	if cfg.ignoreIdentity {
		ignored = append(ignored, "ID", "ParentID", "ChildIDs")
	}
	if len(ignored) > 0 {
		options = append(options, cmpopts.IgnoreFields(Snapshot[T, M]{}, ignored...))
	}
	return cmp.Equal(a, b, options...)
}

// DiffKind classifies a FieldDiff.
type DiffKind string

const (
	DiffAdded   DiffKind = "added"
	DiffRemoved DiffKind = "removed"
	DiffChanged DiffKind = "changed"
)

// FieldDiff is one differing path between two snapshots.
type FieldDiff struct {
	Path  string   `json:"path"`
	Kind  DiffKind `json:"kind"`
	Left  any      `json:"left,omitempty"`
	Right any      `json:"right,omitempty"`
}

// SnapshotDiff is a diagnostic comparison of two snapshots. Fields are
// sorted by path.
type SnapshotDiff struct {
	LeftID       string      `json:"leftId"`
	RightID      string      `json:"rightId"`
	LeftVersion  int64       `json:"leftVersion"`
	RightVersion int64       `json:"rightVersion"`
	Equal        bool        `json:"equal"`
	Fields       []FieldDiff `json:"fields"`
}

// Paths lists the differing paths.
func (d SnapshotDiff) Paths() []string {
	out := make([]string, 0, len(d.Fields))
	for _, field := range d.Fields {
		out = append(out, field.Path)
	}
	return out
}

// ToJSON serialises the diff for logging or transport.
func (d SnapshotDiff) ToJSON() ([]byte, error) {
	type alias SnapshotDiff
	if d.Fields == nil {
		d.Fields = []FieldDiff{}
	}
	return json.Marshal(alias(d))
}

// SnapshotDiffFromJSON decodes a payload produced by ToJSON.
func SnapshotDiffFromJSON(payload []byte) (SnapshotDiff, error) {
	type alias SnapshotDiff
	var diff alias
	if err := json.Unmarshal(payload, &diff); err != nil {
		return SnapshotDiff{}, err
	}
	return SnapshotDiff(diff), nil
}

// CompareSnapshots lists per-path differences between a and b, covering
// data, metadata, category, hierarchy and nested state. Versions are
// reported but never counted as differences.
func CompareSnapshots[T any, M any](a, b Snapshot[T, M]) (SnapshotDiff, error) {
	left, err := flattenSnapshot(a)
	if err != nil {
		return SnapshotDiff{}, &SerializationError{Op: "compare", ID: a.ID, Err: err}
	}
	right, err := flattenSnapshot(b)
	if err != nil {
		return SnapshotDiff{}, &SerializationError{Op: "compare", ID: b.ID, Err: err}
	}

	paths := make([]string, 0, len(left)+len(right))
	for path := range left {
		paths = append(paths, path)
	}
	for path := range right {
		if _, ok := left[path]; !ok {
			paths = append(paths, path)
		}
	}
	sort.Strings(paths)

	diff := SnapshotDiff{
		LeftID:       a.ID,
		RightID:      b.ID,
		LeftVersion:  a.Version,
		RightVersion: b.Version,
	}
	for _, path := range paths {
		lv, inLeft := left[path]
		rv, inRight := right[path]
		switch {
		case inLeft && !inRight:
			diff.Fields = append(diff.Fields, FieldDiff{Path: path, Kind: DiffRemoved, Left: lv})
		case !inLeft && inRight:
			diff.Fields = append(diff.Fields, FieldDiff{Path: path, Kind: DiffAdded, Right: rv})
		case !reflect.DeepEqual(lv, rv):
			diff.Fields = append(diff.Fields, FieldDiff{Path: path, Kind: DiffChanged, Left: lv, Right: rv})
		}
	}
	diff.Equal = len(diff.Fields) == 0
	return diff, nil
}

// CompareSnapshotState is the store-bound form of the package function.
func (s *Store[T, M]) CompareSnapshotState(a, b Snapshot[T, M], opts ...CompareOption) bool {
	return CompareSnapshotState(a, b, opts...)
}

// CompareSnapshots is the store-bound form of the package function.
func (s *Store[T, M]) CompareSnapshots(a, b Snapshot[T, M]) (SnapshotDiff, error) {
	return CompareSnapshots(a, b)
}

// DiffSnapshots resolves both ids, delegates included, and compares them.
func (s *Store[T, M]) DiffSnapshots(ctx context.Context, leftID, rightID string) (SnapshotDiff, error) {
	left, err := s.resolve(ctx, leftID)
	if err != nil {
		return SnapshotDiff{}, err
	}
	right, err := s.resolve(ctx, rightID)
	if err != nil {
		return SnapshotDiff{}, err
	}
	return CompareSnapshots(left, right)
}

func flattenSnapshot[T any, M any](snap Snapshot[T, M]) (map[string]any, error) {
	env, err := snapshotEnv(snap)
	if err != nil {
		return nil, err
	}
	delete(env, "id")
	delete(env, "version")
	delete(env, "timestamp")
	if len(snap.State) > 0 {
		state, err := toGeneric(snap.State)
		if err != nil {
			return nil, err
		}
		env["state"] = state
	}
	out := map[string]any{}
	flattenValue(env, "", out)
	return out, nil
}

// flattenValue records leaves of a decoded JSON value under dotted paths.
// Slice elements use their index as segment. Empty containers are leaves.
func flattenValue(value any, prefix string, out map[string]any) {
	switch typed := value.(type) {
	case map[string]any:
		if len(typed) == 0 {
			if prefix != "" {
				out[prefix] = map[string]any{}
			}
			return
		}
		for key, nested := range typed {
			flattenValue(nested, joinPath(prefix, key), out)
		}
	case []any:
		if len(typed) == 0 {
			if prefix != "" {
				out[prefix] = []any{}
			}
			return
		}
		for i, nested := range typed {
			flattenValue(nested, joinPath(prefix, strconv.Itoa(i)), out)
		}
	default:
		if prefix == "" {
			return
		}
		if typed == nil {
			out[prefix] = nil
			return
		}
		out[prefix] = typed
	}
}

func joinPath(prefix, segment string) string {
	if prefix == "" {
		return segment
	}
	return strings.Join([]string{prefix, segment}, ".")
}

func (d FieldDiff) String() string {
	switch d.Kind {
	case DiffAdded:
		return fmt.Sprintf("+ %s: %v", d.Path, d.Right)
	case DiffRemoved:
		return fmt.Sprintf("- %s: %v", d.Path, d.Left)
	default:
		return fmt.Sprintf("~ %s: %v -> %v", d.Path, d.Left, d.Right)
	}
}
