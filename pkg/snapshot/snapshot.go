// Package snapshot captures immutable point-in-time copies of a branch
// and rewinds memory either by restoring a snapshot or by filtering
// reads to what existed at a past instant.
package snapshot

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/kadirpekel/memtree/pkg/memerr"
	"github.com/kadirpekel/memtree/pkg/model"
	"github.com/kadirpekel/memtree/pkg/storage"
)

// Engine creates, lists and restores snapshots.
type Engine struct {
	store      *storage.SQL
	rootBranch string

	// nativeDir enables storage-native snapshots alongside the row
	// payload when set and the backend supports them.
	nativeDir string
}

// NewEngine creates a snapshot engine. nativeDir may be empty to disable
// storage-native snapshot files.
func NewEngine(store *storage.SQL, nativeDir string) *Engine {
	return &Engine{store: store, rootBranch: store.RootBranch(), nativeDir: nativeDir}
}

// payload is the serialized branch state: every entity's rows.
type payload map[string][]storage.Row

// Create captures the branch's current rows into a snapshot registry row.
// On SQLite a native database copy is also written when a native
// directory is configured; its failure never fails the snapshot.
func (e *Engine) Create(ctx context.Context, branch, label string) (*model.Snapshot, error) {
	if err := e.checkBranch(ctx, branch); err != nil {
		return nil, err
	}

	state := payload{}
	for _, entity := range model.BranchEntities {
		rows, err := e.store.ReadTable(ctx, entity, e.store.TableFor(entity, branch))
		if err != nil {
			return nil, err
		}
		state[entity] = rows
	}
	body, err := json.Marshal(state)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindFatal, "snapshot.create", err)
	}

	snap := &model.Snapshot{
		ID:        uuid.NewString(),
		Branch:    branch,
		Label:     label,
		Payload:   string(body),
		CreatedAt: time.Now().UTC(),
	}
	if e.nativeDir != "" {
		native := filepath.Join(e.nativeDir, fmt.Sprintf("snapshot_%s.db", snap.ID))
		if err := e.store.NativeSnapshot(ctx, native); err != nil {
			slog.Warn("Native snapshot failed, keeping row payload only", "error", err)
		} else {
			snap.Native = native
		}
	}

	if err := e.store.InsertSnapshot(ctx, snap); err != nil {
		return nil, err
	}
	slog.Info("Snapshot created", "snapshot", snap.ID, "branch", branch, "label", label)
	return snap, nil
}

// List returns a branch's snapshots, newest first, without payloads.
func (e *Engine) List(ctx context.Context, branch string, limit int) ([]*model.Snapshot, error) {
	return e.store.ListSnapshots(ctx, branch, limit)
}

// Restore rewrites the snapshot's branch back to the captured state,
// entity by entity, each swap atomic per entity.
func (e *Engine) Restore(ctx context.Context, snapshotID string) (*model.Snapshot, error) {
	snap, err := e.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return nil, err
	}
	if err := e.checkBranch(ctx, snap.Branch); err != nil {
		return nil, err
	}

	var state payload
	if err := json.Unmarshal([]byte(snap.Payload), &state); err != nil {
		return nil, memerr.Wrap(memerr.KindFatal, "snapshot.restore", err)
	}

	for _, entity := range model.BranchEntities {
		table := e.store.TableFor(entity, snap.Branch)
		if err := e.store.ReplaceRows(ctx, entity, table, state[entity]); err != nil {
			return nil, err
		}
	}
	slog.Info("Snapshot restored", "snapshot", snap.ID, "branch", snap.Branch)
	return snap, nil
}

// RestoreInto writes a snapshot's captured state onto a different
// branch, which templates use to seed new branches from a captured one.
func (e *Engine) RestoreInto(ctx context.Context, snapshotID, branch string) error {
	snap, err := e.store.GetSnapshot(ctx, snapshotID)
	if err != nil {
		return err
	}
	if err := e.checkBranch(ctx, branch); err != nil {
		return err
	}

	var state payload
	if err := json.Unmarshal([]byte(snap.Payload), &state); err != nil {
		return memerr.Wrap(memerr.KindFatal, "snapshot.restore_into", err)
	}
	for _, entity := range model.BranchEntities {
		table := e.store.TableFor(entity, branch)
		if err := e.store.ReplaceRows(ctx, entity, table, state[entity]); err != nil {
			return err
		}
	}
	slog.Info("Snapshot applied to branch", "snapshot", snap.ID, "branch", branch)
	return nil
}

// FactsAsOf reconstructs the facts visible on a branch at instant t.
// When the backend cannot evaluate historical queries natively, the
// reconstruction filters by creation time; an instant before the first
// write yields an empty set.
func (e *Engine) FactsAsOf(ctx context.Context, branch string, t time.Time) ([]*model.Fact, error) {
	if err := e.checkBranch(ctx, branch); err != nil {
		return nil, err
	}
	if e.store.SupportsAsOf() {
		// No current dialect reports AS OF support; the filter path below
		// is the operative implementation.
		return nil, memerr.New(memerr.KindFatal, "snapshot.as_of", "native AS OF not wired")
	}

	at := t.UTC()
	facts, err := e.store.ListFacts(ctx, storage.FactFilter{
		Branch:        branch,
		CreatedBefore: &at,
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(facts, func(i, j int) bool {
		if !facts[i].CreatedAt.Equal(facts[j].CreatedAt) {
			return facts[i].CreatedAt.After(facts[j].CreatedAt)
		}
		return facts[i].ID < facts[j].ID
	})
	return facts, nil
}

func (e *Engine) checkBranch(ctx context.Context, branch string) error {
	if branch == e.rootBranch {
		return nil
	}
	_, err := e.store.GetBranch(ctx, branch)
	return err
}
