package engine

import (
	"context"
	"fmt"

	"github.com/jrife/grouse/schema"
	"github.com/jrife/grouse/storage/hkey"
	"github.com/jrife/grouse/storage/kv"
	"github.com/jrife/grouse/storage/kv/keys"
	"github.com/jrife/grouse/storage/session"
	"github.com/jrife/grouse/utils/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// DefaultBatchSize is the number of keys a rebuild
// handles per transaction when none is configured
const DefaultBatchSize = 1000

// RebuildOptions configures RebuildIndexes
type RebuildOptions struct {
	// BatchSize is the number of keys handled per transaction
	BatchSize int
}

// IndexTarget is an index to rebuild: a *schema.Index
// or a *schema.GroupIndex
type IndexTarget interface {
	String() string
}

// RebuildIndexes clears and repopulates indexes from the rows of their
// group. Each batch commits in its own transaction and the next batch
// resumes after the last key of the previous one. Batches never exceed
// the store's kv.BatchLimiter maximum. Indexes are rebuilt
// concurrently. Cancelling ctx stops every rebuild between batches.
func (engine *Engine) RebuildIndexes(ctx context.Context, sessions *session.Manager, options RebuildOptions, indexes ...IndexTarget) error {
	if options.BatchSize <= 0 {
		options.BatchSize = DefaultBatchSize
	}

	if engine.maxBatch > 0 && options.BatchSize > engine.maxBatch {
		log.WithContext(ctx, engine.logger).Debug("limiting rebuild batch size to the store's maximum", zap.Int("requested", options.BatchSize), zap.Int("max", engine.maxBatch))

		options.BatchSize = engine.maxBatch
	}

	for _, index := range indexes {
		switch index.(type) {
		case *schema.Index, *schema.GroupIndex:
		default:
			return fmt.Errorf("cannot rebuild %T", index)
		}
	}

	g, gctx := errgroup.WithContext(ctx)

	for _, index := range indexes {
		index := index

		g.Go(func() error {
			return engine.rebuild(gctx, sessions, options, index)
		})
	}

	return g.Wait()
}

type rebuildTarget struct {
	tree  uint32
	group *schema.Group
	index *schema.Index
	gi    *schema.GroupIndex
}

// target resolves the index in the transaction's snapshot
func (engine *Engine) target(o *op, index IndexTarget) (rebuildTarget, error) {
	switch index := index.(type) {
	case *schema.Index:
		table := o.snapshot.TableByID(index.Table.ID)

		if table == nil {
			return rebuildTarget{}, ErrNoSuchTable
		}

		current := table.Index(index.Name)

		if current == nil {
			return rebuildTarget{}, ErrNoSuchIndex
		}

		return rebuildTarget{tree: current.TreeID, group: table.Group(), index: current}, nil
	case *schema.GroupIndex:
		group := o.snapshot.Group(index.Group.Name)

		if group == nil {
			return rebuildTarget{}, ErrNoSuchTable
		}

		current := group.Index(index.Name)

		if current == nil {
			return rebuildTarget{}, ErrNoSuchIndex
		}

		return rebuildTarget{tree: current.TreeID, group: group, gi: current}, nil
	}

	return rebuildTarget{}, fmt.Errorf("cannot rebuild %T", index)
}

func (engine *Engine) rebuild(ctx context.Context, sessions *session.Manager, options RebuildOptions, index IndexTarget) error {
	logger := log.WithContext(ctx, engine.logger).With(zap.String("operation", "RebuildIndexes"), zap.Stringer("index", index))

	logger.Info("start rebuild")

	for cleared := options.BatchSize; cleared == options.BatchSize; {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := sessions.Run(ctx, true, func(txn *session.Txn) error {
			var err error

			cleared, err = engine.clearBatch(ctx, txn, index, options.BatchSize)

			return err
		})

		if err != nil {
			logger.Debug("error", zap.Error(err))

			return wrapError("could not clear index", err)
		}
	}

	var resume hkey.HKey
	total := 0

	for {
		if err := ctx.Err(); err != nil {
			logger.Info("rebuild cancelled", zap.Int("rows", total))

			return err
		}

		var next hkey.HKey
		var n int

		err := sessions.Run(ctx, true, func(txn *session.Txn) error {
			var err error

			next, n, err = engine.buildBatch(ctx, txn, index, resume, options.BatchSize)

			return err
		})

		if err != nil {
			logger.Debug("error", zap.Error(err))

			return wrapError("could not rebuild index", err)
		}

		total += n

		if next == nil {
			break
		}

		resume = next
	}

	logger.Info("rebuild complete", zap.Int("rows", total))

	return nil
}

// clearBatch deletes up to limit entries of the index
func (engine *Engine) clearBatch(ctx context.Context, txn *session.Txn, index IndexTarget, limit int) (int, error) {
	o, err := engine.begin(ctx, txn, "RebuildIndexes")

	if err != nil {
		return 0, err
	}

	defer o.release()

	target, err := engine.target(o, index)

	if err != nil {
		return 0, err
	}

	handle := o.handle(kv.SpaceIndex, target.tree)
	iter, err := handle.Scan(keys.All(), kv.SortOrderAsc)

	if err != nil {
		return 0, err
	}

	var batch [][]byte

	for len(batch) < limit && iter.Next() {
		batch = append(batch, append([]byte(nil), iter.Key()...))
	}

	if err := iter.Error(); err != nil {
		return 0, err
	}

	for _, key := range batch {
		if _, err := handle.Remove(key); err != nil {
			return 0, err
		}
	}

	return len(batch), nil
}

// buildBatch indexes up to limit rows stored after resume. It returns
// the key to resume from or nil once the group is exhausted.
func (engine *Engine) buildBatch(ctx context.Context, txn *session.Txn, index IndexTarget, resume hkey.HKey, limit int) (hkey.HKey, int, error) {
	o, err := engine.begin(ctx, txn, "RebuildIndexes")

	if err != nil {
		return nil, 0, err
	}

	defer o.release()

	target, err := engine.target(o, index)

	if err != nil {
		return nil, 0, err
	}

	keyRange := keys.All()

	if resume != nil {
		keyRange = keyRange.Gt(resume)
	}

	iter, err := o.handle(kv.SpaceGroup, target.group.TreeID).Scan(keyRange, kv.SortOrderAsc)

	if err != nil {
		return nil, 0, err
	}

	var batch []movedRow
	p := &propagation{engine: engine, o: o}

	for len(batch) < limit && iter.Next() {
		stored, err := p.decode(target.group, iter.Key(), iter.Value())

		if err != nil {
			return nil, 0, err
		}

		batch = append(batch, stored)
	}

	if err := iter.Error(); err != nil {
		return nil, 0, err
	}

	indexed := 0

	for _, stored := range batch {
		switch {
		case target.index != nil && stored.row.Table == target.index.Table:
			if err := engine.putIndexEntry(o, target.index, stored.row, stored.key, true); err != nil {
				return nil, 0, err
			}
		case target.gi != nil && stored.row.Table == target.gi.Leaf():
			entry, err := engine.groupIndexEntry(o, target.gi, stored.row, stored.key)

			if err != nil {
				return nil, 0, err
			}

			if err := o.handle(kv.SpaceIndex, entry.index.TreeID).Put(entry.key, entry.value); err != nil {
				return nil, 0, err
			}
		default:
			continue
		}

		indexed++
	}

	if len(batch) < limit {
		return nil, indexed, nil
	}

	return batch[len(batch)-1].key, indexed, nil
}
