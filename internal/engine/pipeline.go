package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/Martian-dev/mailmove/internal/checkpoint"
	"github.com/Martian-dev/mailmove/internal/connector"
	"github.com/Martian-dev/mailmove/internal/model"
	"github.com/Martian-dev/mailmove/internal/store"
	"github.com/Martian-dev/mailmove/internal/transform"
)

// item is implemented by every canonical entity.
type item interface {
	ItemID() string
}

// typeRunner is one data type's view of the engine.
type typeRunner interface {
	bulkCopy(ctx context.Context, e *Engine, r *run) error
	incremental(ctx context.Context, e *Engine, r *run) error
	counts(ctx context.Context, e *Engine, r *run) (source, target int64, err error)
}

// pipeline moves items of one data type from the source to the target.
type pipeline[T item] struct {
	dataType  model.DataType
	source    connector.Connector[T]
	target    connector.Connector[T]
	transform func(T, model.Provider) T
}

func (e *Engine) pipeline(dt model.DataType, r *run) (typeRunner, error) {
	switch dt {
	case model.DataTypeEmails:
		src, err := e.registry.Messages(r.source.Provider)
		if err != nil {
			return nil, err
		}
		dst, err := e.registry.Messages(r.target.Provider)
		if err != nil {
			return nil, err
		}
		return &pipeline[*model.Message]{dataType: dt, source: src, target: dst, transform: transform.Message}, nil
	case model.DataTypeContacts:
		src, err := e.registry.Contacts(r.source.Provider)
		if err != nil {
			return nil, err
		}
		dst, err := e.registry.Contacts(r.target.Provider)
		if err != nil {
			return nil, err
		}
		return &pipeline[*model.Contact]{dataType: dt, source: src, target: dst, transform: transform.Contact}, nil
	case model.DataTypeCalendars:
		src, err := e.registry.Events(r.source.Provider)
		if err != nil {
			return nil, err
		}
		dst, err := e.registry.Events(r.target.Provider)
		if err != nil {
			return nil, err
		}
		return &pipeline[*model.Event]{dataType: dt, source: src, target: dst, transform: transform.Event}, nil
	}
	return nil, fmt.Errorf("unknown data type %q", dt)
}

// bulkCopy pages through the source from the checkpointed page token. Each
// page's counters and next token are committed in one transaction, so a
// stop between pages re-processes at most the page that was in flight.
func (p *pipeline[T]) bulkCopy(ctx context.Context, e *Engine, r *run) error {
	log := r.logger.With("data_type", p.dataType)

	cp, err := e.checkpoints.GetOrCreate(ctx, r.jobID, p.dataType)
	if err != nil {
		return err
	}
	if cp.ListingComplete {
		log.Info("listing already complete", "processed", cp.ProcessedCount)
		return p.finishInitial(ctx, e, r)
	}
	pageToken := cp.PageToken
	if pageToken == "" && cp.ProcessedCount == 0 {
		if err := p.seedTotal(ctx, e, r); err != nil {
			return err
		}
		log.Info("bulk copy started")
		e.record(ctx, r.jobID, model.LogInfo, p.dataType, "Bulk copy started")
	} else {
		log.Info("bulk copy resumed", "processed", cp.ProcessedCount)
	}

	for {
		job, err := e.store.GetJob(ctx, r.jobID)
		if err != nil {
			return err
		}
		if job.Status != model.StatusRunning {
			log.Info("bulk copy stopped", "status", job.Status)
			return errStopped
		}

		page, err := connector.Retry(ctx, e.cfg.Retry, func() (*connector.Page[T], error) {
			return p.source.ListPage(ctx, r.source, pageToken, e.cfg.BatchSize)
		})
		if err != nil {
			return fmt.Errorf("list %s: %w", p.dataType, err)
		}

		var migrated, failed int64
		var lastID string
		snapshot := *job
		for i, it := range page.Items {
			if p.copyItem(ctx, e, r, it) {
				migrated++
			} else {
				failed++
			}
			lastID = it.ItemID()
			if (i+1)%e.cfg.ProgressEvery == 0 {
				live := snapshot
				c := live.Counter(p.dataType)
				c.Migrated += migrated
				c.Failed += failed
				live.RecomputeProgress()
				e.publish(ctx, &live)
			}
		}

		processed := int64(len(page.Items))
		updated, err := e.checkpoints.UpdatePageToken(ctx, r.jobID, p.dataType, r.source.Provider, checkpoint.Page{
			NextPageToken: page.NextPageToken,
			SyncToken:     page.SyncToken,
			Processed:     processed,
			LastItemID:    lastID,
			Migrated:      migrated,
			Failed:        failed,
		})
		if err != nil {
			return fmt.Errorf("commit %s page: %w", p.dataType, err)
		}
		log.Debug("page committed", "items", processed, "migrated", migrated, "failed", failed, "next_page", page.NextPageToken != "")
		e.publish(ctx, updated)

		if page.NextPageToken == "" {
			break
		}
		pageToken = page.NextPageToken
	}

	return p.finishInitial(ctx, e, r)
}

// seedTotal stores the source count as the progress denominator.
func (p *pipeline[T]) seedTotal(ctx context.Context, e *Engine, r *run) error {
	total, err := connector.Retry(ctx, e.cfg.Retry, func() (int64, error) {
		return p.source.Count(ctx, r.source)
	})
	if err != nil {
		return fmt.Errorf("count %s: %w", p.dataType, err)
	}
	_, err = e.store.UpdateJob(ctx, r.jobID, func(j *model.Job) error {
		j.Counter(p.dataType).Total = total
		j.RecomputeProgress()
		return nil
	})
	return err
}

// finishInitial makes sure a sync token is stored before the data type is
// marked complete. Sources that did not hand one out while listing are
// asked for their current cursor.
func (p *pipeline[T]) finishInitial(ctx context.Context, e *Engine, r *run) error {
	token, err := e.checkpoints.SyncToken(ctx, r.jobID, p.dataType, r.source.Provider)
	if err != nil {
		return err
	}
	if token == "" {
		ch, err := connector.Retry(ctx, e.cfg.Retry, func() (*connector.Changes[T], error) {
			return p.source.IncrementalChanges(ctx, r.source, "")
		})
		if err != nil {
			return fmt.Errorf("fetch %s sync token: %w", p.dataType, err)
		}
		token = ch.NewSyncToken
	}
	if err := e.checkpoints.MarkInitialSyncComplete(ctx, r.jobID, p.dataType, r.source.Provider, token); err != nil {
		return err
	}

	job, err := e.store.GetJob(ctx, r.jobID)
	if err != nil {
		return err
	}
	c := job.Counter(p.dataType)
	r.logger.Info("bulk copy complete", "data_type", p.dataType, "migrated", c.Migrated, "failed", c.Failed)
	e.record(ctx, r.jobID, model.LogInfo, p.dataType, "Bulk copy completed", withCount(c.Migrated))
	return nil
}

// copyItem creates one source item on the target unless the ledger shows
// it already succeeded. It reports whether the item is present on the
// target afterwards.
func (p *pipeline[T]) copyItem(ctx context.Context, e *Engine, r *run, it T) bool {
	id := it.ItemID()
	prev, err := e.store.GetItem(ctx, r.jobID, p.dataType, id)
	if err == nil && prev.Status == model.ItemSucceeded {
		return true
	}
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		r.logger.Warn("ledger lookup failed", "data_type", p.dataType, "item_id", id, "error", err)
	}

	out := p.transform(it, r.target.Provider)
	targetID, err := connector.Retry(ctx, e.cfg.Retry, func() (string, error) {
		return p.target.Create(ctx, r.target, out)
	})
	if err != nil {
		p.itemFailed(ctx, e, r, id, "", err)
		return false
	}
	p.saveItem(ctx, e, r, id, targetID, model.ItemSucceeded, "")
	return true
}

// upsertItem writes a changed source item to the target. It reports
// whether a new target item was created.
func (p *pipeline[T]) upsertItem(ctx context.Context, e *Engine, r *run, it T) (created bool, err error) {
	id := it.ItemID()
	out := p.transform(it, r.target.Provider)

	prev, lerr := e.store.GetItem(ctx, r.jobID, p.dataType, id)
	if lerr == nil && prev.TargetID != "" {
		_, err = connector.Retry(ctx, e.cfg.Retry, func() (struct{}, error) {
			return struct{}{}, p.target.Update(ctx, r.target, prev.TargetID, out)
		})
		if err == nil {
			p.saveItem(ctx, e, r, id, prev.TargetID, model.ItemSucceeded, "")
			return false, nil
		}
		if !connector.IsKind(err, connector.KindNotFound) {
			p.itemFailed(ctx, e, r, id, prev.TargetID, err)
			return false, err
		}
	}

	targetID, err := connector.Retry(ctx, e.cfg.Retry, func() (string, error) {
		return p.target.Create(ctx, r.target, out)
	})
	if err != nil {
		p.itemFailed(ctx, e, r, id, "", err)
		return true, err
	}
	p.saveItem(ctx, e, r, id, targetID, model.ItemSucceeded, "")
	return true, nil
}

func (p *pipeline[T]) itemFailed(ctx context.Context, e *Engine, r *run, id, targetID string, cause error) {
	r.logger.Warn("item failed", "data_type", p.dataType, "item_id", id, "kind", connector.KindOf(cause), "error", cause)
	p.saveItem(ctx, e, r, id, targetID, model.ItemFailed, cause.Error())
	e.record(ctx, r.jobID, model.LogError, p.dataType, "Failed to migrate item", withItem(id), withError(cause))
}

func (p *pipeline[T]) saveItem(ctx context.Context, e *Engine, r *run, id, targetID string, status model.ItemStatus, msg string) {
	err := e.store.SaveItem(ctx, &model.MigratedItem{
		JobID: r.jobID, DataType: p.dataType, SourceID: id, TargetID: targetID, Status: status, Error: msg,
	})
	if err != nil {
		r.logger.Warn("failed to record item", "data_type", p.dataType, "item_id", id, "error", err)
	}
}

// incremental applies the changes since the stored cursor. An expired
// cursor clears the data type and restarts its bulk copy.
func (p *pipeline[T]) incremental(ctx context.Context, e *Engine, r *run) error {
	log := r.logger.With("data_type", p.dataType)

	cp, err := e.checkpoints.GetOrCreate(ctx, r.jobID, p.dataType)
	if err != nil {
		return err
	}
	if !cp.InitialSyncComplete {
		return p.bulkCopy(ctx, e, r)
	}
	token := cp.SyncToken(r.source.Provider)

	changes, err := connector.Retry(ctx, e.cfg.Retry, func() (*connector.Changes[T], error) {
		return p.source.IncrementalChanges(ctx, r.source, token)
	})
	if connector.IsKind(err, connector.KindTokenExpired) {
		log.Warn("sync token expired, restarting bulk copy", "error", err)
		e.record(ctx, r.jobID, model.LogWarn, p.dataType, "Sync token expired, restarting initial sync", withError(err))
		if err := e.resetDataType(ctx, r.jobID, p.dataType); err != nil {
			return err
		}
		return p.bulkCopy(ctx, e, r)
	}
	if err != nil {
		return fmt.Errorf("incremental %s: %w", p.dataType, err)
	}

	var created, failed int64
	for _, it := range append(changes.Added, changes.Modified...) {
		isNew, err := p.upsertItem(ctx, e, r, it)
		switch {
		case err != nil && isNew:
			failed++
		case isNew:
			created++
		}
	}

	var deleted int
	if e.cfg.PropagateDeletes {
		deleted = p.propagateDeletes(ctx, e, r, changes.DeletedIDs)
	}

	updated, err := e.checkpoints.UpdateSyncToken(ctx, r.jobID, p.dataType, r.source.Provider, changes.NewSyncToken,
		model.Counter{Total: created + failed, Migrated: created, Failed: failed})
	if err != nil {
		return fmt.Errorf("commit %s changes: %w", p.dataType, err)
	}

	n := len(changes.Added) + len(changes.Modified)
	log.Info("incremental sync applied", "changed", n, "created", created, "failed", failed,
		"deleted_upstream", len(changes.DeletedIDs), "deleted", deleted)
	if n > 0 || deleted > 0 {
		e.record(ctx, r.jobID, model.LogInfo, p.dataType, "Incremental sync applied", withCount(int64(n)))
	}
	e.publish(ctx, updated)
	return nil
}

// propagateDeletes removes target items whose source was deleted. Items
// without a ledger entry were never migrated and are ignored.
func (p *pipeline[T]) propagateDeletes(ctx context.Context, e *Engine, r *run, ids []string) int {
	var n int
	for _, id := range ids {
		prev, err := e.store.GetItem(ctx, r.jobID, p.dataType, id)
		if err != nil || prev.TargetID == "" {
			continue
		}
		_, err = connector.Retry(ctx, e.cfg.Retry, func() (struct{}, error) {
			return struct{}{}, p.target.Delete(ctx, r.target, prev.TargetID)
		})
		if err != nil && !connector.IsKind(err, connector.KindNotFound) {
			r.logger.Warn("failed to delete target item", "data_type", p.dataType, "item_id", id, "error", err)
			continue
		}
		n++
	}
	return n
}

func (p *pipeline[T]) counts(ctx context.Context, e *Engine, r *run) (int64, int64, error) {
	src, err := connector.Retry(ctx, e.cfg.Retry, func() (int64, error) {
		return p.source.Count(ctx, r.source)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("count source: %w", err)
	}
	dst, err := connector.Retry(ctx, e.cfg.Retry, func() (int64, error) {
		return p.target.Count(ctx, r.target)
	})
	if err != nil {
		return 0, 0, fmt.Errorf("count target: %w", err)
	}
	return src, dst, nil
}

// resetDataType clears the checkpoint of dt and zeroes its counters in one
// write.
func (e *Engine) resetDataType(ctx context.Context, jobID string, dt model.DataType) error {
	_, err := e.checkpoints.Clear(ctx, jobID, dt, nil)
	return err
}
