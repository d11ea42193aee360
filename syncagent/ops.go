package syncagent

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"prism-board/domain"
)

// pendingOp is a command in flight. before holds the state of every item it
// touched, nil for items that did not exist.
type pendingOp struct {
	itemID string
	before map[string]*domain.Item
	// removes marks a delete; pushes parked behind it are discarded on
	// success.
	removes bool
	// superseded is set when a snapshot replaced the cache underneath the
	// op; its before state is then meaningless.
	superseded bool
}

func (op *pendingOp) remember(it domain.Item) {
	if _, seen := op.before[it.ID]; seen {
		return
	}
	op.before[it.ID] = &it
}

// begin registers an op for itemID. Caller holds mu.
func (a *Agent) begin(itemID string) (*pendingOp, error) {
	if _, busy := a.pending[itemID]; busy {
		return nil, domain.Conflict("item", itemID, "another change is in flight")
	}
	op := &pendingOp{itemID: itemID, before: make(map[string]*domain.Item)}
	a.pending[itemID] = op
	return op, nil
}

// settle finishes op. The optimistic edits are undone first, on success
// too: the server's result is then placed the way the server applied it,
// version bumps of shifted siblings included.
func (a *Agent) settle(op *pendingOp, result *domain.Item, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.pending, op.itemID)
	switch {
	case err != nil:
		if !op.superseded {
			a.undo(op)
		}
		a.logger.WithError(err).WithField("item_id", op.itemID).Info("rolled back optimistic change")
	case result != nil:
		if !op.superseded {
			a.undo(op)
		}
		if cur, ok := a.cache.items[result.ID]; !ok || cur.Version <= result.Version {
			a.cache.place(*result, true)
		}
	}
	if err == nil && op.removes {
		delete(a.deferred, op.itemID)
		return
	}
	a.flush(op.itemID)
}

// undo restores what op changed locally. A sibling a server push has
// touched since keeps the pushed state. Caller holds mu.
func (a *Agent) undo(op *pendingOp) {
	for id, prev := range op.before {
		cur, ok := a.cache.items[id]
		switch {
		case id == op.itemID && prev == nil:
			delete(a.cache.items, id)
		case id == op.itemID:
			a.cache.items[id] = *prev
		case ok && cur.Version == prev.Version:
			a.cache.items[id] = *prev
		}
	}
}

func nowUTC() time.Time {
	return time.Now().UTC()
}

func (a *Agent) meta() Meta {
	a.mu.Lock()
	defer a.mu.Unlock()
	return Meta{IdempotencyKey: uuid.NewString(), ConnectionID: a.connID}
}

func (a *Agent) commandContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(a.ctx, a.cfg.CommandTimeout)
}

// Move places an item at targetIndex of targetBucketID, locally first and
// then on the server. On failure the local change is undone and the error
// returned.
func (a *Agent) Move(itemID, targetBucketID string, targetIndex int) (domain.Item, error) {
	cmd := domain.MoveItem{TargetBucketID: targetBucketID, TargetIndex: targetIndex}
	if err := cmd.Validate(); err != nil {
		return domain.Item{}, err
	}
	m := a.meta()

	a.mu.Lock()
	it, ok := a.cache.items[itemID]
	if !ok {
		a.mu.Unlock()
		return domain.Item{}, domain.Conflict("item", itemID, "does not exist")
	}
	if _, ok := a.cache.buckets[targetBucketID]; !ok {
		a.mu.Unlock()
		return domain.Item{}, domain.Conflict("bucket", targetBucketID, "does not exist on board "+a.cfg.BoardID)
	}
	op, err := a.begin(itemID)
	if err != nil {
		a.mu.Unlock()
		return domain.Item{}, err
	}
	op.remember(it)
	if it.BucketID != targetBucketID || it.Position != targetIndex {
		it.BucketID = targetBucketID
		it.Position = targetIndex
		it.UpdatedAt = nowUTC()
		for _, sib := range a.cache.place(it, false) {
			op.remember(sib)
		}
	}
	a.mu.Unlock()

	ctx, cancel := a.commandContext()
	defer cancel()
	moved, err := a.cmds.Move(ctx, m, itemID, cmd)
	if err != nil {
		a.settle(op, nil, err)
		return domain.Item{}, err
	}
	a.settle(op, &moved, nil)
	return moved, nil
}

// Create adds an item, locally first and then on the server. The item id
// doubles as the idempotency key so a retried create cannot duplicate it.
func (a *Agent) Create(cmd domain.CreateItem) (domain.Item, error) {
	if err := cmd.Validate(); err != nil {
		return domain.Item{}, err
	}
	m := a.meta()
	if cmd.ID == "" {
		cmd.ID = m.IdempotencyKey
	}
	m.IdempotencyKey = cmd.ID

	a.mu.Lock()
	if _, ok := a.cache.buckets[cmd.BucketID]; !ok {
		a.mu.Unlock()
		return domain.Item{}, domain.Conflict("bucket", cmd.BucketID, "does not exist on board "+a.cfg.BoardID)
	}
	if _, exists := a.cache.items[cmd.ID]; exists {
		a.mu.Unlock()
		return domain.Item{}, domain.Conflict("item", cmd.ID, "already exists")
	}
	op, err := a.begin(cmd.ID)
	if err != nil {
		a.mu.Unlock()
		return domain.Item{}, err
	}
	now := nowUTC()
	it := domain.Item{
		ID:          cmd.ID,
		BoardID:     a.cfg.BoardID,
		BucketID:    cmd.BucketID,
		Title:       cmd.Title,
		Description: cmd.Description,
		Priority:    cmd.Priority,
		AssigneeID:  cmd.AssigneeID,
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	op.before[it.ID] = nil
	if cmd.Index != nil {
		it.Position = *cmd.Index
	} else if siblings := a.cache.bucketItems(cmd.BucketID); len(siblings) > 0 {
		it.Position = siblings[len(siblings)-1].Position + 1
	}
	for _, sib := range a.cache.place(it, false) {
		op.remember(sib)
	}
	a.mu.Unlock()

	ctx, cancel := a.commandContext()
	defer cancel()
	created, err := a.cmds.Create(ctx, m, cmd)
	if err != nil {
		a.settle(op, nil, err)
		return domain.Item{}, err
	}
	a.settle(op, &created, nil)
	return created, nil
}

// Delete removes an item, locally first and then on the server. An item
// the server no longer has counts as deleted.
func (a *Agent) Delete(itemID string) error {
	m := a.meta()

	a.mu.Lock()
	it, ok := a.cache.items[itemID]
	if !ok {
		a.mu.Unlock()
		return domain.ErrNotFound
	}
	op, err := a.begin(itemID)
	if err != nil {
		a.mu.Unlock()
		return err
	}
	op.remember(it)
	op.removes = true
	delete(a.cache.items, itemID)
	a.mu.Unlock()

	ctx, cancel := a.commandContext()
	defer cancel()
	err = a.cmds.Delete(ctx, m, itemID)
	if errors.Is(err, domain.ErrNotFound) {
		a.logger.WithFields(log.Fields{"item_id": itemID}).Debug("item already gone on server")
		err = nil
	}
	a.settle(op, nil, err)
	return err
}
