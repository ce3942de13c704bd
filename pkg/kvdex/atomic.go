package kvdex

import (
	"context"
	"fmt"

	"github.com/adfharrison1/go-kvdex/pkg/keys"
	"github.com/adfharrison1/go-kvdex/pkg/store"
)

// StagedOperation describes one mutation of an atomic operation and the
// collection document it belongs to.
type StagedOperation struct {
	Kind       store.MutationKind
	Collection keys.Key
	ID         keys.Part
	Key        []byte
}

// AtomicOperation accumulates writes across collections and commits them in
// a single store commit. It is not safe for concurrent use.
type AtomicOperation struct {
	db       *Database
	batch    store.Batch
	ops      []StagedOperation
	deferred []func(ctx context.Context) error

	writes    map[string]int
	deletes   map[string]bool
	sums      map[string]bool
	primaries map[string]int

	err       error
	committed bool
}

func newAtomicOperation(db *Database) *AtomicOperation {
	return &AtomicOperation{
		db:        db,
		writes:    make(map[string]int),
		deletes:   make(map[string]bool),
		sums:      make(map[string]bool),
		primaries: make(map[string]int),
	}
}

// fail records the first staging error; Commit returns it.
func (op *AtomicOperation) fail(err error) {
	if err != nil && op.err == nil {
		op.err = err
	}
}

func (op *AtomicOperation) check(key []byte, vs store.Versionstamp) {
	op.batch.Check(key, vs)
}

func (op *AtomicOperation) set(root keys.Key, id keys.Part, key, value []byte) {
	op.batch.Set(key, value)
	op.ops = append(op.ops, StagedOperation{Kind: store.MutationSet, Collection: root, ID: id, Key: key})
}

func (op *AtomicOperation) delete(root keys.Key, id keys.Part, key []byte) {
	op.batch.Delete(key)
	op.ops = append(op.ops, StagedOperation{Kind: store.MutationDelete, Collection: root, ID: id, Key: key})
}

func (op *AtomicOperation) sum(root keys.Key, id keys.Part, key []byte, delta uint64) {
	op.batch.Sum(key, delta)
	op.ops = append(op.ops, StagedOperation{Kind: store.MutationSum, Collection: root, ID: id, Key: key})
}

func (op *AtomicOperation) markWrite(docKey []byte) { op.writes[string(docKey)]++ }

func (op *AtomicOperation) markDelete(docKey []byte) { op.deletes[string(docKey)] = true }

func (op *AtomicOperation) markSum(docKey []byte) { op.sums[string(docKey)] = true }

func (op *AtomicOperation) markPrimary(indexKey []byte) { op.primaries[string(indexKey)]++ }

// Operations returns the mutations staged so far. Deletes that need a read
// are only staged during Commit.
func (op *AtomicOperation) Operations() []StagedOperation {
	return append([]StagedOperation(nil), op.ops...)
}

// Checks returns the version checks staged so far.
func (op *AtomicOperation) Checks() []store.Check {
	return append([]store.Check(nil), op.batch.Checks...)
}

// Err returns the first staging error.
func (op *AtomicOperation) Err() error {
	return op.err
}

// collision reports a document that is written twice, or both written and
// deleted, within the operation. Two documents claiming the same primary
// index value collide as well.
func (op *AtomicOperation) collision() error {
	for key, n := range op.writes {
		if n > 1 || op.deletes[key] {
			return fmt.Errorf("%w: %s", ErrIDCollision, describeKey([]byte(key)))
		}
	}
	for key := range op.sums {
		if op.deletes[key] {
			return fmt.Errorf("%w: %s", ErrIDCollision, describeKey([]byte(key)))
		}
	}
	for key, n := range op.primaries {
		if n > 1 {
			return fmt.Errorf("%w: primary index %s", ErrIDCollision, describeKey([]byte(key)))
		}
	}
	return nil
}

func describeKey(b []byte) string {
	k, err := keys.Decode(b)
	if err != nil {
		return fmt.Sprintf("%x", b)
	}
	return fmt.Sprint(k)
}

// Commit resolves deferred deletes and submits every staged mutation and
// check as one commit. OK is false when a check failed, in which case
// nothing was applied. Commit does not retry.
func (op *AtomicOperation) Commit(ctx context.Context) (CommitResult, error) {
	if op.committed {
		return CommitResult{}, ErrAlreadyCommitted
	}
	op.committed = true

	if op.err != nil {
		return CommitResult{}, op.err
	}
	if err := op.collision(); err != nil {
		return CommitResult{}, err
	}
	for _, resolve := range op.deferred {
		if err := resolve(ctx); err != nil {
			return CommitResult{}, err
		}
	}

	res, err := op.db.store.Commit(ctx, &op.batch)
	if err != nil {
		return CommitResult{}, fmt.Errorf("committing atomic operation: %w", err)
	}
	op.db.logger.Debug("committed atomic operation",
		"ok", res.OK,
		"versionstamp", res.Versionstamp,
		"checks", len(op.batch.Checks),
		"mutations", len(op.batch.Mutations))
	return res, nil
}

// AtomicCollection stages operations of one collection on an atomic
// operation. Methods return the receiver for chaining; errors surface from
// Commit.
type AtomicCollection[T any] struct {
	op *AtomicOperation
	c  *Collection[T]
}

// Select scopes op to c. Operations already staged for other collections
// stay part of op.
func Select[T any](op *AtomicOperation, c *Collection[T]) *AtomicCollection[T] {
	if c.db != op.db {
		op.fail(fmt.Errorf("collection %v belongs to another database", c.root))
	}
	return &AtomicCollection[T]{op: op, c: c}
}

// Operation returns the underlying atomic operation, for selecting another
// collection.
func (a *AtomicCollection[T]) Operation() *AtomicOperation {
	return a.op
}

// Add stages value under a generated id.
func (a *AtomicCollection[T]) Add(value T) *AtomicCollection[T] {
	a.op.fail(a.c.stageInsert(a.op, a.c.idGenerator(value), value))
	return a
}

// Set stages value under id; the commit fails if the id exists.
func (a *AtomicCollection[T]) Set(id keys.Part, value T) *AtomicCollection[T] {
	a.op.fail(a.c.stageInsert(a.op, id, value))
	return a
}

// Delete stages removal of the given ids. For indexed or serialized
// collections the documents are read during Commit to find their index
// entries and segments.
func (a *AtomicCollection[T]) Delete(ids ...keys.Part) *AtomicCollection[T] {
	for _, id := range ids {
		a.op.fail(a.stageDelete(id))
	}
	return a
}

func (a *AtomicCollection[T]) stageDelete(id keys.Part) error {
	id, err := keys.Normalize(id)
	if err != nil {
		return fmt.Errorf("invalid id: %w", err)
	}
	docKey, err := a.c.docKey(id)
	if err != nil {
		return err
	}
	a.op.markDelete(docKey)

	if !a.c.needsRead() {
		a.op.delete(a.c.root, id, docKey)
		return nil
	}
	a.op.deferred = append(a.op.deferred, func(ctx context.Context) error {
		doc, err := a.c.read(ctx, id, store.Strong)
		if err != nil || doc == nil {
			return err
		}
		return a.c.stageDelete(a.op, doc)
	})
	return nil
}

// Sum stages adding delta to the uint64 document id, which counts as zero
// when absent.
func (a *AtomicCollection[T]) Sum(id keys.Part, delta uint64) *AtomicCollection[T] {
	if !a.c.rawU64 {
		a.op.fail(fmt.Errorf("collection %v: %w", a.c.root, ErrSumUnsupported))
		return a
	}
	id, err := keys.Normalize(id)
	if err != nil {
		a.op.fail(fmt.Errorf("invalid id: %w", err))
		return a
	}
	docKey, err := a.c.docKey(id)
	if err != nil {
		a.op.fail(err)
		return a
	}
	a.op.markSum(docKey)
	a.op.sum(a.c.root, id, docKey, delta)
	return a
}

// Check requires each document to still carry the versionstamp it was read
// with.
func (a *AtomicCollection[T]) Check(docs ...*Document[T]) *AtomicCollection[T] {
	for _, doc := range docs {
		if doc == nil {
			a.op.fail(fmt.Errorf("collection %v: check of nil document", a.c.root))
			continue
		}
		a.CheckVersion(doc.ID, doc.Versionstamp)
	}
	return a
}

// CheckVersion requires document id to carry vs. An empty vs requires the
// document to be absent.
func (a *AtomicCollection[T]) CheckVersion(id keys.Part, vs store.Versionstamp) *AtomicCollection[T] {
	docKey, err := a.c.docKey(id)
	if err != nil {
		a.op.fail(err)
		return a
	}
	a.op.check(docKey, vs)
	return a
}

// Commit commits the underlying atomic operation.
func (a *AtomicCollection[T]) Commit(ctx context.Context) (CommitResult, error) {
	return a.op.Commit(ctx)
}
