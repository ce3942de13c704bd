package store

import "fmt"

// MutationKind is the kind of a staged write.
type MutationKind int

const (
	MutationSet MutationKind = iota + 1
	MutationDelete
	MutationSum
)

func (k MutationKind) String() string {
	switch k {
	case MutationSet:
		return "set"
	case MutationDelete:
		return "delete"
	case MutationSum:
		return "sum"
	default:
		return fmt.Sprintf("MutationKind(%d)", int(k))
	}
}

// Mutation is a single staged write.
type Mutation struct {
	Kind  MutationKind
	Key   []byte
	Value []byte
	Delta uint64
}

// Check requires the current versionstamp of Key to equal Versionstamp at
// commit time.
type Check struct {
	Key          []byte
	Versionstamp Versionstamp
}

// Batch is the unit of an atomic commit.
type Batch struct {
	Checks    []Check
	Mutations []Mutation
}

// CommitResult reports the outcome of a commit. When OK is false no mutation
// was applied.
type CommitResult struct {
	OK           bool
	Versionstamp Versionstamp
}

// Check appends a version check.
func (b *Batch) Check(key []byte, vs Versionstamp) *Batch {
	b.Checks = append(b.Checks, Check{Key: key, Versionstamp: vs})
	return b
}

// Set appends a set mutation.
func (b *Batch) Set(key, value []byte) *Batch {
	b.Mutations = append(b.Mutations, Mutation{Kind: MutationSet, Key: key, Value: value})
	return b
}

// Delete appends a delete mutation.
func (b *Batch) Delete(key []byte) *Batch {
	b.Mutations = append(b.Mutations, Mutation{Kind: MutationDelete, Key: key})
	return b
}

// Sum appends a u64 sum mutation.
func (b *Batch) Sum(key []byte, delta uint64) *Batch {
	b.Mutations = append(b.Mutations, Mutation{Kind: MutationSum, Key: key, Delta: delta})
	return b
}

// Empty reports whether the batch has nothing to commit.
func (b *Batch) Empty() bool {
	return len(b.Checks) == 0 && len(b.Mutations) == 0
}
