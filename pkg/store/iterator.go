package store

// SliceIterator iterates a materialized, already ordered page of entries.
type SliceIterator struct {
	entries []Entry
	pos     int
	err     error
}

// NewSliceIterator wraps entries, which must already be in scan order.
func NewSliceIterator(entries []Entry) *SliceIterator {
	return &SliceIterator{entries: entries, pos: -1}
}

// ErrIterator returns an iterator that yields nothing and reports err.
func ErrIterator(err error) *SliceIterator {
	return &SliceIterator{pos: -1, err: err}
}

func (it *SliceIterator) Next() bool {
	if it.err != nil || it.pos+1 >= len(it.entries) {
		it.pos = len(it.entries)
		return false
	}
	it.pos++
	return true
}

func (it *SliceIterator) Entry() Entry {
	if it.pos < 0 || it.pos >= len(it.entries) {
		return Entry{}
	}
	return it.entries[it.pos]
}

func (it *SliceIterator) Err() error {
	return it.err
}

func (it *SliceIterator) Close() error {
	it.entries = nil
	return nil
}
