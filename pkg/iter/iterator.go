// Package iter provides iterators over log entries, and primitives to merge,
// bound and reverse them.
package iter

import (
	"container/heap"
	"time"

	"github.com/loghive/loghive/pkg/logproto"
)

// EntryIterator iterates over entries in time order, forward or backward.
type EntryIterator interface {
	Next() bool
	Entry() logproto.Entry
	Labels() string
	Error() error
	Close() error
}

// NoopIterator is an EntryIterator that is always exhausted.
var NoopIterator = noopIterator{}

type noopIterator struct{}

func (noopIterator) Next() bool             { return false }
func (noopIterator) Entry() logproto.Entry  { return logproto.Entry{} }
func (noopIterator) Labels() string         { return "" }
func (noopIterator) Error() error           { return nil }
func (noopIterator) Close() error           { return nil }

// streamIterator iterates over the entries of a single stream.
type streamIterator struct {
	i       int
	entries []logproto.Entry
	labels  string
}

// NewStreamIterator iterates over entries in a stream.
func NewStreamIterator(stream logproto.Stream) EntryIterator {
	return &streamIterator{
		i:       -1,
		entries: stream.Entries,
		labels:  stream.Labels,
	}
}

func (i *streamIterator) Next() bool {
	i.i++
	return i.i < len(i.entries)
}

func (i *streamIterator) Entry() logproto.Entry { return i.entries[i.i] }
func (i *streamIterator) Labels() string        { return i.labels }
func (i *streamIterator) Error() error          { return nil }
func (i *streamIterator) Close() error          { return nil }

type iteratorHeap []EntryIterator

func (h iteratorHeap) Len() int            { return len(h) }
func (h iteratorHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h iteratorHeap) Peek() EntryIterator { return h[0] }

func (h *iteratorHeap) Push(x interface{}) {
	*h = append(*h, x.(EntryIterator))
}

func (h *iteratorHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[0 : n-1]
	return x
}

type iteratorMinHeap struct {
	iteratorHeap
}

func (h iteratorMinHeap) Less(i, j int) bool {
	t1, t2 := h.iteratorHeap[i].Entry().Timestamp, h.iteratorHeap[j].Entry().Timestamp
	if !t1.Equal(t2) {
		return t1.Before(t2)
	}
	return h.iteratorHeap[i].Labels() < h.iteratorHeap[j].Labels()
}

type iteratorMaxHeap struct {
	iteratorHeap
}

func (h iteratorMaxHeap) Less(i, j int) bool {
	t1, t2 := h.iteratorHeap[i].Entry().Timestamp, h.iteratorHeap[j].Entry().Timestamp
	if !t1.Equal(t2) {
		return t1.After(t2)
	}
	return h.iteratorHeap[i].Labels() < h.iteratorHeap[j].Labels()
}

// heapIterator iterates over a heap of iterators, merging entries from
// multiple streams into a single globally time-ordered sequence. Entries with
// identical timestamp, line and labels appearing in multiple iterators (e.g.
// a chunk both still in memory and already flushed) are deduped.
type heapIterator struct {
	heap interface {
		heap.Interface
		Peek() EntryIterator
	}
	is         []EntryIterator
	prefetched bool

	currEntry  logproto.Entry
	currLabels string
	errs       []error
}

// NewHeapIterator returns a new iterator which uses a heap to merge together
// entries for multiple iterators.
func NewHeapIterator(is []EntryIterator, direction logproto.Direction) EntryIterator {
	result := &heapIterator{is: is}
	switch direction {
	case logproto.BACKWARD:
		result.heap = &iteratorMaxHeap{}
	case logproto.FORWARD:
		result.heap = &iteratorMinHeap{}
	default:
		panic("bad direction")
	}

	return result
}

// prefetch iterates over all inner iterators to merge together, calls Next() on
// each of them to prefetch the first entry and pushes of them - who are not
// empty - to the heap.
func (i *heapIterator) prefetch() {
	if i.prefetched {
		return
	}

	i.prefetched = true
	for _, it := range i.is {
		i.requeue(it, false)
	}
	i.is = nil
}

// requeue pushes the input it to the heap, advancing it via an it.Next() call
// unless the advanced input parameter is true. In this case it expects that
// the iterator has already been advanced before calling requeue().
func (i *heapIterator) requeue(it EntryIterator, advanced bool) {
	if advanced || it.Next() {
		heap.Push(i.heap, it)
		return
	}

	if err := it.Error(); err != nil {
		i.errs = append(i.errs, err)
	}
	closeQuietly(it)
}

func (i *heapIterator) Next() bool {
	i.prefetch()

	if i.heap.Len() == 0 {
		return false
	}

	inner := i.heap.Peek()
	i.currEntry = inner.Entry()
	i.currLabels = inner.Labels()
	i.requeueOrPop(inner)

	// Keep popping entries off the heap that are exact duplicates of the
	// current entry: those are the same entry observed through two paths
	// (e.g. a retained chunk in memory and its flushed copy in the store).
	for i.heap.Len() > 0 {
		next := i.heap.Peek()
		if !next.Entry().Timestamp.Equal(i.currEntry.Timestamp) ||
			next.Labels() != i.currLabels ||
			next.Entry().Line != i.currEntry.Line {
			break
		}
		i.requeueOrPop(next)
	}

	return true
}

func (i *heapIterator) requeueOrPop(it EntryIterator) {
	heap.Pop(i.heap)
	i.requeue(it, false)
}

func (i *heapIterator) Entry() logproto.Entry {
	return i.currEntry
}

func (i *heapIterator) Labels() string {
	return i.currLabels
}

func (i *heapIterator) Error() error {
	switch len(i.errs) {
	case 0:
		return nil
	default:
		return i.errs[0]
	}
}

func (i *heapIterator) Close() error {
	for i.heap.Len() > 0 {
		closeQuietly(heap.Pop(i.heap).(EntryIterator))
	}
	return nil
}

// NewStreamsIterator returns an iterator over multiple logproto.Stream.
func NewStreamsIterator(streams []logproto.Stream, direction logproto.Direction) EntryIterator {
	is := make([]EntryIterator, 0, len(streams))
	for i := range streams {
		is = append(is, NewStreamIterator(streams[i]))
	}
	return NewHeapIterator(is, direction)
}

// nonOverlappingIterator iterates over a inorder list of iterators, assumed
// to have non-overlapping time ranges.
type nonOverlappingIterator struct {
	labels    string
	i         int
	iterators []EntryIterator
	curr      EntryIterator
}

// NewNonOverlappingIterator gives a chained iterator over a list of iterators.
func NewNonOverlappingIterator(iterators []EntryIterator, labels string) EntryIterator {
	return &nonOverlappingIterator{
		iterators: iterators,
		labels:    labels,
	}
}

func (i *nonOverlappingIterator) Next() bool {
	for i.curr == nil || !i.curr.Next() {
		if i.i >= len(i.iterators) {
			return false
		}

		i.curr = i.iterators[i.i]
		i.i++
	}

	return true
}

func (i *nonOverlappingIterator) Entry() logproto.Entry {
	return i.curr.Entry()
}

func (i *nonOverlappingIterator) Labels() string {
	if i.labels != "" {
		return i.labels
	}
	return i.curr.Labels()
}

func (i *nonOverlappingIterator) Error() error {
	if i.curr == nil {
		return nil
	}
	return i.curr.Error()
}

func (i *nonOverlappingIterator) Close() error {
	for _, iter := range i.iterators {
		closeQuietly(iter)
	}
	return nil
}

type timeRangedIterator struct {
	EntryIterator
	mint, maxt time.Time
}

// NewTimeRangedIterator returns an iterator which filters entries by time
// range [mint, maxt).
func NewTimeRangedIterator(it EntryIterator, mint, maxt time.Time) EntryIterator {
	return &timeRangedIterator{
		EntryIterator: it,
		mint:          mint,
		maxt:          maxt,
	}
}

func (i *timeRangedIterator) Next() bool {
	ok := i.EntryIterator.Next()
	if !ok {
		closeQuietly(i.EntryIterator)
		return false
	}

	ts := i.EntryIterator.Entry().Timestamp
	for ok && i.mint.After(ts) {
		ok = i.EntryIterator.Next()
		if !ok {
			break
		}
		ts = i.EntryIterator.Entry().Timestamp
	}

	if ok && (i.maxt.Before(ts) || i.maxt.Equal(ts)) { // The maxt is exclusive.
		ok = false
	}

	if !ok {
		closeQuietly(i.EntryIterator)
	}

	return ok
}

type entryIteratorBackward struct {
	forwardIter EntryIterator
	cur         logproto.Entry
	entries     []logproto.Entry
	loaded      bool
}

// NewEntryIteratorBackward returns an iterator which loads all the entries of
// an existing iterator, and then iterates over them backward.
func NewEntryIteratorBackward(it EntryIterator) (EntryIterator, error) {
	return &entryIteratorBackward{entries: make([]logproto.Entry, 0, 128), forwardIter: it}, it.Error()
}

func (i *entryIteratorBackward) load() {
	if !i.loaded {
		i.loaded = true
		for i.forwardIter.Next() {
			entry := i.forwardIter.Entry()
			i.entries = append(i.entries, entry)
		}
		closeQuietly(i.forwardIter)
	}
}

func (i *entryIteratorBackward) Next() bool {
	i.load()
	if len(i.entries) == 0 {
		i.entries = nil
		return false
	}

	i.cur = i.entries[len(i.entries)-1]
	i.entries = i.entries[:len(i.entries)-1]

	return true
}

func (i *entryIteratorBackward) Entry() logproto.Entry {
	return i.cur
}

func (i *entryIteratorBackward) Close() error { return nil }

func (i *entryIteratorBackward) Error() error { return nil }

func (i *entryIteratorBackward) Labels() string {
	return ""
}

func closeQuietly(it EntryIterator) {
	_ = it.Close()
}
