package iter

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/logproto"
)

func mkStream(labels string, from, count int64) logproto.Stream {
	s := logproto.Stream{Labels: labels}
	for i := from; i < from+count; i++ {
		s.Entries = append(s.Entries, logproto.Entry{
			Timestamp: time.Unix(0, i),
			Line:      fmt.Sprintf("%s %d", labels, i),
		})
	}
	return s
}

func TestStreamIterator(t *testing.T) {
	it := NewStreamIterator(mkStream(`{app="a"}`, 0, 3))
	for i := int64(0); i < 3; i++ {
		require.True(t, it.Next())
		require.Equal(t, i, it.Entry().Timestamp.UnixNano())
		require.Equal(t, `{app="a"}`, it.Labels())
	}
	require.False(t, it.Next())
}

func TestHeapIteratorMergesInOrder(t *testing.T) {
	it := NewHeapIterator([]EntryIterator{
		NewStreamIterator(mkStream(`{app="a"}`, 0, 5)),
		NewStreamIterator(mkStream(`{app="b"}`, 2, 5)),
		NewStreamIterator(mkStream(`{app="c"}`, 4, 5)),
	}, logproto.FORWARD)
	defer it.Close()

	var prev time.Time
	count := 0
	for it.Next() {
		require.False(t, it.Entry().Timestamp.Before(prev))
		prev = it.Entry().Timestamp
		count++
	}
	require.Equal(t, 15, count)
	require.NoError(t, it.Error())
}

func TestHeapIteratorBackward(t *testing.T) {
	backward := func(s logproto.Stream) logproto.Stream {
		for l, r := 0, len(s.Entries)-1; l < r; l, r = l+1, r-1 {
			s.Entries[l], s.Entries[r] = s.Entries[r], s.Entries[l]
		}
		return s
	}

	it := NewHeapIterator([]EntryIterator{
		NewStreamIterator(backward(mkStream(`{app="a"}`, 0, 5))),
		NewStreamIterator(backward(mkStream(`{app="b"}`, 2, 5))),
	}, logproto.BACKWARD)
	defer it.Close()

	var prev = time.Unix(0, 1<<62)
	count := 0
	for it.Next() {
		require.False(t, it.Entry().Timestamp.After(prev))
		prev = it.Entry().Timestamp
		count++
	}
	require.Equal(t, 10, count)
}

func TestHeapIteratorDedupesIdenticalEntries(t *testing.T) {
	// The same stream observed through two paths, e.g. a chunk retained in
	// memory and its flushed copy in the store.
	it := NewHeapIterator([]EntryIterator{
		NewStreamIterator(mkStream(`{app="a"}`, 0, 5)),
		NewStreamIterator(mkStream(`{app="a"}`, 0, 5)),
	}, logproto.FORWARD)
	defer it.Close()

	count := 0
	for it.Next() {
		count++
	}
	require.Equal(t, 5, count)
}

func TestHeapIteratorKeepsDistinctLinesAtSameTimestamp(t *testing.T) {
	s1 := logproto.Stream{Labels: `{app="a"}`, Entries: []logproto.Entry{{Timestamp: time.Unix(0, 1), Line: "x"}}}
	s2 := logproto.Stream{Labels: `{app="a"}`, Entries: []logproto.Entry{{Timestamp: time.Unix(0, 1), Line: "y"}}}

	it := NewHeapIterator([]EntryIterator{
		NewStreamIterator(s1),
		NewStreamIterator(s2),
	}, logproto.FORWARD)
	defer it.Close()

	count := 0
	for it.Next() {
		count++
	}
	require.Equal(t, 2, count)
}

func TestNonOverlappingIterator(t *testing.T) {
	it := NewNonOverlappingIterator([]EntryIterator{
		NewStreamIterator(mkStream(`{}`, 0, 3)),
		NewStreamIterator(mkStream(`{}`, 3, 3)),
	}, `{app="chained"}`)

	for i := int64(0); i < 6; i++ {
		require.True(t, it.Next())
		require.Equal(t, i, it.Entry().Timestamp.UnixNano())
		require.Equal(t, `{app="chained"}`, it.Labels())
	}
	require.False(t, it.Next())
}

func TestTimeRangedIterator(t *testing.T) {
	it := NewTimeRangedIterator(
		NewStreamIterator(mkStream(`{}`, 0, 10)),
		time.Unix(0, 3), time.Unix(0, 7),
	)

	var got []int64
	for it.Next() {
		got = append(got, it.Entry().Timestamp.UnixNano())
	}
	require.Equal(t, []int64{3, 4, 5, 6}, got)
}

func TestEntryIteratorBackward(t *testing.T) {
	it, err := NewEntryIteratorBackward(NewStreamIterator(mkStream(`{}`, 0, 5)))
	require.NoError(t, err)

	for i := int64(4); i >= 0; i-- {
		require.True(t, it.Next())
		require.Equal(t, i, it.Entry().Timestamp.UnixNano())
	}
	require.False(t, it.Next())
}
