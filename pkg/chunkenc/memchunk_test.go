package chunkenc

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/loghive/loghive/pkg/logproto"
)

var testEncodings = []Encoding{
	EncNone,
	EncGZIP,
	EncSnappy,
	EncLZ4,
	EncZstd,
}

func logprotoEntry(ts int64, line string) *logproto.Entry {
	return &logproto.Entry{
		Timestamp: time.Unix(0, ts),
		Line:      line,
	}
}

func TestAppendAndIterate(t *testing.T) {
	for _, enc := range testEncodings {
		t.Run(enc.String(), func(t *testing.T) {
			c := NewMemChunk(enc, 1024, 0)

			for i := int64(0); i < 100; i++ {
				require.NoError(t, c.Append(logprotoEntry(i, fmt.Sprintf("line %d", i))))
			}

			it, err := c.Iterator(time.Unix(0, 0), time.Unix(0, 100), logproto.FORWARD)
			require.NoError(t, err)
			for i := int64(0); i < 100; i++ {
				require.True(t, it.Next())
				e := it.Entry()
				require.Equal(t, i, e.Timestamp.UnixNano())
				require.Equal(t, fmt.Sprintf("line %d", i), e.Line)
			}
			require.False(t, it.Next())
			require.NoError(t, it.Error())
		})
	}
}

func TestIteratorBounds(t *testing.T) {
	c := NewMemChunk(EncGZIP, 1024, 0)
	for i := int64(0); i < 10; i++ {
		require.NoError(t, c.Append(logprotoEntry(i, "x")))
	}

	// maxt is exclusive.
	it, err := c.Iterator(time.Unix(0, 2), time.Unix(0, 5), logproto.FORWARD)
	require.NoError(t, err)
	var got []int64
	for it.Next() {
		got = append(got, it.Entry().Timestamp.UnixNano())
	}
	require.Equal(t, []int64{2, 3, 4}, got)
}

func TestBackwardIterator(t *testing.T) {
	c := NewMemChunk(EncSnappy, 1024, 0)
	for i := int64(0); i < 10; i++ {
		require.NoError(t, c.Append(logprotoEntry(i, "x")))
	}

	it, err := c.Iterator(time.Unix(0, 0), time.Unix(0, 10), logproto.BACKWARD)
	require.NoError(t, err)
	for i := int64(9); i >= 0; i-- {
		require.True(t, it.Next())
		require.Equal(t, i, it.Entry().Timestamp.UnixNano())
	}
	require.False(t, it.Next())
}

func TestOutOfOrderRejected(t *testing.T) {
	c := NewMemChunk(EncGZIP, 1024, 0)
	require.NoError(t, c.Append(logprotoEntry(5, "a")))
	require.Equal(t, ErrOutOfOrder, c.Append(logprotoEntry(4, "b")))
	// An equal timestamp is allowed; ties keep arrival order.
	require.NoError(t, c.Append(logprotoEntry(5, "c")))
}

func TestSerialiseRoundTrip(t *testing.T) {
	for _, enc := range testEncodings {
		t.Run(enc.String(), func(t *testing.T) {
			c := NewMemChunk(enc, 256, 0)
			for i := int64(0); i < 500; i++ {
				require.NoError(t, c.Append(logprotoEntry(i, fmt.Sprintf("entry number %d", i))))
			}
			require.NoError(t, c.Close())

			b, err := c.Bytes()
			require.NoError(t, err)

			decoded, err := NewByteChunk(b)
			require.NoError(t, err)
			require.Equal(t, enc, decoded.Encoding())
			require.Equal(t, c.Size(), decoded.Size())

			it, err := decoded.Iterator(time.Unix(0, 0), time.Unix(0, 500), logproto.FORWARD)
			require.NoError(t, err)
			for i := int64(0); i < 500; i++ {
				require.True(t, it.Next(), "entry %d", i)
				require.Equal(t, fmt.Sprintf("entry number %d", i), it.Entry().Line)
			}
			require.False(t, it.Next())
		})
	}
}

func TestBlockIteratorRecyclesReaders(t *testing.T) {
	for _, enc := range testEncodings {
		t.Run(enc.String(), func(t *testing.T) {
			c := NewMemChunk(enc, 128, 0)
			for i := int64(0); i < 100; i++ {
				require.NoError(t, c.Append(logprotoEntry(i, fmt.Sprintf("line %d", i))))
			}

			// Iterating repeatedly puts readers back in the codec pool and
			// takes them out again; a reader that comes back dirty would
			// corrupt the next pass.
			for pass := 0; pass < 3; pass++ {
				it, err := c.Iterator(time.Unix(0, 0), time.Unix(0, 100), logproto.FORWARD)
				require.NoError(t, err)
				for i := int64(0); i < 100; i++ {
					require.True(t, it.Next(), "pass %d entry %d", pass, i)
					require.Equal(t, fmt.Sprintf("line %d", i), it.Entry().Line)
				}
				require.False(t, it.Next())
				require.NoError(t, it.Close())
				// Closing twice must not hand the same reader out twice.
				require.NoError(t, it.Close())
			}
		})
	}
}

func TestCorruptChunkRejected(t *testing.T) {
	c := NewMemChunk(EncGZIP, 1024, 0)
	for i := int64(0); i < 10; i++ {
		require.NoError(t, c.Append(logprotoEntry(i, "some line")))
	}
	require.NoError(t, c.Close())
	b, err := c.Bytes()
	require.NoError(t, err)

	// Flip a byte inside a block.
	b[10] ^= 0xff
	_, err = NewByteChunk(b)
	require.Error(t, err)
}

func TestSpaceFor(t *testing.T) {
	// With a target size, SpaceFor is based on bytes.
	c := NewMemChunk(EncNone, 10, 20)
	require.True(t, c.SpaceFor(&logproto.Entry{Line: "0123456789"}))
	require.NoError(t, c.Append(logprotoEntry(1, "0123456789")))
	require.True(t, c.SpaceFor(&logproto.Entry{Line: "0123456789"}))
	require.NoError(t, c.Append(logprotoEntry(2, "0123456789")))
	require.False(t, c.SpaceFor(&logproto.Entry{Line: "x"}))
}

func TestBounds(t *testing.T) {
	c := NewMemChunk(EncGZIP, 1024, 0)
	require.NoError(t, c.Append(logprotoEntry(10, "a")))
	require.NoError(t, c.Append(logprotoEntry(20, "b")))

	from, through := c.Bounds()
	require.Equal(t, int64(10), from.UnixNano())
	require.Equal(t, int64(20), through.UnixNano())
}

func TestParseEncoding(t *testing.T) {
	for _, enc := range testEncodings {
		parsed, err := ParseEncoding(enc.String())
		require.NoError(t, err)
		require.Equal(t, enc, parsed)
	}
	_, err := ParseEncoding("bogus")
	require.Error(t, err)
}
