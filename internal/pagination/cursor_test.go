package pagination

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCursorRoundTrip(t *testing.T) {
	created := time.Date(2026, 8, 1, 9, 30, 0, 123456789, time.UTC)

	cur, err := Decode(Encode(created, "esc_7f3a9c"))
	require.NoError(t, err)
	require.NotNil(t, cur)
	assert.True(t, cur.CreatedAt.Equal(created), "nanosecond precision survives the round trip")
	assert.Equal(t, "esc_7f3a9c", cur.ID)
}

func TestDecodeEmptyIsFirstPage(t *testing.T) {
	cur, err := Decode("")
	require.NoError(t, err)
	assert.Nil(t, cur)
}

func TestDecodeRejectsForgedCursors(t *testing.T) {
	cases := map[string]string{
		"not base64":    "%%%definitely-not%%%",
		"no separator":  base64.URLEncoding.EncodeToString([]byte("1756540800000000000esc_1")),
		"bad timestamp": base64.URLEncoding.EncodeToString([]byte("yesterday|esc_1")),
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(raw)
			assert.ErrorIs(t, err, ErrInvalidCursor)
		})
	}
}

func TestComputePage(t *testing.T) {
	base := time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC)
	type row struct {
		id string
		at time.Time
	}
	rows := func(n int) []row {
		out := make([]row, n)
		for i := range out {
			out[i] = row{id: "esc_" + string(rune('a'+i)), at: base.Add(time.Duration(i) * time.Minute)}
		}
		return out
	}
	key := func(r row) (time.Time, string) { return r.at, r.id }

	t.Run("under limit", func(t *testing.T) {
		page, cursor, more := ComputePage(rows(2), 5, key)
		assert.Len(t, page, 2)
		assert.Empty(t, cursor)
		assert.False(t, more)
	})

	t.Run("exactly at limit", func(t *testing.T) {
		// a limit+1 fetch that returned exactly limit rows is the end
		page, cursor, more := ComputePage(rows(3), 3, key)
		assert.Len(t, page, 3)
		assert.Empty(t, cursor)
		assert.False(t, more)
	})

	t.Run("overflow row trimmed", func(t *testing.T) {
		page, cursor, more := ComputePage(rows(4), 3, key)
		require.Len(t, page, 3)
		assert.True(t, more)

		// the cursor continues after the last row actually returned
		cur, err := Decode(cursor)
		require.NoError(t, err)
		assert.Equal(t, page[2].id, cur.ID)
		assert.True(t, cur.CreatedAt.Equal(page[2].at))
	})
}
