package packet_test

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/malbeclabs/packet-writer/internal/packet"
	"github.com/stretchr/testify/require"
)

func TestPacket_IDGenerator(t *testing.T) {
	t.Parallel()

	t.Run("ids increase within the same millisecond", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClockAt(time.Date(2020, 2, 1, 10, 15, 0, 0, time.UTC))
		gen := packet.NewIDGenerator(clock)

		a := gen.Next()
		b := gen.Next()
		c := gen.Next()
		require.Less(t, a, b)
		require.Less(t, b, c)
		require.Equal(t, a+1, b)
	})

	t.Run("ids increase across milliseconds", func(t *testing.T) {
		t.Parallel()
		clock := clockwork.NewFakeClockAt(time.Date(2020, 2, 1, 10, 15, 0, 0, time.UTC))
		gen := packet.NewIDGenerator(clock)

		a := gen.Next()
		clock.Advance(time.Millisecond)
		b := gen.Next()
		require.Equal(t, a+1<<20, b)
	})

	t.Run("ids are positive", func(t *testing.T) {
		t.Parallel()
		gen := packet.NewIDGenerator(nil)
		require.Positive(t, gen.Next())
	})
}
