package message_test

import (
	"testing"

	"github.com/karo-platform/karo-bus/pkg/bdoc"
	"github.com/karo-platform/karo-bus/pkg/message"
	"github.com/stretchr/testify/require"
)

func TestCounterStrictlyIncreases(t *testing.T) {
	var c message.Counter
	last := uint64(0)
	for i := 0; i < 100; i++ {
		next := c.Next()
		require.Greater(t, next, last)
		last = next
	}
}

func TestEnvelopeBDocRoundTrip(t *testing.T) {
	payload, err := bdoc.Marshal("hello")
	require.NoError(t, err)

	envelopes := []message.Envelope{
		message.NewRegister(1, "com.example.a"),
		message.NewConnect(2, "com.example.b"),
		message.NewMethodCall(3, "com.example.b", "ping", payload),
		message.NewSubscribe(4, "tick"),
		message.NewWatch(5, "status"),
		message.NewOk(6),
		message.NewReturn(7, payload),
		message.NewSignal(8, payload),
		message.NewStateChanged(9, payload),
		message.NewError(10, message.ErrMethodNotFound),
		message.NewShutdown(11, "com.example.a"),
	}

	for _, want := range envelopes {
		encoded, err := bdoc.Marshal(want)
		require.NoError(t, err)

		var got message.Envelope
		require.NoError(t, bdoc.Unmarshal(encoded, &got))
		require.Equal(t, want, got)
	}
}

func TestWithSeqRetagsWithoutMutatingOriginal(t *testing.T) {
	original := message.NewSignal(1, nil)
	retagged := original.WithSeq(42)

	require.Equal(t, uint64(1), original.Seq)
	require.Equal(t, uint64(42), retagged.Seq)
}

func TestIsResponse(t *testing.T) {
	require.False(t, message.NewMethodCall(1, "a", "m", nil).Body.IsResponse())
	require.True(t, message.NewOk(1).Body.IsResponse())
	require.True(t, message.NewError(1, message.ErrInternal).Body.IsResponse())
}
