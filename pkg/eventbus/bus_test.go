package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestProgressLaneDropsOldest(t *testing.T) {
	b := New()
	for i := 0; i < progressQueueCapacity+10; i++ {
		b.Publish(Progress{TaskID: "t1", DownloadedBytes: int64(i)})
	}
	events := b.Drain()
	require.Len(t, events, progressQueueCapacity)
	first := events[0].(Progress)
	require.Equal(t, int64(10), first.DownloadedBytes)
}

func TestStateEventsNeverDrop(t *testing.T) {
	b := New()
	for i := 0; i < progressQueueCapacity*2; i++ {
		b.Publish(ChunkCompleted{TaskID: "t1", ChunkIndex: uint32(i)})
	}
	events := b.Drain()
	require.Len(t, events, progressQueueCapacity*2)
}

func TestStateEventsDrainBeforeProgress(t *testing.T) {
	b := New()
	b.Publish(Progress{TaskID: "t1"})
	b.Publish(Completed{TaskID: "t1"})
	e, ok := b.Next()
	require.True(t, ok)
	require.IsType(t, Completed{}, e)
}

func TestCommandSubmitRoundTrip(t *testing.T) {
	ch := NewCommandChannel(4)
	_, reply := Submit(ch, IngestFile{Path: "/tmp/x"})
	env := <-ch
	env.Reply <- Result{RequestID: env.RequestID, Value: "ok"}
	res := <-reply
	require.Equal(t, "ok", res.Value)
}
