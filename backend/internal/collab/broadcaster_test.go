package collab

import (
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcasterPublishExcludesOrigin(t *testing.T) {
	b := NewBroadcaster(50*time.Millisecond, zerolog.Nop())
	a, c := newFakeSub("a"), newFakeSub("c")
	b.Subscribe("doc-1", a)
	b.Subscribe("doc-1", c)

	n := b.Publish("doc-1", Event{Type: EventCursorMoved}, "a")
	assert.Equal(t, 1, n)
	assert.Empty(t, a.all())
	assert.Len(t, c.all(), 1)
}

func TestBroadcasterRoomLifecycle(t *testing.T) {
	b := NewBroadcaster(0, zerolog.Nop())
	a := newFakeSub("a")
	b.Subscribe("doc-1", a)
	b.Subscribe("doc-1", a)
	require.Equal(t, []string{"a"}, b.Members("doc-1"))

	b.Unsubscribe("doc-1", "a")
	b.Unsubscribe("doc-1", "a")
	assert.False(t, b.HasRoom("doc-1"))
	assert.Equal(t, 0, b.RoomCount())

	// 没有房间时发布什么都不做，也不会创建房间
	assert.Equal(t, 0, b.Publish("doc-1", Event{Type: EventUserLeft}, ""))
	_, ok := b.PublishSequenced("doc-1", func(seq uint64) Event { return Event{Sequence: seq} }, "")
	assert.False(t, ok)
	assert.False(t, b.HasRoom("doc-1"))
}

func TestBroadcasterDropsFailedSubscriber(t *testing.T) {
	b := NewBroadcaster(20*time.Millisecond, zerolog.Nop())
	good, bad, slow := newFakeSub("good"), newFakeSub("bad"), newFakeSub("slow")
	bad.fail = true
	slow.block = true
	b.Subscribe("doc-1", good)
	b.Subscribe("doc-1", bad)
	b.Subscribe("doc-1", slow)

	start := time.Now()
	n := b.Publish("doc-1", Event{Type: EventContentUpdated}, "")
	// 卡住的连接最多拖慢一个投递超时
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"good"}, b.Members("doc-1"))
	assert.Eventually(t, func() bool { return bad.closeCount() == 1 && slow.closeCount() == 1 },
		time.Second, 5*time.Millisecond)

	b.Publish("doc-1", Event{Type: EventContentUpdated}, "")
	assert.Len(t, good.all(), 2)
}

func TestBroadcasterSequenceMonotonic(t *testing.T) {
	b := NewBroadcaster(0, zerolog.Nop())
	watcher := newFakeSub("watcher")
	b.Subscribe("doc-1", watcher)
	senders := make([]*fakeSub, 8)
	for i := range senders {
		senders[i] = newFakeSub(string(rune('a' + i)))
		b.Subscribe("doc-1", senders[i])
	}

	const perSender = 25
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[uint64]bool)
	)
	for _, s := range senders {
		wg.Add(1)
		go func(s *fakeSub) {
			defer wg.Done()
			for i := 0; i < perSender; i++ {
				seq, ok := b.PublishSequenced("doc-1", func(seq uint64) Event {
					return Event{Type: EventContentUpdated, Sequence: seq, ConnID: s.ID()}
				}, s.ID())
				if !ok {
					t.Errorf("room vanished")
					return
				}
				mu.Lock()
				if seen[seq] {
					t.Errorf("duplicate sequence %d", seq)
				}
				seen[seq] = true
				mu.Unlock()
			}
		}(s)
	}
	wg.Wait()

	got := watcher.all()
	require.Len(t, got, len(senders)*perSender)
	for i := 1; i < len(got); i++ {
		if got[i].Sequence <= got[i-1].Sequence {
			t.Fatalf("sequence not increasing at %d: %d after %d", i, got[i].Sequence, got[i-1].Sequence)
		}
	}
	for _, s := range senders {
		for _, e := range s.all() {
			if e.ConnID == s.ID() {
				t.Fatalf("%s received its own change", s.ID())
			}
		}
	}
}

func TestBroadcasterSequenceRestartsWithNewRoom(t *testing.T) {
	b := NewBroadcaster(0, zerolog.Nop())
	a := newFakeSub("a")
	b.Subscribe("doc-1", a)
	build := func(seq uint64) Event { return Event{Type: EventContentUpdated, Sequence: seq} }

	b.PublishSequenced("doc-1", build, "")
	seq, ok := b.PublishSequenced("doc-1", build, "")
	require.True(t, ok)
	assert.Equal(t, uint64(2), seq)

	// 房间随最后一个成员离开而销毁，新房间从 1 重新编号
	b.Unsubscribe("doc-1", "a")
	b.Subscribe("doc-1", newFakeSub("b"))
	seq, ok = b.PublishSequenced("doc-1", build, "")
	require.True(t, ok)
	assert.Equal(t, uint64(1), seq)
}
