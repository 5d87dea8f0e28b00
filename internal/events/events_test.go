package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryPublisherFanOut(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	specific := p.Subscribe("WO-1")
	global := p.Subscribe(GlobalWorkOrderID)

	p.Publish(NewEvent(EventReady, "WO-1", nil))

	select {
	case ev := <-specific:
		assert.Equal(t, EventReady, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("specific subscriber did not receive event")
	}

	select {
	case ev := <-global:
		assert.Equal(t, EventReady, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("global subscriber did not receive event")
	}
}

func TestMemoryPublisherUnsubscribe(t *testing.T) {
	p := NewMemoryPublisher()
	defer p.Close()

	ch := p.Subscribe("WO-1")
	require.Equal(t, 1, p.SubscriberCount("WO-1"))

	p.Unsubscribe("WO-1", ch)
	assert.Equal(t, 0, p.SubscriberCount("WO-1"))
}

func TestNopPublisher(t *testing.T) {
	p := NewNopPublisher()
	p.Publish(NewEvent(EventReady, "WO-1", nil))
	ch := p.Subscribe("WO-1")
	_, open := <-ch
	assert.False(t, open, "nop subscriber channel should be closed")
}

func TestBatchingPublisherCoalescesToolCalls(t *testing.T) {
	inner := NewMemoryPublisher()
	defer inner.Close()
	sub := inner.Subscribe(GlobalWorkOrderID)

	b := NewBatchingPublisher(inner, WithToolCallWindow(10*time.Millisecond))

	b.Publish(NewEvent(EventAgentToolCall, "WO-1", ToolCallData{Iteration: 1, ToolName: "read"}))
	b.Publish(NewEvent(EventAgentToolCall, "WO-1", ToolCallData{Iteration: 1, ToolName: "write"}))

	select {
	case ev := <-sub:
		data, ok := ev.Data.(ToolCallData)
		require.True(t, ok)
		assert.Equal(t, "read", data.ToolName)
	case <-time.After(time.Second):
		t.Fatal("expected a flushed tool call event")
	}

	select {
	case ev := <-sub:
		data, ok := ev.Data.(ToolCallData)
		require.True(t, ok)
		assert.Equal(t, "write", data.ToolName)
	case <-time.After(time.Second):
		t.Fatal("expected second flushed tool call event")
	}
}

func TestBatchingPublisherDebouncesOutput(t *testing.T) {
	inner := NewMemoryPublisher()
	defer inner.Close()
	sub := inner.Subscribe(GlobalWorkOrderID)

	b := NewBatchingPublisher(inner, WithOutputDebounce(10*time.Millisecond))

	b.Publish(NewEvent(EventAgentOutput, "WO-1", OutputData{Iteration: 1, Content: "hello "}))
	b.Publish(NewEvent(EventAgentOutput, "WO-1", OutputData{Iteration: 1, Content: "world"}))

	select {
	case ev := <-sub:
		data, ok := ev.Data.(OutputData)
		require.True(t, ok)
		assert.Equal(t, "hello world", data.Content)
	case <-time.After(time.Second):
		t.Fatal("expected a debounced output event")
	}
}

func TestPublishHelperNilSafe(t *testing.T) {
	var h *PublishHelper
	assert.NotPanics(t, func() {
		h.Ready("WO-1")
	})

	h2 := NewPublishHelper(nil)
	assert.NotPanics(t, func() {
		h2.Ready("WO-1")
	})
}
