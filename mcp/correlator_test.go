package mcp

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaharia-lab/mcpstream/observability"
)

func response(t *testing.T, id RequestID, result interface{}) *Message {
	t.Helper()
	msg, err := NewResponse(id, result)
	require.NoError(t, err)
	return msg
}

func TestCorrelator_CompletesMatchingOperation(t *testing.T) {
	c := NewCorrelator(observability.NewNullLogger())
	f := NewFuture[*Message]()
	require.True(t, c.StartOperation(NewNumberID(1), f))
	assert.Equal(t, 1, c.Pending())

	c.Handle(response(t, NewNumberID(1), map[string]string{"status": "ok"}))

	require.True(t, f.IsDone())
	msg, err := f.Result()
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"ok"}`, string(msg.Result))
	assert.Equal(t, 0, c.Pending())
}

func TestCorrelator_DuplicateIDKeepsOriginal(t *testing.T) {
	c := NewCorrelator(observability.NewNullLogger())
	first := NewFuture[*Message]()
	second := NewFuture[*Message]()

	require.True(t, c.StartOperation(NewStringID("a"), first))
	assert.False(t, c.StartOperation(NewStringID("a"), second))

	c.Handle(response(t, NewStringID("a"), "done"))
	assert.True(t, first.IsDone())
	assert.False(t, second.IsDone())
}

func TestCorrelator_NumberAndStringIDsAreDistinct(t *testing.T) {
	c := NewCorrelator(observability.NewNullLogger())
	num := NewFuture[*Message]()
	str := NewFuture[*Message]()

	require.True(t, c.StartOperation(NewNumberID(1), num))
	require.True(t, c.StartOperation(NewStringID("1"), str))

	c.Handle(response(t, NewStringID("1"), "s"))
	assert.False(t, num.IsDone())
	assert.True(t, str.IsDone())
}

func TestCorrelator_UnexpectedIDGoesToUnmatched(t *testing.T) {
	c := NewCorrelator(observability.NewNullLogger())
	pending := NewFuture[*Message]()
	require.True(t, c.StartOperation(NewNumberID(1), pending))

	var got []*Message
	c.OnUnmatched(func(m *Message) { got = append(got, m) })

	c.Handle(response(t, NewNumberID(99), "stray"))
	note, err := NewNotification("notifications/tools/list_changed", nil)
	require.NoError(t, err)
	c.Handle(note)
	c.Handle(nil)

	assert.False(t, pending.IsDone())
	require.Len(t, got, 2)
	assert.True(t, got[0].IsResponse())
	assert.True(t, got[1].IsNotification())
}

func TestCorrelator_Fail(t *testing.T) {
	c := NewCorrelator(observability.NewNullLogger())
	f := NewFuture[*Message]()
	require.True(t, c.StartOperation(NewNumberID(5), f))

	boom := errors.New("boom")
	assert.True(t, c.Fail(NewNumberID(5), boom))
	assert.False(t, c.Fail(NewNumberID(5), boom))

	_, err := f.Result()
	assert.ErrorIs(t, err, boom)

	// A response arriving after the failure does not change the outcome.
	c.Handle(response(t, NewNumberID(5), "late"))
	_, err = f.Result()
	assert.ErrorIs(t, err, boom)
}

func TestCorrelator_ConcurrentOperations(t *testing.T) {
	c := NewCorrelator(observability.NewNullLogger())
	const n = 100

	futures := make([]*Future[*Message], n)
	for i := range futures {
		futures[i] = NewFuture[*Message]()
		require.True(t, c.StartOperation(NewNumberID(int64(i)), futures[i]))
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg, _ := NewResponse(NewNumberID(int64(i)), i)
			c.Handle(msg)
		}(i)
	}
	wg.Wait()

	for i, f := range futures {
		msg, err := f.Result()
		require.NoError(t, err)
		var v int
		require.NoError(t, msg.DecodeResult(&v))
		assert.Equal(t, i, v)
	}
	assert.Equal(t, 0, c.Pending())
}
