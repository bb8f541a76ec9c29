package realtime

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSender records frames and can refuse them like a full queue
type fakeSender struct {
	mu     sync.Mutex
	frames [][]byte
	full   bool
	closed bool
}

func (s *fakeSender) enqueue(data []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.full || s.closed {
		return false
	}
	s.frames = append(s.frames, data)
	return true
}

func (s *fakeSender) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
}

func (s *fakeSender) events(t *testing.T) []Event {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, 0, len(s.frames))
	for _, f := range s.frames {
		var ev Event
		require.NoError(t, json.Unmarshal(f, &ev))
		out = append(out, ev)
	}
	return out
}

func TestRegistryFirstAndLastConnection(t *testing.T) {
	r := NewRegistry()

	first, err := r.Add("a1", 1, "alice", &fakeSender{})
	require.NoError(t, err)
	assert.True(t, first)

	first, err = r.Add("a2", 1, "alice", &fakeSender{})
	require.NoError(t, err)
	assert.False(t, first, "second tab of the same user")

	first, err = r.Add("b1", 2, "bob", &fakeSender{})
	require.NoError(t, err)
	assert.True(t, first)
	assert.Equal(t, 3, r.Len())

	assert.False(t, r.Remove("a1"))
	assert.True(t, r.Remove("a2"))
	assert.False(t, r.Remove("a2"), "unknown id is a no-op")
	assert.Equal(t, 1, r.Len())
}

func TestRegistryDuplicateAddIsIgnored(t *testing.T) {
	r := NewRegistry()
	_, err := r.Add("a1", 1, "alice", &fakeSender{})
	require.NoError(t, err)

	first, err := r.Add("a1", 1, "alice", &fakeSender{})
	require.NoError(t, err)
	assert.False(t, first)
	assert.True(t, r.Remove("a1"))
}

func TestRegistryUsers(t *testing.T) {
	r := NewRegistry()
	assert.Empty(t, r.Users())

	_, _ = r.Add("c1", 3, "carol", &fakeSender{})
	_, _ = r.Add("a1", 1, "alice", &fakeSender{})
	_, _ = r.Add("a2", 1, "alice", &fakeSender{})

	assert.Equal(t, []string{"alice", "carol"}, r.Users())
}

func TestRegistryBroadcast(t *testing.T) {
	r := NewRegistry()
	alice := &fakeSender{}
	bob := &fakeSender{}
	_, _ = r.Add("a1", 1, "alice", alice)
	_, _ = r.Add("b1", 2, "bob", bob)

	require.NoError(t, r.Broadcast(Event{Name: EventEnter, Data: "carol"}))

	for _, s := range []*fakeSender{alice, bob} {
		evs := s.events(t)
		require.Len(t, evs, 1)
		assert.Equal(t, EventEnter, evs[0].Name)
		assert.Equal(t, "carol", evs[0].Data)
	}
}

func TestRegistryBroadcastExceptSkipsOneClient(t *testing.T) {
	r := NewRegistry()
	alice := &fakeSender{}
	bob := &fakeSender{}
	_, _ = r.Add("a1", 1, "alice", alice)
	_, _ = r.Add("b1", 2, "bob", bob)

	require.NoError(t, r.BroadcastExcept(Event{Name: EventEnter, Data: "bob"}, "b1"))

	assert.Len(t, alice.events(t), 1)
	assert.Empty(t, bob.events(t))
}

func TestRegistryBroadcastClosesSlowClients(t *testing.T) {
	r := NewRegistry()
	fast := &fakeSender{}
	slow := &fakeSender{full: true}
	_, _ = r.Add("f", 1, "alice", fast)
	_, _ = r.Add("s", 2, "bob", slow)

	require.NoError(t, r.Broadcast(Event{Name: EventChat, Data: "hi"}))

	assert.Len(t, fast.events(t), 1)
	assert.False(t, fast.closed)
	assert.True(t, slow.closed)
}

func TestRegistryBroadcastEncodeError(t *testing.T) {
	r := NewRegistry()
	err := r.Broadcast(Event{Name: EventChat, Data: make(chan int)})
	assert.Error(t, err)
}

func TestRegistryClose(t *testing.T) {
	r := NewRegistry()
	a := &fakeSender{}
	b := &fakeSender{}
	_, _ = r.Add("a", 1, "alice", a)
	_, _ = r.Add("b", 2, "bob", b)

	r.Close()
	assert.True(t, a.closed)
	assert.True(t, b.closed)

	_, err := r.Add("c", 3, "carol", &fakeSender{})
	assert.ErrorIs(t, err, ErrRegistryClosed)
}

func TestIDArg(t *testing.T) {
	tests := []struct {
		raw     string
		want    string
		wantErr bool
	}{
		{`"12345"`, "12345", false},
		{`9007199254740993`, "9007199254740993", false},
		{`""`, "", true},
		{`{"id":1}`, "", true},
		{`1.5`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			got, err := idArg(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, errBadArgument)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeInbound(t *testing.T) {
	in, err := decodeInbound([]byte(`{"event":"chat","data":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, EventChat, in.Name)

	text, err := textArg(in.Data)
	require.NoError(t, err)
	assert.Equal(t, "hello", text)

	_, err = decodeInbound([]byte(`{"data":"x"}`))
	assert.Error(t, err)
	_, err = decodeInbound([]byte(`not json`))
	assert.Error(t, err)

	_, err = textArg(json.RawMessage(`42`))
	assert.ErrorIs(t, err, errBadArgument)
}
