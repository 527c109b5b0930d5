package p2p

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type score struct {
	Red  int `json:"red"`
	Blue int `json:"blue"`
}

type weather string

type explosion struct {
	X, Y float32
}

func TestRegistry_Indices(t *testing.T) {
	r := NewRegistry()

	s0, err := RegisterState[score](r)
	require.NoError(t, err)
	s1, err := RegisterState[weather](r)
	require.NoError(t, err)
	e0, err := RegisterEvent[explosion](r)
	require.NoError(t, err)
	e1, err := RegisterEvent[weather](r)
	require.NoError(t, err)

	assert.Equal(t, uint8(0), s0.Index())
	assert.Equal(t, uint8(1), s1.Index())
	assert.Equal(t, uint8(0), e0.Index())
	assert.Equal(t, uint8(1), e1.Index())

	again, err := RegisterState[score](r)
	require.NoError(t, err)
	assert.Same(t, s0, again)
	assert.Equal(t, 2, r.States())
	assert.Equal(t, 2, r.Events())
}

func TestRegistry_Full(t *testing.T) {
	r := NewRegistry()
	for i := 0; i < maxEntries; i++ {
		r.states = append(r.states, &State[int]{index: uint8(i)})
	}

	_, err := RegisterState[score](r)
	assert.ErrorIs(t, err, ErrRegistryFull)

	_, err = RegisterEvent[score](r)
	assert.NoError(t, err)
}

func TestRegistry_ApplyState(t *testing.T) {
	r := NewRegistry()
	s, err := RegisterState[score](r)
	require.NoError(t, err)

	ok, err := r.applyState(0, []byte(`{"red":2,"blue":5}`))
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, score{Red: 2, Blue: 5}, s.Get())

	ok, err = r.applyState(9, []byte(`{}`))
	assert.NoError(t, err)
	assert.False(t, ok)

	ok, err = r.applyState(0, []byte(`"nope"`))
	assert.Error(t, err)
	assert.False(t, ok)
	assert.Equal(t, score{Red: 2, Blue: 5}, s.Get(), "a bad payload leaves the value alone")
}

func TestRegistry_ChangeTracking(t *testing.T) {
	r := NewRegistry()
	s, err := RegisterState[score](r)
	require.NoError(t, err)

	enc, err := s.encode()
	require.NoError(t, err)
	assert.True(t, s.changed(enc), "never sent")
	s.markSent(enc)
	assert.False(t, s.changed(enc))

	s.Set(score{Red: 1})
	enc, err = s.encode()
	require.NoError(t, err)
	assert.True(t, s.changed(enc))
	s.markSent(enc)

	r.setHost(true)
	assert.True(t, s.changed(enc), "a new role resends everything")
}

func TestEvent_EmitForwardsOnHost(t *testing.T) {
	r := NewRegistry()
	e, err := RegisterEvent[explosion](r)
	require.NoError(t, err)

	require.NoError(t, e.Emit(explosion{X: 1}))
	assert.Empty(t, r.takeForwards(), "clients never forward")

	r.setHost(true)
	require.NoError(t, e.Emit(explosion{X: 2}))
	fwd := r.takeForwards()
	require.Len(t, fwd, 1)
	assert.Equal(t, uint8(0), fwd[0].Index)
	assert.JSONEq(t, `{"X":2,"Y":0}`, string(fwd[0].Payload))
	assert.Empty(t, r.takeForwards())

	assert.Equal(t, []explosion{{X: 1}, {X: 2}}, e.Drain())
	assert.Empty(t, e.Drain())

	ok, err := r.applyEvent(0, []byte(`{"X":3,"Y":4}`))
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = r.applyEvent(1, []byte(`{}`))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, []explosion{{X: 3, Y: 4}}, e.Drain())
}
