package p2p

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type player struct {
	Name string `json:"name"`
}

type input struct {
	Dx int `json:"dx"`
	Dy int `json:"dy"`
}

type spawn struct {
	Prefab string `json:"prefab"`
}

type testMessage = Message[player, input, spawn]

func TestCodec_RoundTrip(t *testing.T) {
	msgs := []testMessage{
		chatMessage[player, input, spawn](Chat{Text: "hi", Sender: 42, ToHostOnly: true}),
		inputMessage[player, input, spawn](input{Dx: 1, Dy: -1}),
		playerDataMessage[player, input, spawn](player{Name: "ana"}),
		rosterMessage[player, input, spawn]([]PlayerInfo[player]{{ID: 0, Data: player{"host"}}, {ID: 7, Data: player{"bo"}}}),
		syncMessage[player, input, spawn](KindStateSync, 3, []byte(`{"score":9}`)),
		syncMessage[player, input, spawn](KindEventSync, 0, []byte(`"boom"`)),
		instantiationMessage[player, input, spawn](Instantiation[spawn]{Transform: IdentityTransform, Payload: spawn{"crate"}}),
		pingMessage[player, input, spawn](1500 * time.Millisecond),
	}

	for _, m := range msgs {
		t.Run(string(m.Kind), func(t *testing.T) {
			b, err := Encode(m)
			require.NoError(t, err)
			got, err := Decode[player, input, spawn](b)
			require.NoError(t, err)
			if m.Sync != nil {
				assert.JSONEq(t, string(m.Sync.Payload), string(got.Sync.Payload))
				got.Sync.Payload = m.Sync.Payload
			}
			assert.Equal(t, m, got)
		})
	}
}

func TestCodec_Malformed(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"kind":`,
		"unknown kind":  `{"kind":"teleport"}`,
		"missing kind":  `{"chat":{"text":"x"}}`,
		"missing body":  `{"kind":"chat"}`,
		"wrong body":    `{"kind":"ping","chat":{"text":"x"}}`,
		"mistyped body": `{"kind":"input","input":"left"}`,
		"sync no body":  `{"kind":"state_sync"}`,
		"extra body":    `{"kind":"ping","ping":{"sent":1},"chat":{"text":"x"}}`,
	}
	for name, frame := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Decode[player, input, spawn]([]byte(frame))
			assert.ErrorIs(t, err, ErrMalformed)
		})
	}
}

func TestCodec_EncodeRejectsEmptyEnvelope(t *testing.T) {
	_, err := Encode(testMessage{Kind: KindRoster})
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = Encode(testMessage{Kind: KindStateSync, Sync: &Sync{Payload: json.RawMessage("{")}})
	assert.Error(t, err)

	_, err = Encode(testMessage{Kind: KindChat, Chat: &Chat{Text: "x"}, Ping: &Ping{}})
	assert.ErrorIs(t, err, ErrMalformed)
}
