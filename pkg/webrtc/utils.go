package wbc

import (
	"unicode/utf8"

	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

func (m *Manager) newPeerConnection(id ConnectionID) (*conn, error) {
	pc, err := m.api.NewPeerConnection(m.pcConfig)
	if err != nil {
		m.log.Error("new peer connection", zap.Uint64("conn", uint64(id)), zap.Error(err))
		return nil, err
	}
	c := newConn(id, pc)
	m.hookPeerConnection(c)
	return c, nil
}

// hookPeerConnection reports the connection closed when either the peer or the
// ICE state gives up, in addition to the data channel's own close.
func (m *Manager) hookPeerConnection(c *conn) {
	log := m.log.With(zap.Uint64("conn", uint64(c.id)))

	c.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		log.Debug("connection state changed", zap.Stringer("state", state))
		switch state {
		case webrtc.PeerConnectionStateDisconnected,
			webrtc.PeerConnectionStateFailed,
			webrtc.PeerConnectionStateClosed:
			c.markClosed()
		}
	})

	c.pc.OnICEConnectionStateChange(func(state webrtc.ICEConnectionState) {
		log.Debug("ice connection state changed", zap.Stringer("state", state))
		switch state {
		case webrtc.ICEConnectionStateDisconnected,
			webrtc.ICEConnectionStateFailed,
			webrtc.ICEConnectionStateClosed:
			c.markClosed()
		}
	})
}

func (m *Manager) hookDataChannel(c *conn, dc *webrtc.DataChannel) {
	log := m.log.With(zap.Uint64("conn", uint64(c.id)), zap.String("label", dc.Label()))

	dc.OnOpen(func() {
		log.Info("data channel open")
		c.markOpen()
	})
	dc.OnClose(func() {
		log.Info("data channel closed")
		c.markClosed()
	})
	dc.OnError(func(err error) {
		log.Warn("data channel error", zap.Error(err))
	})
	dc.OnMessage(func(msg webrtc.DataChannelMessage) {
		// Binary frames are accepted when they hold UTF-8 text.
		if !msg.IsString && !utf8.Valid(msg.Data) {
			log.Debug("dropping non-text frame", zap.Int("bytes", len(msg.Data)))
			return
		}
		c.deliver(string(msg.Data))
	})

	c.setChannel(dc)
}
