package wbc

import (
	"github.com/pion/webrtc/v4"
	"go.uber.org/zap"
)

// CreateOffer starts the offerer side: a fresh peer connection with its own
// data channel. The consolidated offer, with every ICE candidate gathered,
// arrives later through Poll as EventLocalSDP.
func (m *Manager) CreateOffer() (ConnectionID, error) {
	id := m.allocate()
	c, err := m.newPeerConnection(id)
	if err != nil {
		return 0, err
	}

	dc, err := c.pc.CreateDataChannel(dataChannelLabel, nil)
	if err != nil {
		m.log.Error("create data channel", zap.Uint64("conn", uint64(id)), zap.Error(err))
		_ = c.pc.Close()
		return 0, err
	}
	m.hookDataChannel(c, dc)

	m.conns[id] = c
	go m.negotiateOffer(c)
	return id, nil
}

// CreateAnswer starts the answerer side against a remote offer. The answerer
// never opens a channel of its own; it adopts the offerer's.
func (m *Manager) CreateAnswer(remoteSDP string) (ConnectionID, error) {
	id := m.allocate()
	c, err := m.newPeerConnection(id)
	if err != nil {
		return 0, err
	}

	c.pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		if c.closed() {
			_ = dc.Close()
			return
		}
		m.hookDataChannel(c, dc)
	})

	m.conns[id] = c
	go m.negotiateAnswer(c, remoteSDP)
	return id, nil
}

// SetRemote applies the remote answer to an offerer connection.
func (m *Manager) SetRemote(id ConnectionID, sdp string) error {
	c, ok := m.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	go func() {
		desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
		if err := c.pc.SetRemoteDescription(desc); err != nil {
			m.fail(c, m.log.With(zap.Uint64("conn", uint64(id))), "set remote answer", err)
		}
	}()
	return nil
}

func (m *Manager) negotiateOffer(c *conn) {
	log := m.log.With(zap.Uint64("conn", uint64(c.id)), zap.String("role", "offerer"))

	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		m.fail(c, log, "create offer", err)
		return
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(offer); err != nil {
		m.fail(c, log, "set local offer", err)
		return
	}
	m.publishLocal(c, gatherComplete, log)
}

func (m *Manager) negotiateAnswer(c *conn, remoteSDP string) {
	log := m.log.With(zap.Uint64("conn", uint64(c.id)), zap.String("role", "answerer"))

	offer := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: remoteSDP}
	if err := c.pc.SetRemoteDescription(offer); err != nil {
		m.fail(c, log, "set remote offer", err)
		return
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		m.fail(c, log, "create answer", err)
		return
	}
	gatherComplete := webrtc.GatheringCompletePromise(c.pc)
	if err := c.pc.SetLocalDescription(answer); err != nil {
		m.fail(c, log, "set local answer", err)
		return
	}
	m.publishLocal(c, gatherComplete, log)
}

// publishLocal waits for ICE gathering to finish so the description carries
// every candidate; there is no trickle exchange.
func (m *Manager) publishLocal(c *conn, gatherComplete <-chan struct{}, log *zap.Logger) {
	select {
	case <-gatherComplete:
	case <-c.done:
		return
	}
	local := c.pc.LocalDescription()
	if local == nil {
		m.fail(c, log, "no local description after gathering", nil)
		return
	}
	log.Debug("local description ready", zap.Int("bytes", len(local.SDP)))
	c.push(Event{Kind: EventLocalSDP, SDP: local.SDP})
}

// fail reports a negotiation that cannot complete as a closed connection, so
// the owner tears it down like any other lost peer.
func (m *Manager) fail(c *conn, log *zap.Logger, step string, err error) {
	if c.closed() {
		return
	}
	log.Warn(step, zap.Error(err))
	c.markClosed()
}
