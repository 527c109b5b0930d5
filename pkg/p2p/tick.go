package p2p

import (
	"slices"

	"go.uber.org/zap"

	"github.com/peterouob/p2plobby/pkg/transport"
)

// Tick runs one pass of the network pipeline, in a fixed order: drain the
// transport, apply lobby lifecycle, route messages, reconcile the roster, then
// send everything outgoing.
func (s *Session[P, I, N]) Tick() {
	events := s.tr.Poll()

	for _, ev := range events {
		switch ev.Kind {
		case transport.LobbyCreated, transport.LobbyJoined,
			transport.LobbyEntered, transport.LobbyExited:
			s.lifecycle(ev)
		}
	}

	for _, ev := range events {
		if s.phase != InLobby {
			break
		}
		switch ev.Kind {
		case transport.FromClient:
			s.routeFromClient(ev.Peer, ev.Data)
		case transport.FromHost:
			s.routeFromHost(ev.Data)
		}
	}

	// Only the latest connected set matters.
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Kind == transport.RosterChanged {
			s.reconcile(events[i].Peers)
			break
		}
	}

	s.flush()
}

func (s *Session[P, I, N]) lifecycle(ev transport.Event) {
	switch ev.Kind {
	case transport.LobbyCreated:
		s.isHost = true
		s.code = ev.Code
		s.localID = transport.HostID
		s.updates.push(Update[P, I, N]{Kind: UpdateLobbyCreated, Code: ev.Code})

	case transport.LobbyJoined:
		s.isHost = false
		s.code = ev.Code
		s.localID = ev.Peer
		s.updates.push(Update[P, I, N]{Kind: UpdateLobbyJoined, Code: ev.Code})

	case transport.LobbyEntered:
		s.phase = InLobby
		s.code = ev.Code
		s.lastPing = s.now()
		s.reg.setHost(s.isHost)
		s.log.Info("entered lobby", zap.String("code", ev.Code), zap.Bool("host", s.isHost))
		s.updates.push(Update[P, I, N]{Kind: UpdateLobbyEntered, Code: ev.Code})
		if !s.isHost {
			s.queue(playerDataMessage[P, I, N](s.local), toHost, 0)
		}

	case transport.LobbyExited:
		s.log.Info("lobby exited", zap.Stringer("reason", ev.Reason))
		s.reset()
		s.updates.push(Update[P, I, N]{Kind: UpdateLobbyExited, Reason: ev.Reason})
	}
}

func (s *Session[P, I, N]) routeFromClient(peer transport.PeerID, data []byte) {
	if !s.isHost {
		return
	}
	m, err := Decode[P, I, N](data)
	if err != nil {
		s.log.Debug("dropping frame", zap.Uint64("peer", uint64(peer)), zap.Error(err))
		return
	}

	switch m.Kind {
	case KindChat:
		s.updates.push(Update[P, I, N]{Kind: UpdateClientChat, Sender: peer, Text: m.Chat.Text})
		if !m.Chat.ToHostOnly {
			relay := Chat{Text: m.Chat.Text, Sender: peer}
			s.queue(chatMessage[P, I, N](relay), toAllExcept, peer)
		}

	case KindPlayerData:
		s.upsertPlayer(peer, *m.PlayerData)
		s.rosterDirty = true

	case KindInput:
		s.updates.push(Update[P, I, N]{Kind: UpdateClientInput, Sender: peer, Input: *m.Input})

	case KindPing:
		s.queue(m, toPeer, peer)

	default:
		s.log.Debug("ignoring client message", zap.String("kind", string(m.Kind)), zap.Uint64("peer", uint64(peer)))
	}
}

func (s *Session[P, I, N]) routeFromHost(data []byte) {
	if s.isHost {
		return
	}
	m, err := Decode[P, I, N](data)
	if err != nil {
		s.log.Debug("dropping frame from host", zap.Error(err))
		return
	}

	switch m.Kind {
	case KindChat:
		if m.Chat.Sender == transport.HostID {
			s.updates.push(Update[P, I, N]{Kind: UpdateHostChat, Text: m.Chat.Text})
		} else {
			s.updates.push(Update[P, I, N]{Kind: UpdateClientChat, Sender: m.Chat.Sender, Text: m.Chat.Text})
		}

	case KindRoster:
		s.roster = s.roster[:0]
		for _, p := range m.Roster.Players {
			if p.ID != s.localID {
				s.roster = append(s.roster, p)
			}
		}
		s.updates.push(Update[P, I, N]{Kind: UpdateRosterUpdated, Players: s.Players()})

	case KindStateSync:
		ok, err := s.reg.applyState(m.Sync.Index, m.Sync.Payload)
		if err != nil || !ok {
			s.log.Debug("state sync not applied", zap.Uint8("index", m.Sync.Index), zap.Error(err))
		}

	case KindEventSync:
		ok, err := s.reg.applyEvent(m.Sync.Index, m.Sync.Payload)
		if err != nil || !ok {
			s.log.Debug("event sync not applied", zap.Uint8("index", m.Sync.Index), zap.Error(err))
		}

	case KindInstantiation:
		s.updates.push(Update[P, I, N]{Kind: UpdateInstantiated, Instantiation: *m.Instantiation})

	case KindPing:
		s.rtt = s.elapsed() - m.Ping.Sent
		if s.rtt < 0 {
			s.rtt = 0
		}
		s.updates.push(Update[P, I, N]{Kind: UpdatePingUpdated, RTT: s.rtt})

	default:
		s.log.Debug("ignoring host message", zap.String("kind", string(m.Kind)))
	}
}

func (s *Session[P, I, N]) upsertPlayer(peer transport.PeerID, data P) {
	for i := range s.roster {
		if s.roster[i].ID == peer {
			s.roster[i].Data = data
			return
		}
	}
	s.roster = append(s.roster, PlayerInfo[P]{ID: peer, Data: data})
}

// reconcile makes the host roster match the connected set: departed peers are
// pruned and new ones get a zero-value entry until their data arrives.
func (s *Session[P, I, N]) reconcile(peers []transport.PeerID) {
	if !s.isHost {
		return
	}
	before := len(s.roster)
	s.roster = slices.DeleteFunc(s.roster, func(p PlayerInfo[P]) bool {
		return !slices.Contains(peers, p.ID)
	})
	pruned := before - len(s.roster)

	var zero P
	for _, peer := range peers {
		if peer == transport.HostID {
			continue
		}
		if !slices.Contains(s.connected, peer) {
			s.joined = append(s.joined, peer)
		}
		if !slices.ContainsFunc(s.roster, func(p PlayerInfo[P]) bool { return p.ID == peer }) {
			s.roster = append(s.roster, PlayerInfo[P]{ID: peer, Data: zero})
		}
	}
	s.connected = slices.Clone(peers)
	s.log.Debug("roster reconciled", zap.Int("connected", len(peers)), zap.Int("pruned", pruned))
	s.rosterDirty = true
}

func (s *Session[P, I, N]) flush() {
	if s.phase != InLobby {
		s.outbox = nil
		return
	}

	if s.isHost {
		if s.rosterDirty {
			s.rosterDirty = false
			players := s.Players()
			s.send(rosterMessage[P, I, N](players), toAll, 0)
			s.updates.push(Update[P, I, N]{Kind: UpdateRosterUpdated, Players: players})
		}
		s.snapshot()
	}

	for _, o := range s.outbox {
		s.deliver(o)
	}
	s.outbox = nil

	if s.isHost {
		s.syncStates()
		for _, f := range s.reg.takeForwards() {
			s.send(syncMessage[P, I, N](KindEventSync, f.Index, f.Payload), toAll, 0)
		}
		return
	}

	if now := s.now(); now.Sub(s.lastPing) >= s.pingInterval {
		s.lastPing = now
		s.send(pingMessage[P, I, N](s.elapsed()), toHost, 0)
	}
}

// snapshot sends newly connected peers the current value of every synced
// state.
func (s *Session[P, I, N]) snapshot() {
	joined := s.joined
	s.joined = nil
	if len(joined) == 0 {
		return
	}
	for i, st := range s.reg.states {
		enc, err := st.encode()
		if err != nil {
			s.log.Warn("encode state", zap.Int("index", i), zap.Error(err))
			continue
		}
		for _, peer := range joined {
			s.send(syncMessage[P, I, N](KindStateSync, uint8(i), enc), toPeer, peer)
		}
	}
}

func (s *Session[P, I, N]) syncStates() {
	for i, st := range s.reg.states {
		enc, err := st.encode()
		if err != nil {
			s.log.Warn("encode state", zap.Int("index", i), zap.Error(err))
			continue
		}
		if !st.changed(enc) {
			continue
		}
		st.markSent(enc)
		s.send(syncMessage[P, I, N](KindStateSync, uint8(i), enc), toAll, 0)
	}
}

func (s *Session[P, I, N]) send(m Message[P, I, N], t target, peer transport.PeerID) {
	data, err := Encode(m)
	if err != nil {
		s.log.Warn("encode message", zap.String("kind", string(m.Kind)), zap.Error(err))
		return
	}
	s.deliver(outgoing{target: t, peer: peer, data: data})
}

func (s *Session[P, I, N]) deliver(o outgoing) {
	switch o.target {
	case toHost:
		s.tr.SendToHost(o.data)
	case toAll:
		s.tr.SendToAll(o.data)
	case toPeer:
		s.tr.SendTo(o.peer, o.data)
	case toAllExcept:
		s.tr.SendToAllExcept(o.peer, o.data)
	}
}
