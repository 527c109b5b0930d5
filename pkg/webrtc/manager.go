package wbc

import (
	"errors"
	"slices"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/peterouob/p2plobby/pkg/logging"
)

var (
	ErrUnknownConnection = errors.New("unknown connection")
	ErrChannelNotOpen    = errors.New("data channel not open")
)

const (
	DefaultSTUNURL = "stun:stun.l.google.com:19302"

	dataChannelLabel = "data"
	eventBuffer      = 256
)

type Options struct {
	// STUNURL is the single ICE server every peer connection uses. Empty means
	// host candidates only.
	STUNURL string
	// IncludeLoopback lets ICE gather loopback candidates, for in-process peers.
	IncludeLoopback bool
	// ICE disconnect detection. Applied only when all three are set, since pion
	// treats a zero timeout as "never".
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepAliveInterval   time.Duration

	Logger *zap.Logger
}

// Manager owns one peer connection and one data channel per remote party.
// Every method except the pion callbacks it installs must be called from the
// goroutine that drives Poll.
type Manager struct {
	api      *webrtc.API
	pcConfig webrtc.Configuration
	log      *zap.Logger

	conns  map[ConnectionID]*conn
	nextID uint64
}

func NewManager(opts Options) (*Manager, error) {
	log := logging.OrNop(opts.Logger).Named("webrtc")

	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		log.Error("mediaEngine register default codec", zap.Error(err))
		return nil, err
	}

	i := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, i); err != nil {
		log.Error("register default interceptors", zap.Error(err))
		return nil, err
	}

	settings := webrtc.SettingEngine{}
	settings.SetIncludeLoopbackCandidate(opts.IncludeLoopback)
	if opts.DisconnectedTimeout > 0 && opts.FailedTimeout > 0 && opts.KeepAliveInterval > 0 {
		settings.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepAliveInterval)
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(i),
		webrtc.WithSettingEngine(settings),
	)

	config := webrtc.Configuration{}
	if opts.STUNURL != "" {
		config.ICEServers = []webrtc.ICEServer{
			{URLs: []string{opts.STUNURL}},
		}
	}

	log.Info("manager initialized", zap.String("stun", opts.STUNURL))
	return &Manager{
		api:      api,
		pcConfig: config,
		log:      log,
		conns:    make(map[ConnectionID]*conn),
	}, nil
}

func (m *Manager) allocate() ConnectionID {
	m.nextID++
	return ConnectionID(m.nextID)
}

// Poll drains every connection's pending events. Events of one connection keep
// their arrival order; connections are visited in id order.
func (m *Manager) Poll() []Event {
	ids := make([]ConnectionID, 0, len(m.conns))
	for id := range m.conns {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	var out []Event
	for _, id := range ids {
		out = m.conns[id].drain(out)
	}
	return out
}

// Send writes text on the connection's data channel. Frames for unknown or
// not-yet-open channels are dropped.
func (m *Manager) Send(id ConnectionID, text string) error {
	c, ok := m.conns[id]
	if !ok {
		return ErrUnknownConnection
	}
	dc := c.channel()
	if dc == nil || dc.ReadyState() != webrtc.DataChannelStateOpen {
		return ErrChannelNotOpen
	}
	return dc.SendText(text)
}

// Has reports whether the manager still tracks id.
func (m *Manager) Has(id ConnectionID) bool {
	_, ok := m.conns[id]
	return ok
}

// Close tears down one connection and forgets it. Late results from its
// background work are discarded.
func (m *Manager) Close(id ConnectionID) error {
	c, ok := m.conns[id]
	if !ok {
		return nil
	}
	delete(m.conns, id)
	m.log.Debug("closing connection", zap.Uint64("conn", uint64(id)))
	return c.close()
}

// CloseAll tears down every connection. Call it on shutdown so remote peers
// see the channel close instead of waiting for ICE to time out.
func (m *Manager) CloseAll() error {
	var err error
	for id, c := range m.conns {
		delete(m.conns, id)
		err = multierr.Append(err, c.close())
	}
	if err != nil {
		m.log.Warn("close all connections", zap.Error(err))
	}
	return err
}
