package signal

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"slices"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/peterouob/p2plobby/pkg/logging"
	wbc "github.com/peterouob/p2plobby/pkg/webrtc"
)

const (
	DefaultPollInterval    = 500 * time.Millisecond
	DefaultNotFoundBackoff = 1500 * time.Millisecond
	DefaultRequestTimeout  = 10 * time.Second

	resultBuffer = 64
	maxClientID  = 1 << 53
)

// Negotiator is the part of the connection manager the poller drives.
type Negotiator interface {
	CreateOffer() (wbc.ConnectionID, error)
	CreateAnswer(remoteSDP string) (wbc.ConnectionID, error)
	SetRemote(id wbc.ConnectionID, sdp string) error
}

type NoticeKind int

const (
	// NoticeRoomReady: the host's room document exists.
	NoticeRoomReady NoticeKind = iota
	// NoticeAnswering: the host started answering Client on Conn.
	NoticeAnswering
	// NoticeOffering: the client saw the room and opened its offer on Conn.
	NoticeOffering
	// NoticeAnswerApplied: the host's answer was applied to Conn.
	NoticeAnswerApplied
)

type Notice struct {
	Kind   NoticeKind
	Conn   wbc.ConnectionID
	Client uint64
}

type Options struct {
	PollInterval    time.Duration
	NotFoundBackoff time.Duration
	RequestTimeout  time.Duration
	Logger          *zap.Logger
	// Now replaces time.Now, for tests.
	Now func() time.Time
}

type role int

const (
	roleNone role = iota
	roleHost
	roleClient
)

type resultKind int

const (
	resCreated resultKind = iota
	resCreateFailed
	resFetched
	resNotFound
	resFetchFailed
	resWrote
	resWriteFailed
)

func (k resultKind) isFetch() bool {
	return k == resFetched || k == resNotFound || k == resFetchFailed
}

type write struct {
	field  string
	client uint64
	sdp    string
}

type result struct {
	gen   uint64
	kind  resultKind
	room  *Room
	write write
	err   error
}

// Poller runs the signaling exchange for one room through a Store. All of its
// methods belong to the tick goroutine; HTTP round trips run in background
// goroutines and report back through a channel drained by Poll.
type Poller struct {
	store *Store
	neg   Negotiator
	log   *zap.Logger
	opts  Options
	now   func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	results chan result
	// gen is bumped on Reset so results of an abandoned room are dropped.
	gen uint64

	role           role
	room           string
	inFlight       bool
	nextFetch      time.Time
	notFoundLogged bool
	retry          []write
	retryAt        time.Time

	// host
	creating  bool
	roomReady bool
	answered  map[uint64]wbc.ConnectionID
	clients   map[wbc.ConnectionID]uint64
	badIDs    map[string]struct{}

	// client
	clientID      uint64
	offerConn     wbc.ConnectionID
	answerApplied bool
}

func NewPoller(store *Store, neg Negotiator, opts Options) *Poller {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.NotFoundBackoff <= 0 {
		opts.NotFoundBackoff = DefaultNotFoundBackoff
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &Poller{
		store:   store,
		neg:     neg,
		log:     logging.OrNop(opts.Logger).Named("signal"),
		opts:    opts,
		now:     now,
		ctx:     ctx,
		cancel:  cancel,
		results: make(chan result, resultBuffer),
	}
	p.Reset()
	return p
}

// Host starts advertising room. Fetching waits until the room exists.
func (p *Poller) Host(room string) {
	p.Reset()
	p.role = roleHost
	p.room = room
	p.log.Info("hosting room", zap.String("room", room))
	p.startCreate()
}

// Join starts looking for room under a fresh client id and returns that id.
func (p *Poller) Join(room string) uint64 {
	p.Reset()
	p.role = roleClient
	p.room = room
	p.clientID = NewClientID()
	p.log.Info("joining room", zap.String("room", room), zap.Uint64("client", p.clientID))
	return p.clientID
}

// Reset abandons the current room. Results still in flight are discarded.
func (p *Poller) Reset() {
	p.gen++
	p.role = roleNone
	p.room = ""
	p.nextFetch = time.Time{}
	p.notFoundLogged = false
	p.retry = nil
	p.retryAt = time.Time{}

	p.creating = false
	p.roomReady = false
	p.answered = make(map[uint64]wbc.ConnectionID)
	p.clients = make(map[wbc.ConnectionID]uint64)
	p.badIDs = make(map[string]struct{})

	p.clientID = 0
	p.offerConn = 0
	p.answerApplied = false
}

// Close stops background requests. The poller is unusable afterwards.
func (p *Poller) Close() {
	p.cancel()
}

func (p *Poller) ClientID() uint64 { return p.clientID }

// ClientFor maps a host-side answer connection to the client it serves.
func (p *Poller) ClientFor(id wbc.ConnectionID) (uint64, bool) {
	c, ok := p.clients[id]
	return c, ok
}

// Forget drops a closed host-side connection. Its client stays answered, so a
// stale offer is never answered twice.
func (p *Poller) Forget(id wbc.ConnectionID) {
	delete(p.clients, id)
}

// LocalSDP publishes a finished local description if it belongs to this room's
// negotiation, reporting whether it did.
func (p *Poller) LocalSDP(id wbc.ConnectionID, sdp string) bool {
	switch p.role {
	case roleHost:
		client, ok := p.clients[id]
		if !ok {
			return false
		}
		p.startWrite(write{field: FieldAnswers, client: client, sdp: sdp})
		return true
	case roleClient:
		if p.offerConn == 0 || id != p.offerConn {
			return false
		}
		p.startWrite(write{field: FieldOffers, client: p.clientID, sdp: sdp})
		return true
	}
	return false
}

// Poll applies finished requests and starts whatever is due next.
func (p *Poller) Poll() []Notice {
	var out []Notice
drain:
	for {
		select {
		case r := <-p.results:
			// A fetch counts against the single in-flight slot until it
			// returns, even one started for an abandoned room.
			if r.kind.isFetch() {
				p.inFlight = false
			}
			if r.gen != p.gen {
				continue
			}
			out = p.apply(r, out)
		default:
			break drain
		}
	}
	p.schedule()
	return out
}

func (p *Poller) apply(r result, out []Notice) []Notice {
	log := p.log.With(zap.String("room", p.room))
	switch r.kind {
	case resCreated:
		p.creating = false
		p.roomReady = true
		log.Info("room ready")
		out = append(out, Notice{Kind: NoticeRoomReady})

	case resCreateFailed:
		p.creating = false
		p.nextFetch = p.now().Add(p.opts.PollInterval)
		log.Warn("create room", zap.Error(r.err))

	case resNotFound:
		if until := p.now().Add(p.opts.NotFoundBackoff); until.After(p.nextFetch) {
			p.nextFetch = until
		}
		if !p.notFoundLogged {
			p.notFoundLogged = true
			log.Info("room not found yet, backing off", zap.Duration("backoff", p.opts.NotFoundBackoff))
		}

	case resFetchFailed:
		log.Warn("fetch room", zap.Error(r.err))

	case resFetched:
		p.notFoundLogged = false
		if p.role == roleHost {
			out = p.answerOffers(r.room, out)
		} else {
			out = p.advanceClient(r.room, out)
		}

	case resWrote:
		log.Debug("published", zap.String("field", r.write.field), zap.Uint64("client", r.write.client))

	case resWriteFailed:
		log.Warn("publish", zap.String("field", r.write.field), zap.Uint64("client", r.write.client), zap.Error(r.err))
		p.retry = append(p.retry, r.write)
		p.retryAt = p.now().Add(p.opts.PollInterval)
	}
	return out
}

func (p *Poller) answerOffers(room *Room, out []Notice) []Notice {
	keys := make([]string, 0, len(room.Offers))
	for k := range room.Offers {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	for _, key := range keys {
		client, err := ParseClientID(key)
		if err != nil {
			if _, seen := p.badIDs[key]; !seen {
				p.badIDs[key] = struct{}{}
				p.log.Warn("ignoring offer", zap.String("client", key), zap.Error(err))
			}
			continue
		}
		if _, done := p.answered[client]; done {
			continue
		}
		conn, err := p.neg.CreateAnswer(room.Offers[key])
		if err != nil {
			p.log.Warn("create answer", zap.Uint64("client", client), zap.Error(err))
			continue
		}
		p.answered[client] = conn
		p.clients[conn] = client
		p.log.Info("answering client", zap.Uint64("client", client), zap.Uint64("conn", uint64(conn)))
		out = append(out, Notice{Kind: NoticeAnswering, Conn: conn, Client: client})
	}
	return out
}

func (p *Poller) advanceClient(room *Room, out []Notice) []Notice {
	if p.offerConn == 0 {
		conn, err := p.neg.CreateOffer()
		if err != nil {
			p.log.Warn("create offer", zap.Error(err))
			return out
		}
		p.offerConn = conn
		p.log.Info("room found, offering", zap.Uint64("conn", uint64(conn)))
		return append(out, Notice{Kind: NoticeOffering, Conn: conn, Client: p.clientID})
	}
	if p.answerApplied {
		return out
	}
	answer, ok := room.Answers[strconv.FormatUint(p.clientID, 10)]
	if !ok {
		return out
	}
	p.answerApplied = true
	if err := p.neg.SetRemote(p.offerConn, answer); err != nil {
		p.log.Warn("apply answer", zap.Error(err))
		return out
	}
	p.log.Info("answer applied", zap.Uint64("conn", uint64(p.offerConn)))
	return append(out, Notice{Kind: NoticeAnswerApplied, Conn: p.offerConn, Client: p.clientID})
}

func (p *Poller) schedule() {
	if p.role == roleNone {
		return
	}
	now := p.now()
	if len(p.retry) > 0 && !now.Before(p.retryAt) {
		pending := p.retry
		p.retry = nil
		for _, w := range pending {
			p.startWrite(w)
		}
	}
	if p.role == roleHost && !p.roomReady {
		if !p.creating && !now.Before(p.nextFetch) {
			p.startCreate()
		}
		return
	}
	if p.role == roleClient && p.answerApplied {
		return
	}
	if p.inFlight || now.Before(p.nextFetch) {
		return
	}
	p.inFlight = true
	p.nextFetch = now.Add(p.opts.PollInterval)

	store, room := p.store, p.room
	p.spawn(func(ctx context.Context) result {
		r, err := store.Fetch(ctx, room)
		switch {
		case errors.Is(err, ErrRoomNotFound):
			return result{kind: resNotFound}
		case err != nil:
			return result{kind: resFetchFailed, err: err}
		}
		return result{kind: resFetched, room: r}
	})
}

func (p *Poller) startCreate() {
	p.creating = true
	store, room := p.store, p.room
	p.spawn(func(ctx context.Context) result {
		if err := store.EnsureRoom(ctx, room); err != nil {
			return result{kind: resCreateFailed, err: err}
		}
		return result{kind: resCreated}
	})
}

func (p *Poller) startWrite(w write) {
	store, room := p.store, p.room
	p.spawn(func(ctx context.Context) result {
		key := strconv.FormatUint(w.client, 10)
		var err error
		if w.field == FieldOffers {
			err = store.PutOffer(ctx, room, key, w.sdp)
		} else {
			err = store.PutAnswer(ctx, room, key, w.sdp)
		}
		if err != nil {
			return result{kind: resWriteFailed, write: w, err: err}
		}
		return result{kind: resWrote, write: w}
	})
}

func (p *Poller) spawn(fn func(ctx context.Context) result) {
	gen, timeout := p.gen, p.opts.RequestTimeout
	go func() {
		ctx, cancel := context.WithTimeout(p.ctx, timeout)
		defer cancel()
		r := fn(ctx)
		r.gen = gen
		select {
		case p.results <- r:
		case <-p.ctx.Done():
		}
	}()
}

// NewClientID draws a random non-zero id below 2^53, so it survives a trip
// through a float64 JSON number.
func NewClientID() uint64 {
	var b [8]byte
	for {
		_, _ = rand.Read(b[:])
		if id := binary.BigEndian.Uint64(b[:]) % maxClientID; id != 0 {
			return id
		}
	}
}

func ParseClientID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	if id == 0 || id >= maxClientID {
		return 0, strconv.ErrRange
	}
	return id, nil
}
