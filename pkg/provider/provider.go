// Package provider implements the client-side sync provider: a single
// supervisor goroutine that owns one logical WebSocket connection for a
// workspace's CRDT document, exposing an observable status and a
// local-changes ("dirty") bit derived from server acks.
//
// The design mirrors the teacher's informal "single writer, event
// handlers are reporters only" discipline (everything that mutates Room
// state in the teacher does so under Room.mu, inside a Room method) — here
// the supervisor goroutine owns the connection and its timers and drives
// every status transition except Disconnect's synchronous switch to
// offline; Connect and Disconnect otherwise only bump runID or close the
// stop channel the loop is selecting on.
package provider

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/url"
	"sync"
	"time"

	"github.com/epicenterhq/sync-core/internal/crdtdoc"
	"github.com/epicenterhq/sync-core/internal/logging"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const (
	retriesBeforeTokenRefresh = 3
	idleInterval              = 2 * time.Second
	heartbeatTimeout          = 3 * time.Second
	backoffBase               = 500 * time.Millisecond
	backoffFactor             = 1.1
	backoffMaxMultiplier      = 10.0
)

// Config configures a Provider. Doc and URL are required; everything else
// has a documented default.
type Config struct {
	// Doc is the CRDT document this provider keeps in sync with the room.
	Doc *crdtdoc.Doc

	// URL is the ws:// or wss:// endpoint, e.g. "ws://host:3913/rooms/my-room".
	URL string

	// Token is a static bearer token sent as the `token` query parameter on
	// every connection attempt. Mutually exclusive with GetToken in
	// practice, though both may be set — GetToken takes precedence.
	Token string

	// GetToken is an async token factory (spec.md Mode 3). Its result is
	// cached across attempts within one outer iteration and invalidated
	// after retriesBeforeTokenRefresh consecutive failures.
	GetToken func(ctx context.Context) (string, error)

	// AutoConnect starts the supervisor loop immediately on New when true
	// or unset (nil). Set to a false pointer to require an explicit
	// Connect() call.
	AutoConnect *bool

	// Dialer opens the WebSocket connection; defaults to a real
	// gorilla/websocket dial. Tests inject a fake.
	Dialer Dialer

	// Awareness is the shared awareness instance to publish local state
	// through and merge remote updates into. If nil, Provider constructs
	// its own.
	Awareness *crdtdoc.Awareness

	// Log overrides the logger; defaults to the global internal/logging
	// logger.
	Log *zap.Logger
}

// Provider is the client-side sync provider for one workspace document.
type Provider struct {
	cfg Config
	log *zap.Logger

	mu                    sync.Mutex
	status                Status
	runID                 uint64
	running               bool
	stop                  chan struct{}
	localVersion          int64
	ackedVersion          int64
	dirty                 bool
	statusListeners       map[int]func(Status)
	localChangesListeners map[int]func(bool)
	nextListenerID        int
	wake                  chan struct{}

	cachedToken string
	hasToken    bool

	destroyed bool
}

// New constructs a Provider for cfg. If cfg.AutoConnect is true or unset,
// the supervisor loop starts immediately.
func New(cfg Config) (*Provider, error) {
	if cfg.Doc == nil {
		return nil, errors.New("provider: Config.Doc is required")
	}
	if cfg.URL == "" {
		return nil, errors.New("provider: Config.URL is required")
	}
	if cfg.Dialer == nil {
		cfg.Dialer = defaultDialer
	}
	if cfg.Awareness == nil {
		cfg.Awareness = crdtdoc.NewAwareness(clientIDFromString(uuid.New().String()))
	}

	log := cfg.Log
	if log == nil {
		log = logging.GetLogger()
	}

	p := &Provider{
		cfg:                   cfg,
		log:                   log,
		status:                StatusOffline,
		ackedVersion:          -1,
		statusListeners:       make(map[int]func(Status)),
		localChangesListeners: make(map[int]func(bool)),
		wake:                  make(chan struct{}, 1),
	}

	cfg.Doc.OnUpdate(p.onLocalDocUpdate)

	autoConnect := cfg.AutoConnect == nil || *cfg.AutoConnect
	if autoConnect {
		p.Connect()
	}
	return p, nil
}

// Status returns the current connection status.
func (p *Provider) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

// HasLocalChanges reports whether localVersion has outrun ackedVersion.
func (p *Provider) HasLocalChanges() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.dirty
}

// OnStatusChange registers a listener and returns an unsubscribe function.
func (p *Provider) OnStatusChange(fn func(Status)) func() {
	p.mu.Lock()
	id := p.nextListenerID
	p.nextListenerID++
	p.statusListeners[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.statusListeners, id)
		p.mu.Unlock()
	}
}

// OnLocalChanges registers a dirty-bit listener and returns an unsubscribe
// function.
func (p *Provider) OnLocalChanges(fn func(bool)) func() {
	p.mu.Lock()
	id := p.nextListenerID
	p.nextListenerID++
	p.localChangesListeners[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.localChangesListeners, id)
		p.mu.Unlock()
	}
}

// Connect starts the supervisor loop if it is not already running. It is
// idempotent.
func (p *Provider) Connect() {
	p.mu.Lock()
	if p.running || p.destroyed {
		p.mu.Unlock()
		return
	}
	p.running = true
	p.runID++
	runID := p.runID
	p.stop = make(chan struct{})
	stop := p.stop
	p.mu.Unlock()

	go p.loop(runID, stop)
}

// Disconnect stops reconnect attempts, closes any open socket, and
// synchronously sets status to offline.
func (p *Provider) Disconnect() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	close(p.stop)
	p.mu.Unlock()

	p.setStatus(StatusOffline)
	p.wakeBackoff()
}

// Destroy disconnects, removes this client's awareness entry, and drops all
// listeners. The local-update hook New registered on Doc is not removed
// (crdtdoc.Doc offers no way to unregister one), so later local edits still
// advance localVersion.
func (p *Provider) Destroy() {
	p.Disconnect()

	p.mu.Lock()
	p.destroyed = true
	p.statusListeners = make(map[int]func(Status))
	p.localChangesListeners = make(map[int]func(bool))
	p.mu.Unlock()

	p.cfg.Awareness.RemoveLocalState()
}

// wakeBackoff wakes a sleeping backoff timer, e.g. in response to a
// browser "online" event or an explicit Disconnect.
func (p *Provider) wakeBackoff() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Provider) setStatus(s Status) {
	p.mu.Lock()
	if p.status == s {
		p.mu.Unlock()
		return
	}
	p.status = s
	listeners := make([]func(Status), 0, len(p.statusListeners))
	for _, fn := range p.statusListeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

func (p *Provider) setDirty(dirty bool) {
	p.mu.Lock()
	if p.dirty == dirty {
		p.mu.Unlock()
		return
	}
	p.dirty = dirty
	listeners := make([]func(bool), 0, len(p.localChangesListeners))
	for _, fn := range p.localChangesListeners {
		listeners = append(listeners, fn)
	}
	p.mu.Unlock()

	for _, fn := range listeners {
		fn(dirty)
	}
}

// onLocalDocUpdate bumps localVersion for transactions under
// crdtdoc.LocalOrigin only; updates applied under any other origin (such as
// remoteOrigin for server updates) leave the dirty bit alone (spec.md
// §4.3's origin-sentinel rule).
func (p *Provider) onLocalDocUpdate(_ []byte, origin string) {
	if origin != crdtdoc.LocalOrigin {
		return
	}
	p.mu.Lock()
	p.localVersion++
	dirty := p.localVersion != p.ackedVersion
	p.mu.Unlock()
	p.setDirty(dirty)
}

// ackVersion applies a SYNC_STATUS echo, advancing ackedVersion to the max
// of its current value and the incoming one.
func (p *Provider) ackVersion(incoming int64) {
	p.mu.Lock()
	if incoming > p.ackedVersion {
		p.ackedVersion = incoming
	}
	dirty := p.localVersion != p.ackedVersion
	p.mu.Unlock()
	p.setDirty(dirty)
}

func (p *Provider) snapshotLocalVersion() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.localVersion
}

// loop is the supervisor: the single owner of the connect/retry/backoff
// state machine for one generation (runID). It exits when stop is closed.
func (p *Provider) loop(runID uint64, stop <-chan struct{}) {
	defer func() {
		p.mu.Lock()
		p.running = false
		p.mu.Unlock()
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}

		token, err := p.acquireToken(stop)
		if err != nil {
			p.setStatus(StatusError)
			if !p.sleepBackoff(stop, 0) {
				return
			}
			continue
		}

		handshakeOK, interrupted := p.runOuterAttempts(runID, stop, token)
		if interrupted {
			return
		}
		if !handshakeOK {
			p.invalidateToken()
		}
	}
}

// runOuterAttempts runs up to retriesBeforeTokenRefresh connect attempts
// with one token, returning whether any attempt reached a handshake and
// whether the loop was interrupted by stop.
func (p *Provider) runOuterAttempts(runID uint64, stop <-chan struct{}, token string) (handshakeOK bool, interrupted bool) {
	for attempt := 0; attempt < retriesBeforeTokenRefresh; attempt++ {
		select {
		case <-stop:
			return handshakeOK, true
		default:
		}

		reachedHandshake, err := p.runConnectionCycle(runID, stop, token)
		if reachedHandshake {
			return true, false // ran until close; reset retry count at the outer loop
		}
		if err != nil {
			p.log.Warn("provider connect attempt failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		p.setStatus(StatusError)
		if !p.sleepBackoff(stop, attempt) {
			return handshakeOK, true
		}
	}
	return handshakeOK, false
}

func (p *Provider) sleepBackoff(stop <-chan struct{}, attempt int) bool {
	d := backoffDuration(attempt)
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-stop:
		return false
	case <-p.wake:
		return true
	case <-timer.C:
		return true
	}
}

func backoffDuration(attempt int) time.Duration {
	multiplier := math.Pow(backoffFactor, float64(attempt))
	if multiplier > backoffMaxMultiplier {
		multiplier = backoffMaxMultiplier
	}
	return time.Duration(float64(backoffBase) * multiplier)
}

// acquireToken resolves the token to use for the next outer iteration,
// preferring the cached dynamic token, then GetToken, then the static
// token, then none.
func (p *Provider) acquireToken(stop <-chan struct{}) (string, error) {
	if p.cfg.GetToken == nil {
		return p.cfg.Token, nil
	}

	p.mu.Lock()
	if p.hasToken {
		token := p.cachedToken
		p.mu.Unlock()
		return token, nil
	}
	p.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	token, err := p.cfg.GetToken(ctx)
	if err != nil {
		return "", fmt.Errorf("provider: getToken: %w", err)
	}

	p.mu.Lock()
	p.cachedToken = token
	p.hasToken = true
	p.mu.Unlock()
	return token, nil
}

func (p *Provider) invalidateToken() {
	p.mu.Lock()
	p.hasToken = false
	p.cachedToken = ""
	p.mu.Unlock()
}

func (p *Provider) dialURL(token string) string {
	if token == "" {
		return p.cfg.URL
	}
	u, err := url.Parse(p.cfg.URL)
	if err != nil {
		return p.cfg.URL
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// clientIDFromString derives a stable uint64 from an opaque string seed,
// the same FNV-1a approach the room manager uses to seed a Doc clientID.
func clientIDFromString(s string) uint64 {
	var h uint64 = 1469598103934665603
	for _, b := range []byte(s) {
		h ^= uint64(b)
		h *= 1099511628211
	}
	return h
}
