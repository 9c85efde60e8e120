package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/gorilla/websocket"

	"github.com/statuscard/statuscard/internal/apperror"
)

// Gateway close codes that no amount of reconnecting can fix.
const (
	closeAuthenticationFailed = 4004
	closeInvalidIntents       = 4013
	closeDisallowedIntents    = 4014
)

// Intents requests guild, member and presence updates so the state cache
// can answer Fetch without a REST round trip.
const Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildMembers | discordgo.IntentsGuildPresences

// Gateway owns the persistent event connection. Reconnection policy lives in
// the supervisor, so the library's own reconnect loop is disabled.
type Gateway struct {
	session     *discordgo.Session
	openTimeout time.Duration
	logger      *slog.Logger

	// mu orders connection generations against closes. closing suppresses
	// the disconnect notification for closes made through the gateway.
	mu      sync.Mutex
	gen     uint64
	closing atomic.Bool
	lost    chan struct{}
}

// NewGateway creates an unopened gateway session for token.
func NewGateway(token string, openTimeout time.Duration, logger *slog.Logger) (*Gateway, error) {
	s, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}
	s.Identify.Intents = Intents
	s.ShouldReconnectOnError = false
	s.StateEnabled = true
	// Handlers run inline, so the Disconnect event of our own Close is
	// seen before Close returns.
	s.SyncEvents = true

	g := &Gateway{
		session:     s,
		openTimeout: openTimeout,
		logger:      logger.With("component", "gateway"),
		lost:        make(chan struct{}, 1),
	}
	s.AddHandler(g.onReady)
	s.AddHandler(g.onDisconnect)
	return g, nil
}

// Session exposes the underlying session for state lookups.
func (g *Gateway) Session() *discordgo.Session { return g.session }

// Lost delivers one notification per unexpected connection loss.
func (g *Gateway) Lost() <-chan struct{} { return g.lost }

// Connect opens the gateway and waits for the handshake, bounded by the open
// timeout. Authentication and intent rejections are reported as fatal.
func (g *Gateway) Connect(ctx context.Context) error {
	if g.openTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.openTimeout)
		defer cancel()
	}

	gen := g.begin()
	errc := make(chan error, 1)
	go func() { errc <- g.session.Open() }()

	select {
	case err := <-errc:
		if err != nil {
			return classifyOpen(err)
		}
		return nil
	case <-ctx.Done():
		// Open holds the session lock until it returns, so the late
		// connection is torn down once it does, unless a newer
		// generation has taken over the session.
		g.closing.Store(true)
		go func() {
			if <-errc == nil {
				g.closeIfCurrent(gen)
			}
		}()
		return fmt.Errorf("gateway open: %w", ctx.Err())
	}
}

// begin starts a new connection generation and re-arms loss reporting.
func (g *Gateway) begin() uint64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.gen++
	g.closing.Store(false)
	return g.gen
}

// closeIfCurrent closes the session only while gen is still the latest
// generation. It reports whether it closed.
func (g *Gateway) closeIfCurrent(gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.gen != gen {
		return false
	}
	if err := g.closeLocked(); err != nil {
		g.logger.Debug("closing abandoned connection failed", "error", err)
	}
	return true
}

// Disconnect closes the connection without signaling Lost.
func (g *Gateway) Disconnect() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.closeLocked()
}

func (g *Gateway) closeLocked() error {
	g.gen++
	g.closing.Store(true)
	err := g.session.Close()
	if errors.Is(err, discordgo.ErrWSNotFound) {
		return nil
	}
	return err
}

// Alive reports whether the session has a completed handshake.
func (g *Gateway) Alive() bool {
	g.session.RLock()
	defer g.session.RUnlock()
	return g.session.DataReady
}

func (g *Gateway) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	if r.User != nil {
		g.logger.Info("gateway ready", "user", r.User.String(), "guilds", len(r.Guilds))
	}
}

func (g *Gateway) onDisconnect(_ *discordgo.Session, _ *discordgo.Disconnect) {
	if g.closing.Load() {
		return
	}
	g.logger.Warn("gateway connection lost")
	select {
	case g.lost <- struct{}{}:
	default:
	}
}

// classifyOpen wraps unrecoverable handshake failures as fatal.
func classifyOpen(err error) error {
	if errors.Is(err, discordgo.ErrUnauthorized) {
		return apperror.Fatal("gateway open", err)
	}
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case closeAuthenticationFailed, closeInvalidIntents, closeDisallowedIntents:
			return apperror.Fatal("gateway open", err)
		}
	}
	return fmt.Errorf("gateway open: %w", err)
}
