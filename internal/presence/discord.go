package presence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bwmarrin/discordgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/statuscard/statuscard/internal/apperror"
	"github.com/statuscard/statuscard/internal/observability"
)

var tracer = otel.Tracer("statuscard.presence")

// Upstream error kinds reported to metrics.
const (
	upstreamNotFound    = "not_found"
	upstreamUnavailable = "unavailable"
	upstreamTimeout     = "timeout"
)

// MemberSource looks up guild members and their presences.
type MemberSource interface {
	// Guild returns an error when the guild is not yet known to the cache.
	Guild(guildID string) error
	Member(ctx context.Context, guildID, userID string) (*discordgo.Member, error)
	Presence(guildID, userID string) (*discordgo.Presence, error)
}

// SessionSource reads from a gateway session's state cache, falling back to
// the REST API for members the cache has not seen. Logger may be nil.
type SessionSource struct {
	Session *discordgo.Session
	Logger  *slog.Logger
}

// Guild implements MemberSource.
func (s SessionSource) Guild(guildID string) error {
	_, err := s.Session.State.Guild(guildID)
	return err
}

// Member implements MemberSource.
func (s SessionSource) Member(ctx context.Context, guildID, userID string) (*discordgo.Member, error) {
	if m, err := s.Session.State.Member(guildID, userID); err == nil {
		return m, nil
	}
	m, err := s.Session.GuildMember(guildID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, err
	}
	if m.GuildID == "" {
		m.GuildID = guildID
	}
	if err := s.Session.State.MemberAdd(m); err != nil && s.Logger != nil {
		s.Logger.Debug("caching fetched member failed", "guild", guildID, "user", userID, "error", err)
	}
	return m, nil
}

// Presence implements MemberSource. A user without a cached presence is
// reported as nil, nil.
func (s SessionSource) Presence(guildID, userID string) (*discordgo.Presence, error) {
	p, err := s.Session.State.Presence(guildID, userID)
	if errors.Is(err, discordgo.ErrStateNotFound) {
		return nil, nil
	}
	return p, err
}

// Discord is the Provider backed by a single configured guild.
type Discord struct {
	source  MemberSource
	guildID string
	timeout time.Duration
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewDiscord creates the presence provider. A timeout of zero disables the
// per-fetch deadline.
func NewDiscord(source MemberSource, guildID string, timeout time.Duration, metrics *observability.Metrics, logger *slog.Logger) *Discord {
	return &Discord{
		source:  source,
		guildID: guildID,
		timeout: timeout,
		metrics: metrics,
		logger:  logger.With("component", "presence"),
	}
}

// Fetch resolves the member and presence of userID.
func (d *Discord) Fetch(ctx context.Context, userID string) (*Presence, error) {
	ctx, span := tracer.Start(ctx, "statuscard.presence.fetch")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	if !validUserID(userID) {
		return nil, apperror.NotFound("presence", "unknown user", nil)
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	p, err := d.fetch(ctx, userID)
	d.metrics.PromFetchDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return p, nil
}

func (d *Discord) fetch(ctx context.Context, userID string) (*Presence, error) {
	if err := d.source.Guild(d.guildID); err != nil {
		d.metrics.IncUpstreamError(upstreamUnavailable)
		return nil, apperror.Unavailable("presence", "guild not available", err)
	}

	m, err := d.source.Member(ctx, d.guildID, userID)
	if err != nil {
		return nil, d.classify(err)
	}
	if m == nil || m.User == nil {
		d.metrics.IncUpstreamError(upstreamNotFound)
		return nil, apperror.NotFound("presence", "unknown user", nil)
	}

	p, err := d.source.Presence(d.guildID, userID)
	if err != nil {
		d.logger.Debug("presence lookup failed, reporting offline", "user_id", userID, "error", err)
		p = nil
	}
	return fromMember(m, p), nil
}

// classify maps a member lookup failure onto the error taxonomy.
func (d *Discord) classify(err error) error {
	var restErr *discordgo.RESTError
	if errors.As(err, &restErr) && restErr.Message != nil {
		switch restErr.Message.Code {
		case discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownUser:
			d.metrics.IncUpstreamError(upstreamNotFound)
			return apperror.NotFound("presence", "unknown user", err)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		d.metrics.IncUpstreamError(upstreamTimeout)
		return apperror.Unavailable("presence", "upstream timed out", err)
	}
	d.metrics.IncUpstreamError(upstreamUnavailable)
	return apperror.Unavailable("presence", "upstream request failed", fmt.Errorf("member lookup: %w", err))
}
