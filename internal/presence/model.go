// Package presence resolves a user's live status from the upstream chat
// platform and shapes it into the public status-card payload.
package presence

import (
	"context"
	"strings"

	"github.com/bwmarrin/discordgo"
)

// Provider returns the current presence snapshot for a user.
type Provider interface {
	Fetch(ctx context.Context, userID string) (*Presence, error)
}

// Presence is the JSON payload served by the status API.
type Presence struct {
	User       User       `json:"user"`
	State      State      `json:"presence"`
	Spotify    *Spotify   `json:"spotify"`
	Activities []Activity `json:"activities"`
}

// User identifies the account the card describes.
type User struct {
	ID        string `json:"id"`
	Username  string `json:"username"`
	Tag       string `json:"tag"`
	AvatarURL string `json:"avatar_url"`
}

// State is the coarse online status plus the per-client breakdown.
type State struct {
	Status       string            `json:"status"`
	ClientStatus map[string]string `json:"client_status"`
}

// Spotify is the currently playing track, when the user is listening.
type Spotify struct {
	Title       string `json:"title"`
	Artist      string `json:"artist"`
	AlbumArtURL string `json:"album_art_url"`
}

// Activity is one entry of the user's activity list.
type Activity struct {
	Name    string `json:"name"`
	Type    int    `json:"type"`
	Details string `json:"details,omitempty"`
	State   string `json:"state,omitempty"`
}

const (
	statusOffline = "offline"
	spotifyName   = "Spotify"
	spotifyPrefix = "spotify:"
	spotifyImages = "https://i.scdn.co/image/"
	avatarSize    = "256"
)

// fromMember builds the payload from a guild member and its presence.
// A nil presence means the user is offline or not tracked.
func fromMember(m *discordgo.Member, p *discordgo.Presence) *Presence {
	u := m.User
	out := &Presence{
		User: User{
			ID:        u.ID,
			Username:  u.Username,
			Tag:       tag(u),
			AvatarURL: u.AvatarURL(avatarSize),
		},
		State: State{
			Status:       statusOffline,
			ClientStatus: map[string]string{},
		},
		Activities: []Activity{},
	}
	if p == nil {
		return out
	}

	if p.Status != "" {
		out.State.Status = string(p.Status)
	}
	for client, st := range map[string]discordgo.Status{
		"desktop": p.ClientStatus.Desktop,
		"mobile":  p.ClientStatus.Mobile,
		"web":     p.ClientStatus.Web,
	} {
		if st != "" && st != discordgo.StatusOffline {
			out.State.ClientStatus[client] = string(st)
		}
	}

	for _, a := range p.Activities {
		if a == nil {
			continue
		}
		out.Activities = append(out.Activities, Activity{
			Name:    a.Name,
			Type:    int(a.Type),
			Details: a.Details,
			State:   a.State,
		})
		if out.Spotify == nil && a.Name == spotifyName && a.Type == discordgo.ActivityTypeListening {
			out.Spotify = &Spotify{
				Title:       a.Details,
				Artist:      a.State,
				AlbumArtURL: albumArtURL(a.Assets.LargeImageID),
			}
		}
	}
	return out
}

// tag renders the user's display handle. Accounts migrated off
// discriminators carry "0" or none at all.
func tag(u *discordgo.User) string {
	if u.Discriminator == "" || u.Discriminator == "0" {
		return u.Username
	}
	return u.Username + "#" + u.Discriminator
}

// albumArtURL expands a "spotify:<id>" asset reference to its CDN URL.
func albumArtURL(asset string) string {
	id, ok := strings.CutPrefix(asset, spotifyPrefix)
	if !ok || id == "" {
		return ""
	}
	return spotifyImages + id
}

// validUserID reports whether id looks like a platform snowflake.
func validUserID(id string) bool {
	if id == "" || len(id) > 20 {
		return false
	}
	for i := 0; i < len(id); i++ {
		if id[i] < '0' || id[i] > '9' {
			return false
		}
	}
	return true
}
