// Package card builds the status card markup from a presence snapshot.
package card

import (
	"bytes"
	_ "embed"
	"fmt"
	"html/template"

	"github.com/statuscard/statuscard/internal/presence"
)

//go:embed card.html.tmpl
var cardTemplate string

// Activity types as reported by the presence provider. Custom statuses
// (type 4) have no verb and are not listed.
const (
	activityPlaying   = 0
	activityStreaming = 1
	activityListening = 2
	activityWatching  = 3
	activityCompeting = 5
)

var verbs = map[int]string{
	activityPlaying:   "Playing",
	activityStreaming: "Streaming",
	activityListening: "Listening to",
	activityWatching:  "Watching",
	activityCompeting: "Competing in",
}

var knownStatus = map[string]bool{"online": true, "idle": true, "dnd": true, "offline": true}

// Builder renders cards. It is safe for concurrent use.
type Builder struct {
	tmpl *template.Template
}

// NewBuilder parses the embedded card template.
func NewBuilder() (*Builder, error) {
	t, err := template.New("card").Parse(cardTemplate)
	if err != nil {
		return nil, fmt.Errorf("parse card template: %w", err)
	}
	return &Builder{tmpl: t}, nil
}

type view struct {
	User       presence.User
	Status     string
	Spotify    *presence.Spotify
	Activities []activityView
}

type activityView struct {
	Verb    string
	Name    string
	Details string
}

// Build returns the card document. The card element carries id "card".
func (b *Builder) Build(p *presence.Presence) (string, error) {
	var buf bytes.Buffer
	if err := b.tmpl.Execute(&buf, newView(p)); err != nil {
		return "", fmt.Errorf("execute card template: %w", err)
	}
	return buf.String(), nil
}

func newView(p *presence.Presence) view {
	v := view{
		User:    p.User,
		Status:  p.State.Status,
		Spotify: p.Spotify,
	}
	if !knownStatus[v.Status] {
		v.Status = "offline"
	}
	for _, a := range p.Activities {
		verb, ok := verbs[a.Type]
		if !ok {
			continue
		}
		// the track is already shown in its own block
		if p.Spotify != nil && a.Type == activityListening && a.Name == "Spotify" {
			continue
		}
		v.Activities = append(v.Activities, activityView{Verb: verb, Name: a.Name, Details: a.Details})
	}
	return v
}
