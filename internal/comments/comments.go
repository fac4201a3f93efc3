// Package comments posts templated messages on pull requests, at most
// once per message identity.
package comments

import (
	"bytes"
	"context"
	"embed"
	"fmt"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"

	"github.com/jogman/gatekeeper/internal/host"
)

//go:embed templates/*.md.tmpl
var templateFS embed.FS

// sentinelPrefix starts the first line of every bot comment and embeds
// the message identity used for deduplication.
const sentinelPrefix = "<!-- gatekeeper: "

// historyWindow bounds how far back the dedup scan looks, counted in
// bot comments.
const historyWindow = 10

// Notifier renders templates and posts them as PR comments.
type Notifier struct {
	client host.Client
	bot    string
	tmpl   *template.Template
}

// New parses the embedded templates. The bot login is used to
// recognize our own comments when deduplicating.
func New(client host.Client, botLogin string) (*Notifier, error) {
	tmpl, err := template.New("comments").
		Funcs(sprig.TxtFuncMap()).
		ParseFS(templateFS, "templates/*.md.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse comment templates: %w", err)
	}
	return &Notifier{client: client, bot: botLogin, tmpl: tmpl}, nil
}

// Render produces the full comment body for a template, sentinel line
// included. The message id defaults to the template name; pass a
// non-empty id to distinguish repeats of the same template (for
// example per-commit messages).
func (n *Notifier) Render(name, id string, data any) (string, error) {
	if id == "" {
		id = name
	}
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "%s%s -->\n", sentinelPrefix, id)
	if err := n.tmpl.ExecuteTemplate(&buf, name+".md.tmpl", data); err != nil {
		return "", fmt.Errorf("render comment %s: %w", name, err)
	}
	return buf.String(), nil
}

// Send posts the rendered comment unless a bot comment with the same
// message id already appears among the last bot comments on the pull
// request. It reports whether a comment was actually posted.
func (n *Notifier) Send(ctx context.Context, prID int64, name, id string, data any) (bool, error) {
	if id == "" {
		id = name
	}
	body, err := n.Render(name, id, data)
	if err != nil {
		return false, err
	}

	dup, err := n.alreadySent(ctx, prID, id)
	if err != nil {
		return false, err
	}
	if dup {
		return false, nil
	}

	if err := n.client.AddComment(ctx, prID, body); err != nil {
		return false, fmt.Errorf("post comment on #%d: %w", prID, err)
	}
	return true, nil
}

func (n *Notifier) alreadySent(ctx context.Context, prID int64, id string) (bool, error) {
	comments, err := n.client.ListComments(ctx, prID)
	if err != nil {
		return false, fmt.Errorf("list comments on #%d: %w", prID, err)
	}

	want := sentinelPrefix + id + " -->"
	seen := 0
	for i := len(comments) - 1; i >= 0 && seen < historyWindow; i-- {
		c := comments[i]
		if c.Author != n.bot {
			continue
		}
		seen++
		first, _, _ := strings.Cut(c.Body, "\n")
		if strings.TrimSpace(first) == want {
			return true, nil
		}
	}
	return false, nil
}

// MessageID extracts the message id from a bot comment body, or ""
// when the body carries no sentinel.
func MessageID(body string) string {
	first, _, _ := strings.Cut(body, "\n")
	first = strings.TrimSpace(first)
	if !strings.HasPrefix(first, sentinelPrefix) || !strings.HasSuffix(first, " -->") {
		return ""
	}
	return strings.TrimSuffix(strings.TrimPrefix(first, sentinelPrefix), " -->")
}
