// Package web provides the server-rendered HTML status page. No
// JavaScript frameworks — the page works with JS disabled, using
// <meta http-equiv="refresh"> for auto-refresh.
package web

import (
	"embed"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/jogman/gatekeeper/internal/dispatch"
	"github.com/jogman/gatekeeper/internal/mergequeue"
)

//go:embed templates/*.html templates/*.css
var templateFS embed.FS

var funcMap = template.FuncMap{
	"inc": func(i int) int { return i + 1 },
	"ago": func(t time.Time) string {
		if t.IsZero() {
			return "—"
		}
		return RelativeTime(t, time.Now())
	},
	"statusIcon": func(status string) string {
		switch status {
		case "completed":
			return "✅"
		case "failed":
			return "❌"
		default:
			return "⏳"
		}
	},
}

var templates = template.Must(
	template.New("").Funcs(funcMap).ParseFS(templateFS, "templates/*.html"),
)

// QueueView is the read side of the merge queue.
type QueueView interface {
	Entries() []mergequeue.Entry
	Inconsistent() bool
}

// QueueRow is one queue entry on the page.
type QueueRow struct {
	Position int
	PRID     int64
	SHA      string
	Versions []string
	Age      time.Time
}

// PageData is the template data for the status page.
type PageData struct {
	Repo            string
	Inconsistent    bool
	Queue           []QueueRow
	Jobs            []dispatch.Record
	RefreshInterval int // seconds
}

// Deps holds the dependencies the web handlers need.
type Deps struct {
	Repo            string // "owner/slug"
	Queue           QueueView
	Jobs            dispatch.Log
	RefreshInterval int // seconds
}

// NewMux creates an http.ServeMux with the status page routes registered.
func NewMux(deps *Deps) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/static/style.css", staticCSSHandler)
	mux.HandleFunc("/healthz", healthzHandler)
	mux.HandleFunc("/", statusHandler(deps))
	return mux
}

func staticCSSHandler(w http.ResponseWriter, _ *http.Request) {
	data, err := templateFS.ReadFile("templates/style.css")
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/css; charset=utf-8")
	w.Header().Set("Cache-Control", "public, max-age=3600")
	_, _ = w.Write(data)
}

func healthzHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok\n"))
}

// statusHandler serves the status page at GET /.
func statusHandler(deps *Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}

		data := PageData{
			Repo:            deps.Repo,
			Inconsistent:    deps.Queue.Inconsistent(),
			RefreshInterval: deps.RefreshInterval,
		}

		for i, e := range deps.Queue.Entries() {
			var versions []string
			for _, v := range e.Versions() {
				versions = append(versions, v.String())
			}
			data.Queue = append(data.Queue, QueueRow{
				Position: i + 1,
				PRID:     e.PRID,
				SHA:      shortSHA(e.SHA),
				Versions: versions,
				Age:      e.CreatedAt,
			})
		}

		jobs, err := deps.Jobs.Recent(r.Context(), 25)
		if err != nil {
			slog.Error("failed to list recent jobs", "error", err)
		} else {
			data.Jobs = jobs
		}

		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		if err := templates.ExecuteTemplate(w, "status.html", data); err != nil {
			slog.Error("failed to render status page", "error", err)
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
	}
}

func shortSHA(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}
