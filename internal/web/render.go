// Package web renders the broker's HTML status page.
package web

import (
	"embed"
	"html/template"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/matst80/portbroker/internal/broker"
)

//go:embed templates/*.html
var tmplFS embed.FS

var (
	once sync.Once
	tmpl *template.Template
)

func load() {
	tmpl = template.Must(template.New("base").ParseFS(tmplFS, "templates/base.html", "templates/*.html"))
}

type LeaseRow struct {
	Token string
	Port  int
}

// Dashboard is the data behind the status page.
type Dashboard struct {
	Busy         bool
	ActiveTokens int
	Capacity     int
	LowerPort    int
	HigherPort   int
	SSHPort      int
	Leases       []LeaseRow
	Sessions     []broker.SessionInfo
	Now          string
}

// Leases turns a token to port map into rows ordered by port.
func Leases(m map[string]int) []LeaseRow {
	rows := make([]LeaseRow, 0, len(m))
	for tok, p := range m {
		rows = append(rows, LeaseRow{Token: tok, Port: p})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Port < rows[j].Port })
	return rows
}

// Render writes the dashboard page to w.
func Render(w io.Writer, d Dashboard) error {
	once.Do(load)
	if d.Now == "" {
		d.Now = time.Now().Format(time.RFC822)
	}
	return tmpl.ExecuteTemplate(w, "dashboard", d)
}
