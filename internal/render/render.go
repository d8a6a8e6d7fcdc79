// Package render turns a consolidated change-set into subject and body text.
package render

import (
	"fmt"
	"sort"
	"strings"
	"text/template"
	"time"

	"github.com/drenlia/easy-kanban-sub008/internal/model"
)

const bodyTemplate = `{{if .Consolidated}}{{.Count}} changes to "{{.Title}}" over {{.Span}}, most recently by {{.Actor}}.
{{else}}{{.Actor}} {{.Verb}} "{{.Title}}".
{{end}}{{if .Fields}}
Latest state:
{{range .Fields}}  {{.Name}}: {{.Value}}
{{end}}{{end}}
You are receiving this because you follow this card.
`

var verbs = map[string]string{
	"task_created":  "created",
	"task_updated":  "updated",
	"task_moved":    "moved",
	"task_assigned": "assigned you to",
	"comment_added": "commented on",
}

type field struct {
	Name  string
	Value string
}

type bodyData struct {
	Consolidated bool
	Count        int
	Title        string
	Actor        string
	Verb         string
	Span         string
	Fields       []field
}

// Renderer produces notification subjects and bodies from snapshots.
type Renderer struct {
	body *template.Template
}

// New creates a renderer with the built-in templates.
func New() *Renderer {
	return &Renderer{
		body: template.Must(template.New("body").Parse(bodyTemplate)),
	}
}

// Render builds the subject and body for one consolidated notification. For
// a single change the details are used verbatim; for several, a summary line
// with the change count and accumulation span is produced from the latest
// snapshot only.
func (r *Renderer) Render(category string, snap model.Snapshot, changeCount int, span time.Duration) (string, string, error) {
	actor := snap.ActorName
	if actor == "" {
		actor = "Someone"
	}

	data := bodyData{
		Consolidated: changeCount > 1,
		Count:        changeCount,
		Title:        snap.SubjectTitle,
		Actor:        actor,
		Verb:         verb(category),
		Span:         FormatSpan(span),
		Fields:       sortedFields(snap.Fields),
	}

	var subject string
	if changeCount > 1 {
		subject = fmt.Sprintf("%d changes to %q", changeCount, snap.SubjectTitle)
	} else {
		subject = fmt.Sprintf("%s %s %q", actor, data.Verb, snap.SubjectTitle)
	}

	var b strings.Builder
	if err := r.body.Execute(&b, data); err != nil {
		return "", "", fmt.Errorf("failed to render body: %w", err)
	}

	return subject, b.String(), nil
}

func verb(category string) string {
	if v, ok := verbs[category]; ok {
		return v
	}

	return strings.ReplaceAll(category, "_", " ")
}

func sortedFields(m map[string]string) []field {
	if len(m) == 0 {
		return nil
	}

	fields := make([]field, 0, len(m))
	for k, v := range m {
		fields = append(fields, field{Name: k, Value: v})
	}

	sort.Slice(fields, func(i, j int) bool { return fields[i].Name < fields[j].Name })
	return fields
}

// FormatSpan renders an accumulation window in human terms.
func FormatSpan(span time.Duration) string {
	switch {
	case span < time.Minute:
		return "less than a minute"
	case span < time.Hour:
		m := int(span.Round(time.Minute) / time.Minute)
		if m == 1 {
			return "1 minute"
		}
		return fmt.Sprintf("%d minutes", m)
	default:
		h := int(span / time.Hour)
		m := int(span % time.Hour / time.Minute)
		if m == 0 {
			if h == 1 {
				return "1 hour"
			}
			return fmt.Sprintf("%d hours", h)
		}
		return fmt.Sprintf("%dh %dm", h, m)
	}
}
