package export

import (
	"bytes"
	"html/template"
	"strings"
	"time"

	"ideamatrix/api/internal/quadrant"
)

var boardTemplate = template.Must(template.New("board").Funcs(template.FuncMap{
	"lower": strings.ToLower,
	"formatDate": func(t time.Time, layout string) string {
		return t.Format(layout)
	},
}).Parse(boardHTML))

// TemplateData holds data for board template rendering
type TemplateData struct {
	ProjectName string
	GeneratedAt time.Time
	GeneratedBy string
	Quadrants   []TemplateQuadrant
	Total       int
	Mismatched  int
}

type TemplateQuadrant struct {
	Name      quadrant.Quadrant
	Suggested quadrant.Priority
	Cards     []SnapshotCard
}

func newTemplateData(snap Snapshot) TemplateData {
	data := TemplateData{
		ProjectName: snap.Project.Name,
		GeneratedAt: snap.GeneratedAt,
		GeneratedBy: snap.GeneratedBy,
		Total:       snap.Stats.Total,
		Mismatched:  snap.Stats.Mismatched,
	}
	for _, q := range quadrant.All {
		tq := TemplateQuadrant{Name: q, Suggested: quadrant.SuggestedPriority(q)}
		for _, card := range snap.Cards {
			if card.Quadrant == q {
				tq.Cards = append(tq.Cards, card)
			}
		}
		data.Quadrants = append(data.Quadrants, tq)
	}
	return data
}

// RenderBoardHTML renders the board template with provided data
func RenderBoardHTML(data TemplateData) (string, error) {
	var buf bytes.Buffer
	if err := boardTemplate.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const boardHTML = `<!DOCTYPE html>
<html>
<head>
  <meta charset="UTF-8">
  <title>{{.ProjectName}}</title>
  <style>
    body { font-family: Arial, sans-serif; line-height: 1.5; max-width: 960px; margin: 2rem auto; }
    h1 { border-bottom: 2px solid #333; padding-bottom: 0.5rem; }
    .meta { color: #666; font-size: 0.9em; margin-bottom: 2rem; }
    .quadrant { background: #f5f5f5; padding: 1rem; margin: 1rem 0; border-left: 3px solid #333; }
    .card { margin: 0.5rem 0; }
    .priority { font-size: 0.8em; color: #444; }
  </style>
</head>
<body>
  <h1>{{.ProjectName}}</h1>
  <div class="meta">{{.Total}} cards | {{.Mismatched}} off their suggested tier | {{formatDate .GeneratedAt "Jan 2, 2006 15:04 MST"}}{{if .GeneratedBy}} | {{.GeneratedBy}}{{end}}</div>
  {{range .Quadrants}}
  <div class="quadrant quadrant-{{lower (printf "%s" .Name)}}">
    <h2>{{.Name}} <span class="priority">suggested: {{.Suggested}}</span></h2>
    {{range .Cards}}<div class="card"><strong>{{.Content}}</strong> <span class="priority">{{.Priority}}</span>{{if .Details}}<p>{{.Details}}</p>{{end}}</div>
    {{else}}<p>No cards.</p>{{end}}
  </div>
  {{end}}
</body>
</html>`
