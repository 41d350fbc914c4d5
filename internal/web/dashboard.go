package web

import (
	"bytes"
	"html/template"
	"net/http"

	"github.com/yuin/goldmark"

	"github.com/nugget/ember-agent/internal/convo"
	"github.com/nugget/ember-agent/internal/energy"
)

// dashboardLimit caps how many conversations each column shows.
const dashboardLimit = 25

// markdown renders model output for the dashboard. The default goldmark
// renderer drops raw HTML, so stored content cannot inject markup here.
var markdown = goldmark.New()

var dashboardTmpl = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>ember</title>
<style>
body { font-family: sans-serif; font-size: 14px; line-height: 1.5; margin: 2em auto; max-width: 60em; color: #222; }
h1 { font-size: 1.4em; }
h2 { font-size: 1.1em; border-bottom: 1px solid #ddd; padding-bottom: 0.3em; }
.meter { color: #666; }
.convo { border: 1px solid #ddd; border-radius: 4px; padding: 0.6em 1em; margin-bottom: 1em; }
.convo .id { font-family: monospace; font-size: 0.85em; color: #888; }
.convo .input { background: #f6f6f6; padding: 0.4em 0.8em; border-radius: 3px; }
.response { border-left: 3px solid #c9a; padding-left: 1em; margin: 0.6em 0; }
.response .meta { font-size: 0.8em; color: #888; }
.ended { opacity: 0.6; }
</style>
</head>
<body>
<h1>ember</h1>
<p class="meter">Energy {{printf "%.1f" .Energy.Level}} ({{.Energy.Percentage}}%, {{.Energy.Status}}) &middot;
{{.Stats.Conversations}} conversations &middot; {{.Stats.PendingCount}} pending &middot;
{{printf "%.1f" .Stats.TotalEnergyConsumed}} units consumed</p>

<h2>Open</h2>
{{range .Open}}{{template "convo" .}}{{else}}<p>Nothing open.</p>{{end}}

<h2>Recently completed</h2>
{{range .Completed}}{{template "convo" .}}{{else}}<p>Nothing yet.</p>{{end}}
</body>
</html>

{{define "convo"}}
<div class="convo{{if .Ended}} ended{{end}}">
<div class="id">{{.RequestID}} &middot; {{.CreatedAt.Format "2006-01-02 15:04"}}{{if .Ended}} &middot; ended{{end}}</div>
<div class="input">{{.InputMessage}}</div>
{{range .Rendered}}
<div class="response">
{{.HTML}}
<div class="meta">{{.ModelUsed}} &middot; energy {{printf "%.1f" .EnergyLevel}}{{if .IsApprovalRequest}} &middot; approval: {{.Status}}{{end}}</div>
</div>
{{end}}
</div>
{{end}}`))

type dashboardResponse struct {
	convo.Response
	HTML template.HTML
}

type dashboardConvo struct {
	*convo.Conversation
	Rendered []dashboardResponse
}

type dashboardData struct {
	Energy struct {
		Level      float64
		Percentage int
		Status     energy.Status
	}
	Stats     convo.Stats
	Open      []dashboardConvo
	Completed []dashboardConvo
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	var data dashboardData
	data.Energy.Level = s.energy.Current()
	data.Energy.Percentage = s.energy.Percentage()
	data.Energy.Status = s.energy.Status()
	data.Stats = s.store.Stats()
	data.Open = renderConvos(s.store.RecentOpen(dashboardLimit))
	data.Completed = renderConvos(s.store.RecentCompleted(dashboardLimit))

	var buf bytes.Buffer
	if err := dashboardTmpl.Execute(&buf, data); err != nil {
		s.logger.Error("dashboard render failed", "error", err)
		s.errorJSON(w, http.StatusInternalServerError, "dashboard render failed")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write(buf.Bytes())
}

func renderConvos(list []*convo.Conversation) []dashboardConvo {
	out := make([]dashboardConvo, 0, len(list))
	for _, c := range list {
		dc := dashboardConvo{Conversation: c}
		for _, resp := range c.Responses {
			var buf bytes.Buffer
			if err := markdown.Convert([]byte(resp.Content), &buf); err != nil {
				buf.Reset()
				buf.WriteString(template.HTMLEscapeString(resp.Content))
			}
			dc.Rendered = append(dc.Rendered, dashboardResponse{
				Response: resp,
				HTML:     template.HTML(buf.String()),
			})
		}
		out = append(out, dc)
	}
	return out
}
