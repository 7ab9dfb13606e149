package web

import (
	"bytes"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/yuin/goldmark"

	"github.com/mtzanidakis/agentflow/internal/store"
)

var transcriptTmpl = template.Must(template.New("transcript").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Title}}</title></head>
<body>
<h1>{{.Title}}</h1>
{{range .Messages}}<section class="message {{.Role}}">
<header>{{.Role}} · {{.Time}}</header>
{{.Body}}
</section>
{{else}}<p>No messages.</p>
{{end}}</body>
</html>
`))

const exportLimit = 1000

type transcriptMessage struct {
	Role string
	Time string
	Body template.HTML
}

// exportHistory renders an agent's archived transcript as a standalone
// HTML page. Assistant replies are markdown; everything else is escaped
// as plain text.
func (s *Server) exportHistory(w http.ResponseWriter, r *http.Request) {
	if s.archive == nil {
		jsonError(w, "history archive disabled", http.StatusNotFound)
		return
	}
	agentID, ok := pathInt(w, r, "agentID")
	if !ok {
		return
	}
	msgs, err := s.archive.GetMessages(agentID, exportLimit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	title := "Agent " + strconv.Itoa(agentID)
	if agent, err := s.archive.GetAgent(agentID); err == nil && agent != nil {
		title = agent.Name
	}

	data := struct {
		Title    string
		Messages []transcriptMessage
	}{Title: "Chat with " + title}
	for _, m := range msgs {
		data.Messages = append(data.Messages, transcriptMessage{
			Role: m.Role,
			Time: m.CreatedAt.Format("2006-01-02 15:04:05"),
			Body: renderMessage(m),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := transcriptTmpl.Execute(w, data); err != nil {
		slog.Error("failed to render transcript", "agent_id", agentID, "error", err)
	}
}

func renderMessage(m store.Message) template.HTML {
	if m.Role != "assistant" {
		return template.HTML("<p>" + template.HTMLEscapeString(m.Content) + "</p>")
	}
	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(m.Content), &buf); err != nil {
		slog.Error("failed to convert markdown", "error", err)
		return template.HTML("<p>" + template.HTMLEscapeString(m.Content) + "</p>")
	}
	return template.HTML(buf.String())
}
