package storage

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ExportMarkdown renders a job, its files and its outcome as a markdown document.
func ExportMarkdown(j *Job) string {
	var b strings.Builder

	title := j.Name
	if title == "" {
		title = "Job " + j.ID
	}
	b.WriteString(fmt.Sprintf("# %s\n\n", title))
	b.WriteString(fmt.Sprintf("- **Job:** %s\n", j.ID))
	b.WriteString(fmt.Sprintf("- **Status:** %s\n", j.Status))
	b.WriteString(fmt.Sprintf("- **Created:** %s\n", j.CreatedAt.Format("2006-01-02 15:04:05")))
	if j.FinishedAt != nil {
		b.WriteString(fmt.Sprintf("- **Finished:** %s\n", j.FinishedAt.Format("2006-01-02 15:04:05")))
	}
	b.WriteString("\n---\n\n")

	b.WriteString("## Files\n\n")
	for _, name := range j.Files.Names() {
		b.WriteString(fmt.Sprintf("### %s\n\n```%s\n%s\n```\n\n", name, fenceLang(name), j.Files[name]))
	}

	if j.Error != "" {
		b.WriteString(fmt.Sprintf("## Error\n\n%s\n\n", j.Error))
	}

	if o := j.Outcome; o != nil {
		b.WriteString("## Outcome\n\n")
		b.WriteString(fmt.Sprintf("- **Kind:** %s\n", o.Kind))
		if o.StatusCode != 0 {
			b.WriteString(fmt.Sprintf("- **HTTP status:** %d\n", o.StatusCode))
		}
		if o.Message != "" {
			b.WriteString(fmt.Sprintf("- **Message:** %s\n", o.Message))
		}
		b.WriteString(fmt.Sprintf("- **Attempts:** %d\n", o.Attempts))
		b.WriteString(fmt.Sprintf("- **Duration:** %s\n\n", o.Duration))

		body := o.Payload
		if len(body) == 0 {
			body = o.Body
		}
		if len(body) > 0 {
			b.WriteString(fmt.Sprintf("```json\n%s\n```\n", indentJSON(body)))
		}
	}

	return b.String()
}

// ExportJSON renders a job as formatted JSON.
func ExportJSON(j *Job) ([]byte, error) {
	return json.MarshalIndent(j, "", "  ")
}

func fenceLang(name string) string {
	switch {
	case strings.HasSuffix(name, ".py"):
		return "python"
	case strings.HasSuffix(name, ".js"):
		return "javascript"
	case strings.HasSuffix(name, ".json"):
		return "json"
	default:
		return ""
	}
}

func indentJSON(raw []byte) string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return string(raw)
	}
	return string(out)
}
