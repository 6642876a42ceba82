// ABOUTME: Renders a thread transcript to a standalone HTML document
// ABOUTME: Message text is escaped so it is shown verbatim, never interpreted as markdown

package export

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/yuin/goldmark"

	"github.com/2389/coven-messaging/internal/store"
)

var documentTemplate = template.Must(template.New("export").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>{{.Title}}</title>
</head>
<body>
{{.Body}}
</body>
</html>
`))

// escapeMarkdown backslash-escapes every ASCII punctuation character so the
// text renders literally. Blank lines are dropped and the remaining lines
// are joined with hard line breaks.
func escapeMarkdown(s string) string {
	var lines []string
	for _, line := range strings.Split(strings.ReplaceAll(s, "\r\n", "\n"), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		var b strings.Builder
		for _, r := range line {
			if r < 128 && strings.ContainsRune("!\"#$%&'()*+,-./:;<=>?@[\\]^_`{|}~", r) {
				b.WriteByte('\\')
			}
			b.WriteRune(r)
		}
		lines = append(lines, b.String())
	}
	return strings.Join(lines, "\\\n")
}

func formatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02 15:04 MST")
}

// renderMarkdown builds the transcript. messages must be oldest first.
func renderMarkdown(thread *store.Thread, messages []*store.Message, exportedAt time.Time) string {
	var b strings.Builder

	subject := thread.Subject
	if strings.TrimSpace(subject) == "" {
		subject = "Untitled conversation"
	}
	fmt.Fprintf(&b, "# %s\n\n", escapeMarkdown(subject))

	participants := make([]string, len(thread.Participants))
	for i, p := range thread.Participants {
		participants[i] = escapeMarkdown(p)
	}
	fmt.Fprintf(&b, "- Participants: %s\n", strings.Join(participants, ", "))
	fmt.Fprintf(&b, "- Retention: %s\n", thread.RetentionPolicy)
	fmt.Fprintf(&b, "- Messages: %s\n", humanize.Comma(int64(len(messages))))
	if len(messages) > 1 {
		span := humanize.RelTime(messages[0].CreatedAt, messages[len(messages)-1].CreatedAt, "", "")
		fmt.Fprintf(&b, "- Span: %s\n", strings.TrimSpace(span))
	}
	fmt.Fprintf(&b, "- Exported: %s\n", formatTime(exportedAt))

	for _, m := range messages {
		b.WriteString("\n---\n\n")
		fmt.Fprintf(&b, "**%s** *%s*", escapeMarkdown(m.SenderID), formatTime(m.CreatedAt))
		if m.EditedAt != nil {
			b.WriteString(" *(edited)*")
		}
		b.WriteString("\n\n")
		if text := escapeMarkdown(m.Content); text != "" {
			b.WriteString(text)
			b.WriteString("\n")
		}
		if len(m.Attachments) > 0 {
			b.WriteString("\n")
			for _, a := range m.Attachments {
				fmt.Fprintf(&b, "- Attachment: %s (%s, %s)\n",
					escapeMarkdown(a.Name), humanize.Bytes(uint64(max(a.Size, 0))), a.ScanStatus)
			}
		}
	}
	return b.String()
}

// Render converts the transcript to an HTML document.
func Render(thread *store.Thread, messages []*store.Message, exportedAt time.Time) ([]byte, error) {
	md := renderMarkdown(thread, messages, exportedAt)

	var body bytes.Buffer
	if err := goldmark.Convert([]byte(md), &body); err != nil {
		return nil, fmt.Errorf("converting transcript: %w", err)
	}

	title := thread.Subject
	if strings.TrimSpace(title) == "" {
		title = "Conversation " + thread.ID
	}

	var out bytes.Buffer
	err := documentTemplate.Execute(&out, struct {
		Title string
		Body  template.HTML
	}{
		Title: title,
		Body:  template.HTML(body.String()),
	})
	if err != nil {
		return nil, fmt.Errorf("rendering export document: %w", err)
	}
	return out.Bytes(), nil
}
