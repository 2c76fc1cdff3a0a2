package diff

import (
	"strings"

	"github.com/fatih/color"
)

var (
	headerColor  = color.New(color.Faint)
	removedColor = color.New(color.FgRed)
	addedColor   = color.New(color.FgGreen)
)

// Pretty colours a unified diff for a terminal. A single removed line
// followed by a single added line is shown with the changed characters in
// bold.
func Pretty(unified string) string {
	if unified == "" {
		return ""
	}

	lines := strings.Split(strings.TrimSuffix(unified, "\n"), "\n")
	var b strings.Builder
	for i := 0; i < len(lines); i++ {
		line := lines[i]
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "@@"):
			b.WriteString(headerColor.Sprint(line))
		case strings.HasPrefix(line, "-") && pairedChange(lines, i):
			before, after := line[1:], lines[i+1][1:]
			b.WriteString(highlight(removedColor, "-", Inline(before, after), Delete))
			b.WriteByte('\n')
			b.WriteString(highlight(addedColor, "+", Inline(before, after), Insert))
			i++
		case strings.HasPrefix(line, "-"):
			b.WriteString(removedColor.Sprint(line))
		case strings.HasPrefix(line, "+"):
			b.WriteString(addedColor.Sprint(line))
		default:
			b.WriteString(line)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

// pairedChange reports whether lines[i] is a lone removal followed by a lone
// addition.
func pairedChange(lines []string, i int) bool {
	if i+1 >= len(lines) || !strings.HasPrefix(lines[i+1], "+") {
		return false
	}
	if i > 0 && strings.HasPrefix(lines[i-1], "-") && !strings.HasPrefix(lines[i-1], "---") {
		return false
	}
	return i+2 >= len(lines) || !strings.HasPrefix(lines[i+2], "+")
}

func highlight(c *color.Color, prefix string, changes []Change, keep int) string {
	bold := color.New(color.Bold)
	var b strings.Builder
	b.WriteString(c.Sprint(prefix))
	for _, ch := range changes {
		switch ch.Op {
		case Equal:
			b.WriteString(c.Sprint(ch.Text))
		case keep:
			b.WriteString(bold.Sprint(c.Sprint(ch.Text)))
		}
	}
	return b.String()
}
