package selector

import (
	"strings"
)

// BuildContextString renders a selection as prompt-ready sections:
// preferences, facts, then recent conversation. Sections with no slices
// are omitted. Within a section, slices keep their packed order.
func BuildContextString(slices []Slice) string {
	var prefs, facts, msgs []Slice
	for _, sl := range slices {
		switch sl.Kind {
		case KindPreference:
			prefs = append(prefs, sl)
		case KindMessage:
			msgs = append(msgs, sl)
		default:
			facts = append(facts, sl)
		}
	}

	var b strings.Builder
	writeSection(&b, "User preferences", prefs, func(sl Slice) string {
		return "- " + sl.Text
	})
	writeSection(&b, "Known facts", facts, func(sl Slice) string {
		return "- " + sl.Text
	})
	writeSection(&b, "Recent conversation", msgs, func(sl Slice) string {
		role := sl.Role
		if role == "" {
			role = "user"
		}
		return role + ": " + sl.Text
	})
	return strings.TrimRight(b.String(), "\n")
}

func writeSection(b *strings.Builder, title string, slices []Slice, render func(Slice) string) {
	if len(slices) == 0 {
		return
	}
	if b.Len() > 0 {
		b.WriteString("\n")
	}
	b.WriteString("## " + title + "\n")
	for _, sl := range slices {
		b.WriteString(render(sl) + "\n")
	}
}

// FormatForAPI renders the full result, header included, for callers that
// want a single string to splice into a request.
func FormatForAPI(res *Result) string {
	if res == nil || len(res.Slices) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("# Context for: " + res.Meta.Goal + "\n\n")
	b.WriteString(BuildContextString(res.Slices))
	b.WriteString("\n")
	return b.String()
}
