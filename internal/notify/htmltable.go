package notify

import (
	"html"
	"strings"

	"github.com/tidwall/gjson"
)

// HTMLTable renders a JSON document as nested HTML tables, preserving the
// document's key order. Used for account notification email bodies.
func HTMLTable(raw []byte) string {
	doc := gjson.ParseBytes(raw)
	if !doc.Exists() {
		return ""
	}
	return renderResult(doc)
}

func renderResult(value gjson.Result) string {
	switch {
	case value.IsObject():
		var b strings.Builder
		b.WriteString(`<table border="1">`)
		value.ForEach(func(key, item gjson.Result) bool {
			b.WriteString("<tr><th>")
			b.WriteString(html.EscapeString(key.String()))
			b.WriteString("</th><td>")
			b.WriteString(renderResult(item))
			b.WriteString("</td></tr>")
			return true
		})
		b.WriteString("</table>")
		return b.String()
	case value.IsArray():
		var b strings.Builder
		b.WriteString("<ul>")
		value.ForEach(func(_, item gjson.Result) bool {
			b.WriteString("<li>")
			b.WriteString(renderResult(item))
			b.WriteString("</li>")
			return true
		})
		b.WriteString("</ul>")
		return b.String()
	default:
		return html.EscapeString(value.String())
	}
}
