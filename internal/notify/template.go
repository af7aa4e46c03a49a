package notify

import (
	"embed"
	"regexp"
	"strings"
)

//go:embed templates/*.html
var templatesFS embed.FS

// Template names accepted by EmailSender.Send.
const (
	TemplateEntitlement = "entitlement.html"
	TemplateAccount     = "account.html"
)

var placeholderPattern = regexp.MustCompile(`\{\{.*?\}\}`)

// Render substitutes `{{ key }}` placeholders with the given values and
// strips any placeholder left unfilled.
func Render(template string, params map[string]string) string {
	out := template
	for key, value := range params {
		out = strings.ReplaceAll(out, "{{ "+key+" }}", value)
	}
	return placeholderPattern.ReplaceAllString(out, "")
}

func loadTemplate(name string) (string, error) {
	data, err := templatesFS.ReadFile("templates/" + name)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
