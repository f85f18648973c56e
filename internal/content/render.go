package content

import (
	"strings"

	"github.com/osteele/liquid"

	"outreach-scheduler/internal/models"
)

// Renderer substitutes lead tokens into message content.
//
// Supported tokens: {{name}}, {{firstName}} (first word of the name, "there" when empty),
// {{company}} and {{subject}} (the campaign's template subject). Content that is not valid
// Liquid, or that names any other variable, falls back to literal replacement of the
// supported tokens and leaves the rest of the text as written.
type Renderer struct {
	engine *liquid.Engine
}

func NewRenderer() *Renderer {
	engine := liquid.NewEngine()
	engine.StrictVariables()
	return &Renderer{engine: engine}
}

// Vars are the substitution values for one lead.
type Vars struct {
	Name      string
	FirstName string
	Company   string
	Subject   string
}

// VarsFor derives substitution values from a lead and the template subject.
func VarsFor(lead models.Lead, templateSubject string) Vars {
	first := "there"
	if fields := strings.Fields(lead.Name); len(fields) > 0 {
		first = fields[0]
	}
	return Vars{
		Name:      lead.Name,
		FirstName: first,
		Company:   lead.Company,
		Subject:   templateSubject,
	}
}

func (v Vars) bindings() map[string]any {
	return map[string]any{
		"name":      v.Name,
		"firstName": v.FirstName,
		"company":   v.Company,
		"subject":   v.Subject,
	}
}

func (v Vars) replacer() *strings.Replacer {
	return strings.NewReplacer(
		"{{name}}", v.Name,
		"{{firstName}}", v.FirstName,
		"{{company}}", v.Company,
		"{{subject}}", v.Subject,
	)
}

// Render applies the vars to subject and body.
func (r *Renderer) Render(c models.Content, v Vars) models.Content {
	return models.Content{
		Subject: r.renderString(c.Subject, v),
		Body:    r.renderString(c.Body, v),
	}
}

func (r *Renderer) renderString(src string, v Vars) string {
	if !strings.Contains(src, "{{") && !strings.Contains(src, "{%") {
		return src
	}
	out, err := r.engine.ParseAndRenderString(src, v.bindings())
	if err != nil {
		return v.replacer().Replace(src)
	}
	return out
}
