package lang

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/deepresearch/orchestrator/research"
)

// zeroData returns the zero value of the Data type a template is rendered
// against, used both to validate unknown placeholders at load and as the
// type the caller must pass to Render.
func zeroData(id TemplateID) (any, error) {
	switch id {
	case TemplateClarification:
		return ClarificationData{}, nil
	case TemplateResearchBrief:
		return ResearchBriefData{}, nil
	case TemplateSupervisor:
		return SupervisorData{}, nil
	case TemplateResearcher:
		return ResearcherData{}, nil
	case TemplateCompression:
		return CompressionData{}, nil
	case TemplateFinalReport:
		return FinalReportData{}, nil
	default:
		return nil, fmt.Errorf("unknown template id %q", id)
	}
}

// Registry resolves a validated prompt template by id and language.
type Registry struct {
	templates map[TemplateID]map[Language]*template.Template
}

// NewRegistry builds a Registry from the built-in ko/en templates,
// optionally overridden by overrides (same shape, only the languages
// supplied are replaced). Every template is parsed and dry-run rendered
// against the zero value of its placeholder struct; a template that
// references a field not declared in that struct is a fatal config error.
func NewRegistry(overrides map[TemplateID]map[Language]string) (*Registry, error) {
	texts := defaultTemplates()
	for id, byLang := range overrides {
		if texts[id] == nil {
			texts[id] = make(map[Language]string, len(byLang))
		}
		for language, text := range byLang {
			texts[id][language] = text
		}
	}

	r := &Registry{templates: make(map[TemplateID]map[Language]*template.Template, len(texts))}
	for id, byLang := range texts {
		data, err := zeroData(id)
		if err != nil {
			return nil, err
		}
		r.templates[id] = make(map[Language]*template.Template, len(byLang))
		for language, text := range byLang {
			tmpl, err := template.New(string(id)+"."+string(language)).Option("missingkey=error").Parse(text)
			if err != nil {
				return nil, fmt.Errorf("template %s/%s: parse: %w", id, language, err)
			}
			var sb strings.Builder
			if err := tmpl.Execute(&sb, data); err != nil {
				return nil, fmt.Errorf("template %s/%s: references unknown placeholder: %w", id, language, err)
			}
			r.templates[id][language] = tmpl
		}
	}
	return r, nil
}

// Render resolves template id for language and executes it against data,
// which must be the TemplateID's declared Data struct (e.g.
// ResearcherData for TemplateResearcher).
func (r *Registry) Render(id TemplateID, language Language, data any) (string, error) {
	byLang, ok := r.templates[id]
	if !ok {
		return "", research.NewError(research.ErrInternal, fmt.Sprintf("no template registered for %q", id))
	}
	tmpl, ok := byLang[language]
	if !ok {
		tmpl, ok = byLang[English]
		if !ok {
			return "", research.NewError(research.ErrInternal, fmt.Sprintf("template %q has no %s or fallback en variant", id, language))
		}
	}
	var sb strings.Builder
	if err := tmpl.Execute(&sb, data); err != nil {
		return "", research.NewError(research.ErrInternal, fmt.Sprintf("render template %q: %v", id, err))
	}
	return sb.String(), nil
}
