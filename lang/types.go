// Package lang implements the C3 Language & Prompt Registry: majority-
// character language detection and per-stage, per-language prompt template
// resolution. Every template is validated against its declared placeholder
// set at registry construction time, so a malformed template fails fast at
// startup rather than mid-session.
package lang

import "github.com/deepresearch/orchestrator/research"

// TemplateID identifies one of the six prompt templates the workflow
// engine consumes, one per generative stage transition.
type TemplateID string

const (
	TemplateClarification TemplateID = "clarification"
	TemplateResearchBrief TemplateID = "research_brief"
	TemplateSupervisor    TemplateID = "supervisor"
	TemplateResearcher    TemplateID = "researcher"
	TemplateCompression   TemplateID = "compression"
	TemplateFinalReport   TemplateID = "final_report"
)

// Language is re-exported from research to keep this package's public
// surface self-contained for callers that only need detection + prompts.
type Language = research.Language

const (
	Korean  = research.LanguageKorean
	English = research.LanguageEnglish
)
