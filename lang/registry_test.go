package lang

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRegistry_LoadsBuiltinTemplates(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)

	out, err := reg.Render(TemplateClarification, English, ClarificationData{Query: "quantum computing", Language: "en"})
	require.NoError(t, err)
	assert.Contains(t, out, "quantum computing")
}

func TestNewRegistry_RendersKorean(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)

	out, err := reg.Render(TemplateResearchBrief, Korean, ResearchBriefData{Query: "AI 동향", ClarifiedGoal: "최신 AI 기술 동향 파악"})
	require.NoError(t, err)
	assert.Contains(t, out, "AI 동향")
}

func TestNewRegistry_RejectsUnknownPlaceholder(t *testing.T) {
	_, err := NewRegistry(map[TemplateID]map[Language]string{
		TemplateCompression: {
			English: "Summaries: {{.Summaries}} unknown: {{.NotAField}}",
		},
	})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "unknown placeholder"))
}

func TestRender_UnconfiguredLanguageFallsBackToEnglish(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)

	out, err := reg.Render(TemplateSupervisor, Language("es"), SupervisorData{Brief: "b", Iteration: 1, MaxIterations: 4})
	require.NoError(t, err)
	assert.Contains(t, out, "Research brief: b")
}

func TestRender_UnknownTemplateID(t *testing.T) {
	reg, err := NewRegistry(nil)
	require.NoError(t, err)
	_, err = reg.Render(TemplateID("does_not_exist"), English, struct{}{})
	assert.Error(t, err)
}
