package lang

// Each Data type below is the exact placeholder set the engine is allowed
// to feed a given template. Registry validation renders every template
// against the zero value of its Data type at load time; text/template
// errors out referencing a struct field that doesn't exist, so an unknown
// placeholder in a template is caught before the first session ever runs.

// ClarificationData backs the Clarify stage template.
type ClarificationData struct {
	Query    string
	Language string
}

// ResearchBriefData backs the Brief stage template.
type ResearchBriefData struct {
	Query         string
	ClarifiedGoal string
}

// SupervisorData backs the Supervise stage template.
type SupervisorData struct {
	Brief         string
	Summaries     string
	Iteration     int
	MaxIterations int
}

// ResearcherData backs the per-slot research prompt built by the
// Scheduler for each Subtask.
type ResearcherData struct {
	Question    string
	Description string
	Snippets    string
}

// CompressionData backs the Compress stage template.
type CompressionData struct {
	Summaries string
}

// FinalReportData backs the Finalise stage template.
type FinalReportData struct {
	Query      string
	Brief      string
	Compressed string
}

func defaultTemplates() map[TemplateID]map[Language]string {
	return map[TemplateID]map[Language]string{
		TemplateClarification: {
			English: "You are clarifying a research request before planning begins.\n" +
				"Original question: {{.Query}}\n" +
				"Language: {{.Language}}\n" +
				"Restate the user's underlying research goal in one precise sentence, " +
				"resolving ambiguity in the original question. Respond with the goal only.",
			Korean: "연구 계획을 세우기 전에 요청을 명확히 합니다.\n" +
				"원래 질문: {{.Query}}\n" +
				"언어: {{.Language}}\n" +
				"사용자의 근본적인 연구 목표를 한 문장으로 명확하게 다시 서술하세요. " +
				"목표만 답하세요.",
		},
		TemplateResearchBrief: {
			English: "Clarified research goal: {{.ClarifiedGoal}}\n" +
				"Original question: {{.Query}}\n" +
				"Write a short research brief: scope, key angles to investigate, and what a " +
				"complete answer must cover. Three to six sentences.",
			Korean: "명확해진 연구 목표: {{.ClarifiedGoal}}\n" +
				"원래 질문: {{.Query}}\n" +
				"조사 범위, 핵심 관점, 완전한 답변이 다뤄야 할 내용을 짧은 연구 개요로 " +
				"작성하세요. 3~6문장으로 작성하세요.",
		},
		TemplateSupervisor: {
			English: "Research brief: {{.Brief}}\n" +
				"Findings so far (iteration {{.Iteration}} of {{.MaxIterations}}):\n{{.Summaries}}\n" +
				"Propose the next batch of research subtasks needed to fill remaining gaps. " +
				"Respond with ONLY a JSON array, no prose before or after it, where each element " +
				"is {\"question\": \"...\", \"description\": \"...\"}. If the brief is already " +
				"fully covered, respond with an empty JSON array: [].",
			Korean: "연구 개요: {{.Brief}}\n" +
				"지금까지의 결과 ({{.Iteration}}/{{.MaxIterations}} 회차):\n{{.Summaries}}\n" +
				"남은 공백을 채우기 위한 다음 조사 하위 작업들을 제안하세요. 앞뒤에 다른 설명 없이 " +
				"오직 JSON 배열만 응답하세요. 각 항목은 {\"question\": \"...\", \"description\": " +
				"\"...\"} 형식입니다. 개요가 이미 충분히 다뤄졌다면 빈 배열 []을 응답하세요.",
		},
		TemplateResearcher: {
			English: "Research question: {{.Question}}\n" +
				"Context: {{.Description}}\n" +
				"Search result snippets:\n{{.Snippets}}\n" +
				"Summarize what these sources establish about the question. Cite only claims " +
				"the snippets support.",
			Korean: "조사 질문: {{.Question}}\n" +
				"배경: {{.Description}}\n" +
				"검색 결과 스니펫:\n{{.Snippets}}\n" +
				"이 출처들이 질문에 대해 밝히는 내용을 요약하세요. 스니펫이 뒷받침하는 주장만 " +
				"인용하세요.",
		},
		TemplateCompression: {
			English: "Consolidate the following research summaries into a single coherent " +
				"intermediate synthesis, removing redundancy and preserving every distinct " +
				"claim and its source:\n{{.Summaries}}",
			Korean: "다음 조사 요약들을 중복 없이 하나의 일관된 중간 종합 결과로 통합하고, " +
				"각 고유 주장과 그 출처를 보존하세요:\n{{.Summaries}}",
		},
		TemplateFinalReport: {
			English: "Original question: {{.Query}}\n" +
				"Research brief: {{.Brief}}\n" +
				"Consolidated findings: {{.Compressed}}\n" +
				"Write the final research report: a well-structured answer to the original " +
				"question, with inline citations to source URLs where findings are stated.",
			Korean: "원래 질문: {{.Query}}\n" +
				"연구 개요: {{.Brief}}\n" +
				"통합된 결과: {{.Compressed}}\n" +
				"최종 연구 보고서를 작성하세요: 원래 질문에 대한 체계적인 답변을 작성하고, " +
				"결과를 서술할 때 출처 URL을 본문 인용으로 표시하세요.",
		},
	}
}
