package lang

import "testing"

func TestDetect(t *testing.T) {
	cases := []struct {
		name string
		text string
		want Language
	}{
		{"pure english", "Latest trends in quantum computing", English},
		{"pure korean", "AI 기술의 최신 동향", Korean},
		{"mixed mostly korean", "양자 컴퓨팅 quantum 의 최신 동향 연구 개발", Korean},
		{"empty defaults to english", "", English},
		{"numbers and punctuation only", "123 !!! ---", English},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Detect(tc.text); got != tc.want {
				t.Errorf("Detect(%q) = %q, want %q", tc.text, got, tc.want)
			}
		})
	}
}
