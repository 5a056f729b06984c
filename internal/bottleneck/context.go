package bottleneck

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/plogdev/plog-backend/internal/models"
)

const timelineStep = time.Minute

// GenerateAIAnalysisContext renders the merged problem set as the Markdown
// report handed to the LLM: a timeline snapshot, per-problem sections ordered
// worst-first, and a closing instruction block.
func (d *Detector) GenerateAIAnalysisContext(problems []models.PerformanceProblem) string {
	var b strings.Builder
	b.WriteString("# 부하 테스트 병목 분석 컨텍스트\n\n")

	if len(problems) == 0 {
		b.WriteString("감지된 병목 현상이 없습니다. 전체 구간에서 지표가 안정적이었습니다.\n\n")
		b.WriteString(analysisTrailer)
		return b.String()
	}

	b.WriteString("## 타임라인\n\n")
	b.WriteString(d.renderTimeline(problems))
	b.WriteString("\n")

	ordered := make([]models.PerformanceProblem, len(problems))
	copy(ordered, problems)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].Severity.Rank() != ordered[j].Severity.Rank() {
			return ordered[i].Severity.Rank() > ordered[j].Severity.Rank()
		}
		return ordered[i].StartedAt.Before(ordered[j].StartedAt)
	})

	b.WriteString("## 감지된 문제\n\n")
	for i, p := range ordered {
		b.WriteString(fmt.Sprintf("### %d. %s %s (%s)\n\n",
			i+1, severityIcon(p.Severity), problemTitle(p.Type), p.Severity))
		b.WriteString(fmt.Sprintf("- 구간: %s ~ %s (%.0f초)\n",
			p.StartedAt.In(d.loc).Format("15:04:05"),
			p.EndedAt.In(d.loc).Format("15:04:05"),
			p.DurationSeconds))
		b.WriteString(fmt.Sprintf("- 신뢰도: %.0f%%\n", p.Confidence*100))
		b.WriteString(fmt.Sprintf("- 원인: %s\n", p.RootCause))
		for _, ev := range p.Evidence {
			b.WriteString(fmt.Sprintf("- 근거: %s\n", ev))
		}
		b.WriteString("\n")
		b.WriteString(p.AIPromptContext)
		b.WriteString("\n\n")
	}

	b.WriteString(analysisTrailer)
	return b.String()
}

// renderTimeline emits one line per minute of the incident span, marking
// which problems were active at that instant.
func (d *Detector) renderTimeline(problems []models.PerformanceProblem) string {
	start := problems[0].StartedAt
	end := problems[0].EndedAt
	for _, p := range problems[1:] {
		if p.StartedAt.Before(start) {
			start = p.StartedAt
		}
		if p.EndedAt.After(end) {
			end = p.EndedAt
		}
	}

	var b strings.Builder
	for ts := start; !ts.After(end); ts = ts.Add(timelineStep) {
		var active []string
		for _, p := range problems {
			if !ts.Before(p.StartedAt) && !ts.After(p.EndedAt) {
				active = append(active, severityIcon(p.Severity)+" "+problemTitle(p.Type))
			}
		}
		line := "정상"
		if len(active) > 0 {
			line = strings.Join(active, ", ")
		}
		b.WriteString(fmt.Sprintf("- %s: %s\n", ts.In(d.loc).Format("15:04:05"), line))
	}
	return b.String()
}

func severityIcon(s models.ProblemSeverity) string {
	switch s {
	case models.SeverityCritical:
		return "🔥"
	case models.SeverityWarning:
		return "⚠️"
	default:
		return "ℹ️"
	}
}

func problemTitle(t models.ProblemType) string {
	switch t {
	case models.ProblemResponseTimeSpike:
		return "응답시간 급증"
	case models.ProblemVUsTPSMismatch:
		return "처리량 포화"
	case models.ProblemCPUOverload:
		return "CPU 과부하"
	case models.ProblemMemoryExhaustion:
		return "메모리 고갈"
	case models.ProblemErrorRateSurge:
		return "에러율 급증"
	case models.ProblemOutOfMemoryKill:
		return "OOM 킬 추정"
	default:
		return string(t)
	}
}

const analysisTrailer = `## 종합 분석 요청

위 데이터를 바탕으로 다음 순서로 분석해 주세요.

1. 타임라인 관점에서 문제 발생 순서와 전개를 설명
2. 문제 간의 인과 관계 및 상호 작용 분석
3. 해결 우선순위 제시
4. 각 문제에 대한 구체적인 개선 방안
5. 재발 방지를 위한 예방 조치 제안
`
