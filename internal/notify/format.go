package notify

import (
	"fmt"
	"strings"

	"github.com/nidhogg/nuka-memory/internal/health"
)

var severityIcon = map[health.Severity]string{
	health.SeverityWarning:  ":warning:",
	health.SeverityCritical: ":rotating_light:",
}

// FormatReport renders a health report as chat markdown.
func FormatReport(source string, rep *health.Report) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s memory health: %s*", source, rep.Status)
	if rep.Error != "" {
		fmt.Fprintf(&b, "\ncheck error: %s", rep.Error)
	}
	for _, a := range rep.Alerts {
		fmt.Fprintf(&b, "\n%s %s: %s", severityIcon[a.Severity], a.Metric, a.Message)
		if len(a.Suggestions) > 0 {
			fmt.Fprintf(&b, "\n    try: %s", strings.Join(a.Suggestions, "; "))
		}
	}
	return b.String()
}
