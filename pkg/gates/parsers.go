package gates

import (
	"bufio"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/devloop/devloop/pkg/policy"
)

var (
	textLineRe = regexp.MustCompile(`^(?:\./)?([^\s:#][^:]*):(\d+)(?::(\d+))?:\s*(.+)$`)

	eslintRe  = regexp.MustCompile(`\[(Error|Warning)/([^\]]+)\]\s*$`)
	rubocopRe = regexp.MustCompile(`^([CWEFR]):\s+(?:\[Correctable\]\s+)?([A-Za-z]+/[A-Za-z0-9]+):`)
	pylintRe  = regexp.MustCompile(`^\[([CRWEFI])(\d{4})`)
	banditRe  = regexp.MustCompile(`^\[(LOW|MEDIUM|HIGH|UNDEFINED)\]\s+(B\d+)`)
	trailerRe = regexp.MustCompile(`\(([A-Za-z][\w-]*)\)\s*$`)
)

// ParseText extracts findings from "file:line[:col]: message" lines. Lines
// that do not match are ignored. Severity and rule id are inferred from the
// common eslint, rubocop, pylint, bandit and staticcheck message shapes.
func ParseText(output string) []policy.Finding {
	findings := []policy.Finding{}
	scanner := bufio.NewScanner(strings.NewReader(output))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		m := textLineRe.FindStringSubmatch(strings.TrimRight(scanner.Text(), "\r"))
		if m == nil {
			continue
		}
		line, _ := strconv.Atoi(m[2])
		msg := strings.TrimSpace(m[4])
		severity, rule := inferSeverity(msg)
		findings = append(findings, policy.Finding{
			RuleID:   rule,
			Severity: severity,
			Message:  msg,
			File:     m[1],
			Line:     line,
		})
	}
	return findings
}

func inferSeverity(msg string) (severity, rule string) {
	if m := eslintRe.FindStringSubmatch(msg); m != nil {
		return strings.ToLower(m[1]), m[2]
	}
	if m := rubocopRe.FindStringSubmatch(msg); m != nil {
		return letterSeverity(m[1]), m[2]
	}
	if m := pylintRe.FindStringSubmatch(msg); m != nil {
		return letterSeverity(m[1]), m[1] + m[2]
	}
	if m := banditRe.FindStringSubmatch(msg); m != nil {
		switch m[1] {
		case "HIGH":
			return "error", m[2]
		case "MEDIUM":
			return "warning", m[2]
		default:
			return "info", m[2]
		}
	}
	if m := trailerRe.FindStringSubmatch(msg); m != nil {
		return "", m[1]
	}
	return "", ""
}

func letterSeverity(letter string) string {
	switch letter {
	case "E", "F":
		return "error"
	case "I":
		return "info"
	default:
		return "warning"
	}
}

type sarifLog struct {
	Runs []sarifRun `json:"runs"`
}

type sarifRun struct {
	Tool struct {
		Driver struct {
			Name  string      `json:"name"`
			Rules []sarifRule `json:"rules"`
		} `json:"driver"`
	} `json:"tool"`
	Results []sarifResult `json:"results"`
}

type sarifRule struct {
	ID                   string                 `json:"id"`
	Properties           map[string]interface{} `json:"properties"`
	DefaultConfiguration struct {
		Level string `json:"level"`
	} `json:"defaultConfiguration"`
}

type sarifResult struct {
	RuleID  string `json:"ruleId"`
	Level   string `json:"level"`
	Message struct {
		Text string `json:"text"`
	} `json:"message"`
	Locations []struct {
		PhysicalLocation struct {
			ArtifactLocation struct {
				URI string `json:"uri"`
			} `json:"artifactLocation"`
			Region struct {
				StartLine int `json:"startLine"`
			} `json:"region"`
		} `json:"physicalLocation"`
	} `json:"locations"`
	Properties map[string]interface{} `json:"properties"`
}

// ParseSARIF extracts findings from a SARIF log. The CVSS score is taken from
// the "security-severity" property of the result or its rule.
func ParseSARIF(output string) ([]policy.Finding, error) {
	findings := []policy.Finding{}
	if strings.TrimSpace(output) == "" {
		return findings, nil
	}

	var log sarifLog
	if err := json.Unmarshal([]byte(output), &log); err != nil {
		return findings, fmt.Errorf("failed to parse SARIF output: %w", err)
	}

	for _, run := range log.Runs {
		rules := make(map[string]sarifRule, len(run.Tool.Driver.Rules))
		for _, r := range run.Tool.Driver.Rules {
			rules[r.ID] = r
		}

		for _, res := range run.Results {
			rule := rules[res.RuleID]
			level := res.Level
			if level == "" {
				level = rule.DefaultConfiguration.Level
			}

			f := policy.Finding{
				RuleID:   res.RuleID,
				Severity: sarifSeverity(level),
				Message:  res.Message.Text,
			}
			if score, ok := securitySeverity(res.Properties); ok {
				f.CVSS = score
			} else if score, ok := securitySeverity(rule.Properties); ok {
				f.CVSS = score
			}
			if len(res.Locations) > 0 {
				loc := res.Locations[0].PhysicalLocation
				f.File = loc.ArtifactLocation.URI
				f.Line = loc.Region.StartLine
			}
			findings = append(findings, f)
		}
	}
	return findings, nil
}

func sarifSeverity(level string) string {
	switch level {
	case "error":
		return "error"
	case "note", "none":
		return "info"
	default:
		return "warning"
	}
}

func securitySeverity(props map[string]interface{}) (float64, bool) {
	v, ok := props["security-severity"]
	if !ok {
		return 0, false
	}
	switch s := v.(type) {
	case float64:
		return s, true
	case string:
		f, err := strconv.ParseFloat(s, 64)
		return f, err == nil
	}
	return 0, false
}

type npmAuditReport struct {
	Vulnerabilities map[string]struct {
		Name     string            `json:"name"`
		Severity string            `json:"severity"`
		Range    string            `json:"range"`
		Via      []json.RawMessage `json:"via"`
	} `json:"vulnerabilities"`
	Error *struct {
		Code    string `json:"code"`
		Summary string `json:"summary"`
	} `json:"error"`
}

type npmAdvisory struct {
	Source interface{} `json:"source"`
	Title  string      `json:"title"`
	URL    string      `json:"url"`
	CVSS   struct {
		Score float64 `json:"score"`
	} `json:"cvss"`
}

// ParseNPMAudit extracts one finding per vulnerable package from
// `npm audit --json` (npm 7+). The CVSS score is the highest of the package's
// direct advisories.
func ParseNPMAudit(output string) ([]policy.Finding, error) {
	findings := []policy.Finding{}
	if strings.TrimSpace(output) == "" {
		return findings, nil
	}

	var report npmAuditReport
	if err := json.Unmarshal([]byte(output), &report); err != nil {
		return findings, fmt.Errorf("failed to parse npm audit output: %w", err)
	}
	if report.Error != nil {
		return findings, fmt.Errorf("npm audit failed: %s: %s", report.Error.Code, report.Error.Summary)
	}

	names := make([]string, 0, len(report.Vulnerabilities))
	for name := range report.Vulnerabilities {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		vuln := report.Vulnerabilities[name]
		f := policy.Finding{
			Package:  name,
			Severity: strings.ToLower(vuln.Severity),
			Message:  fmt.Sprintf("vulnerable dependency %s %s", name, vuln.Range),
		}
		for _, raw := range vuln.Via {
			var adv npmAdvisory
			// String entries name another vulnerable package.
			if err := json.Unmarshal(raw, &adv); err != nil {
				continue
			}
			if adv.CVSS.Score > f.CVSS {
				f.CVSS = adv.CVSS.Score
			}
			if f.RuleID == "" && adv.URL != "" {
				f.RuleID = adv.URL[strings.LastIndex(adv.URL, "/")+1:]
				f.Message = adv.Title
			}
		}
		findings = append(findings, f)
	}
	return findings, nil
}
