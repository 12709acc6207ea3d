package core

import (
	"regexp"
	"strconv"
	"strings"
)

// Strategy parsing is deliberately lenient: models decorate their plans
// with markdown in unpredictable ways, and a malformed plan must never
// abort an analysis run. Anything unrecognized is skipped.

var (
	stepLineRe = regexp.MustCompile(`^\s*(\d+)\.\s+(.*)`)

	// section markers, with or without bullets and bold
	paramsMarkerRe  = regexp.MustCompile(`(?i)^\s*[-*]*\s*\**\s*Parameters\s*\**\s*:\s*(.*)`)
	infoMarkerRe    = regexp.MustCompile(`(?i)^\s*[-*]*\s*\**\s*Information Obtained\s*\**\s*:\s*(.*)`)
	contribMarkerRe = regexp.MustCompile(`(?i)^\s*[-*]*\s*\**\s*Contribution\s*\**\s*:\s*(.*)`)

	bulletRe = regexp.MustCompile(`^\s*[-*]\s+(.*)`)

	toolHintRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)Use (?:the )?(\w+)`),
		regexp.MustCompile(`(?i)(\w+) tool`),
		regexp.MustCompile(`(?i)(\w+) function`),
		regexp.MustCompile(`(?i)call (\w+)`),
		regexp.MustCompile(`(?i)execute (\w+)`),
	}
)

type planSection int

const (
	sectionNone planSection = iota
	sectionParameters
	sectionInformation
	sectionContribution
)

// ParseStrategySteps extracts numbered plan steps from model-written
// markdown. Preamble before the first numbered line is discarded, step
// order follows the source text and the result may be empty. It never
// fails.
func ParseStrategySteps(text string) []PlanStep {
	var steps []PlanStep
	var current *PlanStep
	section := sectionNone

	for _, line := range strings.Split(text, "\n") {
		if m := stepLineRe.FindStringSubmatch(line); m != nil {
			if current != nil {
				steps = append(steps, finishStep(*current))
			}
			n, _ := strconv.Atoi(m[1])
			current = &PlanStep{Number: n, Description: strings.TrimSpace(m[2])}
			section = sectionNone
			continue
		}
		if current == nil {
			continue // preamble
		}

		if m := paramsMarkerRe.FindStringSubmatch(line); m != nil {
			section = sectionParameters
			if rest := stripDecoration(m[1]); rest != "" {
				current.Parameters = append(current.Parameters, rest)
			}
			continue
		}
		if m := infoMarkerRe.FindStringSubmatch(line); m != nil {
			section = sectionInformation
			current.InformationObtained = appendText(current.InformationObtained, stripDecoration(m[1]))
			continue
		}
		if m := contribMarkerRe.FindStringSubmatch(line); m != nil {
			section = sectionContribution
			current.Contribution = appendText(current.Contribution, stripDecoration(m[1]))
			continue
		}

		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		switch section {
		case sectionParameters:
			if m := bulletRe.FindStringSubmatch(line); m != nil {
				current.Parameters = append(current.Parameters, strings.TrimSpace(m[1]))
			} else {
				current.Parameters = append(current.Parameters, trimmed)
			}
		case sectionInformation:
			current.InformationObtained = appendText(current.InformationObtained, trimmed)
		case sectionContribution:
			current.Contribution = appendText(current.Contribution, trimmed)
		default:
			current.Description = appendText(current.Description, trimmed)
		}
	}
	if current != nil {
		steps = append(steps, finishStep(*current))
	}
	return steps
}

func finishStep(s PlanStep) PlanStep {
	s.ToolHint = extractToolHint(s)
	return s
}

// extractToolHint scans the step text for a tool mention
func extractToolHint(s PlanStep) string {
	text := s.Description
	for _, p := range s.Parameters {
		text += "\n" + p
	}
	for _, re := range toolHintRes {
		if m := re.FindStringSubmatch(text); m != nil {
			return strings.ToLower(m[1])
		}
	}
	return ""
}

// stripDecoration removes leftover markdown emphasis around marker text
func stripDecoration(s string) string {
	return strings.TrimSpace(strings.Trim(strings.TrimSpace(s), "*"))
}

func appendText(existing, addition string) string {
	addition = strings.TrimSpace(addition)
	if addition == "" {
		return existing
	}
	if existing == "" {
		return addition
	}
	return existing + " " + addition
}
