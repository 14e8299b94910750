package agent

import (
	"context"
	"regexp"
)

// Callbacks receive progress from an agent run. They are called
// synchronously from the goroutine executing Run.
type Callbacks interface {
	OnThink(thought string)
	OnToolExecute(tool, input string)
	OnAction(action string)
	OnRun(step int, result string)
}

// NopCallbacks discards all progress
type NopCallbacks struct{}

func (NopCallbacks) OnThink(string) {}
func (NopCallbacks) OnToolExecute(string, string) {}
func (NopCallbacks) OnAction(string) {}
func (NopCallbacks) OnRun(int, string) {}

// Agent carries out a free-form instruction
type Agent interface {
	Name() string
	Run(ctx context.Context, instruction string, cb Callbacks) (string, error)
}

// Kind names a specialization of agent
type Kind string

const (
	KindGeneral  Kind = "general"
	KindCoding   Kind = "coding"
	KindBrowsing Kind = "browsing"
	KindPlanning Kind = "planning"
)

// families are checked in priority order; the first match wins
var families = []struct {
	kind    Kind
	pattern *regexp.Regexp
}{
	{KindCoding, regexp.MustCompile(`(?i)\b(code|coding|program|programs|script|scripts|function|functions|implement|debug|refactor|compile|class|api|app|application|bug|python|javascript|typescript|golang|ruby)\b`)},
	{KindBrowsing, regexp.MustCompile(`(?i)\b(browse|browser|website|web\s*page|webpage|url|search|scrape|crawl|online|internet|google)\b`)},
	{KindPlanning, regexp.MustCompile(`(?i)\b(plan|planning|schedule|organize|organise|roadmap|strategy|steps|itinerary|outline)\b`)},
}

// SelectKind picks the agent specialization for a prompt
func SelectKind(prompt string) Kind {
	for _, f := range families {
		if f.pattern.MatchString(prompt) {
			return f.kind
		}
	}
	return KindGeneral
}
