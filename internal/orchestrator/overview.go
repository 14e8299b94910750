package orchestrator

import (
	"fmt"
	"path"
	"strings"

	"github.com/iambrandonn/autodev/internal/workspace"
)

// OverviewFile is the summary document written at the project root when a
// task completes
const OverviewFile = "OVERVIEW.md"

func overview(r *run) (string, error) {
	tree, err := r.project.Tree()
	if err != nil {
		return "", err
	}

	p := r.profile
	mainFile, ok := r.project.FindSource(p.Extension)
	if !ok {
		mainFile = path.Join(workspace.DirSource, p.MainFile)
	}

	var b strings.Builder
	b.WriteString("# Project Overview\n\n")

	b.WriteString("## Task\n\n")
	b.WriteString(strings.TrimSpace(r.prompt))
	b.WriteString("\n\n")

	fmt.Fprintf(&b, "## Language\n\n%s\n\n", p.Name)

	b.WriteString("## Layout\n\n```\n")
	b.WriteString(tree)
	b.WriteString("```\n\n")

	b.WriteString("## Dependencies\n\n")
	if len(r.deps) == 0 {
		b.WriteString("None\n\n")
	} else {
		for _, d := range r.deps {
			fmt.Fprintf(&b, "- %s\n", d)
		}
		b.WriteString("\n")
	}

	b.WriteString("## Getting Started\n\n")
	if len(r.deps) > 0 {
		if argv := p.InstallCommand(strings.Join(r.deps, " ")); len(argv) > 0 {
			fmt.Fprintf(&b, "Install dependencies:\n\n```\n%s\n```\n\n", strings.Join(argv, " "))
		}
	}
	if argv := p.RunCommand(mainFile); len(argv) > 0 {
		fmt.Fprintf(&b, "Run:\n\n```\n%s\n```\n\n", strings.Join(argv, " "))
	}
	if argv := p.TestCommand(workspace.DirTests); len(argv) > 0 {
		fmt.Fprintf(&b, "Test:\n\n```\n%s\n```\n", strings.Join(argv, " "))
	}

	return b.String(), nil
}
