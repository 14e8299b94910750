package executor

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/iambrandonn/autodev/internal/agent"
	"github.com/iambrandonn/autodev/internal/langs"
	"github.com/iambrandonn/autodev/internal/llm"
	"github.com/iambrandonn/autodev/internal/supervisor"
	"github.com/iambrandonn/autodev/internal/workspace"
)

type dependencyPlan struct {
	Dependencies []string `json:"dependencies"`
	Manifest     string   `json:"manifest"`
}

type generatedFile struct {
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

func (e *Executor) ask(ctx context.Context, job *Job, purpose string, jsonMode bool, system string, user ...string) (string, error) {
	msgs := make([]string, 0, len(user))
	for _, u := range user {
		if u != "" {
			msgs = append(msgs, u)
		}
	}
	resp, err := job.LLM.Ask(ctx, llm.Request{
		Purpose: purpose,
		System:  []string{system},
		User:    msgs,
		Options: llm.Options{JSON: jsonMode},
	})
	if err != nil {
		if IsPermanent(err) {
			return "", err
		}
		return "", fmt.Errorf("failed to ask model for %s: %w", purpose, err)
	}
	return resp.Text, nil
}

func (e *Executor) write(job *Job, rel, content string) (string, error) {
	path, err := job.Project.WriteFile(rel, content)
	if err != nil {
		return "", Permanent(fmt.Errorf("failed to write %s: %w", rel, err))
	}
	return path, nil
}

func (e *Executor) run(ctx context.Context, job *Job, argv []string) (supervisor.Result, error) {
	job.Reporter.Log("Running: " + strings.Join(argv, " "))
	res, err := job.Runner.Run(ctx, job.Project.Root(), argv)
	if err != nil {
		if IsPermanent(err) {
			return res, err
		}
		return res, fmt.Errorf("failed to run %s: %w", argv[0], err)
	}
	return res, nil
}

var slugPattern = regexp.MustCompile(`[^a-z0-9]+`)

// projectName derives a package-safe name from the task goal
func projectName(goal string) string {
	slug := strings.Trim(slugPattern.ReplaceAllString(strings.ToLower(goal), "-"), "-")
	if len(slug) > 40 {
		slug = strings.TrimRight(slug[:40], "-")
	}
	if slug == "" {
		return "app"
	}
	return slug
}

func (e *Executor) installDependencies(ctx context.Context, job *Job) (Outcome, error) {
	text, err := e.ask(ctx, job, "dependencies", true,
		fmt.Sprintf(`List the third-party %s packages needed for this step. Reply with JSON: {"dependencies": ["name"], "manifest": "%s"}`,
			job.Profile.Name, job.Profile.Manifest),
		"Goal: "+job.Goal, "Step: "+job.Step.Description)
	if err != nil {
		return Outcome{}, err
	}

	var dp dependencyPlan
	if err := llm.DecodeJSON(text, &dp); err != nil {
		job.Reporter.Error("Could not parse dependency list, installing nothing: " + err.Error())
		dp = dependencyPlan{}
	}
	if strings.TrimSpace(dp.Manifest) == "" {
		dp.Manifest = job.Profile.Manifest
	}
	deps := langs.Dedupe(dp.Dependencies)

	installed := make([]string, 0, len(deps))
	for i, dep := range deps {
		argv := job.Profile.InstallCommand(dep)
		if len(argv) == 0 {
			job.Reporter.Error(fmt.Sprintf("No install command for %s, skipped: %s",
				job.Profile.Name, strings.Join(deps[i:], ", ")))
			break
		}
		job.Reporter.Log("Installing " + dep)
		res, err := e.run(ctx, job, argv)
		if err != nil {
			return Outcome{}, err
		}
		if !res.Succeeded() {
			job.Reporter.Error(fmt.Sprintf("Failed to install %s (exit code %d)", dep, res.ExitCode))
			return Outcome{}, exitError(argv, res)
		}
		installed = append(installed, dep)
	}

	manifest := job.Profile.RenderManifest(projectName(job.Goal), installed)
	path, err := e.write(job, dp.Manifest, string(manifest))
	if err != nil {
		return Outcome{}, err
	}

	job.Reporter.Log(fmt.Sprintf("Installed %d dependencies, manifest written to %s", len(installed), path))
	return Outcome{
		Result:       fmt.Sprintf("Installed %d dependencies: %s", len(installed), strings.Join(installed, ", ")),
		Dependencies: installed,
	}, nil
}

// decodeGeneratedFile parses a {filename, content} answer, falling back to
// the default name and the raw text.
func decodeGeneratedFile(job *Job, text, defaultName string) generatedFile {
	var f generatedFile
	if err := llm.DecodeJSON(text, &f); err != nil {
		job.Reporter.Error(fmt.Sprintf("Could not parse generated file, saving raw output as %s: %v", defaultName, err))
		return generatedFile{Filename: defaultName, Content: llm.StripFences(text)}
	}
	if strings.TrimSpace(f.Filename) == "" {
		f.Filename = defaultName
	}
	return f
}

func (e *Executor) generateCode(ctx context.Context, job *Job) (Outcome, error) {
	text, err := e.ask(ctx, job, "code", true,
		fmt.Sprintf(`You write %s code. Reply with JSON: {"filename": "%s", "content": "<complete file>"}`,
			job.Profile.Name, job.Profile.MainFile),
		"Goal: "+job.Goal, "Step: "+job.Step.Description)
	if err != nil {
		return Outcome{}, err
	}

	f := decodeGeneratedFile(job, text, job.Profile.MainFile)
	path, err := job.Project.Save(f.Filename, f.Content)
	if err != nil {
		return Outcome{}, Permanent(fmt.Errorf("failed to write %s: %w", f.Filename, err))
	}

	job.Reporter.Log("Wrote " + path)
	return Outcome{Result: "Wrote " + path}, nil
}

func (e *Executor) editCode(ctx context.Context, job *Job) (Outcome, error) {
	rel, ok := job.Project.FindSource(job.Profile.Extension)
	if !ok {
		return Outcome{}, Permanent(fmt.Errorf("no %s source file to edit", job.Profile.Extension))
	}
	current, err := job.Project.ReadFile(rel)
	if err != nil {
		return Outcome{}, Permanent(err)
	}

	text, err := e.ask(ctx, job, "edit", false,
		fmt.Sprintf("You edit %s code. Reply with the complete updated file only.", job.Profile.Name),
		"Step: "+job.Step.Description, fmt.Sprintf("Current %s:\n%s", rel, current))
	if err != nil {
		return Outcome{}, err
	}

	updated := llm.StripFences(text)
	if updated == "" {
		return Outcome{}, fmt.Errorf("model returned an empty edit for %s", rel)
	}
	if _, err := job.Project.UpdateFile(rel, updated+"\n"); err != nil {
		return Outcome{}, Permanent(fmt.Errorf("failed to update %s: %w", rel, err))
	}

	job.Reporter.Log("Updated " + rel)
	return Outcome{Result: "Updated " + rel}, nil
}

func (e *Executor) executeCode(ctx context.Context, job *Job) (Outcome, error) {
	rel, ok := job.Project.FindSource(job.Profile.Extension)
	if !ok {
		return Outcome{}, Permanent(fmt.Errorf("no %s source file to execute", job.Profile.Extension))
	}
	argv := job.Profile.RunCommand(rel)

	res, err := e.run(ctx, job, argv)
	if err != nil {
		return Outcome{}, err
	}
	if res.Succeeded() {
		return e.ranOK(job, res, nil), nil
	}

	var deps []string
	if pkg, found := job.Profile.MissingPackage(res.Combined()); found {
		job.Reporter.Log(fmt.Sprintf("Missing package %s, installing", pkg))
		install := job.Profile.InstallCommand(pkg)
		if len(install) > 0 {
			ires, err := e.run(ctx, job, install)
			if err != nil {
				return Outcome{}, err
			}
			if ires.Succeeded() {
				deps = append(deps, pkg)
			} else {
				job.Reporter.Error(fmt.Sprintf("Failed to install %s (exit code %d)", pkg, ires.ExitCode))
			}
		}

		res, err = e.run(ctx, job, argv)
		if err != nil {
			return Outcome{}, err
		}
		if res.Succeeded() {
			return e.ranOK(job, res, deps), nil
		}
	}

	job.Reporter.Error(fmt.Sprintf("Run failed with exit code %d, attempting repair", res.ExitCode))
	if err := e.repair(ctx, job, rel, "", res); err != nil {
		return Outcome{}, err
	}

	res, err = e.run(ctx, job, argv)
	if err != nil {
		return Outcome{}, err
	}
	if !res.Succeeded() {
		job.Reporter.Error(fmt.Sprintf("Run still failing after repair (exit code %d)", res.ExitCode))
		return Outcome{}, exitError(argv, res)
	}
	return e.ranOK(job, res, deps), nil
}

func (e *Executor) ranOK(job *Job, res supervisor.Result, deps []string) Outcome {
	out := strings.TrimSpace(res.Stdout)
	job.Reporter.Log("Run succeeded")
	if out == "" {
		out = "Run succeeded with no output"
	}
	return Outcome{Result: out, Dependencies: deps}
}

// repair asks the repairer for a fix of mainRel (and testRel, if set) and
// applies whichever parts it returns.
func (e *Executor) repair(ctx context.Context, job *Job, mainRel, testRel string, failed supervisor.Result) error {
	mainCode, err := job.Project.ReadFile(mainRel)
	if err != nil {
		return Permanent(err)
	}
	req := agent.RepairRequest{
		Goal:     job.Step.Description,
		Language: job.Profile.Name,
		MainPath: mainRel,
		MainCode: mainCode,
		Output:   tail(failed.Combined(), 8000),
	}
	if testRel != "" {
		testCode, err := job.Project.ReadFile(testRel)
		if err != nil {
			return Permanent(err)
		}
		req.TestPath = testRel
		req.TestCode = testCode
	}

	fix, err := job.Repairer.Repair(ctx, req, job.Reporter)
	if err != nil {
		job.Reporter.Error("Repair failed: " + err.Error())
		if IsPermanent(err) {
			return err
		}
		return fmt.Errorf("failed to repair %s: %w", mainRel, err)
	}

	if strings.TrimSpace(fix.MainCode) != "" {
		if _, err := job.Project.UpdateFile(mainRel, fix.MainCode); err != nil {
			return Permanent(fmt.Errorf("failed to apply fix to %s: %w", mainRel, err))
		}
	}
	if testRel != "" && strings.TrimSpace(fix.TestCode) != "" {
		if _, err := job.Project.UpdateFile(testRel, fix.TestCode); err != nil {
			return Permanent(fmt.Errorf("failed to apply fix to %s: %w", testRel, err))
		}
	}
	job.Reporter.Log("Applied repair to " + mainRel)
	return nil
}

func (e *Executor) generateTests(ctx context.Context, job *Job) (Outcome, error) {
	framework := job.Profile.TestFramework
	var source string
	if rel, ok := job.Project.FindSource(job.Profile.Extension); ok {
		if code, err := job.Project.ReadFile(rel); err == nil {
			source = fmt.Sprintf("Code under test (%s):\n%s", rel, code)
		}
	}

	text, err := e.ask(ctx, job, "tests", true,
		fmt.Sprintf(`You write %s tests using %s. Reply with JSON: {"filename": "%s", "content": "<complete test file>"}`,
			job.Profile.Name, orDefault(framework, "the standard library"), job.Profile.TestFile),
		"Goal: "+job.Goal, "Step: "+job.Step.Description, source)
	if err != nil {
		return Outcome{}, err
	}

	f := decodeGeneratedFile(job, text, job.Profile.TestFile)
	rel := f.Filename
	if !strings.ContainsAny(rel, `/\`) {
		rel = filepath.Join(workspace.DirTests, rel)
	}
	path, err := e.write(job, rel, f.Content)
	if err != nil {
		return Outcome{}, err
	}
	job.Reporter.Log("Wrote " + path)

	var deps []string
	if framework != "" {
		if argv := job.Profile.InstallCommand(framework); len(argv) > 0 {
			job.Reporter.Log("Installing test framework " + framework)
			res, err := e.run(ctx, job, argv)
			if err != nil {
				return Outcome{}, err
			}
			if !res.Succeeded() {
				job.Reporter.Error(fmt.Sprintf("Failed to install %s (exit code %d)", framework, res.ExitCode))
				return Outcome{}, exitError(argv, res)
			}
			deps = append(deps, framework)
		}
	}

	return Outcome{Result: "Wrote " + path, Dependencies: deps}, nil
}

func (e *Executor) runTests(ctx context.Context, job *Job) (Outcome, error) {
	argv := job.Profile.TestCommand(workspace.DirTests)

	res, err := e.run(ctx, job, argv)
	if err != nil {
		return Outcome{}, err
	}
	if res.Succeeded() {
		job.Reporter.Log("Tests passed")
		return Outcome{Result: orDefault(strings.TrimSpace(res.Combined()), "Tests passed")}, nil
	}

	job.Reporter.Error(fmt.Sprintf("Tests failed with exit code %d, attempting repair", res.ExitCode))
	mainRel, ok := job.Project.FindSource(job.Profile.Extension)
	if !ok {
		return Outcome{}, Permanent(fmt.Errorf("no %s source file to repair: %w", job.Profile.Extension, exitError(argv, res)))
	}
	testRel, ok := job.Project.FindTest(job.Profile.Extension)
	if !ok {
		return Outcome{}, Permanent(fmt.Errorf("no %s test file to repair: %w", job.Profile.Extension, exitError(argv, res)))
	}
	if err := e.repair(ctx, job, mainRel, testRel, res); err != nil {
		return Outcome{}, err
	}

	res, err = e.run(ctx, job, argv)
	if err != nil {
		return Outcome{}, err
	}
	if !res.Succeeded() {
		job.Reporter.Error(fmt.Sprintf("Tests still failing after repair (exit code %d)", res.ExitCode))
		return Outcome{}, exitError(argv, res)
	}
	job.Reporter.Log("Tests passed after repair")
	return Outcome{Result: orDefault(strings.TrimSpace(res.Combined()), "Tests passed")}, nil
}

func (e *Executor) generateDocumentation(ctx context.Context, job *Job) (Outcome, error) {
	var files string
	if tree, err := job.Project.Tree(); err == nil {
		files = "Project files:\n" + tree
	}

	text, err := e.ask(ctx, job, "docs", false,
		"You write concise README documentation in Markdown. Reply with the document only.",
		"Goal: "+job.Goal, "Step: "+job.Step.Description, files)
	if err != nil {
		return Outcome{}, err
	}

	doc := llm.StripFences(text)
	if doc == "" {
		return Outcome{}, errors.New("model returned empty documentation")
	}
	path, err := e.write(job, "README.md", doc+"\n")
	if err != nil {
		return Outcome{}, err
	}

	job.Reporter.Log("Wrote " + path)
	return Outcome{Result: "Wrote " + path}, nil
}

func (e *Executor) generic(ctx context.Context, job *Job) (Outcome, error) {
	job.Reporter.Log(fmt.Sprintf("Delegating to %s agent", job.Agent.Name()))
	result, err := job.Agent.Run(ctx, job.Step.Description, job.Reporter)
	if err != nil {
		if IsPermanent(err) {
			return Outcome{}, err
		}
		return Outcome{}, fmt.Errorf("%s agent failed: %w", job.Agent.Name(), err)
	}
	return Outcome{Result: result}, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
