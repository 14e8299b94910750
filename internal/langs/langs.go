package langs

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Fallback is used when a detected language has no profile
const Fallback = "python"

//go:embed profiles.yaml
var embeddedProfiles []byte

// Profile describes how to build, run and test code in one language
type Profile struct {
	Name           string   `yaml:"-"`
	Aliases        []string `yaml:"aliases"`
	Extension      string   `yaml:"extension"`
	MainFile       string   `yaml:"main_file"`
	TestFile       string   `yaml:"test_file"`
	Run            []string `yaml:"run"`
	Install        []string `yaml:"install"`
	Test           []string `yaml:"test"`
	TestFramework  string   `yaml:"test_framework"`
	Manifest       string   `yaml:"manifest"`
	ManifestFormat string   `yaml:"manifest_format"`
	MissingModule  string   `yaml:"missing_module"`
	Static         bool     `yaml:"static"`

	missing *regexp.Regexp
}

// Set is a collection of profiles indexed by name and alias
type Set struct {
	profiles map[string]*Profile
	aliases  map[string]string
}

// Load parses a YAML profile document
func Load(data []byte) (*Set, error) {
	var raw map[string]*Profile
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse language profiles: %w", err)
	}

	set := &Set{
		profiles: make(map[string]*Profile, len(raw)),
		aliases:  make(map[string]string),
	}
	for name, p := range raw {
		if p == nil {
			return nil, fmt.Errorf("language profile %q is empty", name)
		}
		p.Name = Normalize(name)
		if p.Extension == "" || len(p.Run) == 0 {
			return nil, fmt.Errorf("language profile %q needs an extension and a run command", name)
		}
		if p.MissingModule != "" {
			re, err := regexp.Compile(p.MissingModule)
			if err != nil {
				return nil, fmt.Errorf("language profile %q has invalid missing_module pattern: %w", name, err)
			}
			p.missing = re
		}
		set.profiles[p.Name] = p
		for _, alias := range p.Aliases {
			set.aliases[Normalize(alias)] = p.Name
		}
	}

	if _, ok := set.profiles[Fallback]; !ok {
		return nil, fmt.Errorf("language profiles must define %q", Fallback)
	}
	return set, nil
}

var (
	defaultOnce sync.Once
	defaultSet  *Set
)

// Default returns the embedded profile set
func Default() *Set {
	defaultOnce.Do(func() {
		set, err := Load(embeddedProfiles)
		if err != nil {
			panic(err)
		}
		defaultSet = set
	})
	return defaultSet
}

// Normalize lower-cases and trims a language name as a model might write it
func Normalize(name string) string {
	name = strings.ToLower(strings.TrimSpace(name))
	name = strings.Trim(name, "\"'`.*: \t\r\n")
	if fields := strings.Fields(name); len(fields) > 0 {
		name = fields[0]
	}
	return name
}

// Lookup finds a profile by name or alias
func (s *Set) Lookup(name string) (Profile, bool) {
	key := Normalize(name)
	if canonical, ok := s.aliases[key]; ok {
		key = canonical
	}
	p, ok := s.profiles[key]
	if !ok {
		return Profile{}, false
	}
	return *p, true
}

// Resolve returns the profile for name, or the fallback profile
func (s *Set) Resolve(name string) Profile {
	if p, ok := s.Lookup(name); ok {
		return p
	}
	p, _ := s.Lookup(Fallback)
	return p
}

// Names returns the canonical profile names in sorted order
func (s *Set) Names() []string {
	names := make([]string, 0, len(s.profiles))
	for name := range s.profiles {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func expand(tmpl []string, vars map[string]string) []string {
	out := make([]string, 0, len(tmpl))
	for _, arg := range tmpl {
		for k, v := range vars {
			arg = strings.ReplaceAll(arg, "{"+k+"}", v)
		}
		out = append(out, arg)
	}
	return out
}

// RunCommand returns the argv that runs file
func (p Profile) RunCommand(file string) []string {
	return expand(p.Run, map[string]string{"file": file})
}

// InstallCommand returns the argv that installs pkg
func (p Profile) InstallCommand(pkg string) []string {
	return expand(p.Install, map[string]string{"package": pkg})
}

// TestCommand returns the argv that runs the tests under testsPath
func (p Profile) TestCommand(testsPath string) []string {
	return expand(p.Test, map[string]string{"tests": testsPath})
}

// MissingPackage extracts the package name from a missing-module error
func (p Profile) MissingPackage(output string) (string, bool) {
	if p.missing == nil {
		return "", false
	}
	m := p.missing.FindStringSubmatch(output)
	if len(m) < 2 || m[1] == "" {
		return "", false
	}
	return m[1], true
}

// RenderManifest renders the dependency manifest for deps
func (p Profile) RenderManifest(project string, deps []string) []byte {
	deps = Dedupe(deps)

	switch p.ManifestFormat {
	case "package_json":
		dependencies := make(map[string]string, len(deps))
		for _, d := range deps {
			dependencies[d] = "*"
		}
		doc := map[string]any{
			"name":         project,
			"version":      "0.1.0",
			"private":      true,
			"dependencies": dependencies,
		}
		data, _ := json.MarshalIndent(doc, "", "  ")
		return append(data, '\n')

	case "go_mod":
		var b strings.Builder
		fmt.Fprintf(&b, "module %s\n\ngo 1.22\n", project)
		if len(deps) > 0 {
			b.WriteString("\nrequire (\n")
			for _, d := range deps {
				fmt.Fprintf(&b, "\t%s latest\n", d)
			}
			b.WriteString(")\n")
		}
		return []byte(b.String())

	case "gemfile":
		var b strings.Builder
		b.WriteString("source \"https://rubygems.org\"\n\n")
		for _, d := range deps {
			fmt.Fprintf(&b, "gem %q\n", d)
		}
		return []byte(b.String())

	default:
		if len(deps) == 0 {
			return []byte{}
		}
		return []byte(strings.Join(deps, "\n") + "\n")
	}
}

// Dedupe returns the distinct non-empty names in sorted order
func Dedupe(names []string) []string {
	seen := make(map[string]struct{}, len(names))
	out := make([]string, 0, len(names))
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" {
			continue
		}
		if _, ok := seen[n]; ok {
			continue
		}
		seen[n] = struct{}{}
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
