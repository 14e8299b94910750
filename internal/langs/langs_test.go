package langs

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultProfilesLoad(t *testing.T) {
	set := Default()
	assert.Equal(t, []string{"go", "javascript", "python", "ruby", "typescript"}, set.Names())
}

func TestLookupNormalizesNamesAndAliases(t *testing.T) {
	set := Default()

	tests := []struct {
		input string
		want  string
	}{
		{"Python", "python"},
		{"  python.  ", "python"},
		{"`Python 3`", "python"},
		{"py", "python"},
		{"Node", "javascript"},
		{"TS", "typescript"},
		{"golang", "go"},
		{"\"ruby\"", "ruby"},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			p, ok := set.Lookup(tt.input)
			require.True(t, ok)
			assert.Equal(t, tt.want, p.Name)
		})
	}

	_, ok := set.Lookup("cobol")
	assert.False(t, ok)
	assert.Equal(t, Fallback, set.Resolve("cobol").Name)
}

func TestCommandTemplates(t *testing.T) {
	py := Default().Resolve("python")

	assert.Equal(t, []string{"python3", "src/main.py"}, py.RunCommand("src/main.py"))
	assert.Equal(t, []string{"python3", "-m", "pip", "install", "requests"}, py.InstallCommand("requests"))
	assert.Equal(t, []string{"python3", "-m", "pytest", "-q", "tests"}, py.TestCommand("tests"))
}

func TestMissingPackage(t *testing.T) {
	set := Default()

	tests := []struct {
		lang   string
		output string
		want   string
		found  bool
	}{
		{"python", "Traceback...\nModuleNotFoundError: No module named 'requests'\n", "requests", true},
		{"python", "ModuleNotFoundError: No module named 'yaml.loader'", "yaml", true},
		{"javascript", "Error: Cannot find module 'express'\nRequire stack:", "express", true},
		{"javascript", "Error: Cannot find module './local'", "", false},
		{"ruby", "cannot load such file -- nokogiri (LoadError)", "nokogiri", true},
		{"python", "SyntaxError: invalid syntax", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.lang+"/"+tt.want, func(t *testing.T) {
			got, ok := set.Resolve(tt.lang).MissingPackage(tt.output)
			assert.Equal(t, tt.found, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRenderManifest(t *testing.T) {
	set := Default()

	lines := set.Resolve("python").RenderManifest("demo", []string{"requests", "flask", "requests", " "})
	assert.Equal(t, "flask\nrequests\n", string(lines))

	pkg := set.Resolve("javascript").RenderManifest("demo", []string{"express"})
	var doc map[string]any
	require.NoError(t, json.Unmarshal(pkg, &doc))
	assert.Equal(t, "demo", doc["name"])
	assert.Equal(t, map[string]any{"express": "*"}, doc["dependencies"])

	gemfile := set.Resolve("ruby").RenderManifest("demo", []string{"rspec"})
	assert.Contains(t, string(gemfile), "gem \"rspec\"")

	gomod := set.Resolve("go").RenderManifest("demo", nil)
	assert.Equal(t, "module demo\n\ngo 1.22\n", string(gomod))
}

func TestLoadRejectsInvalidProfiles(t *testing.T) {
	_, err := Load([]byte("python: [not, a, map]"))
	assert.Error(t, err)

	_, err = Load([]byte("ruby:\n  extension: .rb\n  run: [ruby, \"{file}\"]\n"))
	assert.ErrorContains(t, err, "must define")

	_, err = Load([]byte("python:\n  extension: .py\n  run: [python3]\n  missing_module: \"(\"\n"))
	assert.ErrorContains(t, err, "invalid missing_module")
}
