// internal/normalize/signals.go
package normalize

import (
	"math"
	"path"
	"sort"
	"strings"
	"time"

	"github-knowledge-store/internal/model"
)

// Metadata is the repository metadata the signal predicates may consult besides the file tree.
type Metadata struct {
	Language    string
	LicenseName string
	ReadmeText  string
}

// tree is a normalized view of a repository file listing.
type tree struct {
	paths []string
}

func newTree(paths []string) tree {
	t := tree{paths: make([]string, 0, len(paths))}
	for _, p := range paths {
		p = strings.ToLower(strings.ReplaceAll(p, `\`, "/"))
		p = strings.TrimPrefix(strings.TrimPrefix(p, "./"), "/")
		if p != "" {
			t.paths = append(t.paths, p)
		}
	}
	return t
}

func (t tree) any(pred func(p string) bool) bool {
	for _, p := range t.paths {
		if pred(p) {
			return true
		}
	}
	return false
}

func (t tree) hasPath(candidates ...string) bool {
	return t.any(func(p string) bool {
		for _, c := range candidates {
			if p == c {
				return true
			}
		}
		return false
	})
}

func (t tree) hasPrefix(prefixes ...string) bool {
	return t.any(func(p string) bool { return hasAnyPrefix(p, prefixes...) })
}

func (t tree) hasSuffix(suffixes ...string) bool {
	return t.any(func(p string) bool { return hasAnySuffix(p, suffixes...) })
}

// hasRootPrefix matches files at the repository root whose name starts with one of prefixes.
func (t tree) hasRootPrefix(prefixes ...string) bool {
	return t.any(func(p string) bool { return !strings.Contains(p, "/") && hasAnyPrefix(p, prefixes...) })
}

func hasAnyPrefix(s string, prefixes ...string) bool {
	for _, pre := range prefixes {
		if strings.HasPrefix(s, pre) {
			return true
		}
	}
	return false
}

func hasAnySuffix(s string, suffixes ...string) bool {
	for _, suf := range suffixes {
		if strings.HasSuffix(s, suf) {
			return true
		}
	}
	return false
}

var lintConfigs = []string{
	".ruff.toml", "ruff.toml", "pyproject.toml", ".flake8", "setup.cfg", ".pylintrc",
	".eslintrc", ".eslintrc.json", ".eslintrc.js", ".eslintrc.cjs", ".eslintrc.yaml", ".eslintrc.yml",
	"eslint.config.js", "eslint.config.mjs",
	".prettierrc", ".prettierrc.json", ".prettierrc.js", ".prettierrc.yaml",
	".stylelintrc", ".editorconfig", ".clang-format", ".clang-tidy",
	".golangci.yml", ".golangci.yaml", ".golangci.toml",
	".rubocop.yml", "rustfmt.toml", ".rustfmt.toml", "clippy.toml",
}

func isTestPath(p string) bool {
	dir := path.Dir(p)
	for _, segment := range strings.Split(dir, "/") {
		switch segment {
		case "test", "tests", "__tests__", "spec", "testdata":
			return true
		}
	}
	base := path.Base(p)
	if strings.HasPrefix(base, "test_") && strings.HasSuffix(base, ".py") {
		return true
	}
	return hasAnySuffix(base,
		"_test.go", "_test.py", ".test.py",
		".spec.ts", ".test.ts", ".spec.tsx", ".test.tsx",
		".spec.js", ".test.js", ".spec.jsx", ".test.jsx",
		"_spec.rb", ".spec.rb", "_test.rb")
}

func isDockerfile(p string) bool {
	base := path.Base(p)
	return base == "dockerfile" || strings.HasPrefix(base, "dockerfile.") || strings.HasSuffix(base, ".dockerfile")
}

func isCompose(p string) bool {
	switch path.Base(p) {
	case "docker-compose.yml", "docker-compose.yaml", "compose.yml", "compose.yaml":
		return true
	}
	return false
}

func detectCI(t tree) string {
	switch {
	case t.hasPrefix(".github/workflows/"):
		return "github_actions"
	case t.hasPrefix(".circleci/"):
		return "circleci"
	case t.hasPrefix(".gitlab-ci"):
		return "gitlab_ci"
	case t.any(func(p string) bool { return strings.Contains(p, "azure-pipelines") }):
		return "azure_pipelines"
	case t.any(func(p string) bool { return path.Base(p) == "jenkinsfile" }):
		return "jenkins"
	case t.hasPath(".travis.yml", ".travis.yaml"):
		return "travis"
	}
	return ""
}

func detectTestFramework(t tree) string {
	switch {
	case t.hasSuffix("pytest.ini", "conftest.py"):
		return "pytest"
	case t.hasSuffix("jest.config.js", "jest.config.ts", "jest.config.json", "jest.config.mjs"):
		return "jest"
	case t.hasSuffix("vitest.config.ts", "vitest.config.js", "vitest.config.mts"):
		return "vitest"
	case t.hasSuffix("mocha.opts", ".mocharc.json", ".mocharc.js", ".mocharc.yml"):
		return "mocha"
	case t.hasSuffix("spec_helper.rb", "test_helper.rb"):
		return "rspec"
	case t.hasSuffix("_test.go"):
		return "go_test"
	case t.hasPath("cargo.toml") && t.any(func(p string) bool { return strings.HasPrefix(p, "tests/") && strings.HasSuffix(p, ".rs") }):
		return "cargo_test"
	}
	return ""
}

// score is the share of true flags on a 0-100 scale with one decimal.
func score(flags ...bool) float64 {
	if len(flags) == 0 {
		return 0
	}
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return math.Round(float64(n)/float64(len(flags))*1000) / 10
}

// DetectSignals evaluates every signal predicate over a file listing and repository metadata.
// Boolean and number kinds are always present; text kinds only when something was detected.
// The result is sorted by kind.
func DetectSignals(paths []string, meta Metadata, now time.Time) []model.Signal {
	t := newTree(paths)
	at := model.StoreTime(now)

	hasActions := t.hasPrefix(".github/workflows/")
	ci := detectCI(t)
	hasCI := ci != ""
	hasTests := t.any(isTestPath)
	hasLint := t.hasPath(lintConfigs...)
	hasPrecommit := t.hasPath(".pre-commit-config.yaml", ".pre-commit-config.yml")
	hasDocker := t.any(isDockerfile)
	hasCompose := t.any(isCompose)
	hasMakefile := t.hasPath("makefile", "gnumakefile")

	hasConduct := t.hasPath("code_of_conduct.md", "code-of-conduct.md", ".github/code_of_conduct.md", "docs/code_of_conduct.md")
	hasContributing := t.hasPath("contributing.md", "contributing.rst", ".github/contributing.md", "docs/contributing.md")
	hasLicense := t.hasRootPrefix("license", "licence") || strings.TrimSpace(meta.LicenseName) != ""
	hasSecurity := t.hasPath("security.md", "security.rst", ".github/security.md", "docs/security.md")
	hasIssueTemplates := t.hasPrefix(".github/issue_template")
	hasPRTemplates := t.hasPrefix(".github/pull_request_template", "pull_request_template", "docs/pull_request_template")
	hasChangelog := t.hasRootPrefix("changelog", "changes", "history")
	hasDocs := t.hasPrefix("docs/", "documentation/")
	hasReadme := t.hasRootPrefix("readme") || strings.TrimSpace(meta.ReadmeText) != ""

	signals := []model.Signal{
		model.BoolSignal(model.SignalHasTests, hasTests, at),
		model.BoolSignal(model.SignalHasGithubActions, hasActions, at),
		model.BoolSignal(model.SignalHasCI, hasCI, at),
		model.BoolSignal(model.SignalHasLintConfig, hasLint, at),
		model.BoolSignal(model.SignalHasPrecommit, hasPrecommit, at),
		model.BoolSignal(model.SignalHasDocker, hasDocker, at),
		model.BoolSignal(model.SignalHasDockerCompose, hasCompose, at),
		model.BoolSignal(model.SignalHasMakefile, hasMakefile, at),
		model.BoolSignal(model.SignalHasCodeOfConduct, hasConduct, at),
		model.BoolSignal(model.SignalHasContributing, hasContributing, at),
		model.BoolSignal(model.SignalHasLicense, hasLicense, at),
		model.BoolSignal(model.SignalHasSecurityPolicy, hasSecurity, at),
		model.BoolSignal(model.SignalHasIssueTemplates, hasIssueTemplates, at),
		model.BoolSignal(model.SignalHasPRTemplates, hasPRTemplates, at),
		model.BoolSignal(model.SignalHasChangelog, hasChangelog, at),
		model.BoolSignal(model.SignalHasDocs, hasDocs, at),
		model.BoolSignal(model.SignalHasReadme, hasReadme, at),
		model.NumberSignal(model.SignalOrganizationScore, score(hasConduct, hasContributing, hasLicense, hasSecurity,
			hasIssueTemplates, hasPRTemplates, hasChangelog, hasDocs, hasReadme), at),
		model.NumberSignal(model.SignalCodingStandardScore, score(hasTests, hasLint, hasPrecommit, hasCI), at),
		model.NumberSignal(model.SignalAutomationScore, score(hasActions, hasCI, hasPrecommit, hasDocker, hasCompose), at),
		model.NumberSignal(model.SignalFileCount, float64(len(t.paths)), at),
	}
	if ci != "" {
		signals = append(signals, model.TextSignal(model.SignalDetectedCI, ci, at))
	}
	if fw := detectTestFramework(t); fw != "" {
		signals = append(signals, model.TextSignal(model.SignalDetectedTestFw, fw, at))
	}

	sort.Slice(signals, func(i, j int) bool { return signals[i].Kind < signals[j].Kind })
	return signals
}
