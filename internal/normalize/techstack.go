// internal/normalize/techstack.go
package normalize

import (
	"path"
	"sort"
	"strings"
)

// stackRule tags a path with a technology. Within a rule, the first matching hint adds a
// framework tag as well.
type stackRule struct {
	tag      string
	suffixes []string
	bases    []string
	contains []string
	hints    []stackHint
}

type stackHint struct {
	substr string
	tag    string
}

func (r stackRule) matches(p string) bool {
	if hasAnySuffix(p, r.suffixes...) {
		return true
	}
	base := path.Base(p)
	for _, b := range r.bases {
		if base == b {
			return true
		}
	}
	for _, c := range r.contains {
		if strings.Contains(p, c) {
			return true
		}
	}
	return false
}

// stackRules are evaluated in order; the first rule that matches a path wins.
var stackRules = []stackRule{
	{tag: "Python", suffixes: []string{".py"}, bases: []string{"requirements.txt", "pyproject.toml", "setup.py", "pipfile"},
		hints: []stackHint{{"fastapi", "FastAPI"}, {"flask", "Flask"}, {"django", "Django"}, {"streamlit", "Streamlit"}}},
	{tag: "TypeScript", suffixes: []string{".ts", ".tsx"}, bases: []string{"tsconfig.json"},
		hints: []stackHint{{"react", "React"}, {"next", "Next.js"}, {"node", "Node.js"}}},
	{tag: "JavaScript", suffixes: []string{".js", ".jsx", ".mjs", ".cjs"}, bases: []string{"package.json"},
		hints: []stackHint{{"react", "React"}, {"vue", "Vue"}, {"angular", "Angular"}, {"node", "Node.js"}}},
	{tag: "Java", suffixes: []string{".java"}, bases: []string{"pom.xml", "build.gradle", "build.gradle.kts"},
		hints: []stackHint{{"spring", "Spring"}}},
	{tag: "Kotlin", suffixes: []string{".kt", ".kts"}},
	{tag: "Scala", suffixes: []string{".scala"}, bases: []string{"build.sbt"}},
	{tag: "Go", suffixes: []string{".go"}, bases: []string{"go.mod", "go.sum"}},
	{tag: "Rust", suffixes: []string{".rs"}, bases: []string{"cargo.toml"}},
	{tag: "C++", suffixes: []string{".cpp", ".cc", ".cxx", ".hpp"}, bases: []string{"cmakelists.txt"}},
	{tag: "C", suffixes: []string{".c"}},
	{tag: "C#", suffixes: []string{".cs", ".csproj"}, hints: []stackHint{{"dotnet", ".NET"}}},
	{tag: "PHP", suffixes: []string{".php"}, bases: []string{"composer.json"}, hints: []stackHint{{"laravel", "Laravel"}}},
	{tag: "Ruby", suffixes: []string{".rb"}, bases: []string{"gemfile"}, hints: []stackHint{{"rails", "Rails"}}},
	{tag: "Swift", suffixes: []string{".swift"}, bases: []string{"podfile", "package.swift"}},
	{tag: "SQL", suffixes: []string{".sql"}},
	{tag: "dbt", bases: []string{"dbt_project.yml"}},
	{tag: "Power BI", suffixes: []string{".pbix", ".pbit"}},
	{tag: "Tableau", suffixes: []string{".twb", ".twbx", ".hyper", ".tds", ".tdsx"}},
	{tag: "Terraform", suffixes: []string{".tf"}},
	{tag: "CloudFormation", contains: []string{"cloudformation"}},
	{tag: "Azure Bicep", suffixes: []string{".bicep"}},
	{tag: "AWS CDK", bases: []string{"cdk.json"}},
	{tag: "LangGraph", contains: []string{"langgraph"}},
	{tag: "LangChain", contains: []string{"langchain"}},
	{tag: "Docker", bases: []string{"dockerfile"}, contains: []string{"dockerfile."}},
	{tag: "Docker Compose", contains: []string{"docker-compose"}},
	{tag: "Serverless", bases: []string{"serverless.yml", "serverless.yaml"}},
	{tag: "GitHub Actions", contains: []string{".github/workflows/"}},
}

// languageTags maps the remote primary language onto the tags used by stackRules.
var languageTags = map[string]string{
	"python":     "Python",
	"typescript": "TypeScript",
	"javascript": "JavaScript",
	"java":       "Java",
	"kotlin":     "Kotlin",
	"scala":      "Scala",
	"go":         "Go",
	"rust":       "Rust",
	"c++":        "C++",
	"c":          "C",
	"c#":         "C#",
	"php":        "PHP",
	"ruby":       "Ruby",
	"swift":      "Swift",
	"hcl":        "Terraform",
}

// TechStack derives a sorted, deduplicated set of technology tags from a file listing and the
// repository's primary language. Unrecognized files contribute nothing.
func TechStack(paths []string, language string) []string {
	tags := make(map[string]bool)
	for _, p := range newTree(paths).paths {
		for _, rule := range stackRules {
			if !rule.matches(p) {
				continue
			}
			tags[rule.tag] = true
			for _, h := range rule.hints {
				if strings.Contains(p, h.substr) {
					tags[h.tag] = true
					break
				}
			}
			break
		}
	}
	if tag, ok := languageTags[strings.ToLower(strings.TrimSpace(language))]; ok {
		tags[tag] = true
	}

	out := make([]string, 0, len(tags))
	for tag := range tags {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}
