package report

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"

	nixpkgsreview "github.com/nixpkgs-review/nixpkgs-review"
)

// reviewChecklist is the fixed set of manual review reminders real
// nixpkgs-review appends to every report (SUPPLEMENTED FEATURES #4): there
// is nothing in DerivationMeta or Outcome that lets a machine answer these,
// so they are rendered as an unchecked checklist for the human reviewer.
var reviewChecklist = []string{
	"Binary artifacts (tarballs, icons, fonts) were not modified in ways that change their provenance",
	"License changes, if any, are reflected in the package's meta.license",
	"Maintainer changes, if any, were made by the maintainer being added or with their consent",
}

type mdCategory struct {
	Title string
	Attrs []nixpkgsreview.Attribute
	Tails map[nixpkgsreview.Attribute][]string
}

type mdSystem struct {
	Name       nixpkgsreview.System
	Categories []mdCategory
}

type mdData struct {
	PR           int
	SingleSystem bool
	Systems      []mdSystem
	Checklist    []string
}

var categoryTitles = []struct {
	Outcome nixpkgsreview.Outcome
	Title   string
}{
	{nixpkgsreview.Built, "built successfully"},
	{nixpkgsreview.Failed, "failed to build"},
	{nixpkgsreview.Broken, "marked as broken"},
	{nixpkgsreview.Blacklisted, "blacklisted"},
	{nixpkgsreview.NonExistent, "no longer exist"},
	{nixpkgsreview.Test, "passthru tests"},
}

var mdFuncs = template.FuncMap{
	"code": func(v interface{}) string {
		return "`" + fmt.Sprint(v) + "`"
	},
	"pluralize": func(n int, noun string) string {
		if n == 1 {
			return fmt.Sprintf("%d %s", n, noun)
		}
		return fmt.Sprintf("%d %ss", n, noun)
	},
	"join": strings.Join,
}

// mdTmpl renders one ReviewResult as GitHub-flavoured markdown:
// collapsible <details> sections per outcome category (empty categories
// omitted), a fenced build-log tail under any failed attribute that has
// one, and a trailing manual-review checklist. Grounded on
// cmd/autobuilder/autobuilder.go's statusTmpl: same text/template +
// FuncMap construction, generalised from an HTML status page to a
// markdown report.
var mdTmpl = template.Must(template.New("report").Funcs(mdFuncs).Parse(`# nixpkgs-review report
{{if .PR}}
Review of pull request #{{.PR}}.
{{end}}
{{range .Systems}}
{{if not $.SingleSystem}}## {{code .Name}}
{{end}}
{{range .Categories}}{{if .Attrs}}
<details>
<summary>{{pluralize (len .Attrs) "package"}} {{.Title}}</summary>

{{$tails := .Tails}}
{{range .Attrs}}- {{code .}}
{{with index $tails .}}
  <details>
  <summary>build log tail</summary>

  ` + "```" + `
{{range .}}  {{.}}
{{end}}  ` + "```" + `
  </details>
{{end}}
{{end}}
</details>
{{end}}{{end}}
{{end}}
## Reviewed points

{{range .Checklist}}- [ ] {{.}}
{{end}}`))

// RenderMarkdown builds report.md's content. single-system reviews (spec.md
// §4.F: "single-system reports collapse the system axis") omit the
// per-system heading and flatten straight into the category sections.
func RenderMarkdown(d *Document) (string, error) {
	data := mdData{
		PR:           d.PR,
		SingleSystem: len(d.Systems) == 1,
		Checklist:    reviewChecklist,
	}
	for _, sys := range d.Systems {
		sr, ok := d.Result.Systems[sys]
		if !ok {
			continue
		}
		sysSec := mdSystem{Name: sys}
		for _, ct := range categoryTitles {
			attrs := sr.Attrs(ct.Outcome)
			if len(attrs) == 0 {
				continue
			}
			cat := mdCategory{Title: ct.Title, Attrs: attrs}
			if ct.Outcome == nixpkgsreview.Failed {
				cat.Tails = d.FailureTail[sys]
			}
			sysSec.Categories = append(sysSec.Categories, cat)
		}
		data.Systems = append(data.Systems, sysSec)
	}

	var buf bytes.Buffer
	if err := mdTmpl.Execute(&buf, data); err != nil {
		return "", &nixpkgsreview.InternalError{Err: err}
	}
	return buf.String(), nil
}
