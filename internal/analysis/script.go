// Package analysis runs the statistical job: it renders an R script from
// the collected parameters, executes it with bounded repair retries, and
// routes the outcome back into the conversation.
package analysis

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/srws-psg/meta-analysis-bot/internal/models"
)

// scriptData is the template input for one analysis run.
type scriptData struct {
	CSVPath    string
	OutDir     string
	Measure    string
	Method     string
	EffectSize string
	LogScale   bool
	Columns    map[string]string
	Subgroups  []string
	Moderators []string
	SensVar    string
	SensValue  string
}

// measureFor maps the chosen effect size to metafor's escalc measure code.
var measureFor = map[string]string{
	"OR":         "OR",
	"RR":         "RR",
	"RD":         "RD",
	"PETO":       "PETO",
	"SMD":        "SMD",
	"MD":         "MD",
	"ROM":        "ROM",
	"proportion": "PLO",
	"IR":         "IRLN",
	"yi":         "GEN",
}

var scriptTemplate = template.Must(template.New("analysis").Funcs(template.FuncMap{
	"join": strings.Join,
}).Parse(`library(metafor)
library(jsonlite)

dat <- read.csv("{{.CSVPath}}")
{{if .SensValue}}
dat <- dat[dat${{.SensVar}} == "{{.SensValue}}", ]
{{end}}
{{if eq .EffectSize "yi"}}
res_dat <- data.frame(yi = dat${{index .Columns "yi"}}, vi = dat${{index .Columns "vi"}})
dat <- cbind(dat, res_dat)
{{else}}
dat <- escalc(measure = "{{.Measure}}",
{{- range $role, $col := .Columns}}
  {{$role}} = dat${{$col}},
{{- end}}
  data = dat)
{{end}}
res <- rma(yi, vi, data = dat, method = "{{.Method}}")

png(file.path("{{.OutDir}}", "forest_plot.png"), width = 800, height = 600)
forest(res{{if .LogScale}}, atransf = exp{{end}})
dev.off()

png(file.path("{{.OutDir}}", "funnel_plot.png"), width = 800, height = 600)
funnel(res)
dev.off()
{{range .Subgroups}}
res_sub_{{.}} <- rma(yi, vi, mods = ~ factor({{.}}), data = dat, method = "{{$.Method}}")
{{end}}
{{if .Moderators}}
res_mod <- rma(yi, vi, mods = ~ {{join .Moderators " + "}}, data = dat, method = "{{.Method}}")
{{end}}
summary_list <- list(
  k = res$k,
  estimate = as.numeric(res$beta)[1],
  ci_lb = res$ci.lb,
  ci_ub = res$ci.ub,
  pval = res$pval,
  i2 = res$I2,
  tau2 = res$tau2,
  method = "{{.Method}}",
  measure = "{{.Measure}}"
)
{{range .Subgroups}}
summary_list$subgroup_{{.}} <- list(qm = res_sub_{{.}}$QM, qm_p = res_sub_{{.}}$QMp)
{{end}}
{{if .Moderators}}
summary_list$moderators <- list(qm = res_mod$QM, qm_p = res_mod$QMp)
{{end}}
write(toJSON(summary_list, auto_unbox = TRUE), file.path("{{.OutDir}}", "summary.json"))
save(res, dat, file = file.path("{{.OutDir}}", "result.RData"))
`))

// RenderScript builds the R script for the given preferences and data.
func RenderScript(prefs *models.CollectedParameters, csvPath, outDir string) (string, error) {
	if prefs == nil {
		return "", fmt.Errorf("analysis: no preferences")
	}
	effectSize := prefs.EffectSize()
	measure, ok := measureFor[effectSize]
	if !ok {
		return "", fmt.Errorf("analysis: unknown effect size %q", effectSize)
	}
	method := "REML"
	if prefs.ModelType() == "fixed" {
		method = "FE"
	}
	data := scriptData{
		CSVPath:    csvPath,
		OutDir:     outDir,
		Measure:    measure,
		Method:     method,
		EffectSize: effectSize,
		LogScale:   prefs.LogTransformed || effectSize == "OR" || effectSize == "RR" || effectSize == "PETO",
		Columns:    prefs.DataColumns,
		Subgroups:  prefs.Optional[models.OptSubgroups],
		Moderators: prefs.Optional[models.OptModerators],
		SensVar:    prefs.OptionalScalar(models.OptSensitivityVariable),
		SensValue:  prefs.OptionalScalar(models.OptSensitivityValue),
	}

	var sb strings.Builder
	if err := scriptTemplate.Execute(&sb, data); err != nil {
		return "", fmt.Errorf("analysis: render script: %w", err)
	}
	return sb.String(), nil
}
