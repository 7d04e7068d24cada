package analysis

import (
	"strings"
	"testing"

	"github.com/srws-psg/meta-analysis-bot/internal/models"
)

func orPreferences() *models.CollectedParameters {
	p := models.NewCollectedParameters()
	p.SetRequired(models.ParamEffectSize, "OR")
	p.SetRequired(models.ParamModelType, "random")
	p.MapColumn("ai", "events_t")
	p.MapColumn("ci", "events_c")
	return p
}

func TestRenderScriptBinaryOutcome(t *testing.T) {
	p := orPreferences()
	p.AddOptional(models.OptSubgroups, "region")
	p.AddOptional(models.OptModerators, "year", "dose")

	script, err := RenderScript(p, "/work/trials.csv", "/work/output")
	if err != nil {
		t.Fatal(err)
	}

	for _, want := range []string{
		`library(metafor)`,
		`read.csv("/work/trials.csv")`,
		`escalc(measure = "OR"`,
		`ai = dat$events_t`,
		`ci = dat$events_c`,
		`method = "REML"`,
		// Ratio measures are displayed back-transformed.
		`atransf = exp`,
		`mods = ~ factor(region)`,
		`mods = ~ year + dose`,
		`"summary.json"`,
		`"result.RData"`,
	} {
		if !strings.Contains(script, want) {
			t.Errorf("script missing %q", want)
		}
	}
}

func TestRenderScriptFixedEffect(t *testing.T) {
	p := orPreferences()
	p.SetRequired(models.ParamModelType, "fixed")

	script, err := RenderScript(p, "/work/trials.csv", "/work/output")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(script, `method = "FE"`) {
		t.Error("fixed-effect model should render method FE")
	}
}

func TestRenderScriptPrecalculated(t *testing.T) {
	p := models.NewCollectedParameters()
	p.SetRequired(models.ParamEffectSize, "yi")
	p.SetRequired(models.ParamModelType, "random")
	p.MapColumn("yi", "effect")
	p.MapColumn("vi", "variance")

	script, err := RenderScript(p, "/work/pre.csv", "/work/output")
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(script, "escalc(") {
		t.Error("pre-calculated effects must bypass escalc")
	}
	if !strings.Contains(script, "yi = dat$effect") || !strings.Contains(script, "vi = dat$variance") {
		t.Error("yi/vi columns not passed through")
	}
}

func TestRenderScriptSensitivitySubset(t *testing.T) {
	p := orPreferences()
	p.AddOptional(models.OptSensitivityVariable, "quality")
	p.AddOptional(models.OptSensitivityValue, "high")

	script, err := RenderScript(p, "/work/trials.csv", "/work/output")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(script, `dat <- dat[dat$quality == "high", ]`) {
		t.Error("sensitivity subset filter not rendered")
	}
}

func TestRenderScriptUnknownEffectSize(t *testing.T) {
	p := models.NewCollectedParameters()
	p.SetRequired(models.ParamEffectSize, "HR")
	if _, err := RenderScript(p, "/work/x.csv", "/work/out"); err == nil {
		t.Error("expected an error for an unknown effect size")
	}
	if _, err := RenderScript(nil, "/work/x.csv", "/work/out"); err == nil {
		t.Error("expected an error for nil preferences")
	}
}
