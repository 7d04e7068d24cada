package dialog

// EffectSizeColumns is the fixed mapping from a chosen effect size to the
// raw data-column roles it needs. Not overridable at runtime.
var EffectSizeColumns = map[string][]string{
	"OR":         {"ai", "ci"},
	"RR":         {"ai", "ci"},
	"RD":         {"ai", "ci"},
	"PETO":       {"ai", "ci"},
	"SMD":        {"n1i", "n2i", "m1i", "m2i", "sd1i", "sd2i"},
	"MD":         {"n1i", "n2i", "m1i", "m2i", "sd1i", "sd2i"},
	"ROM":        {"n1i", "n2i", "m1i", "m2i", "sd1i", "sd2i"},
	"proportion": {"proportion_events", "proportion_total"},
	"IR":         {"proportion_events", "proportion_time"},
	"yi":         {"yi", "vi"},
}

// roleNames describes each column role when asking the user to map it.
var roleNames = map[string]string{
	"ai":                "event count in the intervention arm (ai)",
	"ci":                "event count in the control arm (ci)",
	"n1i":               "sample size of the intervention arm (n1i)",
	"n2i":               "sample size of the control arm (n2i)",
	"m1i":               "mean of the intervention arm (m1i)",
	"m2i":               "mean of the control arm (m2i)",
	"sd1i":              "standard deviation of the intervention arm (sd1i)",
	"sd2i":              "standard deviation of the control arm (sd2i)",
	"proportion_events": "event count (proportion_events)",
	"proportion_total":  "total count (proportion_total)",
	"proportion_time":   "follow-up time (proportion_time)",
	"yi":                "pre-calculated effect estimate (yi)",
	"vi":                "variance of the effect estimate (vi)",
}

// knownEffectSizes lists the accepted effect-size codes in display order.
var knownEffectSizes = []string{"OR", "RR", "RD", "PETO", "SMD", "MD", "ROM", "proportion", "IR", "yi"}

// RequiredColumns returns the raw-column roles the given effect size needs,
// or nil for an unknown effect size.
func RequiredColumns(effectSize string) []string {
	return EffectSizeColumns[effectSize]
}
