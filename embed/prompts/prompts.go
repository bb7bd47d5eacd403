package prompts

import _ "embed"

// AnalysisHeader is the static role/context preamble of the sprint
// analysis prompt.
//
//go:embed analysis_header.md
var AnalysisHeader string

// AnalysisFooter is the static instruction and output-format section of the
// sprint analysis prompt.
//
//go:embed analysis_footer.md
var AnalysisFooter string

// Insights is the system prompt for quality-insights generation.
//
//go:embed insights.md
var Insights string
