package doctor

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestReportCounts(t *testing.T) {
	r := &Report{}
	r.AddCheck(CheckResult{Category: "Schema", Name: "tables", Status: StatusPass, Message: "ok"})
	r.AddCheck(CheckResult{Category: "Hierarchy", Name: "cycles", Status: StatusWarn, Message: "hm"})
	r.AddCheck(CheckResult{Category: "Hierarchy", Name: "orphans", Status: StatusFail, Message: "bad"})

	assert.Equal(t, 1, r.Passed)
	assert.Equal(t, 1, r.Warnings)
	assert.Equal(t, 1, r.Errors)
	assert.True(t, r.HasErrors())
}

func TestReportPrint(t *testing.T) {
	r := &Report{}
	r.AddCheck(CheckResult{Category: "Schema", Status: StatusPass, Message: "All tables present"})
	r.AddCheck(CheckResult{
		Category: "Hierarchy",
		Status:   StatusFail,
		Message:  "2 shares on a cycle",
		Details:  "share 4\nshare 9",
		FixHint:  "Break the cycle",
	})

	var sb strings.Builder
	r.Print(&sb, true)
	out := sb.String()

	assert.Contains(t, out, "Schema")
	assert.Contains(t, out, "✓ All tables present")
	assert.Contains(t, out, "✗ 2 shares on a cycle")
	assert.Contains(t, out, "share 9")
	assert.Contains(t, out, "Fix: Break the cycle")
	assert.Contains(t, out, "Summary: 1 passed, 0 warnings, 1 errors")
}

func TestStatusStrings(t *testing.T) {
	assert.Equal(t, "pass", StatusPass.String())
	assert.Equal(t, "warn", StatusWarn.String())
	assert.Equal(t, "fail", StatusFail.String())
	assert.Equal(t, "unknown", Status(9).String())
	assert.Equal(t, "?", Status(9).Symbol())
}
