package template

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func testVars() map[string]any {
	return map[string]any{
		"severity": "high",
		"score":    9.5,
		"count":    3,
		"alert": map[string]any{
			"id":    float64(42),
			"title": "Suspicious login",
		},
		"steps": map[string]any{
			"enrich": map[string]any{
				"output": map[string]any{"verdict": "malicious"},
			},
		},
		"tags": []any{"phishing", "urgent"},
	}
}

func TestRenderWholePlaceholderKeepsType(t *testing.T) {
	v := testVars()

	assert.Equal(t, "high", Render("{{ severity }}", v))
	assert.Equal(t, 9.5, Render("{{score}}", v))
	assert.Equal(t, float64(42), Render("{{ alert.id }}", v))
	assert.Equal(t, map[string]any{"verdict": "malicious"}, Render("{{ steps.enrich.output }}", v))
	assert.Equal(t, []any{"phishing", "urgent"}, Render("{{ tags }}", v))
}

func TestRenderInterpolation(t *testing.T) {
	v := testVars()

	assert.Equal(t, "severity is high", Render("severity is {{ severity }}", v))
	assert.Equal(t, "score 9.5, count 3", Render("score {{score}}, count {{count}}", v))
	assert.Equal(t, "verdict: malicious", Render("verdict: {{ steps.enrich.output.verdict }}", v))
	assert.Equal(t, "tags: [phishing urgent]", Render("tags: {{ tags }}", v))
	assert.Equal(t, "high and 3", Render("{{ severity }} and {{ count }}", v))
}

func TestRenderMissingPath(t *testing.T) {
	v := testVars()

	assert.Equal(t, "", Render("{{ nonexistent }}", v))
	assert.Equal(t, "value: ", Render("value: {{ missing.deep.path }}", v))
	assert.Equal(t, "a  b", Render("a {{ gone }} b", v))
}

func TestRenderNoPlaceholders(t *testing.T) {
	assert.Equal(t, "plain text", Render("plain text", testVars()))
	assert.Equal(t, "half {{ open", Render("half {{ open", testVars()))
}

func TestRenderMap(t *testing.T) {
	v := testVars()
	params := map[string]any{
		"title":  "{{ alert.title }}",
		"score":  "{{ score }}",
		"static": 7,
		"nested": map[string]any{
			"msg": "sev={{ severity }}",
		},
		"list": []any{"{{ severity }}", 1, "x"},
	}

	got := RenderMap(params, v)

	assert.Equal(t, "Suspicious login", got["title"])
	assert.Equal(t, 9.5, got["score"])
	assert.Equal(t, 7, got["static"])
	assert.Equal(t, map[string]any{"msg": "sev=high"}, got["nested"])
	assert.Equal(t, []any{"high", 1, "x"}, got["list"])

	// Input left untouched.
	assert.Equal(t, "{{ alert.title }}", params["title"])
	assert.Nil(t, RenderMap(nil, v))
}
