package expr

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func vars() map[string]any {
	return map[string]any{
		"severity": "high",
		"score":    7.5,
		"count":    3,
		"closed":   false,
		"tags":     []any{"phishing", "urgent"},
		"message":  "suspicious login detected",
		"event": map[string]any{
			"data": map[string]any{
				"source_ip": "10.0.0.1",
			},
		},
		"steps": map[string]any{
			"s1": map[string]any{"success": true},
			"s2": map[string]any{"success": false},
		},
	}
}

func TestParseShapes(t *testing.T) {
	tests := []struct {
		input string
		op    Op
		path  string
	}{
		{"severity == 'high'", OpEq, "severity"},
		{"severity != 'low'", OpNe, "severity"},
		{"score > 5", OpGt, "score"},
		{"score >= 7.5", OpGe, "score"},
		{"score < 10", OpLt, "score"},
		{"score <= 7.5", OpLe, "score"},
		{"tags.contains('urgent')", OpContains, "tags"},
		{"severity IN ['high','critical']", OpIn, "severity"},
		{"steps.s1.success", OpTruthy, "steps.s1.success"},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			p, err := Parse(tc.input)
			require.NoError(t, err)
			assert.Equal(t, tc.op, p.Op)
			assert.Equal(t, tc.path, p.Path)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, input := range []string{
		"",
		"   ",
		"severity ==",
		"== 'high'",
		"tags.contains('x'",
		"severity IN high,low",
		"severity @@ 'high'",
		"score > abc",
	} {
		t.Run(input, func(t *testing.T) {
			_, err := Parse(input)
			assert.Error(t, err)
		})
	}
}

func TestEvalComparisons(t *testing.T) {
	tests := []struct {
		input string
		want  bool
	}{
		{"severity == 'high'", true},
		{"severity == 'low'", false},
		{"severity != 'low'", true},
		{"score > 5", true},
		{"score > 7.5", false},
		{"score >= 7.5", true},
		{"count < 5", true},
		{"count <= 3", true},
		{"count <= 2", false},
		{"tags.contains('urgent')", true},
		{"tags.contains('benign')", false},
		{"message.contains('login')", true},
		{"severity IN ['high','critical']", true},
		{"severity IN ['low','medium']", false},
		{"count IN [1,2,3]", true},
		{"steps.s1.success", true},
		{"steps.s2.success", false},
		{"closed", false},
		{"event.data.source_ip == '10.0.0.1'", true},
	}
	for _, tc := range tests {
		t.Run(tc.input, func(t *testing.T) {
			got, err := EvalString(tc.input, vars())
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestEvalMissingFields(t *testing.T) {
	v := vars()

	// Missing field: != matches, everything else does not.
	got, err := EvalString("nonexistent != 'x'", v)
	require.NoError(t, err)
	assert.True(t, got)

	for _, input := range []string{
		"nonexistent == 'x'",
		"nonexistent > 1",
		"nonexistent.contains('x')",
		"nonexistent IN ['x']",
		"nonexistent",
		"event.data.missing.deeper == 1",
	} {
		got, err := EvalString(input, v)
		require.NoError(t, err)
		assert.False(t, got, input)
	}
}

func TestEvalTypeMismatch(t *testing.T) {
	// Numeric comparison against a string resolves to false, not an error.
	got, err := EvalString("severity > 5", vars())
	require.NoError(t, err)
	assert.False(t, got)

	got, err = EvalString("score.contains('7')", vars())
	require.NoError(t, err)
	assert.False(t, got)
}

func TestNumericCoercion(t *testing.T) {
	v := map[string]any{"n": int64(7), "m": 7.0}
	for _, input := range []string{"n == 7", "m == 7", "n >= 7", "n IN [6,7]"} {
		got, err := EvalString(input, v)
		require.NoError(t, err)
		assert.True(t, got, input)
	}
}

func TestMatchFilter(t *testing.T) {
	v := vars()

	assert.True(t, MatchFilter(map[string]any{"severity": "high"}, v))
	assert.True(t, MatchFilter(map[string]any{"severity": []any{"high", "critical"}}, v))
	assert.True(t, MatchFilter(map[string]any{
		"severity":             "high",
		"event.data.source_ip": "10.0.0.1",
	}, v))

	assert.False(t, MatchFilter(map[string]any{"severity": "low"}, v))
	assert.False(t, MatchFilter(map[string]any{"severity": []any{"low", "medium"}}, v))
	assert.False(t, MatchFilter(map[string]any{"missing": "x"}, v))
	assert.False(t, MatchFilter(map[string]any{
		"severity": "high",
		"missing":  "x",
	}, v))

	// Empty filter matches everything.
	assert.True(t, MatchFilter(nil, v))
	assert.True(t, MatchFilter(map[string]any{}, v))
}

func TestResolveArrays(t *testing.T) {
	v := map[string]any{"list": []any{"a", map[string]any{"k": "v"}}}

	got, ok := Resolve(v, "list.0")
	require.True(t, ok)
	assert.Equal(t, "a", got)

	got, ok = Resolve(v, "list.1.k")
	require.True(t, ok)
	assert.Equal(t, "v", got)

	_, ok = Resolve(v, "list.5")
	assert.False(t, ok)
	_, ok = Resolve(v, "list.x")
	assert.False(t, ok)
}
