package services

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExpressionEvaluator(t *testing.T) {
	scope := map[string]interface{}{
		"count":  float64(5),
		"name":   "alpha",
		"ready":  true,
		"result": map[string]interface{}{"status": "ok", "score": float64(80)},
	}
	evaluator := NewExpressionEvaluator()

	tests := []struct {
		expression string
		want       bool
	}{
		{"true", true},
		{"false", false},
		{"!false", true},
		{"5 > 3", true},
		{"5 < 3", false},
		{"5 >= 5", true},
		{"2 <= 1", false},
		{"count > 3", true},
		{"count === 5", true},
		{"count !== 5", false},
		{"count == 5", true},
		{"name === 'alpha'", true},
		{"name === \"beta\"", false},
		{"name !== 'beta'", true},
		{"ready && count > 1", true},
		{"ready && count > 10", false},
		{"count > 10 || name === 'alpha'", true},
		{"(count > 10 || ready) && name === 'alpha'", true},
		{"result.status === 'ok'", true},
		{"result.score >= 80", true},
		{"result.missing === 'x'", false},
		{"missing", false},
		{"null", false},
		{"-3 < 0", true},
		{"'a' < 'b'", true},
	}
	for _, tc := range tests {
		got, err := evaluator.EvaluateBool(tc.expression, scope)
		require.NoError(t, err, "expression %q", tc.expression)
		assert.Equal(t, tc.want, got, "expression %q", tc.expression)
	}
}

func TestExpressionEvaluatorErrors(t *testing.T) {
	evaluator := NewExpressionEvaluator()
	for _, expression := range []string{
		"(5 > 3",
		"'unterminated",
		"5 >",
		"@invalid",
		"5 > 'a'",
	} {
		_, err := evaluator.Evaluate(expression, nil)
		assert.Error(t, err, "expression %q", expression)
	}
}

func TestSubstituteString(t *testing.T) {
	scope := map[string]interface{}{
		"user": map[string]interface{}{"name": "ada", "id": float64(7)},
		"flag": true,
	}

	assert.Equal(t, "ada", SubstituteString("${user.name}", scope))
	assert.Equal(t, "hello ada (7)", SubstituteString("hello ${user.name} (${user.id})", scope))
	// a single-placeholder string yields the raw value
	assert.Equal(t, true, SubstituteString("${flag}", scope))
	// undefined paths leave the placeholder intact
	assert.Equal(t, "${missing.path}", SubstituteString("${missing.path}", scope))
}

func TestSubstituteValueWalksStructures(t *testing.T) {
	scope := map[string]interface{}{"env": "prod"}
	input := map[string]interface{}{
		"target": "${env}",
		"nested": map[string]interface{}{"list": []interface{}{"${env}", "static"}},
	}
	out := SubstituteValue(input, scope).(map[string]interface{})
	assert.Equal(t, "prod", out["target"])
	nested := out["nested"].(map[string]interface{})
	assert.Equal(t, []interface{}{"prod", "static"}, nested["list"])
}

func TestSubstituteExpressionEncodesJSON(t *testing.T) {
	scope := map[string]interface{}{
		"name":  "alpha",
		"count": float64(5),
		"flag":  true,
	}
	substituted := SubstituteExpression("${name} === 'alpha' && ${count} > 3 && ${flag}", scope)
	assert.Equal(t, `"alpha" === 'alpha' && 5 > 3 && true`, substituted)

	got, err := NewExpressionEvaluator().EvaluateBool(substituted, scope)
	require.NoError(t, err)
	assert.True(t, got)
}
