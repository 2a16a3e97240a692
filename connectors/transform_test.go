package connectors

import (
	"context"
	"strings"
	"testing"

	"flow-runner/shared"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zclconf/go-cty/cty"
	"go.uber.org/zap/zaptest"
)

func transformContext(t *testing.T) *shared.ExecutionContext {
	t.Helper()
	ec := shared.NewExecutionContext()
	require.NoError(t, ec.Set("n1", map[string]interface{}{"value": 42}))
	require.NoError(t, ec.Set("n2", []interface{}{
		map[string]interface{}{"name": "ada"},
		map[string]interface{}{"name": "linus"},
	}))
	return ec
}

func TestTransform_Expressions(t *testing.T) {
	ec := transformContext(t)
	transform := NewTransform(0, zaptest.NewLogger(t))

	tests := []struct {
		name       string
		expression string
		want       interface{}
	}{
		{"arithmetic", "n1.output.value * 2", float64(84)},
		{"string function", `upper("done")`, "DONE"},
		{"for expression", "[for u in n2.output : upper(u.name)]", []interface{}{"ADA", "LINUS"}},
		{"object", `{ total = n1.output.value + 1, count = length(n2.output) }`, map[string]interface{}{"total": float64(43), "count": float64(2)}},
		{"whole context", "context.n1.output.value", float64(42)},
		{"conditional", `n1.output.value > 40 ? "big" : "small"`, "big"},
		{"null", "null", nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, err := transform.Execute(context.Background(), map[string]interface{}{"expression": tt.expression}, ec)
			require.NoError(t, err)
			assert.Equal(t, tt.want, out)
		})
	}
}

func TestTransform_ScriptAlias(t *testing.T) {
	out, err := NewTransform(0, nil).Execute(context.Background(), map[string]interface{}{"script": "n1.output.value"}, transformContext(t))
	require.NoError(t, err)
	assert.Equal(t, float64(42), out)
}

func TestTransform_SandboxHasNoHostAccess(t *testing.T) {
	transform := NewTransform(0, nil)
	for _, expr := range []string{
		`file("/etc/passwd")`,
		`env("HOME")`,
		`os.Getenv("HOME")`,
		`process.exit`,
	} {
		_, err := transform.Execute(context.Background(), map[string]interface{}{"expression": expr}, transformContext(t))
		assert.Error(t, err, expr)
	}
}

func TestTransform_Limits(t *testing.T) {
	transform := NewTransform(32, nil)

	_, err := transform.Execute(context.Background(), map[string]interface{}{"expression": strings.Repeat("1 + ", 20) + "1"}, transformContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit is 32")

	_, err = transform.Execute(context.Background(), map[string]interface{}{}, transformContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expression is required")

	_, err = transform.Execute(context.Background(), map[string]interface{}{"expression": "n1.output.value +"}, transformContext(t))
	require.Error(t, err)
}

func TestTransform_EmptyContext(t *testing.T) {
	out, err := NewTransform(0, nil).Execute(context.Background(), map[string]interface{}{"expression": `"static"`}, shared.NewExecutionContext())
	require.NoError(t, err)
	assert.Equal(t, "static", out)
}

func rangeContext(t *testing.T, n int) *shared.ExecutionContext {
	t.Helper()
	items := make([]interface{}, n)
	for i := range items {
		items[i] = float64(i)
	}
	ec := shared.NewExecutionContext()
	require.NoError(t, ec.Set("n1", items))
	return ec
}

func TestTransform_FormatWidthIsCapped(t *testing.T) {
	transform := NewTransform(0, nil)

	_, err := transform.Execute(context.Background(), map[string]interface{}{"expression": `format("%300000000s", "x")`}, transformContext(t))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exceeds 1024")

	_, err = transform.Execute(context.Background(), map[string]interface{}{"expression": `format("%.5000f", 1)`}, transformContext(t))
	require.Error(t, err)

	out, err := transform.Execute(context.Background(), map[string]interface{}{"expression": `format("%%300s %5s|%-3d", "ab", 7)`}, transformContext(t))
	require.NoError(t, err)
	assert.Equal(t, "%300s    ab|7  ", out)
}

func TestTransform_ForNestingIsCapped(t *testing.T) {
	transform := NewTransform(0, nil)
	ec := rangeContext(t, 3)

	out, err := transform.Execute(context.Background(), map[string]interface{}{"expression": `[for a in n1.output : [for b in n1.output : a * b]]`}, ec)
	require.NoError(t, err)
	assert.Len(t, out, 3)

	_, err = transform.Execute(context.Background(), map[string]interface{}{"expression": `[for a in n1.output : [for b in n1.output : [for c in n1.output : a + b + c]]]`}, ec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "nested too deeply")
}

func TestTransform_IterationsAreCapped(t *testing.T) {
	transform := NewTransform(0, nil)
	ec := rangeContext(t, 150)

	// 150 outer plus 150*150 inner elements
	_, err := transform.Execute(context.Background(), map[string]interface{}{"expression": `[for a in n1.output : [for b in n1.output : a + b]]`}, ec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "more than 10000 elements")

	out, err := transform.Execute(context.Background(), map[string]interface{}{"expression": `length([for a in n1.output : a])`}, ec)
	require.NoError(t, err)
	assert.Equal(t, float64(150), out)
}

func TestTransform_ResultSizeIsCapped(t *testing.T) {
	transform := NewTransform(0, nil)
	ec := rangeContext(t, 2000)

	_, err := transform.Execute(context.Background(), map[string]interface{}{"expression": `join("", [for a in n1.output : format("%1000s", "x")])`}, ec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "byte limit")

	_, err = transform.Execute(context.Background(), map[string]interface{}{"expression": `[for a in n1.output : "${format("%1000s", "y")}${a}"]`}, ec)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "limit")
}

func TestTransform_StopsWhenContextIsDone(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	budget := &evalBudget{ctx: ctx}
	require.NoError(t, budget.iterate(10))

	cancel()
	assert.ErrorIs(t, budget.iterate(1), context.Canceled)
	assert.ErrorIs(t, budget.charge(cty.StringVal("x")), context.Canceled)

	_, err := NewTransform(0, nil).Execute(ctx, map[string]interface{}{"expression": `upper("x")`}, transformContext(t))
	assert.ErrorIs(t, err, context.Canceled)
}
