package connectors

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"flow-runner/shared"
	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
	ctyjson "github.com/zclconf/go-cty/cty/json"
	"go.uber.org/zap"
)

const TypeTransform = "transform"

// DefaultMaxExpressionBytes caps the size of a transform expression
const DefaultMaxExpressionBytes = 16 << 10

// contextVariable exposes the whole execution context under one name
const contextVariable = "context"

type transformConfig struct {
	Expression string `mapstructure:"expression"`
	Script     string `mapstructure:"script"`
}

// Bounds applied to every evaluation on top of the expression size limit
const (
	// MaxForDepth is how deeply for expressions may nest
	MaxForDepth = 2
	// MaxIterations is the total number of elements all for expressions in
	// one evaluation may range over
	MaxIterations = 10000
	// MaxFormatWidth caps the width and precision of a format verb
	MaxFormatWidth = 1024
	// MaxResultBytes caps any single string and the encoded result
	MaxResultBytes = 1 << 20
	// MaxElements caps the length of a collection built by a function
	MaxElements = 10000
	// MaxProducedBytes caps the strings built across one evaluation
	MaxProducedBytes = 16 << 20
)

// Transform evaluates an HCL expression over the execution context, e.g.
// `{ total = n1.output.value * 2, names = [for u in n2.output : upper(u.name)] }`.
//
// Expressions are pure: the evaluation context only holds node outputs and a
// fixed set of cty functions. There is no function touching the filesystem,
// network, environment or processes. Each evaluation runs against a budget
// (see the Max* constants) and stops at the first function call or loop
// after ctx is done, so an abandoned evaluation does not keep running.
type Transform struct {
	maxBytes  int
	functions map[string]function.Function
	logger    *zap.Logger
}

func NewTransform(maxExpressionBytes int, logger *zap.Logger) *Transform {
	if maxExpressionBytes <= 0 {
		maxExpressionBytes = DefaultMaxExpressionBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Transform{maxBytes: maxExpressionBytes, functions: sandboxFunctions(), logger: logger}
}

func sandboxFunctions() map[string]function.Function {
	return map[string]function.Function{
		"abs":        stdlib.AbsoluteFunc,
		"ceil":       stdlib.CeilFunc,
		"coalesce":   stdlib.CoalesceFunc,
		"concat":     stdlib.ConcatFunc,
		"contains":   stdlib.ContainsFunc,
		"distinct":   stdlib.DistinctFunc,
		"element":    stdlib.ElementFunc,
		"flatten":    stdlib.FlattenFunc,
		"floor":      stdlib.FloorFunc,
		"format":     stdlib.FormatFunc,
		"join":       stdlib.JoinFunc,
		"jsondecode": stdlib.JSONDecodeFunc,
		"jsonencode": stdlib.JSONEncodeFunc,
		"keys":       stdlib.KeysFunc,
		"length":     stdlib.LengthFunc,
		"lookup":     stdlib.LookupFunc,
		"lower":      stdlib.LowerFunc,
		"max":        stdlib.MaxFunc,
		"merge":      stdlib.MergeFunc,
		"min":        stdlib.MinFunc,
		"replace":    stdlib.ReplaceFunc,
		"reverse":    stdlib.ReverseListFunc,
		"sort":       stdlib.SortFunc,
		"split":      stdlib.SplitFunc,
		"substr":     stdlib.SubstrFunc,
		"title":      stdlib.TitleFunc,
		"trim":       stdlib.TrimFunc,
		"trimprefix": stdlib.TrimPrefixFunc,
		"trimspace":  stdlib.TrimSpaceFunc,
		"trimsuffix": stdlib.TrimSuffixFunc,
		"upper":      stdlib.UpperFunc,
		"values":     stdlib.ValuesFunc,
	}
}

func (t *Transform) Execute(ctx context.Context, config map[string]interface{}, ec *shared.ExecutionContext) (interface{}, error) {
	var cfg transformConfig
	if err := decodeConfig(TypeTransform, config, &cfg); err != nil {
		return nil, err
	}
	src := strings.TrimSpace(firstNonEmpty(cfg.Expression, cfg.Script))
	if src == "" {
		return nil, errors.New("transform: expression is required")
	}
	if len(src) > t.maxBytes {
		return nil, fmt.Errorf("transform: expression is %d bytes, limit is %d", len(src), t.maxBytes)
	}

	expr, diags := hclsyntax.ParseExpression([]byte(src), "transform", hcl.Pos{Line: 1, Column: 1, Byte: 0})
	if diags.HasErrors() {
		return nil, fmt.Errorf("transform: %s", diags.Error())
	}

	budget := &evalBudget{ctx: ctx}
	if diags := hclsyntax.Walk(expr, &boundingWalker{budget: budget}); diags.HasErrors() {
		return nil, fmt.Errorf("transform: %s", diags.Error())
	}

	vars, err := contextVariables(ec)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	t.logger.Info("Transform: evaluating expression", zap.Int("length", len(src)))

	value, diags := expr.Value(&hcl.EvalContext{Variables: vars, Functions: t.boundedFunctions(budget)})
	if diags.HasErrors() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("transform: %s", diags.Error())
	}
	return fromCty(value)
}

// evalBudget tracks what one evaluation has consumed. HCL evaluates on a
// single goroutine, so it needs no locking.
type evalBudget struct {
	ctx        context.Context
	iterations int
	produced   int
}

func (b *evalBudget) iterate(n int) error {
	if err := b.ctx.Err(); err != nil {
		return err
	}
	b.iterations += n
	if b.iterations > MaxIterations {
		return fmt.Errorf("for expressions iterate over more than %d elements", MaxIterations)
	}
	return nil
}

// charge accounts for a value built during evaluation
func (b *evalBudget) charge(v cty.Value) error {
	if err := b.ctx.Err(); err != nil {
		return err
	}
	v, _ = v.Unmark()
	if !v.IsKnown() || v.IsNull() {
		return nil
	}
	ty := v.Type()
	switch {
	case ty == cty.String:
		n := len(v.AsString())
		if n > MaxResultBytes {
			return fmt.Errorf("string of %d bytes exceeds the %d byte limit", n, MaxResultBytes)
		}
		b.produced += n
		if b.produced > MaxProducedBytes {
			return fmt.Errorf("expression builds more than %d bytes of strings", MaxProducedBytes)
		}
	case ty.IsCollectionType() || ty.IsTupleType():
		if n := v.LengthInt(); n > MaxElements {
			return fmt.Errorf("collection of %d elements exceeds the %d element limit", n, MaxElements)
		}
	}
	return nil
}

// boundingWalker rejects deeply nested for expressions and wraps the
// collection of every for, and every interpolated template part, so their
// values are charged to the budget.
type boundingWalker struct {
	budget *evalBudget
	depth  int
}

func (w *boundingWalker) Enter(node hclsyntax.Node) hcl.Diagnostics {
	if e, ok := node.(*hclsyntax.ForExpr); ok {
		w.depth++
		if w.depth > MaxForDepth {
			return hcl.Diagnostics{{
				Severity: hcl.DiagError,
				Summary:  "For expressions nested too deeply",
				Detail:   fmt.Sprintf("At most %d for expressions may be nested.", MaxForDepth),
				Subject:  e.SrcRange.Ptr(),
			}}
		}
	}
	return nil
}

// Exit wraps children after they have been walked, so wrappers are never
// visited themselves.
func (w *boundingWalker) Exit(node hclsyntax.Node) hcl.Diagnostics {
	switch e := node.(type) {
	case *hclsyntax.ForExpr:
		w.depth--
		e.CollExpr = &budgetedExpr{Expression: e.CollExpr, budget: w.budget, iterated: true}
	case *hclsyntax.TemplateExpr:
		for i, part := range e.Parts {
			if _, literal := part.(*hclsyntax.LiteralValueExpr); !literal {
				e.Parts[i] = &budgetedExpr{Expression: part, budget: w.budget}
			}
		}
	}
	return nil
}

type budgetedExpr struct {
	hclsyntax.Expression
	budget   *evalBudget
	iterated bool
}

func (e *budgetedExpr) Value(ctx *hcl.EvalContext) (cty.Value, hcl.Diagnostics) {
	v, diags := e.Expression.Value(ctx)
	if diags.HasErrors() {
		return v, diags
	}
	var err error
	if u, _ := v.Unmark(); e.iterated && u.IsKnown() && !u.IsNull() && u.CanIterateElements() {
		err = e.budget.iterate(u.LengthInt())
	} else {
		err = e.budget.charge(v)
	}
	if err != nil {
		return cty.DynamicVal, append(diags, &hcl.Diagnostic{
			Severity: hcl.DiagError,
			Summary:  "Evaluation limit exceeded",
			Detail:   err.Error(),
			Subject:  e.Range().Ptr(),
		})
	}
	return v, diags
}

func (t *Transform) boundedFunctions(b *evalBudget) map[string]function.Function {
	funcs := make(map[string]function.Function, len(t.functions))
	for name, f := range t.functions {
		funcs[name] = bounded(name, f, b)
	}
	return funcs
}

// bounded checks ctx before f runs and charges its result to b
func bounded(name string, f function.Function, b *evalBudget) function.Function {
	return function.New(&function.Spec{
		Params:   f.Params(),
		VarParam: f.VarParam(),
		Type: func(args []cty.Value) (cty.Type, error) {
			return f.ReturnTypeForValues(args)
		},
		Impl: func(args []cty.Value, retType cty.Type) (cty.Value, error) {
			if err := b.ctx.Err(); err != nil {
				return cty.NilVal, err
			}
			if name == "format" && len(args) > 0 {
				if err := checkFormatVerbs(args[0]); err != nil {
					return cty.NilVal, err
				}
			}
			v, err := f.Call(args)
			if err != nil {
				return cty.NilVal, err
			}
			if err := b.charge(v); err != nil {
				return cty.NilVal, fmt.Errorf("%s: %w", name, err)
			}
			return v, nil
		},
	})
}

var formatVerb = regexp.MustCompile(`^%(?:\[\d+\])?[-+# 0]*(\d*)(?:\.(\d*))?`)

// checkFormatVerbs rejects verbs whose width or precision exceeds
// MaxFormatWidth, e.g. "%300000000s".
func checkFormatVerbs(format cty.Value) error {
	format, _ = format.Unmark()
	if !format.IsKnown() || format.IsNull() || format.Type() != cty.String {
		return nil
	}
	s := format.AsString()
	for i := 0; i < len(s); i++ {
		if s[i] != '%' {
			continue
		}
		if i+1 < len(s) && s[i+1] == '%' {
			i++
			continue
		}
		m := formatVerb.FindStringSubmatch(s[i:])
		for _, digits := range m[1:] {
			if digits == "" {
				continue
			}
			if n, err := strconv.Atoi(digits); err != nil || n > MaxFormatWidth {
				return fmt.Errorf("format: width or precision %s exceeds %d", digits, MaxFormatWidth)
			}
		}
	}
	return nil
}

// contextVariables exposes every node id as a top-level variable plus the
// whole context as `context`.
func contextVariables(ec *shared.ExecutionContext) (map[string]cty.Value, error) {
	data := map[string]interface{}{}
	if ec != nil {
		data = ec.Data()
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("transform: encode context: %w", err)
	}
	ty, err := ctyjson.ImpliedType(raw)
	if err != nil {
		return nil, fmt.Errorf("transform: context type: %w", err)
	}
	whole, err := ctyjson.Unmarshal(raw, ty)
	if err != nil {
		return nil, fmt.Errorf("transform: decode context: %w", err)
	}

	vars := map[string]cty.Value{}
	if whole.LengthInt() > 0 {
		for id, v := range whole.AsValueMap() {
			vars[id] = v
		}
	}
	if _, taken := vars[contextVariable]; !taken {
		vars[contextVariable] = whole
	}
	return vars, nil
}

func fromCty(v cty.Value) (interface{}, error) {
	if !v.IsWhollyKnown() {
		return nil, errors.New("transform: result is not fully known")
	}
	if v.IsNull() {
		return nil, nil
	}
	raw, err := ctyjson.Marshal(v, v.Type())
	if err != nil {
		return nil, fmt.Errorf("transform: encode result: %w", err)
	}
	if len(raw) > MaxResultBytes {
		return nil, fmt.Errorf("transform: result is %d bytes, limit is %d", len(raw), MaxResultBytes)
	}
	var out interface{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("transform: decode result: %w", err)
	}
	return out, nil
}
