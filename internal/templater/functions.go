package templater

import (
	"fmt"
	"math"
	"math/big"
	"sort"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/ext/tryfunc"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	"github.com/zclconf/go-cty/cty/function"
	"github.com/zclconf/go-cty/cty/function/stdlib"
)

// Functions returns the functions a placeholder may call. Nothing else is
// callable.
func Functions() map[string]function.Function {
	return map[string]function.Function{
		// strings
		"upper":      stdlib.UpperFunc,
		"lower":      stdlib.LowerFunc,
		"title":      stdlib.TitleFunc,
		"trimspace":  stdlib.TrimSpaceFunc,
		"replace":    stdlib.ReplaceFunc,
		"join":       stdlib.JoinFunc,
		"split":      stdlib.SplitFunc,
		"strlen":     stdlib.StrlenFunc,
		"substr":     stdlib.SubstrFunc,
		"format":     stdlib.FormatFunc,
		"formatdate": stdlib.FormatDateFunc,
		"jsonencode": stdlib.JSONEncodeFunc,
		// collections
		"length":   stdlib.LengthFunc,
		"keys":     stdlib.KeysFunc,
		"values":   stdlib.ValuesFunc,
		"lookup":   stdlib.LookupFunc,
		"merge":    stdlib.MergeFunc,
		"coalesce": stdlib.CoalesceFunc,
		// numbers
		"abs":   stdlib.AbsoluteFunc,
		"ceil":  stdlib.CeilFunc,
		"floor": stdlib.FloorFunc,
		"max":   stdlib.MaxFunc,
		"min":   stdlib.MinFunc,
		"int":   intFunc,
		"float": floatFunc,
		"round": roundFunc,
		// conversion and fallbacks
		"tostring": tostringFunc,
		"try":      tryfunc.TryFunc,
		"can":      tryfunc.CanFunc,
	}
}

// numeric accepts numbers and numeric strings.
func numeric(v cty.Value) (*big.Float, error) {
	n, err := convert.Convert(v, cty.Number)
	if err != nil {
		return nil, fmt.Errorf("a number is required, got %s", v.Type().FriendlyName())
	}
	return n.AsBigFloat(), nil
}

var intFunc = function.New(&function.Spec{
	Description: "Converts a number or numeric string to an integer, truncating toward zero.",
	Params:      []function.Parameter{{Name: "value", Type: cty.DynamicPseudoType}},
	Type:        function.StaticReturnType(cty.Number),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		f, err := numeric(args[0])
		if err != nil {
			return cty.NilVal, function.NewArgError(0, err)
		}
		i, _ := f.Int(nil)
		return cty.NumberVal(new(big.Float).SetInt(i)), nil
	},
})

var floatFunc = function.New(&function.Spec{
	Description: "Converts a number or numeric string to a number.",
	Params:      []function.Parameter{{Name: "value", Type: cty.DynamicPseudoType}},
	Type:        function.StaticReturnType(cty.Number),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		f, err := numeric(args[0])
		if err != nil {
			return cty.NilVal, function.NewArgError(0, err)
		}
		return cty.NumberVal(f), nil
	},
})

var roundFunc = function.New(&function.Spec{
	Description: "Rounds a number half away from zero.",
	Params:      []function.Parameter{{Name: "value", Type: cty.DynamicPseudoType}},
	Type:        function.StaticReturnType(cty.Number),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		f, err := numeric(args[0])
		if err != nil {
			return cty.NilVal, function.NewArgError(0, err)
		}
		x, _ := f.Float64()
		return cty.NumberFloatVal(math.Round(x)), nil
	},
})

var tostringFunc = function.New(&function.Spec{
	Description: "Renders a primitive as a string and anything else as JSON.",
	Params:      []function.Parameter{{Name: "value", Type: cty.DynamicPseudoType, AllowNull: true}},
	Type:        function.StaticReturnType(cty.String),
	Impl: func(args []cty.Value, _ cty.Type) (cty.Value, error) {
		s, err := asText(args[0])
		if err != nil {
			return cty.NilVal, function.NewArgError(0, err)
		}
		return cty.StringVal(s), nil
	},
})

// checkFunctions rejects calls to anything outside Functions.
func checkFunctions(expr hclsyntax.Expression) error {
	fns := Functions()
	seen := map[string]bool{}
	hclsyntax.VisitAll(expr, func(n hclsyntax.Node) hcl.Diagnostics {
		if call, ok := n.(*hclsyntax.FunctionCallExpr); ok {
			if _, ok := fns[call.Name]; !ok {
				seen[call.Name] = true
			}
		}
		return nil
	})
	if len(seen) == 0 {
		return nil
	}
	names := make([]string, 0, len(seen))
	for n := range seen {
		names = append(names, n)
	}
	sort.Strings(names)
	return fmt.Errorf("unknown function(s): %s", strings.Join(names, ", "))
}
