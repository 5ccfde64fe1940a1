// Package templater renders task payload templates: JSON documents carrying
// {{ expression }} placeholders. Expressions use HCL expression syntax
// restricted to the render context roots and the functions in Functions.
//
//	{"date": "{{ partitions.date }}", "day": {{ int(partitions.day) + 1 }}}
//
// A placeholder inside a JSON string is spliced in as text; a bare
// placeholder is spliced in as a JSON value.
package templater

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/hclsyntax"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/convert"
	ctyjson "github.com/zclconf/go-cty/cty/json"
)

const filename = "payload_template"

// Roots are the variables a template may reference.
var Roots = []string{"table", "partitions", "dependencies", "execution", "task_executor", "task_table", "schedule"}

type Templater struct{}

func New() Templater { return Templater{} }

type segment struct {
	text     string
	expr     hclsyntax.Expression
	inString bool
}

// Render evaluates tmpl against data and parses the result as JSON.
func (Templater) Render(tmpl string, data map[string]any) (any, error) {
	segs, err := split(tmpl)
	if err != nil {
		return nil, err
	}
	vars, err := variables(data)
	if err != nil {
		return nil, err
	}
	out, err := render(segs, &hcl.EvalContext{Variables: vars, Functions: Functions()})
	if err != nil {
		return nil, err
	}
	return decode(out)
}

// Validate checks placeholder syntax, variable roots, function names and
// arity, and that the document is JSON once every placeholder is substituted.
func (Templater) Validate(tmpl string) error {
	segs, err := split(tmpl)
	if err != nil {
		return err
	}
	vars := make(map[string]cty.Value, len(Roots))
	for _, r := range Roots {
		vars[r] = cty.DynamicVal
	}
	out, err := render(segs, &hcl.EvalContext{Variables: vars, Functions: Functions()})
	if err != nil {
		return err
	}
	_, err = decode(out)
	return err
}

// variables converts the render context into cty values through JSON so that
// nested maps become objects addressable with attribute syntax.
func variables(data map[string]any) (map[string]cty.Value, error) {
	vars := make(map[string]cty.Value, len(data))
	for name, v := range data {
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("context %s: %w", name, err)
		}
		ty, err := ctyjson.ImpliedType(raw)
		if err != nil {
			return nil, fmt.Errorf("context %s: %w", name, err)
		}
		val, err := ctyjson.Unmarshal(raw, ty)
		if err != nil {
			return nil, fmt.Errorf("context %s: %w", name, err)
		}
		vars[name] = val
	}
	return vars, nil
}

func decode(out []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(out))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("rendered payload is not valid JSON: %w", err)
	}
	if dec.More() {
		return nil, fmt.Errorf("rendered payload has trailing data")
	}
	return v, nil
}

// render splices every placeholder's value into the literal text. Values
// still unknown after evaluation, as during Validate, are written as 0.
func render(segs []segment, ectx *hcl.EvalContext) ([]byte, error) {
	var buf bytes.Buffer
	for _, s := range segs {
		if s.expr == nil {
			buf.WriteString(s.text)
			continue
		}
		val, diags := s.expr.Value(ectx)
		if diags.HasErrors() {
			return nil, fmt.Errorf("{{%s}}: %s", s.text, diags.Error())
		}
		if !val.IsWhollyKnown() {
			buf.WriteString("0")
			continue
		}
		if s.inString {
			text, err := asText(val)
			if err != nil {
				return nil, fmt.Errorf("{{%s}}: %w", s.text, err)
			}
			quoted, _ := json.Marshal(text)
			buf.Write(quoted[1 : len(quoted)-1])
			continue
		}
		b, err := asJSON(val)
		if err != nil {
			return nil, fmt.Errorf("{{%s}}: %w", s.text, err)
		}
		buf.Write(b)
	}
	return buf.Bytes(), nil
}

func asJSON(val cty.Value) ([]byte, error) {
	if val.IsNull() {
		return []byte("null"), nil
	}
	return ctyjson.Marshal(val, val.Type())
}

// asText renders primitives bare and collections as JSON; null is empty.
func asText(val cty.Value) (string, error) {
	if val.IsNull() {
		return "", nil
	}
	if val.Type().IsPrimitiveType() {
		s, err := convert.Convert(val, cty.String)
		if err != nil {
			return "", err
		}
		return s.AsString(), nil
	}
	b, err := ctyjson.Marshal(val, val.Type())
	return string(b), err
}

// split cuts tmpl into literal and placeholder segments, tracking whether
// each placeholder sits inside a JSON string.
func split(tmpl string) ([]segment, error) {
	var (
		segs     []segment
		lit      strings.Builder
		inString bool
		escaped  bool
	)
	for i := 0; i < len(tmpl); {
		if strings.HasPrefix(tmpl[i:], "{{") {
			end, ok := closing(tmpl[i+2:])
			if !ok {
				return nil, fmt.Errorf("unclosed placeholder at offset %d", i)
			}
			src := tmpl[i+2 : i+2+end]
			if strings.TrimSpace(src) == "" {
				return nil, fmt.Errorf("empty placeholder at offset %d", i)
			}
			expr, diags := hclsyntax.ParseExpression([]byte(src), filename, hcl.InitialPos)
			if diags.HasErrors() {
				return nil, fmt.Errorf("placeholder at offset %d: %s", i, diags.Error())
			}
			if err := checkFunctions(expr); err != nil {
				return nil, fmt.Errorf("placeholder at offset %d: %w", i, err)
			}
			if lit.Len() > 0 {
				segs = append(segs, segment{text: lit.String()})
				lit.Reset()
			}
			segs = append(segs, segment{text: src, expr: expr, inString: inString})
			i += end + 4
			continue
		}
		c := tmpl[i]
		switch {
		case inString && escaped:
			escaped = false
		case inString && c == '\\':
			escaped = true
		case c == '"':
			inString = !inString
		}
		lit.WriteByte(c)
		i++
	}
	if lit.Len() > 0 {
		segs = append(segs, segment{text: lit.String()})
	}
	return segs, nil
}

// closing returns the offset of the "}}" ending a placeholder whose body
// starts at src[0]. The body is lexed as HCL so braces and "}}" inside
// quoted strings or object constructors do not end it.
func closing(src string) (int, bool) {
	toks, _ := hclsyntax.LexExpression([]byte(src), filename, hcl.InitialPos)
	depth := 0
	for i, tok := range toks {
		switch tok.Type {
		case hclsyntax.TokenOBrace, hclsyntax.TokenTemplateInterp, hclsyntax.TokenTemplateControl:
			depth++
		case hclsyntax.TokenTemplateSeqEnd:
			depth--
		case hclsyntax.TokenCBrace:
			if depth > 0 {
				depth--
				continue
			}
			if i+1 < len(toks) && toks[i+1].Type == hclsyntax.TokenCBrace &&
				toks[i+1].Range.Start.Byte == tok.Range.End.Byte {
				return tok.Range.Start.Byte, true
			}
		}
	}
	return 0, false
}
