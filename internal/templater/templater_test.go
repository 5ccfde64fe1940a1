package templater

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func renderJSON(t *testing.T, tmpl string, data map[string]any) string {
	t.Helper()
	v, err := New().Render(tmpl, data)
	require.NoError(t, err)
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return string(b)
}

func sampleData() map[string]any {
	return map[string]any{
		"table":      map[string]any{"name": "orders", "id": "t-1"},
		"partitions": map[string]string{"date": "2024-05-01", "hour": "7", "region": "eu west"},
		"dependencies": map[string]map[string]string{
			"raw_orders": {"date": "2024-05-01"},
		},
		"task_table": map[string]any{"debounce_seconds": 30},
	}
}

func TestRenderSubstitutesInsideStrings(t *testing.T) {
	out := renderJSON(t, `{"table": "{{ table.name }}", "key": "s3://bucket/{{ partitions.date }}/{{partitions.hour}}"}`, sampleData())
	assert.JSONEq(t, `{"table":"orders","key":"s3://bucket/2024-05-01/7"}`, out)
}

func TestRenderBarePlaceholderIsJSONValue(t *testing.T) {
	out := renderJSON(t, `{"hour": {{ int(partitions.hour) }}, "next": {{ int(partitions.hour) + 1 }}, "deps": {{ dependencies }}}`, sampleData())
	assert.JSONEq(t, `{"hour":7,"next":8,"deps":{"raw_orders":{"date":"2024-05-01"}}}`, out)
}

func TestRenderExpressions(t *testing.T) {
	cases := map[string]string{
		`"{{ upper(table.name) }}"`:                         `"ORDERS"`,
		`"{{ replace(partitions.region, " ", "-") }}"`:      `"eu-west"`,
		`"{{ try(partitions.missing, "fallback") }}"`:       `"fallback"`,
		`{{ task_table.debounce_seconds * 2 }}`:             `60`,
		`{{ int(partitions.hour) * 2 - 4 }}`:                `10`,
		`{{ float(partitions.hour) / 2 }}`:                  `3.5`,
		`{{ round(7 / 2) }}`:                                `4`,
		`{{ keys(partitions) }}`:                            `["date","hour","region"]`,
		`"{{ join("+", keys(partitions)) }}"`:               `"date+hour+region"`,
		`{{ length(keys(partitions)) }}`:                    `3`,
		`{{ strlen(partitions.region) }}`:                   `7`,
		`"{{ jsonencode(dependencies.raw_orders) }}"`:       `"{\"date\":\"2024-05-01\"}"`,
		`{{ -int(partitions.hour) }}`:                       `-7`,
		`"{{ "a${table.name}" }}"`:                          `"aorders"`,
		`{{ int(partitions.hour) % 4 }}`:                    `3`,
		`{{ partitions.hour + 1 }}`:                         `8`,
		`"{{ lower(trimspace(upper(partitions.region))) }}"`: `"eu west"`,
		`{{ true }}`:                                        `true`,
		`"{{ dependencies["raw_orders"].date }}"`:           `"2024-05-01"`,
		`{{ partitions.hour == "7" ? 1 : 2 }}`:              `1`,
		`{{ {day = partitions.date, n = 1} }}`:              `{"day":"2024-05-01","n":1}`,
		`"{{ tostring(task_table.debounce_seconds) }}"`:     `"30"`,
		`"{{ format("%s/%s", table.name, partitions.date) }}"`: `"orders/2024-05-01"`,
		`"{{ try(partitions.nope, "}}") }}"`:                `"}}"`,
	}
	for tmpl, want := range cases {
		t.Run(tmpl, func(t *testing.T) {
			assert.JSONEq(t, want, renderJSON(t, tmpl, sampleData()))
		})
	}
}

func TestRenderErrors(t *testing.T) {
	cases := map[string]string{
		"undefined variable":   `{"x": "{{ nope.deeper }}"}`,
		"missing attribute":    `{"x": "{{ partitions.nope }}"}`,
		"unknown function":     `{"x": "{{ explode(table.name) }}"}`,
		"unclosed placeholder": `{"x": "{{ table.name "}`,
		"invalid json":         `{"x": {{ upper(table.name) }}`,
		"bad int":              `{"x": {{ int(table.name) }}}`,
		"wrong arity":          `{"x": {{ upper() }}}`,
		"empty expression":     `{"x": "{{ }}"}`,
		"syntax error":         `{"x": {{ table. }}}`,
	}
	for name, tmpl := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := New().Render(tmpl, sampleData())
			require.Error(t, err)
		})
	}
}

func TestRenderEscapesStringContent(t *testing.T) {
	data := map[string]any{"v": map[string]any{"s": `say "hi"` + "\n"}}
	out := renderJSON(t, `{"msg": "<{{ v.s }}>"}`, data)
	assert.JSONEq(t, `{"msg":"<say \"hi\"\n>"}`, out)
}

func TestRenderKeepsEscapedQuotesInLiterals(t *testing.T) {
	out := renderJSON(t, `{"a": "x\"{{ table.name }}", "b": {{ jsonencode(upper(table.name)) }}}`, sampleData())
	assert.JSONEq(t, `{"a":"x\"orders","b":"\"ORDERS\""}`, out)
}

func TestClosingSkipsQuotedAndNestedBraces(t *testing.T) {
	end, ok := closing(` {a = {b = 1}} }} tail`)
	require.True(t, ok)
	assert.Equal(t, 15, end)

	end, ok = closing(` try(x, "}}") }}`)
	require.True(t, ok)
	assert.Equal(t, 14, end)

	_, ok = closing(` table.name `)
	assert.False(t, ok)
}

func TestValidate(t *testing.T) {
	tt := New()
	require.NoError(t, tt.Validate(`{"date": "{{ partitions.date }}", "n": {{ int(partitions.n) + 1 }}}`))
	require.NoError(t, tt.Validate(`{"deps": {{ dependencies }}, "who": "{{ upper(execution.source) }}"}`))
	require.NoError(t, tt.Validate(`{"static": true}`))
	require.Error(t, tt.Validate(`{"date": {{ nope(partitions.date) }}}`))
	require.Error(t, tt.Validate(`{"date": "{{ other.date }}"}`))
	require.Error(t, tt.Validate(`{"date": {{ upper() }}}`))
	require.Error(t, tt.Validate(`{"date": "{{ partitions.date }}"`))
	require.Error(t, tt.Validate(`not json`))
}
