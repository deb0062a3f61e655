package extract

import (
	"net/http"
	"testing"

	"github.com/Sternrassler/reqflow/pkg/request"
	"github.com/stretchr/testify/require"
)

func sampleResponse() *request.Response {
	return &request.Response{
		Status: http.StatusOK,
		Header: http.Header{"X-Total": []string{"2"}},
		Body:   []byte(`{"data":{"items":[{"id":1,"name":"a"},{"id":2,"name":"b"}]},"ok":true}`),
	}
}

func TestEvaluate(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	tests := []struct {
		name string
		expr string
		want any
	}{
		{"nested field", `body.data.items[1].name`, "b"},
		{"projection", `body.data.items.map(i, i.id)`, []any{1.0, 2.0}},
		{"status", `status`, 200.0},
		{"header", `headers["x-total"]`, "2"},
		{"bool", `body.ok && status == 200`, true},
		{"object", `body.data.items[0]`, map[string]any{"id": 1.0, "name": "a"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := env.Evaluate(tt.expr, sampleResponse())
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestEvaluateList(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	list, err := env.EvaluateList(`body.data.items`, sampleResponse())
	require.NoError(t, err)
	require.Len(t, list, 2)

	_, err = env.EvaluateList(`body.ok`, sampleResponse())
	require.Error(t, err, "non-list result must fail")
}

func TestCompile_Errors(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	_, err = env.Compile("   ")
	require.Error(t, err)

	_, err = env.Compile("body.")
	require.Error(t, err)

	_, err = env.Evaluate(`body.missing.field`, sampleResponse())
	require.Error(t, err, "missing keys fail at evaluation")
}

func TestCompile_Cached(t *testing.T) {
	env, err := NewEnvironment()
	require.NoError(t, err)

	first, err := env.Compile(" body.ok ")
	require.NoError(t, err)
	require.Equal(t, "body.ok", first.Source())

	_, err = env.Compile("body.ok")
	require.NoError(t, err)
	require.Len(t, env.programs, 1)
}

func TestVars_InvalidBody(t *testing.T) {
	_, err := Vars(&request.Response{Status: 200, Body: []byte("not json")})
	require.Error(t, err)

	_, err = Vars(nil)
	require.Error(t, err)

	vars, err := Vars(&request.Response{Status: 204})
	require.NoError(t, err)
	require.Nil(t, vars["body"])
}
