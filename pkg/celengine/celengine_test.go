package celengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEvaluate(t *testing.T) {
	r := Response{
		Status:  200,
		Body:    []byte(`{"data":{"items":[{"id":1},{"id":2}]},"ok":true}`),
		Headers: map[string]string{"Content-Type": "application/json"},
		Vars:    map[string]string{"expected": "2"},
	}

	cases := []struct {
		expr string
		want bool
	}{
		{`status == 200`, true},
		{`body.ok`, true},
		{`size(body.data.items) == int(vars.expected)`, true},
		{`headers["Content-Type"].startsWith("application/json")`, true},
		{`status >= 400`, false},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.expr, r)
		require.NoError(t, err, tc.expr)
		require.Equal(t, tc.want, got, tc.expr)
	}
}

func TestEvaluateErrors(t *testing.T) {
	_, err := Evaluate(`status ==`, Response{Status: 200})
	require.Error(t, err)
	require.Error(t, Validate(`nope(`))

	_, err = Evaluate(`status + 1`, Response{Status: 200})
	require.ErrorContains(t, err, "expected bool")
}

func TestEvaluateDynamicNonJSONBody(t *testing.T) {
	out, err := EvaluateDynamic(`body`, Response{Body: []byte("plain text")})
	require.NoError(t, err)
	require.Equal(t, "plain text", out)

	out, err = EvaluateDynamic(`body.token`, Response{Body: []byte(`{"token":"abc"}`)})
	require.NoError(t, err)
	require.Equal(t, "abc", out)
}
