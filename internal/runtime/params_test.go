package runtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/backend/internal/apperrors"
	"github.com/ocx/backend/internal/domain"
)

func testEvalContext() evalContext {
	return evalContext{
		Trigger: map[string]interface{}{"email": "a@b.com"},
		Steps: map[string]interface{}{
			"fetch": map[string]interface{}{"id": "123", "count": float64(4)},
		},
		Env: map[string]interface{}{"executionId": "exec_1"},
	}
}

func TestResolveParam_Static(t *testing.T) {
	v, err := resolveParam(domain.ParamValue{Mode: domain.ParamModeStatic, Value: "hello"}, testEvalContext())
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestResolveParam_Ref(t *testing.T) {
	v, err := resolveParam(domain.ParamValue{Mode: domain.ParamModeRef, NodeID: "fetch", Path: "id"}, testEvalContext())
	require.NoError(t, err)
	assert.Equal(t, "123", v)
}

func TestResolveParam_RefMissingIsMissingReference(t *testing.T) {
	_, err := resolveParam(domain.ParamValue{Mode: domain.ParamModeRef, NodeID: "fetch", Path: "nope"}, testEvalContext())
	require.Error(t, err)
	assert.Equal(t, apperrors.KindMissingReference, apperrors.KindOf(err))
}

func TestResolveParam_ExpressionSinglePlaceholderKeepsType(t *testing.T) {
	v, err := resolveParam(domain.ParamValue{Mode: domain.ParamModeExpression, Template: "{{steps.fetch.count}}"}, testEvalContext())
	require.NoError(t, err)
	assert.Equal(t, float64(4), v)
}

func TestResolveParam_ExpressionInterpolatesIntoString(t *testing.T) {
	v, err := resolveParam(domain.ParamValue{Mode: domain.ParamModeExpression, Template: "id is {{steps.fetch.id}}"}, testEvalContext())
	require.NoError(t, err)
	assert.Equal(t, "id is 123", v)
}

func TestResolveParameters_ResolvesEveryKey(t *testing.T) {
	params := map[string]domain.ParamValue{
		"email": {Mode: domain.ParamModeExpression, Template: "{{trigger.email}}"},
		"id":    {Mode: domain.ParamModeRef, NodeID: "fetch", Path: "id"},
		"flag":  {Mode: domain.ParamModeStatic, Value: true},
	}
	out, err := resolveParameters(params, testEvalContext())
	require.NoError(t, err)
	assert.Equal(t, "a@b.com", out["email"])
	assert.Equal(t, "123", out["id"])
	assert.Equal(t, true, out["flag"])
}
