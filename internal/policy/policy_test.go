package policy_test

import (
	"testing"

	"github.com/concord-run/runner/internal/policy"
	"github.com/stretchr/testify/require"
)

func TestDefaultEvaluateDeniesMatchingPattern(t *testing.T) {
	pol := &policy.Policy{
		Rules: []policy.Rule{
			{Pattern: "g:b:*", Status: policy.Deny, Msg: "banned artifact"},
		},
	}

	artifacts := []policy.Artifact{
		{Group: "g", Name: "a", Version: "1"},
		{Group: "g", Name: "b", Version: "2"},
	}

	res, err := (policy.Default{}).Evaluate(pol, artifacts)
	require.NoError(t, err)
	require.Len(t, res.Allow, 1)
	require.Len(t, res.Deny, 1)
	require.Equal(t, "b", res.Deny[0].Artifact.Name)
	require.Equal(t, "banned artifact", res.Deny[0].Rule.Msg)
}

func TestDefaultEvaluateWarnsWithoutDenying(t *testing.T) {
	pol := &policy.Policy{
		Rules: []policy.Rule{
			{Pattern: "g:*:*", Status: policy.Warn},
		},
	}

	res, err := (policy.Default{}).Evaluate(pol, []policy.Artifact{
		{Group: "g", Name: "a", Version: "1"},
	})
	require.NoError(t, err)
	require.Empty(t, res.Deny)
	require.Len(t, res.Warn, 1)
}

func TestDefaultEvaluateNilPolicyAllowsAll(t *testing.T) {
	res, err := (policy.Default{}).Evaluate(nil, []policy.Artifact{
		{Group: "g", Name: "a", Version: "1"},
	})
	require.NoError(t, err)
	require.Len(t, res.Allow, 1)
	require.Empty(t, res.Deny)
	require.Empty(t, res.Warn)
}

func TestLoadMissingPolicyReturnsNil(t *testing.T) {
	dir := t.TempDir()
	pol, err := policy.Load(dir)
	require.NoError(t, err)
	require.Nil(t, pol)
}
