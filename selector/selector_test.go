// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package selector

import (
	"testing"

	"github.com/absmach/fluxq/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testMessage(t *testing.T) *types.Message {
	t.Helper()
	msg := types.NewTextMessage("payload")
	require.NoError(t, msg.SetProperty("x", types.Int(60)))
	require.NoError(t, msg.SetProperty("price", types.Float(9.5)))
	require.NoError(t, msg.SetProperty("color", types.String("RED")))
	require.NoError(t, msg.SetProperty("magicIndexMessage", types.Bool(true)))
	require.NoError(t, msg.SetProperty("name", types.String("it's_50%")))
	return msg
}

func TestMatch(t *testing.T) {
	msg := testMessage(t)

	tests := []struct {
		expr string
		want bool
	}{
		{"", true},
		{"   ", true},
		{"x >= 50", true},
		{"x < 50", false},
		{"x = 60.0", true},
		{"price > 9", true},
		{"price * 2 = 19", true},
		{"x / 7 = 8", true},
		{"-x < 0", true},
		{"color = 'RED'", true},
		{"color = 'red'", false},
		{"color <> 'BLUE'", true},
		{"magicIndexMessage = TRUE", true},
		{"magicIndexMessage", true},
		{"NOT magicIndexMessage", false},
		{"x BETWEEN 50 AND 70", true},
		{"x NOT BETWEEN 50 AND 70", false},
		{"color IN ('RED', 'GREEN')", true},
		{"color NOT IN ('RED', 'GREEN')", false},
		{"color LIKE 'R%'", true},
		{"color LIKE 'R_D'", true},
		{"color LIKE 'R_'", false},
		{"color NOT LIKE '%E%'", false},
		{"name LIKE 'it''s\\_50\\%' ESCAPE '\\'", true},
		{"name LIKE 'it''s!_%' ESCAPE '!'", true},
		{"missing IS NULL", true},
		{"color IS NOT NULL", true},
		{"x > 50 AND color = 'RED'", true},
		{"x > 100 OR color = 'RED'", true},
		{"(x > 100 OR color = 'BLUE') AND magicIndexMessage", false},
		{"x = 60 and color = 'RED'", true},
	}

	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			got, err := Match(msg, tt.expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestMissingPropertyNeverMatches(t *testing.T) {
	msg := testMessage(t)

	for _, expr := range []string{
		"missing = 1",
		"missing <> 1",
		"NOT (missing = 1)",
		"missing > 0 OR missing <= 0",
		"missing BETWEEN 1 AND 2",
		"missing NOT BETWEEN 1 AND 2",
		"missing IN ('a')",
		"missing NOT IN ('a')",
		"missing LIKE '%'",
		"missing + 1 = 2",
	} {
		got, err := Match(msg, expr)
		require.NoError(t, err, expr)
		assert.False(t, got, expr)
	}
}

func TestUnknownCombinesThreeValued(t *testing.T) {
	msg := testMessage(t)

	got, err := Match(msg, "missing = 1 OR x = 60")
	require.NoError(t, err)
	assert.True(t, got)

	got, err = Match(msg, "missing = 1 AND x = 60")
	require.NoError(t, err)
	assert.False(t, got)

	got, err = Match(msg, "NOT (missing = 1 AND x = 61)")
	require.NoError(t, err)
	assert.True(t, got, "unknown AND false is false")
}

func TestTypeMismatchIsUnknown(t *testing.T) {
	msg := testMessage(t)

	for _, expr := range []string{
		"color = 1",
		"x = 'RED'",
		"magicIndexMessage > FALSE",
		"color < 'S'",
		"x / 0 = 1",
	} {
		got, err := Match(msg, expr)
		require.NoError(t, err, expr)
		assert.False(t, got, expr)
	}
}

func TestParseErrors(t *testing.T) {
	for _, expr := range []string{
		"x >",
		"x = 'open",
		"(x = 1",
		"x BETWEEN 1",
		"x IN (1,",
		"x LIKE 5",
		"x IS 5",
		"x = 1 y",
		"x # 1",
		"x NOT = 1",
		"name LIKE 'a' ESCAPE 'ab'",
	} {
		_, err := Parse(expr)
		assert.ErrorIs(t, err, ErrSyntax, expr)
	}
}

func TestNilSelectorMatchesAll(t *testing.T) {
	var s *Selector
	assert.True(t, s.Matches(types.NewTextMessage("x")))
	assert.Equal(t, "", s.String())

	s, err := Parse("")
	require.NoError(t, err)
	assert.Nil(t, s)
}

func TestSelectorIsReusable(t *testing.T) {
	s := MustParse("even = TRUE")
	even, odd := 0, 0
	for i := 0; i < 100; i++ {
		msg := types.NewTextMessage("m")
		require.NoError(t, msg.SetProperty("even", types.Bool(i%2 == 0)))
		if s.Matches(msg) {
			even++
		} else {
			odd++
		}
	}
	assert.Equal(t, 50, even)
	assert.Equal(t, 50, odd)
}
