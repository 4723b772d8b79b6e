package state_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/CZERTAINLY/Herald/internal/state"
)

func TestDecode(t *testing.T) {
	var testCases = []struct {
		scenario string
		given    string
		then     state.StateNode
	}{
		{
			scenario: "empty payload",
			given:    "",
			then:     state.StateNode{State: state.Terminated},
		},
		{
			scenario: "blank payload",
			given:    " \n",
			then:     state.StateNode{State: state.Terminated},
		},
		{
			scenario: "running",
			given:    `{"state":"RUNNING"}`,
			then:     state.StateNode{State: state.Running},
		},
		{
			scenario: "failed with trace",
			given:    `{"state":"FAILED","stackTrace":[{"declaringClass":"main","methodName":"main","fileName":"main.go","lineNumber":12}]}`,
			then: state.StateNode{
				State: state.Failed,
				StackTrace: []state.StackTraceElement{
					{DeclaringClass: "main", MethodName: "main", FileName: "main.go", LineNumber: 12},
				},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			node, err := state.Decode([]byte(tc.given))
			require.NoError(t, err)
			require.Equal(t, tc.then, node)
		})
	}

	t.Run("invalid", func(t *testing.T) {
		_, err := state.Decode([]byte(`{"state":"SLEEPING"}`))
		require.Error(t, err)
		_, err = state.Decode([]byte(`not json`))
		require.Error(t, err)
	})
}

func TestEncode(t *testing.T) {
	data, err := state.Encode(state.StateNode{State: state.Stopping})
	require.NoError(t, err)
	require.JSONEq(t, `{"state":"STOPPING"}`, string(data))

	_, err = state.Encode(state.StateNode{State: state.Unknown})
	require.Error(t, err)
}

func TestState(t *testing.T) {
	for _, s := range []state.State{state.Unknown, state.Starting, state.Running, state.Stopping, state.Terminated, state.Failed} {
		parsed, err := state.Parse(strings.ToLower(s.String()))
		require.NoError(t, err)
		require.Equal(t, s, parsed)
	}
	require.True(t, state.Failed.Terminal())
	require.True(t, state.Terminated.Terminal())
	require.False(t, state.Stopping.Terminal())
	require.Equal(t, "State(42)", state.State(42).String())
}

func TestCapture(t *testing.T) {
	trace := state.Capture(0)
	require.NotEmpty(t, trace)
	top := trace[0]
	require.Equal(t, "TestCapture", top.MethodName)
	require.True(t, strings.HasSuffix(top.DeclaringClass, "internal/state_test"), top.DeclaringClass)
	require.True(t, strings.HasSuffix(top.FileName, "state_test.go"))
	require.Positive(t, top.LineNumber)
}
