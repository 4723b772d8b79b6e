package zkclient

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSerialExecutor(t *testing.T) {
	e := newSerialExecutor("test")
	go e.loop()

	var (
		mx  sync.Mutex
		got []int
	)
	var wg sync.WaitGroup
	// submitters race, but each one's tasks keep their order
	for g := range 4 {
		wg.Go(func() {
			for i := range 100 {
				e.Execute(func() {
					mx.Lock()
					got = append(got, g*1000+i)
					mx.Unlock()
				})
			}
		})
	}
	e.Execute(func() { panic("boom") })
	wg.Wait()
	e.shutdown()
	<-e.done

	e.Execute(func() { t.Error("task executed after shutdown") })

	require.Len(t, got, 400)
	last := map[int]int{0: -1, 1: -1, 2: -1, 3: -1}
	for _, v := range got {
		g, i := v/1000, v%1000
		require.Greater(t, i, last[g])
		last[g] = i
	}
}

func TestParseConnect(t *testing.T) {
	var testCases = []struct {
		scenario  string
		given     string
		servers   []string
		namespace string
	}{
		{
			scenario: "single",
			given:    "localhost:2181",
			servers:  []string{"localhost:2181"},
		},
		{
			scenario:  "ensemble with namespace",
			given:     "zk1:2181, zk2:2181,zk3:2181/herald/prod/",
			servers:   []string{"zk1:2181", "zk2:2181", "zk3:2181"},
			namespace: "/herald/prod",
		},
		{
			scenario: "root namespace",
			given:    "zk1:2181/",
			servers:  []string{"zk1:2181"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			servers, namespace := parseConnect(tc.given)
			require.Equal(t, tc.servers, servers)
			require.Equal(t, tc.namespace, namespace)
		})
	}
}

func TestPaths(t *testing.T) {
	require.Equal(t, "", parentOf("/"))
	require.Equal(t, "/", parentOf("/a"))
	require.Equal(t, "/a/b", parentOf("/a/b/c"))

	require.Equal(t, "/", Join())
	require.Equal(t, "/a/b/c", Join("a", "/b/", "c"))

	c := &Client{namespace: "/ns"}
	require.Equal(t, "/ns", c.abs("/"))
	require.Equal(t, "/ns/a", c.abs("/a"))
	require.Equal(t, "/", c.rel("/ns"))
	require.Equal(t, "/a", c.rel("/ns/a"))
}
