// SPDX-License-Identifier: AGPL-3.0-only

package seenset

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAddReportsFirstSeenOnly(t *testing.T) {
	s := Default()
	now := time.Now()
	require.True(t, s.Add("a", now))
	require.False(t, s.Add("a", now))
	require.True(t, s.Seen("a"))
	require.False(t, s.Seen("b"))
}

func TestSweepEvictsByAge(t *testing.T) {
	s := New(10*time.Millisecond, 100)
	s.Add("a", time.Now())
	time.Sleep(20 * time.Millisecond)
	s.Add("b", time.Now())
	require.False(t, s.Seen("a"))
	require.True(t, s.Seen("b"))
}

func TestSweepEvictsByCount(t *testing.T) {
	s := New(time.Hour, 3)
	for i := 0; i < 5; i++ {
		s.Add(fmt.Sprintf("id-%d", i), time.Now())
	}
	require.LessOrEqual(t, s.Len(), 3)
	require.True(t, s.Seen("id-4"))
}

func TestAddAgesByGivenTimeNotWallClock(t *testing.T) {
	s := New(60*time.Second, 100)
	old := time.Now().Add(-90 * time.Second)
	require.True(t, s.Add("stale-on-arrival", old))
	require.False(t, s.Seen("stale-on-arrival"), "an entry whose own timestamp is already older than maxAge must not linger a fresh 60s from receipt")
}
