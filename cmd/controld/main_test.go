package main

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestIgnoreHangup_ProcessSurvivesSIGHUP(t *testing.T) {
	ignoreHangup()

	// With the default disposition this kills the test process.
	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGHUP))
	time.Sleep(50 * time.Millisecond)
}
