package main

import (
	"context"
	"testing"
	"time"

	"github.com/nobletooth/levelbag/pkg/config"
	"github.com/nobletooth/levelbag/pkg/port"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsAreConfigured(t *testing.T) {
	conf, err := config.LoadFile("config.json")
	require.NoError(t, err)
	for _, flagErr := range config.CollectUnconfiguredFlags(conf) {
		t.Error(flagErr)
	}
}

func TestConfigIsApplicable(t *testing.T) {
	conf, err := config.LoadFile("config.json")
	require.NoError(t, err)
	assert.NoError(t, config.ApplyFlags(conf))
	_, err = port.NewTaskBag()
	assert.NoError(t, err)
}

func TestRunMetricsServer(t *testing.T) {
	assert.NoError(t, runMetricsServer(t.Context(), "" /*address*/))

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- runMetricsServer(ctx, "127.0.0.1:0") }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Metrics server didn't stop after cancellation.")
	}
}

func TestRunMigrations(t *testing.T) {
	tasks, err := port.NewTaskBag()
	require.NoError(t, err)
	assert.NoError(t, runMigrations(t.Context(), tasks, 0 /*interval*/, 1 /*rounds*/))

	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	assert.NoError(t, runMigrations(ctx, tasks, time.Millisecond, 1 /*rounds*/))
}
