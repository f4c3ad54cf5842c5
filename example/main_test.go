package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	openpanel "github.com/st-keller/openpanel-client"
)

func TestEmitEventsLogsRejectedCalls(t *testing.T) {
	client := openpanel.New(openpanel.WithLogger(zap.NewNop()))
	assert.NoError(t, client.Shutdown(context.Background()))

	core, logs := observer.New(zapcore.WarnLevel)
	emitEvents(client, zap.New(core))

	warnings := logs.All()
	assert.Len(t, warnings, 6)
	for _, w := range warnings {
		assert.Equal(t, openpanel.ErrClosed.Error(), w.ContextMap()["error"])
	}
	assert.Equal(t, 3, logs.FilterMessage("failed to track event").Len())
}
