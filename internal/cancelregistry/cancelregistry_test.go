package cancelregistry

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestTryCancelSignalsRegisteredHandle(t *testing.T) {
	registry := New()
	ctx, cancel := context.WithCancel(context.Background())
	registry.Register(42, cancel)

	require.True(t, registry.IsRunning(42))
	require.True(t, registry.TryCancel(42))
	require.Error(t, ctx.Err())
}

func TestTryCancelUnknownIDReturnsFalse(t *testing.T) {
	registry := New()
	require.False(t, registry.TryCancel(999))
}

func TestUnregisterThenCancelIsNoOp(t *testing.T) {
	registry := New()
	_, cancel := context.WithCancel(context.Background())
	registry.Register(1, cancel)
	registry.Unregister(1)

	require.False(t, registry.IsRunning(1))
	require.False(t, registry.TryCancel(1))
}

func TestTryRegisterConcurrentOnlyOneWins(t *testing.T) {
	registry := New()
	const attempts = 50

	var wg sync.WaitGroup
	alreadyRunningCount := 0
	var mu sync.Mutex

	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, cancel := context.WithCancel(context.Background())
			already := registry.TryRegister(7, cancel)
			if already {
				mu.Lock()
				alreadyRunningCount++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, attempts-1, alreadyRunningCount)
}
