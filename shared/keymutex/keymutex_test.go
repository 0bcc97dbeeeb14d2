package keymutex_test

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/filecoin-project/go-quote-market/shared/keymutex"
)

func TestKeyMutex(t *testing.T) {
	km := keymutex.New()

	var a, b int
	counters := map[string]*int{"a": &a, "b": &b}
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		key := "a"
		if i%2 == 0 {
			key = "b"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := km.Lock(key)
			defer unlock()
			*counters[key]++
		}()
	}
	wg.Wait()
	require.Equal(t, 50, a)
	require.Equal(t, 50, b)
}

func TestKeyMutexReleasesKeys(t *testing.T) {
	km := keymutex.New()

	unlockA := km.Lock("a")
	unlockB := km.Lock("b")
	require.Equal(t, 2, km.Len())

	acquired := make(chan struct{})
	go func() {
		unlock := km.Lock("a")
		close(acquired)
		unlock()
	}()

	unlockB()
	require.Equal(t, 1, km.Len())

	unlockA()
	<-acquired
	require.Eventually(t, func() bool { return km.Len() == 0 }, time.Second, time.Millisecond)

	// unlocking twice is harmless
	unlockA()
	require.Equal(t, 0, km.Len())

	var wg sync.WaitGroup
	for i := 0; i < 1000; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			unlock := km.Lock(fmt.Sprintf("quote-%d", i%10))
			unlock()
		}(i)
	}
	wg.Wait()
	require.Equal(t, 0, km.Len())
}
