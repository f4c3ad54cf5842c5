package openpanel

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMailboxRunsJobsInOrder(t *testing.T) {
	m := newMailbox()

	var got []int
	for i := 0; i < 1000; i++ {
		i := i
		require.True(t, m.post(func() { got = append(got, i) }))
	}
	m.close()
	<-m.done

	require.Len(t, got, 1000)
	for i, v := range got {
		assert.Equal(t, i, v)
	}
}

func TestMailboxJobsPostedFromJobsRunAfterCurrentBatch(t *testing.T) {
	m := newMailbox()

	var got []string
	gate := make(chan struct{})
	finished := make(chan struct{})
	m.post(func() {
		<-gate
		got = append(got, "first")
		m.post(func() {
			got = append(got, "nested")
			close(finished)
		})
	})
	m.post(func() { got = append(got, "second") })
	close(gate)

	<-finished
	assert.Equal(t, []string{"first", "second", "nested"}, got)
}

func TestMailboxRejectsAfterClose(t *testing.T) {
	m := newMailbox()
	m.close()
	<-m.done

	assert.False(t, m.post(func() {}))
	assert.NotPanics(t, m.close)
}

func TestMailboxSerializesConcurrentPosts(t *testing.T) {
	m := newMailbox()

	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.post(func() { counter++ })
			}
		}()
	}
	wg.Wait()
	m.close()
	<-m.done

	assert.Equal(t, 5000, counter)
}
