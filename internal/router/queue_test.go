package router

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/mediarunner/pipelined/internal/media"
)

func TestEdgeQueue_PushPopFIFO(t *testing.T) {
	q := newEdgeQueue(4, DropOldest, nil)
	q.push(edgeItem{packet: media.NewText("1"), sequence: 1})
	q.push(edgeItem{packet: media.NewText("2"), sequence: 2})

	item, ok := q.pop()
	assert.True(t, ok)
	assert.Equal(t, "1", item.packet.Text)

	item, ok = q.pop()
	assert.True(t, ok)
	assert.Equal(t, "2", item.packet.Text)
}

func TestEdgeQueue_DropOldestOnOverflow(t *testing.T) {
	var drops int
	q := newEdgeQueue(2, DropOldest, func(string) { drops++ })
	q.push(edgeItem{packet: media.NewText("1")})
	q.push(edgeItem{packet: media.NewText("2")})
	q.push(edgeItem{packet: media.NewText("3")}) // overflow: drops "1"

	assert.Equal(t, 1, drops)
	item, _ := q.pop()
	assert.Equal(t, "2", item.packet.Text)
	item, _ = q.pop()
	assert.Equal(t, "3", item.packet.Text)
}

func TestEdgeQueue_DropNewestOnOverflow(t *testing.T) {
	var drops int
	q := newEdgeQueue(2, DropNewest, func(string) { drops++ })
	q.push(edgeItem{packet: media.NewText("1")})
	q.push(edgeItem{packet: media.NewText("2")})
	q.push(edgeItem{packet: media.NewText("3")}) // overflow: drops "3"

	assert.Equal(t, 1, drops)
	item, _ := q.pop()
	assert.Equal(t, "1", item.packet.Text)
	item, _ = q.pop()
	assert.Equal(t, "2", item.packet.Text)
}

func TestEdgeQueue_BlockUntilSpace(t *testing.T) {
	q := newEdgeQueue(1, Block, nil)
	q.push(edgeItem{packet: media.NewText("1")})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		q.push(edgeItem{packet: media.NewText("2")})
	}()

	time.Sleep(10 * time.Millisecond)
	item, _ := q.pop() // frees capacity, unblocks the goroutine
	assert.Equal(t, "1", item.packet.Text)

	wg.Wait()
	item, ok := q.pop()
	assert.True(t, ok)
	assert.Equal(t, "2", item.packet.Text)
}

func TestEdgeQueue_CloseDrainsThenStops(t *testing.T) {
	q := newEdgeQueue(4, DropOldest, nil)
	q.push(edgeItem{packet: media.NewText("1")})
	q.close()

	item, ok := q.pop()
	assert.True(t, ok)
	assert.Equal(t, "1", item.packet.Text)

	_, ok = q.pop()
	assert.False(t, ok)
}

func TestEdgeQueue_PushAfterCloseFails(t *testing.T) {
	q := newEdgeQueue(4, DropOldest, nil)
	q.close()
	ok := q.push(edgeItem{packet: media.NewText("1")})
	assert.False(t, ok)
}

func TestParseDropPolicy(t *testing.T) {
	assert.Equal(t, DropOldest, ParseDropPolicy("drop_oldest"))
	assert.Equal(t, DropNewest, ParseDropPolicy("drop_newest"))
	assert.Equal(t, Block, ParseDropPolicy("block"))
	assert.Equal(t, DropOldest, ParseDropPolicy("garbage"))
}
