package events

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deskvfs/internal/common"
)

func ref(p string) *common.FileRef {
	return &common.FileRef{Path: p, Filename: common.Basename(p), Type: common.TypeFile}
}

func fileEvent(name, p string) Event {
	return Event{Name: name, File: ref(p)}
}

func TestBusHandlersAndSubscribers(t *testing.T) {
	t.Parallel()
	bus := NewBus()

	var got []string
	id := bus.On(func(e Event) { got = append(got, e.Name) })
	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)
	assert.Equal(t, 1, bus.Count())

	bus.Publish(fileEvent(EventWrite, "home:///a"))
	assert.Equal(t, []string{EventWrite}, got)
	e := <-ch
	assert.Equal(t, EventWrite, e.Name)
	assert.NotZero(t, e.Timestamp)

	bus.Off(id)
	bus.Publish(fileEvent(EventDelete, "home:///a"))
	assert.Len(t, got, 1)
	assert.Equal(t, EventDelete, (<-ch).Name)
}

func TestBusDropsForSlowSubscribers(t *testing.T) {
	t.Parallel()
	bus := NewBus()
	ch := bus.Subscribe()

	for i := 0; i < 100; i++ {
		bus.Publish(fileEvent(EventWrite, "home:///a"))
	}
	assert.Len(t, ch, cap(ch))

	bus.Unsubscribe(ch)
	bus.Unsubscribe(ch)
	assert.Equal(t, 0, bus.Count())
}

func TestWatchMatching(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		watch Watch
		path  string
		want  bool
	}{
		{"file exact", Watch{Path: "home:///a.txt", Kind: WatchFile}, "home:///a.txt", true},
		{"file other", Watch{Path: "home:///a.txt", Kind: WatchFile}, "home:///a.txt2", false},
		{"dir child", Watch{Path: "home:///docs", Kind: WatchDir}, "home:///docs/x", true},
		{"dir deep", Watch{Path: "home:///docs", Kind: WatchDir}, "home:///docs/notes/x.txt", true},
		{"dir self", Watch{Path: "home:///docs", Kind: WatchDir}, "home:///docs", false},
		{"dir sibling", Watch{Path: "home:///docs", Kind: WatchDir}, "home:///docsx/a", false},
		{"dir root", Watch{Path: "home:///", Kind: WatchDir}, "home:///a", true},
		{"dir root other scheme", Watch{Path: "home:///", Kind: WatchDir}, "osjs:///a", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.watch.Matches(tt.path))
		})
	}
}

func TestWatchesDispatchOnce(t *testing.T) {
	t.Parallel()
	ws := NewWatches()
	bus := NewBus()
	ws.Attach(bus)

	var calls []Event
	_, err := ws.Add("home:///docs", WatchDir, func(e Event) { calls = append(calls, e) })
	require.NoError(t, err)

	bus.Publish(fileEvent(EventWrite, "home:///docs/notes/x.txt"))
	require.Len(t, calls, 1)
	assert.Equal(t, EventWrite, calls[0].Name)
	assert.Equal(t, "home:///docs/notes/x.txt", calls[0].File.Path)

	// a move inside the watched tree touches both paths but fires once
	assert.Equal(t, 1, ws.Dispatch(Event{Name: EventMove, Source: ref("home:///docs/a"), Destination: ref("home:///docs/b")}))
	assert.Len(t, calls, 2)

	assert.Equal(t, 0, ws.Dispatch(fileEvent(EventWrite, "home:///elsewhere")))
}

func TestWatchesRemoveDuringDispatch(t *testing.T) {
	t.Parallel()
	ws := NewWatches()

	fired := 0
	var second int
	_, err := ws.Add("home:///a", WatchFile, func(Event) {
		fired++
		ws.Remove(second)
	})
	require.NoError(t, err)
	second, err = ws.Add("home:///a", WatchFile, func(Event) { fired++ })
	require.NoError(t, err)

	// snapshot taken before the first callback removes the second watch
	assert.Equal(t, 2, ws.Dispatch(fileEvent(EventWrite, "home:///a")))
	assert.Equal(t, 2, fired)
	assert.Equal(t, 1, ws.Dispatch(fileEvent(EventWrite, "home:///a")))
	assert.False(t, ws.Remove(second))
}

func TestWatchesAddValidation(t *testing.T) {
	t.Parallel()
	ws := NewWatches()
	_, err := ws.Add("home:///a", WatchFile, nil)
	assert.ErrorIs(t, err, common.ErrInvalidArgument)
	_, err = ws.Add("home:///a", "glob", func(Event) {})
	assert.ErrorIs(t, err, common.ErrInvalidArgument)

	id, err := ws.Add("home://a/./b/", WatchFile, func(Event) {})
	require.NoError(t, err)
	assert.Equal(t, "home:///a/b", ws.List()[0].Path)
	assert.Equal(t, id, ws.List()[0].ID)
}

func TestMarshalEvent(t *testing.T) {
	t.Parallel()
	data, err := MarshalEvent(fileEvent(EventMkdir, "home:///d"))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, EventMkdir, m["name"])
	assert.NotContains(t, m, "source")
}
