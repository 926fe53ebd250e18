package chat

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/HMasataka/huddle/internal/eventbus"
	"github.com/HMasataka/huddle/pkg/domain"
	"github.com/HMasataka/huddle/pkg/errors"
	"github.com/HMasataka/huddle/pkg/history"
	"github.com/HMasataka/huddle/pkg/transport/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixture struct {
	hub      *Hub
	store    history.Store
	pipeline *Pipeline
}

func newFixture(t *testing.T, store history.Store, bus eventbus.Bus) *fixture {
	t.Helper()
	if store == nil {
		store = history.NewBuffer(history.Capacity)
	}
	hub := startHub(t)
	return &fixture{
		hub:   hub,
		store: store,
		pipeline: NewPipeline(PipelineOptions{
			Hub:      hub,
			Store:    store,
			EventBus: bus,
		}),
	}
}

func (f *fixture) connect(t *testing.T, id string) *fakeConn {
	t.Helper()
	conn := newFakeConn(id)
	conn.OnClose(func() { f.pipeline.HandleDisconnect(context.Background(), conn) })
	require.NoError(t, f.pipeline.Attach(context.Background(), conn))
	return conn
}

func (f *fixture) history(t *testing.T) []wireFrame {
	t.Helper()
	msgs, err := f.store.Recent(context.Background(), history.Capacity)
	require.NoError(t, err)

	out := make([]wireFrame, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, wireFrame{Type: "message", User: m.User, Text: m.Text, Kind: string(m.Kind)})
	}
	return out
}

func frame(typ, user, text string) []byte {
	data := `{"type":"` + typ + `"`
	if user != "" {
		data += `,"user":"` + user + `"`
	}
	if text != "" {
		data += `,"text":"` + text + `"`
	}
	return []byte(data + "}")
}

func TestPipeline_AnaScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	observer := f.connect(t, "observer")
	tab1 := f.connect(t, "tab1")

	// first login announces and lists
	require.NoError(t, f.pipeline.HandleFrame(ctx, tab1, frame("login", "Ana", "")))
	want := []wireFrame{systemFrame("Ana joined"), usersFrame("Ana")}
	assert.Equal(t, want, stripTimestamps(observer.drain(t)))
	assert.Equal(t, want, stripTimestamps(tab1.drain(t)))

	// chat reaches others with a server timestamp, not the sender
	before := time.Now()
	require.NoError(t, f.pipeline.HandleFrame(ctx, tab1, frame("message", "Ana", "hola")))
	got := observer.drain(t)
	require.Len(t, got, 1)
	assert.Equal(t, chatFrame("Ana", "hola"), stripTimestamps(got)[0])
	ts, err := time.Parse(protocol.TimestampLayout, got[0].Timestamp)
	require.NoError(t, err)
	assert.False(t, ts.Before(before.Add(-time.Second)))
	assert.Empty(t, tab1.drain(t))

	// second tab replays history, refreshes the list, no second join
	tab2 := f.connect(t, "tab2")
	assert.Equal(t, []wireFrame{systemFrame("Ana joined"), chatFrame("Ana", "hola")}, stripTimestamps(tab2.drain(t)))
	require.NoError(t, f.pipeline.HandleFrame(ctx, tab2, frame("login", "Ana", "")))
	assert.Equal(t, []wireFrame{usersFrame("Ana")}, stripTimestamps(observer.drain(t)))

	// first tab closes: one connection remains, nothing visible
	require.NoError(t, tab1.Close())
	assert.Empty(t, observer.drain(t))

	// second tab closes: leave announced, empty list
	require.NoError(t, tab2.Close())
	assert.Equal(t, []wireFrame{systemFrame("Ana left"), usersFrame()}, stripTimestamps(observer.drain(t)))

	assert.Equal(t, []wireFrame{
		systemFrame("Ana joined"),
		chatFrame("Ana", "hola"),
		systemFrame("Ana left"),
	}, f.history(t))
}

func TestPipeline_AttachReplaysPriorMessagesFirst(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	for _, text := range []string{"one", "two", "three"} {
		_, err := f.pipeline.Publish(ctx, "Bob", text)
		require.NoError(t, err)
	}

	late := f.connect(t, "late")
	_, err := f.pipeline.Publish(ctx, "Bob", "four")
	require.NoError(t, err)

	assert.Equal(t, []wireFrame{
		chatFrame("Bob", "one"),
		chatFrame("Bob", "two"),
		chatFrame("Bob", "three"),
		chatFrame("Bob", "four"),
	}, stripTimestamps(late.frames(t)))
}

func TestPipeline_ChatBeforeLoginRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	anon := f.connect(t, "anon")
	observer := f.connect(t, "observer")

	err := f.pipeline.HandleFrame(ctx, anon, frame("message", "Ana", "sneaky"))
	assert.ErrorIs(t, err, domain.ErrNotAuthenticated)

	got := anon.frames(t)
	require.Len(t, got, 1)
	assert.Equal(t, "error", got[0].Type)
	assert.Equal(t, errors.CodeNotAuthenticated, got[0].Code)
	assert.Empty(t, observer.frames(t))
	assert.Empty(t, f.history(t))
}

func TestPipeline_MalformedFramesDropped(t *testing.T) {
	tests := []struct {
		name string
		data []byte
	}{
		{"not json", []byte(`hola`)},
		{"missing type", []byte(`{"user":"Ana"}`)},
		{"unknown type", []byte(`{"type":"typing"}`)},
		{"empty username", frame("login", "", "")},
		{"reserved username", frame("login", "System", "")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, nil, nil)
			conn := f.connect(t, "c1")

			err := f.pipeline.HandleFrame(context.Background(), conn, tt.data)
			assert.ErrorIs(t, err, domain.ErrMalformedFrame)

			got := conn.frames(t)
			require.Len(t, got, 1)
			assert.Equal(t, errors.CodeMalformedFrame, got[0].Code)
			assert.False(t, conn.isClosed())
		})
	}
}

func TestPipeline_EmptyChatTextRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	conn := f.connect(t, "c1")
	require.NoError(t, f.pipeline.HandleFrame(ctx, conn, frame("login", "Ana", "")))
	conn.drain(t)

	err := f.pipeline.HandleFrame(ctx, conn, []byte(`{"type":"message","text":"   "}`))
	assert.ErrorIs(t, err, domain.ErrMalformedFrame)
	assert.Equal(t, []wireFrame{systemFrame("Ana joined")}, f.history(t))
}

func TestPipeline_ReloginRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	conn := f.connect(t, "c1")

	require.NoError(t, f.pipeline.HandleFrame(ctx, conn, frame("login", "Ana", "")))
	conn.drain(t)

	err := f.pipeline.HandleFrame(ctx, conn, frame("login", "Bob", ""))
	assert.ErrorIs(t, err, domain.ErrAlreadyBound)

	got := conn.frames(t)
	require.Len(t, got, 1)
	assert.Equal(t, errors.CodeAlreadyBound, got[0].Code)

	usernames, err := f.pipeline.Usernames(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"Ana"}, usernames)
}

func TestPipeline_ClientIdentityAndTimestampIgnored(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	conn := f.connect(t, "c1")
	require.NoError(t, f.pipeline.HandleFrame(ctx, conn, frame("login", "Ana", "")))

	raw := []byte(`{"type":"message","user":"Mallory","text":"hi","timestamp":"2001-01-01T00:00:00Z"}`)
	require.NoError(t, f.pipeline.HandleFrame(ctx, conn, raw))

	msgs, err := f.store.Recent(ctx, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "Ana", msgs[0].User)
	assert.True(t, msgs[0].Timestamp.After(time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestPipeline_TimestampsStrictlyIncrease(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	var wg sync.WaitGroup
	for range 20 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.pipeline.Publish(ctx, "Bob", "x")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	msgs, err := f.store.Recent(ctx, history.Capacity)
	require.NoError(t, err)
	require.Len(t, msgs, 20)
	for i := 1; i < len(msgs); i++ {
		assert.True(t, msgs[i].Timestamp.After(msgs[i-1].Timestamp))
	}
}

type failingStore struct {
	*history.Buffer
}

func (s failingStore) Append(context.Context, domain.Message) error {
	return domain.ErrStoreUnavailable
}

func (s failingStore) Mode() history.Mode { return history.ModeDurable }

func TestPipeline_StoreFailureStillBroadcasts(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.NewInMemoryBus(16, nil)

	var mu sync.Mutex
	var seen []eventbus.EventType
	bus.SubscribeAll(func(e *eventbus.Event) {
		mu.Lock()
		seen = append(seen, e.Type)
		mu.Unlock()
	})
	bus.Start(ctx)
	t.Cleanup(bus.Stop)

	f := newFixture(t, failingStore{history.NewBuffer(history.Capacity)}, bus)
	observer := f.connect(t, "observer")

	msg, err := f.pipeline.Publish(ctx, "Bob", "still here")
	require.NoError(t, err)
	assert.Equal(t, "still here", msg.Text)
	assert.Equal(t, []wireFrame{chatFrame("Bob", "still here")}, stripTimestamps(observer.frames(t)))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 1 && seen[0] == eventbus.EventStoreFallback
	}, time.Second, 5*time.Millisecond)
}

func TestPipeline_PresenceEventsPublished(t *testing.T) {
	ctx := context.Background()
	bus := eventbus.NewInMemoryBus(16, nil)

	joined := make(chan string, 1)
	left := make(chan string, 1)
	bus.Subscribe(eventbus.EventUserJoined, func(e *eventbus.Event) {
		joined <- e.Metadata["client_id"]
	})
	bus.Subscribe(eventbus.EventUserLeft, func(e *eventbus.Event) {
		left <- e.Metadata["client_id"]
	})
	bus.Start(ctx)
	t.Cleanup(bus.Stop)

	f := newFixture(t, nil, bus)
	conn := f.connect(t, "c1")
	require.NoError(t, f.pipeline.HandleLogin(ctx, conn, "Ana"))
	require.NoError(t, conn.Close())

	for _, ch := range []chan string{joined, left} {
		select {
		case id := <-ch:
			assert.Equal(t, "c1", id)
		case <-time.After(time.Second):
			t.Fatal("presence event not published")
		}
	}
}

func TestPipeline_Stats(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	conn := f.connect(t, "c1")
	require.NoError(t, f.pipeline.HandleLogin(ctx, conn, "Ana"))

	stats, err := f.pipeline.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.ConnectedClients)
	assert.Equal(t, 1, stats.PresentUsers)
	assert.Equal(t, history.ModeMemory, f.pipeline.StoreMode())
}

func TestRouter_CustomHandler(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)
	conn := f.connect(t, "c1")

	var got *protocol.Frame
	f.pipeline.router.Register("typing", protocol.HandlerFunc(func(ctx context.Context, fr *protocol.Frame) error {
		c, ok := ConnectionFromContext(ctx)
		require.True(t, ok)
		assert.Equal(t, "c1", c.ID())
		got = fr
		return nil
	}))

	require.NoError(t, f.pipeline.HandleFrame(ctx, conn, []byte(`{"type":"typing"}`)))
	require.NotNil(t, got)
	assert.Equal(t, protocol.FrameType("typing"), got.Type)
}

func TestPipeline_LoginOnClosedConnectionIsRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	for i := range 20 {
		conn := f.connect(t, fmt.Sprintf("closed-%d", i))
		require.NoError(t, conn.Close())

		err := f.pipeline.HandleFrame(ctx, conn, frame("login", fmt.Sprintf("ghost%d", i), ""))
		assert.ErrorIs(t, err, domain.ErrConnectionClosed)
	}

	users, err := f.pipeline.Usernames(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
	assert.Empty(t, f.history(t))
}

func TestPipeline_AttachClosedConnectionIsRefused(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	conn := newFakeConn("late")
	require.NoError(t, conn.Close())

	err := f.pipeline.Attach(ctx, conn)
	assert.ErrorIs(t, err, domain.ErrConnectionClosed)

	stats, err := f.pipeline.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.ConnectedClients)
}

func TestPipeline_LoginRacingCloseLeavesConsistentPresence(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	const n = 40
	var wg sync.WaitGroup
	for i := range n {
		conn := f.connect(t, fmt.Sprintf("race-%d", i))
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = conn.Close()
		}()
		go func() {
			defer wg.Done()
			_ = f.pipeline.HandleFrame(ctx, conn, frame("login", fmt.Sprintf("racer%d", i), ""))
		}()
	}
	wg.Wait()

	users, err := f.pipeline.Usernames(ctx)
	require.NoError(t, err)
	assert.Empty(t, users, "closed connections must not stay present")

	// every join that made it into history is followed by its leave
	hist := f.history(t)
	for i := range n {
		joined, left := -1, -1
		for idx, m := range hist {
			switch m.Text {
			case fmt.Sprintf("racer%d joined", i):
				assert.Equal(t, -1, joined, "duplicate join for racer%d", i)
				joined = idx
			case fmt.Sprintf("racer%d left", i):
				assert.Equal(t, -1, left, "duplicate leave for racer%d", i)
				left = idx
			}
		}
		if joined == -1 {
			assert.Equal(t, -1, left, "racer%d left without joining", i)
			continue
		}
		assert.Greater(t, left, joined, "racer%d must leave after joining", i)
	}
}

func TestPipeline_AttachDuringPublishMissesNothing(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, nil, nil)

	const total = 120
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := range total {
			_, err := f.pipeline.Publish(ctx, "Bot", fmt.Sprintf("m%d", i))
			assert.NoError(t, err)
		}
	}()

	var conns []*fakeConn
	for i := range 30 {
		conns = append(conns, f.connect(t, fmt.Sprintf("reader-%d", i)))
		time.Sleep(time.Millisecond)
	}
	<-done

	for _, conn := range conns {
		frames := conn.frames(t)
		if len(frames) == 0 {
			continue
		}
		first := -1
		for idx, fr := range frames {
			var seq int
			_, err := fmt.Sscanf(fr.Text, "m%d", &seq)
			require.NoError(t, err)
			if idx == 0 {
				first = seq
				continue
			}
			require.Equal(t, first+idx, seq, "connection %s saw a gap", conn.ID())
		}
		assert.Equal(t, total-1, first+len(frames)-1, "connection %s missed the tail", conn.ID())
	}
}
