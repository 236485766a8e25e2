package virtio

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func TestRoundTrip(t *testing.T) {
	for _, layout := range []Layout{LayoutSplit, LayoutContiguous} {
		t.Run(layout.String(), func(t *testing.T) {
			r := newRig(t, rigConfig{})
			d := r.mustInitialize(t, Options{Layout: layout})
			r.run(t, d)
			q, err := d.Queue(0)
			require.NoError(t, err)

			in := r.dma(t, 64, []byte("ping"))
			out := r.dma(t, 64, nil)
			token, err := q.Submit(
				Buffer{Addr: in.Physical(), Len: 4},
				Buffer{Addr: out.Physical(), Len: 64, Writable: true},
			)
			require.NoError(t, err)
			assert.Equal(t, int(q.Size())-2, q.NumFree())

			done, err := q.WaitForCompletion(context.Background(), 2*time.Second)
			require.NoError(t, err)
			require.Equal(t, []Completion{{Token: token, Written: 4}}, done)
			assert.Equal(t, "ping", string(out.Bytes()[:4]))
			assert.Equal(t, int(q.Size()), q.NumFree())
			assert.Equal(t, 1.0, r.metricValue(t, "virtio_transport_completions_total", map[string]string{"queue": "0"}))
		})
	}
}

func TestFreeListInvariant(t *testing.T) {
	for _, size := range []uint16{1, 2, 4, 8, 16, 32, 64, 128, 256} {
		t.Run(strconv.Itoa(int(size)), func(t *testing.T) {
			r := newRig(t, rigConfig{manual: true, maxSize: 256})
			d := r.mustInitialize(t, Options{MaxQueueSize: size})
			q, err := d.Queue(0)
			require.NoError(t, err)
			require.Equal(t, size, q.Size())

			buf := r.dma(t, 4096, nil)
			for round := 0; round < 3; round++ {
				submitted := 0
				for k := 1; ; k = k%3 + 1 {
					bufs := make([]Buffer, min(k, int(size)))
					for i := range bufs {
						bufs[i] = Buffer{Addr: buf.Physical() + uint64(i*64), Len: 64, Writable: true}
					}
					_, err := q.Submit(bufs...)
					if errors.Is(err, ErrQueueFull) {
						break
					}
					require.NoError(t, err)
					submitted++
				}
				assert.Less(t, q.NumFree(), 3)

				processed, err := r.loop.Process(r.dev, 0)
				require.NoError(t, err)
				require.Equal(t, submitted, processed)

				done, err := q.Poll()
				require.NoError(t, err)
				assert.Len(t, done, submitted)
				assert.Equal(t, int(size), q.NumFree(), "round %d", round)
			}
		})
	}
}

func TestManySubmissionsWrapIndices(t *testing.T) {
	const total = 65536
	r := newRig(t, rigConfig{maxSize: 256})
	d := r.mustInitialize(t, Options{})
	q, err := d.Queue(0)
	require.NoError(t, err)

	buf := r.dma(t, 4096, []byte("x"))
	var last Token
	completed := 0
	for submitted := 0; submitted < total; {
		_, err := q.Submit(Buffer{Addr: buf.Physical(), Len: 1}, Buffer{Addr: buf.Physical() + 64, Len: 1, Writable: true})
		if errors.Is(err, ErrQueueFull) {
			done, err := q.Poll()
			require.NoError(t, err)
			require.NotEmpty(t, done)
			for _, c := range done {
				require.Greater(t, c.Token, last)
				last = c.Token
				require.Equal(t, uint32(1), c.Written)
			}
			completed += len(done)
			continue
		}
		require.NoError(t, err)
		submitted++
	}
	done, err := q.Poll()
	require.NoError(t, err)
	completed += len(done)

	assert.Equal(t, total, completed)
	assert.Equal(t, int(q.Size()), q.NumFree())
	assert.NoError(t, q.Broken())
}

func TestConcurrentSubmitAndReap(t *testing.T) {
	const (
		workers   = 64
		perWorker = 200
	)
	r := newRig(t, rigConfig{maxSize: 64})
	d := r.mustInitialize(t, Options{})
	r.run(t, d)
	q, err := d.Queue(0)
	require.NoError(t, err)
	buf := r.dma(t, 4096, nil)

	var (
		mu   sync.Mutex
		seen = make(map[Token]bool)
	)
	record := func(done []Completion) error {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range done {
			if seen[c.Token] {
				return errors.New("token reaped twice")
			}
			seen[c.Token] = true
		}
		return nil
	}

	var g errgroup.Group
	for w := 0; w < workers; w++ {
		g.Go(func() error {
			for i := 0; i < perWorker; {
				_, err := q.Submit(Buffer{Addr: buf.Physical(), Len: 16, Writable: true})
				if errors.Is(err, ErrQueueFull) {
					done, err := q.Poll()
					if err != nil {
						return err
					}
					if err := record(done); err != nil {
						return err
					}
					continue
				}
				if err != nil {
					return err
				}
				i++
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	done, err := q.Poll()
	require.NoError(t, err)
	require.NoError(t, record(done))
	assert.Len(t, seen, workers*perWorker)
	assert.Equal(t, int(q.Size()), q.NumFree())
}

func TestSubmitErrors(t *testing.T) {
	r := newRig(t, rigConfig{manual: true})
	d := r.mustInitialize(t, Options{MaxQueueSize: 4})
	q, err := d.Queue(0)
	require.NoError(t, err)
	buf := r.dma(t, 64, nil)
	b := Buffer{Addr: buf.Physical(), Len: 8, Writable: true}

	_, err = q.Submit()
	assert.ErrorIs(t, err, ErrEmptyChain)

	_, err = q.Submit(b, b, b, b, b)
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrQueueFull), "a chain longer than the queue can never fit")

	for i := 0; i < 4; i++ {
		_, err := q.Submit(b)
		require.NoError(t, err)
	}
	_, err = q.Submit(b)
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 1.0, r.metricValue(t, "virtio_transport_queue_full_total", map[string]string{"queue": "0"}))
	assert.Equal(t, 0.0, r.metricValue(t, "virtio_transport_free_descriptors", map[string]string{"queue": "0"}))
}

func TestProtocolViolations(t *testing.T) {
	for _, tc := range []struct {
		name    string
		id, len uint32
		head    uint32
	}{
		{name: "IndexBeyondTable", id: 9999, head: 9999},
		{name: "NotOutstanding", id: 3, head: 3},
		{name: "WrittenBeyondCapacity", id: 0, len: 100, head: 0},
	} {
		t.Run(tc.name, func(t *testing.T) {
			r := newRig(t, rigConfig{manual: true})
			d := r.mustInitialize(t, Options{MaxQueueSize: 8})
			q, err := d.Queue(0)
			require.NoError(t, err)
			buf := r.dma(t, 64, nil)

			_, err = q.Submit(Buffer{Addr: buf.Physical(), Len: 8, Writable: true})
			require.NoError(t, err)
			require.NoError(t, r.dev.InjectUsed(0, tc.id, tc.len))

			_, err = q.Poll()
			require.ErrorIs(t, err, ErrProtocolViolation)
			var perr *ProtocolError
			require.True(t, errors.As(err, &perr))
			assert.Equal(t, tc.head, perr.Head)
			assert.Equal(t, uint16(0), perr.Queue)

			assert.ErrorIs(t, q.Broken(), ErrProtocolViolation)
			_, err = q.Submit(Buffer{Addr: buf.Physical(), Len: 8})
			assert.ErrorIs(t, err, ErrProtocolViolation)
			_, err = q.WaitForCompletion(context.Background(), time.Second)
			assert.ErrorIs(t, err, ErrProtocolViolation)
			assert.Equal(t, 1.0, r.metricValue(t, "virtio_transport_protocol_violations_total", map[string]string{"queue": "0"}))
		})
	}
}

func TestPollReturnsCompletionsBeforeViolation(t *testing.T) {
	r := newRig(t, rigConfig{manual: true})
	d := r.mustInitialize(t, Options{MaxQueueSize: 8})
	q, err := d.Queue(0)
	require.NoError(t, err)
	buf := r.dma(t, 64, nil)

	token, err := q.Submit(Buffer{Addr: buf.Physical(), Len: 8, Writable: true})
	require.NoError(t, err)
	_, err = r.loop.Process(r.dev, 0)
	require.NoError(t, err)
	require.NoError(t, r.dev.InjectUsed(0, 0, 0))

	done, err := q.Poll()
	require.ErrorIs(t, err, ErrProtocolViolation)
	assert.Equal(t, []Completion{{Token: token}}, done)
}

func TestWaitForCompletionTimeout(t *testing.T) {
	r := newRig(t, rigConfig{manual: true})
	d := r.mustInitialize(t, Options{})
	r.run(t, d)
	q, err := d.Queue(0)
	require.NoError(t, err)

	_, err = q.WaitForCompletion(context.Background(), 0)
	assert.ErrorIs(t, err, ErrTimeout)

	buf := r.dma(t, 64, nil)
	_, err = q.Submit(Buffer{Addr: buf.Physical(), Len: 8, Writable: true})
	require.NoError(t, err)

	start := time.Now()
	_, err = q.WaitForCompletion(context.Background(), 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = q.WaitForCompletion(ctx, time.Second)
	assert.ErrorIs(t, err, context.Canceled)

	// The abandoned chain is still reaped once the device gets to it.
	_, err = r.loop.Process(r.dev, 0)
	require.NoError(t, err)
	done, err := q.WaitForCompletion(context.Background(), 2*time.Second)
	require.NoError(t, err)
	assert.Len(t, done, 1)
}

func TestWaitWokenByInterrupt(t *testing.T) {
	r := newRig(t, rigConfig{manual: true})
	d := r.mustInitialize(t, Options{})
	r.run(t, d)
	q, err := d.Queue(0)
	require.NoError(t, err)
	buf := r.dma(t, 64, nil)
	token, err := q.Submit(Buffer{Addr: buf.Physical(), Len: 8, Writable: true})
	require.NoError(t, err)

	result := make(chan []Completion, 1)
	go func() {
		done, _ := q.WaitForCompletion(context.Background(), 5*time.Second)
		result <- done
	}()
	time.Sleep(10 * time.Millisecond)
	_, err = r.loop.Process(r.dev, 0)
	require.NoError(t, err)

	select {
	case done := <-result:
		assert.Equal(t, []Completion{{Token: token}}, done)
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}
}

func TestNoNotifySuppression(t *testing.T) {
	r := newRig(t, rigConfig{manual: true})
	d := r.mustInitialize(t, Options{})
	q, err := d.Queue(0)
	require.NoError(t, err)
	buf := r.dma(t, 64, nil)
	b := Buffer{Addr: buf.Physical(), Len: 8, Writable: true}

	_, err = q.Submit(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.dev.Notifications(0))

	require.NoError(t, r.dev.SetNoNotify(0, true))
	_, err = q.Submit(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.dev.Notifications(0))
	assert.Equal(t, 1.0, r.metricValue(t, "virtio_transport_notifications_suppressed_total", map[string]string{"queue": "0"}))
	assert.Equal(t, 2, r.dev.PendingChains(0))
}

func TestEventIdxSuppression(t *testing.T) {
	r := newRig(t, rigConfig{manual: true, features: []Feature{FeatureEventIdx}})
	d := r.mustInitialize(t, Options{Policy: AcceptFeatures(FeatureEventIdx)})
	require.True(t, d.Features().Has(FeatureEventIdx))
	q, err := d.Queue(0)
	require.NoError(t, err)
	buf := r.dma(t, 64, nil)
	b := Buffer{Addr: buf.Physical(), Len: 8, Writable: true}

	_, err = q.Submit(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.dev.Notifications(0))

	// The device has not caught up, so it does not need another kick.
	_, err = q.Submit(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.dev.Notifications(0))

	n, err := r.loop.Process(r.dev, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = q.Submit(b)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), r.dev.Notifications(0))

	done, err := q.Poll()
	require.NoError(t, err)
	assert.Len(t, done, 2)
}

func TestNotificationData(t *testing.T) {
	r := newRig(t, rigConfig{queues: 2, features: []Feature{FeatureNotificationData}})
	d := r.mustInitialize(t, Options{Policy: AcceptFeatures(FeatureNotificationData)})
	q, err := d.Queue(1)
	require.NoError(t, err)
	buf := r.dma(t, 64, []byte("data"))
	out := r.dma(t, 64, nil)

	_, err = q.Submit(Buffer{Addr: buf.Physical(), Len: 4}, Buffer{Addr: out.Physical(), Len: 4, Writable: true})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), r.dev.Notifications(1))
	assert.Equal(t, uint64(0), r.dev.Notifications(0))

	done, err := q.Poll()
	require.NoError(t, err)
	require.Len(t, done, 1)
	assert.Equal(t, "data", string(out.Bytes()[:4]))
}

func TestSubmitBeforeDriverOKIsDeferred(t *testing.T) {
	r := newRig(t, rigConfig{})
	var token Token
	d := r.mustInitialize(t, Options{
		BeforeDriverOK: func(d *Device) error {
			q, err := d.Queue(0)
			if err != nil {
				return err
			}
			buf := r.dma(t, 64, nil)
			token, err = q.Submit(Buffer{Addr: buf.Physical(), Len: 8, Writable: true})
			if err != nil {
				return err
			}
			if r.dev.Notifications(0) != 0 {
				return errors.New("device notified before DRIVER_OK")
			}
			return nil
		},
	})
	assert.Equal(t, uint64(1), r.dev.Notifications(0))
	q, err := d.Queue(0)
	require.NoError(t, err)
	done, err := q.Poll()
	require.NoError(t, err)
	assert.Equal(t, []Completion{{Token: token}}, done)
}

func TestConcurrentSubmitUsesDistinctHeads(t *testing.T) {
	const (
		size    = 64
		callers = 48
	)
	r := newRig(t, rigConfig{maxSize: size, manual: true})
	d := r.mustInitialize(t, Options{})
	q, err := d.Queue(0)
	require.NoError(t, err)
	buf := r.dma(t, 4096, nil)

	var (
		mu     sync.Mutex
		tokens = make(map[Token]bool)
		start  = make(chan struct{})
	)
	var g errgroup.Group
	for i := 0; i < callers; i++ {
		g.Go(func() error {
			<-start
			token, err := q.Submit(Buffer{Addr: buf.Physical(), Len: 16, Writable: true})
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if tokens[token] {
				return errors.New("token issued twice")
			}
			tokens[token] = true
			return nil
		})
	}
	close(start)
	require.NoError(t, g.Wait())

	chains, err := r.dev.TakeChains(0)
	require.NoError(t, err)
	require.Len(t, chains, callers)
	heads := make(map[uint16]bool)
	for _, c := range chains {
		assert.Less(t, c.Head, uint16(size))
		assert.False(t, heads[c.Head], "descriptor %d published twice", c.Head)
		heads[c.Head] = true
		require.Len(t, c.Descriptors, 1)
	}
	assert.Len(t, tokens, callers)
	assert.Equal(t, size-callers, q.NumFree())
}
