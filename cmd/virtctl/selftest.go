package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/tinyrange/virtcore/internal/config"
	"github.com/tinyrange/virtcore/internal/devices/virtiodev"
	"github.com/tinyrange/virtcore/internal/physmem"
	"github.com/tinyrange/virtcore/internal/virtio"
)

type selftestFlags struct {
	queues        int
	queueSize     int
	requests      int
	workers       int
	chain         int
	payload       int
	eventIdx      bool
	layout        string
	metricsListen string
}

func newSelftestCommand(g *globalFlags) *cobra.Command {
	f := &selftestFlags{}
	cmd := &cobra.Command{
		Use:   "selftest",
		Short: "Exercise the transport against a simulated loopback device",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := g.load()
			if err != nil {
				return err
			}
			if err := f.validate(); err != nil {
				return err
			}
			return runSelftest(cmd.Context(), cmd.OutOrStdout(), cfg, f, log)
		},
	}
	flags := cmd.Flags()
	flags.IntVar(&f.queues, "queues", 2, "number of queues the device offers")
	flags.IntVar(&f.queueSize, "queue-size", 256, "maximum queue size the device offers")
	flags.IntVar(&f.requests, "requests", 10000, "total requests to submit")
	flags.IntVar(&f.workers, "workers", 8, "concurrent submitters")
	flags.IntVar(&f.chain, "chain", 3, "descriptors per request, the last one writable")
	flags.IntVar(&f.payload, "payload", 4096, "bytes echoed per request")
	flags.BoolVar(&f.eventIdx, "event-idx", false, "offer and accept EVENT_IDX")
	flags.StringVar(&f.layout, "layout", "", "ring layout (split, contiguous); defaults to the configuration")
	flags.StringVar(&f.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address while running")
	return cmd
}

func (f *selftestFlags) validate() error {
	switch {
	case f.queues < 1:
		return fmt.Errorf("--queues must be at least 1")
	case f.queueSize < 1 || f.queueSize > 32768 || f.queueSize&(f.queueSize-1) != 0:
		return fmt.Errorf("--queue-size %d: %w", f.queueSize, virtio.ErrInvalidQueueSize)
	case f.requests < 1:
		return fmt.Errorf("--requests must be at least 1")
	case f.workers < 1:
		return fmt.Errorf("--workers must be at least 1")
	case f.chain < 2:
		return fmt.Errorf("--chain must be at least 2")
	case f.chain > f.queueSize:
		return fmt.Errorf("--chain %d does not fit a queue of %d", f.chain, f.queueSize)
	case f.payload < f.chain-1:
		return fmt.Errorf("--payload must cover the %d readable descriptors", f.chain-1)
	}
	return nil
}

// memory sizes the simulated RAM for rings and per-worker buffers.
func (f *selftestFlags) memory() int {
	perWorker := 2 * (f.payload + 4096)
	rings := f.queues * (f.queueSize*32 + 3*4096)
	return 4<<20 + f.workers*perWorker + rings
}

// withEventIdx extends policy to accept EVENT_IDX when offered.
func withEventIdx(policy virtio.FeaturePolicy, enable bool) virtio.FeaturePolicy {
	if !enable {
		return policy
	}
	return virtio.FeaturePolicyFunc(func(offered virtio.FeatureSet) (virtio.FeatureSet, error) {
		selected := virtio.NewFeatureSet()
		if policy != nil {
			var err error
			if selected, err = policy.SelectFeatures(offered); err != nil {
				return virtio.FeatureSet{}, err
			}
		}
		if offered.Has(virtio.FeatureEventIdx) {
			selected = selected.With(virtio.FeatureEventIdx)
		}
		return selected, nil
	})
}

// tracker matches completions to the requests waiting for them. A
// completion may be reaped before its submitter records the token.
type tracker struct {
	mu      sync.Mutex
	waiting map[virtio.Token]chan uint32
	early   map[virtio.Token]uint32
}

func newTracker() *tracker {
	return &tracker{
		waiting: make(map[virtio.Token]chan uint32),
		early:   make(map[virtio.Token]uint32),
	}
}

func (t *tracker) submitted(tok virtio.Token) <-chan uint32 {
	ch := make(chan uint32, 1)
	t.mu.Lock()
	defer t.mu.Unlock()
	if written, ok := t.early[tok]; ok {
		delete(t.early, tok)
		ch <- written
		return ch
	}
	t.waiting[tok] = ch
	return ch
}

func (t *tracker) completed(c virtio.Completion) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ch, ok := t.waiting[c.Token]; ok {
		delete(t.waiting, c.Token)
		ch <- c.Written
		return
	}
	t.early[c.Token] = c.Written
}

type selftest struct {
	flags   *selftestFlags
	mem     *physmem.Arena
	timeout time.Duration
	bar     *progressbar.ProgressBar
	log     *slog.Logger

	completed atomic.Uint64
	bytes     atomic.Uint64
}

func runSelftest(ctx context.Context, out io.Writer, cfg config.Config, f *selftestFlags, log *slog.Logger) error {
	layout, err := cfg.Layout()
	if err != nil {
		return err
	}
	if f.layout != "" {
		if layout, err = virtio.ParseLayout(f.layout); err != nil {
			return err
		}
	}

	platform, err := virtiodev.NewPlatform(f.memory())
	if err != nil {
		return err
	}
	loop := virtiodev.NewLoopback(f.queues, uint16(f.queueSize), false)
	devCfg := virtiodev.Config{
		Slot:       1,
		DeviceType: uint16(virtio.DeviceConsole),
		Handler:    loop,
		Logger:     log.With("side", "device"),
	}
	if f.eventIdx {
		devCfg.Features = []uint64{uint64(virtio.FeatureEventIdx)}
	}
	sim, fn, line, err := platform.Attach(devCfg)
	if err != nil {
		return fmt.Errorf("attach loopback device: %w", err)
	}
	defer line.Close()

	reg := prometheus.NewRegistry()
	opts, err := cfg.Options(log)
	if err != nil {
		return err
	}
	opts.Mapper = platform.Memory
	opts.Interrupts = line
	opts.Registerer = reg
	opts.Name = "selftest"
	opts.Layout = layout
	opts.Policy = withEventIdx(opts.Policy, f.eventIdx)

	dev, err := virtio.Initialize(ctx, fn, opts)
	if err != nil {
		return err
	}
	defer dev.Close()
	log.Info("device ready",
		"type", dev.Type(),
		"features", dev.Features(),
		"queues", len(dev.Queues()),
		"layout", layout)

	visible := term.IsTerminal(int(os.Stderr.Fd()))
	s := &selftest{
		flags:   f,
		mem:     platform.Memory,
		timeout: cfg.Timeouts.Completion,
		log:     log,
		bar: progressbar.NewOptions(f.requests,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("selftest"),
			progressbar.OptionShowCount(),
			progressbar.OptionSetVisibility(visible),
			progressbar.OptionClearOnFinish(),
		),
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	bg, bgCtx := errgroup.WithContext(runCtx)
	bg.Go(func() error { return dev.Run(bgCtx) })

	listen := f.metricsListen
	if listen == "" {
		listen = cfg.Metrics.Listen
	}
	if listen != "" {
		bg.Go(func() error { return serveMetrics(bgCtx, listen, reg, log) })
	}

	queues := dev.Queues()
	trackers := make([]*tracker, len(queues))
	for i, q := range queues {
		trackers[i] = newTracker()
		bg.Go(func() error { return s.reap(bgCtx, q, trackers[i]) })
	}

	start := time.Now()
	workers, workCtx := errgroup.WithContext(bgCtx)
	for w := range f.workers {
		n := f.requests / f.workers
		if w < f.requests%f.workers {
			n++
		}
		q, t := queues[w%len(queues)], trackers[w%len(queues)]
		workers.Go(func() error { return s.work(workCtx, w, q, t, n) })
	}
	werr := workers.Wait()
	elapsed := time.Since(start)
	_ = s.bar.Finish()

	cancel()
	if err := bg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	if werr != nil {
		return werr
	}

	s.report(out, elapsed, sim, queues)
	return nil
}

func (s *selftest) reap(ctx context.Context, q *virtio.Queue, t *tracker) error {
	for {
		done, err := q.WaitForCompletion(ctx, s.timeout)
		for _, c := range done {
			t.completed(c)
		}
		switch {
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, virtio.ErrTimeout):
			continue
		case err != nil:
			return fmt.Errorf("queue %d: %w", q.Index(), err)
		}
	}
}

// work submits n echo requests on q, one at a time, and verifies each.
func (s *selftest) work(ctx context.Context, id int, q *virtio.Queue, t *tracker, n int) error {
	payload := s.flags.payload
	in, err := s.mem.AllocDMA(payload)
	if err != nil {
		return fmt.Errorf("worker %d: %w", id, err)
	}
	defer in.Close()
	out, err := s.mem.AllocDMA(payload)
	if err != nil {
		return fmt.Errorf("worker %d: %w", id, err)
	}
	defer out.Close()

	bufs := segments(in, out, payload, s.flags.chain)
	src, dst := in.Bytes()[:payload], out.Bytes()[:payload]
	for i := range n {
		pattern := byte(id*31 + i)
		for j := range src {
			src[j] = pattern + byte(j)
		}
		clear(dst)

		tok, err := s.submit(ctx, q, bufs)
		if err != nil {
			return fmt.Errorf("worker %d: request %d: %w", id, i, err)
		}
		var written uint32
		select {
		case written = <-t.submitted(tok):
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.timeout):
			return fmt.Errorf("worker %d: request %d: %w", id, i, virtio.ErrTimeout)
		}
		if int(written) != payload {
			return fmt.Errorf("worker %d: request %d: device wrote %d bytes, want %d", id, i, written, payload)
		}
		if !bytes.Equal(src, dst) {
			return fmt.Errorf("worker %d: request %d: echoed payload differs", id, i)
		}

		s.completed.Add(1)
		s.bytes.Add(uint64(2 * payload))
		_ = s.bar.Add(1)
	}
	return nil
}

func (s *selftest) submit(ctx context.Context, q *virtio.Queue, bufs []virtio.Buffer) (virtio.Token, error) {
	for {
		tok, err := q.Submit(bufs...)
		if !errors.Is(err, virtio.ErrQueueFull) {
			return tok, err
		}
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-time.After(time.Millisecond):
		}
	}
}

// segments splits in over chain-1 readable descriptors followed by one
// writable descriptor covering out.
func segments(in, out *physmem.Buffer, payload, chain int) []virtio.Buffer {
	readable := chain - 1
	bufs := make([]virtio.Buffer, 0, chain)
	off := 0
	for i := range readable {
		n := payload / readable
		if i < payload%readable {
			n++
		}
		bufs = append(bufs, virtio.Buffer{Addr: in.Physical() + uint64(off), Len: uint32(n)})
		off += n
	}
	return append(bufs, virtio.Buffer{Addr: out.Physical(), Len: uint32(payload), Writable: true})
}

func (s *selftest) report(out io.Writer, elapsed time.Duration, sim *virtiodev.Device, queues []*virtio.Queue) {
	done := s.completed.Load()
	secs := elapsed.Seconds()
	if secs <= 0 {
		secs = 1e-9
	}
	fmt.Fprintf(out, "%s requests in %s: %s req/s, %s/s\n",
		humanize.Comma(int64(done)),
		elapsed.Round(time.Millisecond),
		humanize.Commaf(float64(int64(float64(done)/secs))),
		humanize.Bytes(uint64(float64(s.bytes.Load())/secs)))
	for _, q := range queues {
		fmt.Fprintf(out, "queue %d: size %d, %s notifications\n",
			q.Index(), q.Size(), humanize.Comma(int64(sim.Notifications(int(q.Index())))))
	}
}
