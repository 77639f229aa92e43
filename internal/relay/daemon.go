package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/replylog"
	"gorm.io/gorm"
)

// maxInFlight bounds how many events are routed concurrently.
const maxInFlight = 16

// Daemon is the main relay process. It connects to a chat platform via a
// Transport and pumps inbound events through the Router.
type Daemon struct {
	db        *gorm.DB
	cfg       *config.Config
	transport Transport
	log       replylog.Writer
	generator Generator
	metrics   *Metrics
	out       io.Writer
}

// DaemonOpts holds parameters for creating a new Daemon.
type DaemonOpts struct {
	DB        *gorm.DB
	Config    *config.Config
	Transport Transport
	Log       replylog.Writer
	Generator Generator // optional; defaults to TemplateGenerator
	Metrics   *Metrics  // optional
	Out       io.Writer // defaults to os.Stdout
}

// NewDaemon creates a Daemon with the given options.
func NewDaemon(opts DaemonOpts) (*Daemon, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("relay: db is required")
	}
	if opts.Config == nil {
		return nil, fmt.Errorf("relay: config is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("relay: transport is required")
	}
	if opts.Log == nil {
		return nil, fmt.Errorf("relay: log is required")
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Daemon{
		db:        opts.DB,
		cfg:       opts.Config,
		transport: opts.Transport,
		log:       opts.Log,
		generator: opts.Generator,
		metrics:   opts.Metrics,
		out:       out,
	}, nil
}

// Run connects the transport, builds the router, and blocks until the
// context is cancelled or the transport closes its event channel. On
// shutdown it waits for in-flight events and closes the transport.
func (d *Daemon) Run(ctx context.Context) error {
	fmt.Fprintf(d.out, "Switchboard connecting to %s...\n", d.cfg.Platform)
	if err := d.transport.Connect(ctx); err != nil {
		return fmt.Errorf("relay: connect: %w", err)
	}

	router, err := d.buildRouter()
	if err != nil {
		d.transport.Close()
		return err
	}

	inbound, err := d.transport.Listen(ctx)
	if err != nil {
		d.transport.Close()
		return fmt.Errorf("relay: listen: %w", err)
	}

	if exp := d.cfg.Autoreply.Expiry; d.cfg.Autoreply.SemiAutoEnabled() && exp.ExpiryEnabled() {
		fmt.Fprintf(d.out, "Ticket expiry enabled (ttl=%s, cron=%q)\n", exp.TTL, exp.Cron)
		go router.runExpiry(ctx, exp.TTL, exp.Cron)
	}

	fmt.Fprintf(d.out, "Switchboard online (semi-autoreply=%t)\n", d.cfg.Autoreply.SemiAutoEnabled())

	var wg sync.WaitGroup
	sem := make(chan struct{}, maxInFlight)
	defer func() {
		wg.Wait()
		if err := d.transport.Close(); err != nil {
			log.Printf("relay: close transport: %v", err)
		}
		fmt.Fprintf(d.out, "Switchboard stopped\n")
	}()

	for {
		select {
		case <-ctx.Done():
			fmt.Fprintf(d.out, "Switchboard shutting down...\n")
			return nil

		case ev, ok := <-inbound:
			if !ok {
				fmt.Fprintf(d.out, "Switchboard inbound channel closed\n")
				return nil
			}
			sem <- struct{}{}
			wg.Add(1)
			go func() {
				defer wg.Done()
				defer func() { <-sem }()
				d.dispatch(ctx, router, ev)
			}()
		}
	}
}

func (d *Daemon) buildRouter() (*Router, error) {
	store, err := NewCorrelationStore(d.db)
	if err != nil {
		return nil, err
	}
	tickets, err := NewTicketMachine(d.db)
	if err != nil {
		return nil, err
	}
	router, err := NewRouter(RouterOpts{
		Store:     store,
		Tickets:   tickets,
		Log:       d.log,
		Transport: d.transport,
		Generator: d.generator,
		SemiAuto:  d.cfg.Autoreply.SemiAutoEnabled(),
		Language:  d.cfg.Languages.Default,
		Metrics:   d.metrics,
		Out:       d.out,
	})
	if err != nil {
		return nil, fmt.Errorf("relay: build router: %w", err)
	}
	return router, nil
}

// dispatch routes one event and logs rejected ones. Rejections are
// expected in normal operation and never stop the daemon.
func (d *Daemon) dispatch(ctx context.Context, router *Router, ev Event) {
	outcome, err := router.Handle(ctx, ev)
	if err == nil {
		return
	}
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrInvalidTransition):
		fmt.Fprintf(d.out, "relay: %s: %v\n", outcome, err)
	default:
		log.Printf("relay: %s: %v", outcome, err)
	}
}
