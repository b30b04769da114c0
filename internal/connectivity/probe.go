package connectivity

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
)

type DialFunc func(ctx context.Context, network, addr string) (net.Conn, error)

type ProberConfig struct {
	Addr     string
	Interval time.Duration
	Timeout  time.Duration
	Dial     DialFunc
	Logger   zerolog.Logger
}

// Prober keeps a Flag in sync with TCP reachability of the remote host.
type Prober struct {
	flag     *Flag
	addr     string
	interval time.Duration
	timeout  time.Duration
	dial     DialFunc
	logger   zerolog.Logger
}

func NewProber(flag *Flag, cfg ProberConfig) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Second
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Dial == nil {
		d := &net.Dialer{}
		cfg.Dial = d.DialContext
	}
	return &Prober{
		flag:     flag,
		addr:     cfg.Addr,
		interval: cfg.Interval,
		timeout:  cfg.Timeout,
		dial:     cfg.Dial,
		logger:   cfg.Logger.With().Str("component", "connectivity").Logger(),
	}
}

func (p *Prober) Run(ctx context.Context) {
	p.Check(ctx)
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Check(ctx)
		}
	}
}

// Check probes once and returns the observed reachability.
func (p *Prober) Check(ctx context.Context) bool {
	dctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	online := false
	conn, err := p.dial(dctx, "tcp", p.addr)
	if err == nil {
		online = true
		_ = conn.Close()
	}
	if p.flag.Set(online) {
		ev := p.logger.Info()
		if !online {
			ev = p.logger.Warn().Err(err)
		}
		ev.Str("addr", p.addr).Bool("online", online).Msg("connectivity changed")
	}
	return online
}
