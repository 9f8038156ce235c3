package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/betbot/edgebot/pkg/config"
	"github.com/betbot/edgebot/pkg/exchange"
)

const (
	// Delay between individual redeem calls to stay clear of rate limits.
	redeemDelay = 5 * time.Second
	// Max redeems per sweep to stay under the daily quota.
	maxRedeemsPerCycle = 50
	// Page size for the wallet positions listing.
	positionsPageSize = 100
	// Dedup entries older than this are forgotten and may be retried.
	submittedTTL = 10 * time.Minute
)

// sweeper pages the wallet's holdings and redeems resolved ones. Single
// goroutine; the dedup map only protects against re-submitting within the
// settlement lag of a previous sweep.
type sweeper struct {
	client *exchange.RestClient
	dust   float64

	submitted map[string]time.Time

	totalRedeemed int
}

func main() {
	var (
		configPath = flag.String("config", "", "config file path (.yaml/.yml/.json)")
		interval   = flag.Duration("interval", 3*time.Minute, "sweep interval")
		once       = flag.Bool("once", false, "run a single sweep and exit")
		dust       = flag.Float64("dust", 0.01, "ignore holdings at or below this share size")
	)
	flag.Parse()

	log.Println("[Sweep] Starting redemption sweep...")

	if err := godotenv.Load(); err != nil {
		log.Println("[Sweep] No .env file found, using environment variables")
	}

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		log.Fatalf("[Sweep] Failed to load config: %v", err)
	}

	client, err := exchange.NewRestClient(exchange.Config{
		Host:            cfg.Exchange.Host,
		ChainID:         cfg.Exchange.ChainID,
		PrivateKey:      cfg.Exchange.PrivateKey,
		Funder:          cfg.Exchange.Funder,
		SignatureType:   cfg.Exchange.SignatureType,
		OrdersPerSecond: cfg.Exchange.OrdersPerSecond,
	})
	if err != nil {
		log.Fatalf("[Sweep] Failed to create exchange client: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := client.EnsureAPICreds(ctx); err != nil {
		log.Fatalf("[Sweep] Failed to derive API credentials: %v", err)
	}
	log.Printf("[Sweep] Signer: %s", client.Address())

	s := &sweeper{
		client:    client,
		dust:      *dust,
		submitted: make(map[string]time.Time),
	}

	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGQUIT)
		sig := <-sigCh
		log.Printf("[Sweep] Received signal: %v, shutting down...", sig)
		cancel()
	}()

	s.sweep(ctx)
	if *once {
		log.Printf("[Sweep] Done: %d position(s) redeemed", s.totalRedeemed)
		return
	}

	log.Printf("[Sweep] Running every %s, press Ctrl+C to stop", *interval)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Printf("[Sweep] Stopped: %d position(s) redeemed in total", s.totalRedeemed)
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().Add(-submittedTTL)
	for key, at := range s.submitted {
		if at.Before(cutoff) {
			delete(s.submitted, key)
		}
	}

	holdings, err := s.allPositions(ctx)
	if err != nil {
		log.Printf("[Sweep] Failed to list positions: %v", err)
		return
	}

	var redeemable []exchange.PositionInfo
	for _, pos := range holdings {
		if pos.Size <= s.dust || !pos.Resolved || !pos.Redeemable {
			continue
		}
		if _, dup := s.submitted[pos.MarketID]; dup {
			continue
		}
		redeemable = append(redeemable, pos)
	}
	if len(redeemable) == 0 {
		return
	}

	if len(redeemable) > maxRedeemsPerCycle {
		log.Printf("[Sweep] Found %d redeemable positions, processing %d this cycle (rate limit)",
			len(redeemable), maxRedeemsPerCycle)
		redeemable = redeemable[:maxRedeemsPerCycle]
	} else {
		log.Printf("[Sweep] Found %d redeemable position(s)", len(redeemable))
	}

	for i, pos := range redeemable {
		if i > 0 {
			select {
			case <-ctx.Done():
				log.Println("[Sweep] Cancelled during delay")
				return
			case <-time.After(redeemDelay):
			}
		}

		txID, err := s.client.Redeem(ctx, pos.MarketID)
		switch {
		case errors.Is(err, exchange.ErrAlreadyRedeemed):
			// Someone else (or a previous run) got there first; that is success.
			log.Printf("[Sweep] %s already redeemed", pos.MarketID)
		case err != nil:
			log.Printf("[Sweep] Failed to redeem %s: %v", pos.MarketID, err)
			continue
		default:
			log.Printf("[Sweep] Redeemed %s (%.2f shares, payout %.2f/share, tx=%s)",
				pos.MarketID, pos.Size, pos.PayoutPerShare, txID)
			s.totalRedeemed++
		}
		s.submitted[pos.MarketID] = time.Now()
	}
}

// allPositions pages through the full holdings listing.
func (s *sweeper) allPositions(ctx context.Context) ([]exchange.PositionInfo, error) {
	var out []exchange.PositionInfo
	for offset := 0; ; offset += positionsPageSize {
		page, err := s.client.WalletPositions(ctx, offset, positionsPageSize)
		if err != nil {
			return nil, err
		}
		out = append(out, page...)
		if len(page) < positionsPageSize {
			return out, nil
		}
	}
}
