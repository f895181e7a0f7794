// ilp-pay: pays a payment pointer over STREAM through one upstream node.
//
//	ilp-pay <payment-pointer> <amount>
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	log "github.com/sirupsen/logrus"

	"dev.c0redev.ilp/internal/btp"
	"dev.c0redev.ilp/internal/config"
	"dev.c0redev.ilp/internal/ildcp"
	"dev.c0redev.ilp/internal/server/auth"
	"dev.c0redev.ilp/internal/service"
	"dev.c0redev.ilp/internal/spsp"
	"dev.c0redev.ilp/internal/store"
	"dev.c0redev.ilp/internal/stream"
	"dev.c0redev.ilp/internal/transport"
)

func usage() {
	fmt.Fprintln(os.Stderr, "usage: ilp-pay <payment-pointer> <amount>")
	os.Exit(2)
}

// upstream returns the handler every prepare goes through.
func upstream(ctx context.Context, cfg *config.Pay) (service.Handler, func(), error) {
	if cfg.UpstreamHTTP != "" {
		hc := transport.NewHTTPClient(cfg.Address)
		hc.Peer = &store.Account{HTTPEndpoint: cfg.UpstreamHTTP, HTTPOutgoingToken: cfg.Credentials}
		return hc, func() {}, nil
	}
	id, token, err := auth.ParseBearer("Bearer " + cfg.Credentials)
	if err != nil {
		return nil, nil, fmt.Errorf("ILP_UPSTREAM_TOKEN: %w", err)
	}
	c, err := transport.DialBTP(ctx, cfg.UpstreamBTP, transport.ClientTLS(cfg.Insecure), btp.Options{
		Address:   cfg.Address,
		PQ:        cfg.PQ,
		AccountID: id,
		Token:     token,
		Peer:      &store.Account{ID: id},
	})
	if err != nil {
		return nil, nil, err
	}
	go func() {
		if err := c.Run(ctx); err != nil {
			log.WithError(err).Debug("btp session ended")
		}
	}()
	return c, func() { c.Close() }, nil
}

func main() {
	if len(os.Args) != 3 {
		usage()
	}
	pointer := os.Args[1]
	amount, err := strconv.ParseUint(os.Args[2], 10, 64)
	if err != nil || amount == 0 {
		usage()
	}
	cfg, err := config.LoadPay()
	if err != nil {
		log.Fatal(err)
	}
	log.SetLevel(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	dest, err := spsp.NewClient().Query(ctx, pointer)
	if err != nil {
		log.Fatal(err)
	}
	next, closeUpstream, err := upstream(ctx, cfg)
	if err != nil {
		log.Fatal(err)
	}
	defer closeUpstream()

	source := &store.Account{ILPAddress: cfg.Address, AssetCode: cfg.AssetCode, AssetScale: cfg.AssetScale}
	if source.ILPAddress == "" {
		res, err := ildcp.Fetch(ctx, next, nil)
		if err != nil {
			log.Fatal(err)
		}
		source.ILPAddress, source.AssetCode, source.AssetScale = res.ClientAddress, res.AssetCode, res.AssetScale
	}

	sender := stream.NewSender(service.NewOutgoingValidator(source.ILPAddress, next), source)
	receipt, err := sender.SendMoney(ctx, dest.DestinationAccount, dest.SharedSecret, amount)
	fmt.Printf("sent %d %s, delivered %d", receipt.SentAmount, source.AssetCode, receipt.DeliveredAmount)
	if a := receipt.DestinationAsset; a != nil {
		fmt.Printf(" %s (scale %d)", a.Code, a.Scale)
	}
	fmt.Printf(", %d packets (%d rejected)\n", receipt.FulfilledPackets, receipt.RejectedPackets)
	if err != nil {
		var perr *stream.PaymentError
		if errors.As(err, &perr) {
			log.WithField("kind", perr.Kind).Error(perr.Message)
		}
		closeUpstream()
		log.Fatal(err)
	}
}
