package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/resonance-network/chronicled/app/ingestd"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := ingestd.Initialize(ctx)
	if err != nil {
		panic(err)
	}

	app.Start(ctx)
	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer stopCancel()
	app.Stop(stopCtx)
}
