package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/ankisync/internal/ctl"
	"github.com/dmitrijs2005/ankisync/internal/server/config"
)

func main() {

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	cfg := config.LoadConfig()
	code := ctl.NewApp(cfg, "ankisyncctl", os.Stdout, os.Stderr).Run(ctx, os.Args[1:])
	stop()

	os.Exit(code)
}
