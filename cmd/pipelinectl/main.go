package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/okian/demandseries/internal/pipelinectl"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := pipelinectl.Main(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr)
	stop()
	if err == nil {
		return
	}
	os.Stderr.WriteString("pipelinectl: " + err.Error() + "\n")
	if errors.Is(err, pipelinectl.ErrUsage) || errors.Is(err, pipelinectl.ErrUnknownCommand) {
		os.Exit(2)
	}
	os.Exit(1)
}
