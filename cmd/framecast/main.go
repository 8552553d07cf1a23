package main

import (
	"context"
	"os"

	"framecast/internal"
	"framecast/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().ExecuteContext(context.Background()); err != nil {
		internal.Error("framecast failed", internal.Fields{internal.FieldError: err.Error()})
		os.Exit(1)
	}
}
