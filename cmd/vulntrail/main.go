package main

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/vulntrail/pkg/cmd"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := cmd.Run(); err != nil {
		log.Fatal().Err(err).Msg("vulntrail failed")
	}
}
