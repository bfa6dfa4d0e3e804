package main

import (
	"errors"
	"os"

	"github.com/rs/zerolog/log"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		if errors.Is(err, errTimeBudget) {
			// Partial progress is durable; the next run resumes from the
			// advanced cursor.
			os.Exit(124)
		}
		log.Error().Err(err).Msg("command failed")
		os.Exit(1)
	}
}
