package shutdown

import (
	"os"

	"github.com/rs/zerolog/log"
)

// Step is one named piece of teardown.
type Step struct {
	Name string
	Fn   func() error
}

// Sequence runs steps in order. Every step runs even if an earlier one
// fails; the first error is returned.
type Sequence []Step

func (s Sequence) Run() error {
	var first error
	for _, step := range s {
		if step.Fn == nil {
			continue
		}
		if err := step.Fn(); err != nil {
			log.Error().Err(err).Str("step", step.Name).Msg("Shutdown step failed")
			if first == nil {
				first = err
			}
			continue
		}
		log.Debug().Str("step", step.Name).Msg("Shutdown step complete")
	}
	log.Info().Msg("Bridge stopped")
	return first
}

var exit = os.Exit

// ShutdownWithError logs err, runs the sequence and exits non-zero.
func ShutdownWithError(err error, msg string, steps Sequence) {
	log.Error().Err(err).Msg(msg)
	steps.Run()
	exit(1)
}
