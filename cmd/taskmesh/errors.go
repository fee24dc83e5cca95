package main

import "errors"

// Sentinel wrap-markers distinguishing the two non-config failure modes
// spec §6's exit codes name, so rootCmd can classify an error returned from
// a subcommand's RunE without each subcommand hand-rolling os.Exit calls.
var (
	errRecoveryFailed   = errors.New("recovery failed")
	errStoreUnreachable = errors.New("durable store unreachable")
)

func isRecoveryError(err error) bool {
	return errors.Is(err, errRecoveryFailed)
}

func isStoreError(err error) bool {
	return errors.Is(err, errStoreUnreachable)
}
