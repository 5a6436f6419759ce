// Package failover runs a request against an ordered list of equivalent
// backends.
//
// The default policy, Sequential, implements "first success wins":
//
//   - candidates are invoked one at a time in the order given
//   - the first candidate to succeed ends the run; later candidates are never invoked
//   - a failing candidate is logged, counted and suppressed, then the next one runs
//   - when all candidates fail the run returns *ExhaustedError holding every failure
//   - an empty list fails immediately with ErrNoCandidates
//   - context cancellation ends the run and is not treated as a candidate failure
//
// Usage:
//
//	resp, err := failover.Run(ctx, logger,
//	    failover.Candidate[*provider.Response]{Name: "openai", Call: callOpenAI},
//	    failover.Candidate[*provider.Response]{Name: "anthropic", Call: callAnthropic},
//	)
package failover
