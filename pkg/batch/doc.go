// Package batch fetches the documents for a list of reservations in bounded,
// sequential groups.
//
// The PMS does not cope well with dozens of simultaneous PDF renderings, so an
// Orchestrator splits the input into groups of Config.BatchSize, fetches each
// group concurrently, and pauses Config.InterBatchDelay before starting the
// next one. A failing reservation never affects its siblings: every input
// reference yields exactly one reservation.Outcome.
//
// Example usage:
//
//	orch := batch.NewOrchestrator(pmsClient, batch.DefaultConfig())
//	result := orch.Run(ctx, refs)
//	succeeded, failed := result.Counts()
//
// Groups for 45 references with the default batch size of 20:
//
//	group 1: refs[0:20]  -> 200ms pause
//	group 2: refs[20:40] -> 200ms pause
//	group 3: refs[40:45]
package batch
