// Package dispatch hands a fixed pool of independent jobs to a fixed set of
// workers over a comm.Comm and retires every worker once the pool is empty.
//
// Two roles, usually on different ranks:
//
//   - Master owns the job stack, the idle-worker stack, the dispatch map and
//     one acknowledgment listen per worker. Dispatch pairs idle workers with
//     queued jobs; CheckWorkers notices workers that became idle again and,
//     after the job stack drains, sends each worker exactly one Finish.
//   - Worker owns a three-state machine (pending, working, finished) driven by
//     two standing receives from the boss: Work (carries a JobID) and Finish.
//
// Neither role runs goroutines. The hosting application drives both with a
// cooperative poll loop (see package farm):
//
//	master.Dispatch  -> worker.PollStatus -> run job, worker.ReportDone -> master.CheckWorkers
//
// Wire protocol (see package protocol):
//
//	work     master -> worker   body: JobID
//	pending  worker -> master   no body, "idle again"
//	finish   master -> worker   no body, retire
//
// Ordering:
//   - The job and worker stacks are seeded in reverse so the first listed job
//     and the first listed worker are paired first.
//   - A worker that sees Finish cancels its Work listen; a work order can
//     never be accepted after termination.
//   - Finish goes to each worker at most once no matter how often
//     CheckWorkers runs.
//
// Error handling:
//   - Bad configuration (no workers, duplicate or out-of-range IDs) fails in
//     the constructor before any message is sent.
//   - Transport failures are returned wrapped and are fatal to the run.
//     Nothing is retried.
//   - Protocol misuse (ReportDone while not working, ordering an unknown or
//     busy worker, dispatching a job twice) returns a sentinel error instead
//     of corrupting the dispatch map.
//
// Limitations:
//   - A worker that dies after accepting a job stalls the run. There are no
//     timeouts in the protocol.
package dispatch
