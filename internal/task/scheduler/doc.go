// Package scheduler owns the cron grammar, the job registry and the dispatch
// loop.
//
// Execution is delegated to internal/task/engine. The scheduler is
// responsible only for:
//   - parsing and validating 5-field cron specs
//   - holding one job (spec + guard) per task
//   - deciding on each tick which jobs are due and handing them to the engine
package scheduler
