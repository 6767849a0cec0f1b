// Package storage persists the task execution audit trail.
//
// It currently supports:
//   - Execution records (one line per finished run)
//   - Failure reports for tasks that exhausted their retries
//   - Optional notifier dedup state (to survive restarts)
//
// The file driver writes the plain-text formats operators already grep:
//
//	task_log.txt                    Task: <name> Status: <status>
//	failure_report_<name>.txt       Task/Error/Retries, overwritten per failure
//
// The sqlite driver keeps the same data in tables.
package storage
