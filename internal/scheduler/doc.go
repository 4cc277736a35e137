// Package scheduler admits inference jobs, accounts for their resource cost
// and runs them on a bounded set of workers. It is structured into small
// files by concern:
//
//   - metadata.go: Priority, ResourceCost and TaskMetadata.
//   - job.go, result.go: InferenceJob and the InferenceResult variants.
//   - errors.go: error kinds, AdmissionError, JobError and IsX helpers.
//   - accountant.go: prompt/output length to KV-block cost.
//   - config.go: Config and package defaults.
//   - queue.go: priority bands with FIFO order inside each band.
//   - pool.go, worker.go: the worker-pool strategy (admission, dispatch, shutdown).
//   - direct.go: the inline strategy with the same admission contract.
//   - executor.go: the Executor contract and panic isolation.
//   - events.go, metrics.go: lifecycle events and Prometheus collectors.
//
// Callers that want to stream results receive a StreamingResult whose key is
// redeemed once against the streaming.Registry returned by Registry().
package scheduler
