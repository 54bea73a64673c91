// Package backend defines the contract between the lifecycle engine and the
// orchestrator that runs execution jobs, along with the job-status
// derivation shared by every implementation and by reconciliation.
//
// Job identity is a pure function of the execution id (see model.JobID), so
// every operation is safe to repeat with the same execution id.
package backend
