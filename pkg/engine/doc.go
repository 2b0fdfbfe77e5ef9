// Package engine provides the state-reconciliation engine that converges a
// single host towards a declared desired state.
//
// # Overview
//
// A run proceeds unit by unit in declared order:
//
//  1. Observe - query the live state of the unit through the PlatformAdapter
//  2. Diff - compare observed attributes with the unit's desired attributes
//  3. Apply - when a diff exists, invoke the matching adapter primitive
//  4. Confirm - re-observe and require the diff to be empty
//
// Each unit moves through the states Pending, Applying, Converged and Failed.
// A unit without a diff moves straight from Pending to Converged and causes no
// host mutation, which is what makes repeated runs idempotent.
//
// # Core Domain Types
//
//   - Unit: the smallest independently converged item (package, directory,
//     file, link, group, user, service)
//   - DesiredState: an immutable ordered set of units
//   - ObservedState: per-unit observations gathered live during a run
//   - ConvergenceResult: applied and failed units plus per-unit outcomes
//
// # Ordering
//
// The engine does not build a dependency graph. Directories must be declared
// before the files inside them and users before the services that run as
// them.
//
// # Error Classification
//
//   - Fatal: ConfigurationError and UnsupportedPlatformError abort a run
//     before any mutation
//   - Unit: UnitApplyError is recorded in ConvergenceResult.FailedUnits and
//     the run continues
//   - Verification: VerificationFailure is raised by the Verifier when a
//     second run is not a no-op or a probe exits non-zero
//
// A missing external binary is not an error; version resolution yields the
// facts.NotAvailable fact instead.
//
// # Concurrency
//
// Reconcile is synchronous. Callers must ensure at most one run per host,
// for example with the hostlock package.
package engine
