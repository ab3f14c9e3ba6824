// Package domain defines the core types of the experiment callout pipeline.
//
// Types in this package are value objects shared by the evidence store,
// the classifier, the reflection engine, the orchestrator and the report
// assembler. A MetricResult read from the warehouse is never modified after
// it is built.
//
// Rules for this package:
//   - No imports from other internal/ packages
//   - No *sql.DB, no http.Request, no context.Context in struct fields
//   - JSON tags are allowed (they're metadata, not behavior)
//   - Validation and parsing methods are allowed (they're pure functions on the type)
//   - Constants and enums belong here
package domain
