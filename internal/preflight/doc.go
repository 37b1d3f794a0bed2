// Package preflight provides readiness checks for the filesystem paths,
// external programs, and services hopper depends on.
//
// These checks run in two contexts:
//   - The daemon runs RunAll at startup and logs every failing check so a
//     misconfigured source is visible before the first scan.
//   - The CLI "hopper config validate" command prints the same results.
//
// Each check is gated by its config toggle -- disabled features are skipped.
package preflight
