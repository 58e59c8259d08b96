/*
Package types defines the core data structures used throughout Paddock.

This package contains the domain model of the control plane: candidates
(allow-listed users with dollar quotas), VMs (upstream GPU instances tracked
locally), launch requests (immediate or queued provisioning submissions),
SSH key registrations, seed-status claim records for shared filesystems, and
the singleton admin settings document.

All records are value-style and serialize as self-describing JSON documents:
string-typed status enums stay strings on the wire, timestamps are RFC 3339
UTC, costs are integer cents, and prices are integer cents per hour.

Lifecycle conventions:

  - Candidates are deactivated, never deleted; re-adding a deactivated
    candidate reactivates it and sets a fresh SpentResetAt.
  - VM records are never deleted; a VM becomes terminal when TerminatedAt is
    set, and its status transitions are monotone.
  - Launch requests retain their terminal states (fulfilled, cancelled,
    failed) for UI history.
  - SeedStatus acts as a single-writer claim on (filesystem, region) seed
    work; stale seeding claims are deletable.

Candidate.SpentCents is a cache maintained by the reconciler. The
authoritative spend is always recomputed from the candidate's VM records
(see package cost).
*/
package types
