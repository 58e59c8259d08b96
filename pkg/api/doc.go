/*
Package api exposes the control plane over HTTP.

Routes are JSON in, JSON out; failures are {"error": string} with a status
derived from the error kind: validation, conflict and capacity problems map
to 400, missing or invalid credentials to 401, allow-list and quota
refusals to 403, unknown records to 404, and everything upstream or
internal to a generic 500 that never carries raw provider text.

Every /api route except the loader callback authenticates with a bearer
JWT, resolved to a candidate record by the auth package. /api/admin is
further restricted to the admin role. /api/seed-complete instead
authenticates with the seed-complete secret from settings, because its
caller is a loader VM, not a person.

Launch submission answers 201 when the request was fulfilled in-line and
202 when it was queued for the reconciler. The admin settings document
masks secrets on GET; a PUT carrying the mask sentinel keeps the stored
value, so clients can round-trip what they read.
*/
package api
