/*
Package provider wraps the upstream cloud provider's REST API in a typed
client.

The upstream service exposes instance types with live regional capacity,
instance lifecycle operations (launch, terminate, restart), SSH key
registration, and persistent network filesystems. Authentication is HTTP
Basic with the API key as the username; the key is resolved through an
APIKeyFunc on every call so that admin settings changes take effect without
a restart.

Failures are surfaced as *Error values whose Kind is one of the errdefs
sentinels: callers classify with errors.Is (transient vs permanent, capacity
unavailable, not found, conflict) and never inspect upstream text. The
scheduler requeues on transient kinds and fails requests on permanent ones.

Two contract requirements worth calling out:

  - Resource names used by the control plane are deterministic (per-user
    SSH key names, per-(user, region) filesystem names), so concurrent
    creations can race upstream. AddSSHKey and CreateFilesystem treat the
    upstream duplicate rejection as success and return the existing record.
  - Every call carries a per-call timeout: 10s for data fetches, 30s for
    launch/terminate/restart.
*/
package provider
