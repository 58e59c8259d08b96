/*
Package storage provides persistent state management for the Paddock control
plane using BoltDB.

The Store interface exposes typed operations over six collections:
candidates, vms, launch_requests, ssh_keys, seed_status, and the settings
singleton. The BoltDB implementation keeps one bucket per collection with
JSON-encoded values; Put is an upsert.

# Consistency model

Every operation is strongly consistent on a single key, and there are no
multi-key transactions. Callers read the current record, mutate it in
memory, and write it back (last-writer-wins). This is safe because for each
record exactly one role (request handlers or the reconciler) performs
monotone state transitions during a given cycle, and VM termination is
idempotent. Where a resource genuinely needs one writer, callers serialize
on a single-key claim record (seed_status; see package fsresolver).

# Keys

  - candidates: lowercased email
  - vms: upstream instance id
  - launch_requests: request uuid
  - ssh_keys: "<email>|<key name>"
  - seed_status: "<filesystem name>|<region>"
  - settings: fixed single key

Get methods return an error satisfying errdefs.IsNotFound when the key is
absent.
*/
package storage
