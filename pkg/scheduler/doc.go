/*
Package scheduler admits, queues, and dispatches VM launch requests.

A launch request moves through a small state machine:

	queued ──▶ provisioning ──▶ fulfilled
	  │             │
	  │             └──▶ queued   (launch failed; retried next tick)
	  ├──▶ cancelled              (user action, only from queued)
	  └──▶ failed                 (insufficient quota, candidate removed)

Submission validates the request, enforces the per-candidate guards (one
active VM, one request in flight, quota above the cheapest acceptable
type), registers the SSH key upstream, and attempts a greedy immediate
dispatch so users with available capacity get a VM in the same HTTP
request. Anything that cannot launch right away is queued and picked up by
ProcessQueue on the reconciler's tick, oldest first.

Dispatch persists the provisioning transition before calling the upstream
launch API. An overlapping tick therefore never double-dispatches; a
request stuck in provisioning past twice the tick period (crash between
persist and launch) is retried.

Type and region preference within a request is caller order. There is no
fairness across candidates beyond FIFO.
*/
package scheduler
