/*
Package fsresolver prepares persistent filesystems for VM launches.

Two kinds of filesystem are attached to a candidate's VM:

  - Shared filesystems, configured by admins, that carry common data such as
    datasets or model weights. They are created upstream per region on first
    use and seeded exactly once per region by a short-lived loader VM that
    downloads from an object store and reports back. Users see them
    read-only via a remount fragment spliced into the VM's boot script.

  - A personal read-write filesystem per (candidate, region), named
    deterministically from the candidate's email so repeat launches in the
    same region reattach the same data.

Seeding uses a single-key claim record per (filesystem, region) with
last-writer-wins semantics. Concurrent first launches may both observe no
claim and both write one; the loser's loader VM redundantly re-downloads
the same data, which is wasteful but harmless. Claims that stay in the
seeding state past the staleness window are reclaimed on the next launch
and pruned by the reconciler.

Upstream mounts every filesystem under /lambda/nfs/<name> on the VM.
*/
package fsresolver
