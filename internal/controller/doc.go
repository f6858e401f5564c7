// Package controller wires the cache, queue, reconciler, worker pool, leader
// election and health endpoint into one process.
//
// Every replica lists and watches the managed pods so a new leader starts with
// a warm cache. Only the replica holding the Lease runs workers, and it stops
// them before it gives the Lease up:
//
//	store ──watch──> cache ──changes──> queue ──Get──> workers ──> reconciler ──> store
//	                   ▲                                  ▲
//	                   └──────────── reads ───────────────┘
//	                                                      │
//	                                 lease ──gate─────────┘
package controller
