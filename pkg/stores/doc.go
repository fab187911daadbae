// Package stores persists experiments, deploy cycles, resource transitions
// and controller events in SQLite (WAL mode, embedded migrations).
//
// A Recorder plugs the store into an experiment controller as an event
// publisher, so runs launched from the CLI leave a queryable history.
package stores
