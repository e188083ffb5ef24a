// Package jobstatus records the lifecycle of background jobs run on asynq:
// status, attempts, progress, payload snapshots and an append-only history
// of status transitions.
//
// Quick start:
//  1. Open a store (NewSQLStore, gormstore.New or memstore.New) and Migrate it.
//  2. Create an Updater with NewUpdater(store, WithConfig(cfg)).
//  3. Embed Tracker in your job structs and call Updater.PrepareStatus
//     before dispatching them with Client.Dispatch.
//  4. Create a Processor, register jobs with Handle and Start it. Every
//     task moves through executing, then finished, retrying or failed.
//
// A failed record is never turned back into finished by a late success
// signal, and history entries are written only when the status or the
// status message changes.
package jobstatus
