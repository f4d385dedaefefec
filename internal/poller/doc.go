// Package poller seeds the trade tracker from the REST trade history.
//
// The History Poller:
//   - Fetches the first page to learn the page count
//   - Fetches the remaining pages concurrently, bounded by Concurrency
//   - Hands every valid row to the tracker, which applies only forward moves
//   - Repeats on Interval so trades that advanced while offline catch up
package poller
