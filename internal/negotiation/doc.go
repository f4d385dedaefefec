// Package negotiation implements the Trade Negotiation State Machine.
//
// It has three parts:
//   - Tracker: the server-confirmed status of every active trade. Status only
//     moves forward along the trade state diagram; stale, duplicate and
//     out-of-order frames are logged and ignored.
//   - Negotiation: the buyer's local walk for one request
//     (Confirm → Waiting → Success | Timeout | Unavailable), with the cancel
//     lockout, request timeout and success delay timers.
//   - Inbox: the seller's pending incoming requests.
package negotiation
