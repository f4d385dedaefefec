// Package api is the REST client for the coupon marketplace backend.
//
// Every response is wrapped in an envelope:
//
//	{"code": "SUCCESS", "status": 200, "data": {...}, "message": "..."}
//
// The client covers the endpoints the realtime client depends on:
//   - POST /api/auth/reissue exchanges a refresh token for an access token
//   - GET  /api/members/me returns the signed-in profile
//   - GET  /api/trades/history pages through the user's trades
package api
