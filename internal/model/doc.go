// Package model defines the data-coupon marketplace types shared by the
// matching client.
//
// Conventions:
//   - Prices: integer won
//   - Data amounts: exact decimals in gigabytes (shopspring/decimal)
//   - IDs: int64 as assigned by the broker; 0 means "not assigned yet"
//   - Enums are closed: unknown wire values fail to decode
package model
