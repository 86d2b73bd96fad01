// Package storage holds what the TradeStore implementations share.
package storage

import "errors"

var ErrTradeNotFound = errors.New("trade not found")
