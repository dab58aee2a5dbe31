package chain

import (
	"context"
	"errors"
	"strings"

	"github.com/0xkanth/omnisync/internal/syncerrors"
)

// classify maps a raw go-ethereum/JSON-RPC error into the taxonomy from
// spec §7. Provider error message shapes (Alchemy/Infura/Quicknode/
// Thirdweb) are substring-matched; anything unrecognized falls back to
// RpcTransient so the caller retries rather than aborting outright.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return syncerrors.New(syncerrors.Shutdown, err)
	}

	msg := strings.ToLower(err.Error())

	switch {
	case isRangeTooLarge(msg):
		return syncerrors.New(syncerrors.RpcRangeTooLarge, err)
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") || strings.Contains(msg, "too many requests"):
		return syncerrors.New(syncerrors.RpcRateLimit, err)
	case strings.Contains(msg, "unauthorized") || strings.Contains(msg, "invalid api key") || strings.Contains(msg, "forbidden"):
		return syncerrors.New(syncerrors.RpcFatal, err)
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "eof") || strings.Contains(msg, "no such host") ||
		strings.Contains(msg, "i/o timeout"):
		return syncerrors.New(syncerrors.RpcTransient, err)
	default:
		return syncerrors.New(syncerrors.RpcTransient, err)
	}
}

// isRangeTooLarge recognizes the "response too large"/"block range" shapes
// that Alchemy, Infura, Quicknode, and Thirdweb each phrase differently.
func isRangeTooLarge(msg string) bool {
	markers := []string{
		"query returned more than",
		"response size exceeded",
		"block range is too large",
		"block range should work",
		"limit exceeded",
		"use a smaller block range",
		"exceeds the range limit",
		"log response size exceeded",
	}
	for _, m := range markers {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
