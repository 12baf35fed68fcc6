package binance

import (
	"errors"
	"fmt"
	"strings"

	"github.com/adshao/go-binance/v2/common"
	"github.com/tidwall/gjson"

	"quantflow/internal/exchange"
)

// venue error codes that indicate a transient condition worth retrying
var transientCodes = map[int64]bool{
	-1000: true, // UNKNOWN
	-1001: true, // DISCONNECTED
	-1003: true, // TOO_MANY_REQUESTS
	-1007: true, // TIMEOUT
	-1016: true, // SERVICE_SHUTTING_DOWN
}

// duplicate client order id: the previous attempt was accepted
const codeDuplicateOrder = -2026

// classify maps a raw venue error onto the gateway taxonomy: nil stays nil,
// transient conditions wrap ErrConnection, business rejections wrap
// ErrRejected, everything else passes through for the caller to judge.
func classify(err error) error {
	if err == nil {
		return nil
	}

	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return classifyCode(apiErr.Code, apiErr.Message, err)
	}

	// some transports surface the venue's JSON body as a plain error string
	if body := extractJSONBody(err.Error()); body != "" {
		code := gjson.Get(body, "code")
		msg := gjson.Get(body, "msg")
		if code.Exists() {
			return classifyCode(code.Int(), msg.String(), err)
		}
	}

	// anything else is treated as a connection-level failure
	return fmt.Errorf("%w: %v", exchange.ErrConnection, err)
}

func classifyCode(code int64, message string, cause error) error {
	switch {
	case transientCodes[code]:
		return fmt.Errorf("%w: venue code %d: %s", exchange.ErrConnection, code, message)
	case code == codeDuplicateOrder:
		return cause
	default:
		return &exchange.RejectionError{Reason: fmt.Sprintf("venue code %d: %s", code, message)}
	}
}

func isDuplicateToken(err error) bool {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code == codeDuplicateOrder
	}
	if err == nil {
		return false
	}
	if body := extractJSONBody(err.Error()); body != "" {
		return gjson.Get(body, "code").Int() == codeDuplicateOrder
	}
	return false
}

func extractJSONBody(s string) string {
	start := strings.IndexByte(s, '{')
	end := strings.LastIndexByte(s, '}')
	if start < 0 || end <= start {
		return ""
	}
	body := s[start : end+1]
	if !gjson.Valid(body) {
		return ""
	}
	return body
}
