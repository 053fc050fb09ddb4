package main

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

type outcome struct {
	finalStatus string
	errorCode   int
	sendSent    bool
	httpStatus  int
	callErr     error
}

// classifyOutcome maps a token like "ban" or "failed:131049" to what the
// send call returns and which statuses follow it.
func classifyOutcome(raw string) outcome {
	token := strings.TrimSpace(raw)
	if token == "" {
		token = "ok"
	}
	kind, codeRaw, _ := strings.Cut(token, ":")
	code, _ := strconv.Atoi(codeRaw)
	or := func(def int) int {
		if code != 0 {
			return code
		}
		return def
	}

	switch kind {
	case "ok", "success":
		return outcome{finalStatus: "delivered", sendSent: true, httpStatus: http.StatusOK}
	case "read":
		return outcome{finalStatus: "read", sendSent: true, httpStatus: http.StatusOK}
	case "undelivered":
		return outcome{finalStatus: "failed", errorCode: or(131026), sendSent: true, httpStatus: http.StatusOK}
	case "failed":
		return outcome{finalStatus: "failed", errorCode: or(131000), httpStatus: http.StatusOK}
	case "ban":
		return outcome{errorCode: or(368), httpStatus: http.StatusBadRequest, callErr: errors.New("Temporarily blocked for policies violations")}
	case "rate_limit", "429":
		return outcome{errorCode: or(130429), httpStatus: http.StatusTooManyRequests, callErr: errors.New("Rate limit hit")}
	case "auth", "401":
		return outcome{errorCode: or(190), httpStatus: http.StatusUnauthorized, callErr: errors.New("Invalid OAuth access token.")}
	case "bad_request", "400":
		return outcome{errorCode: or(100), httpStatus: http.StatusBadRequest, callErr: errors.New("Invalid parameter")}
	case "server_error", "500":
		return outcome{errorCode: or(131000), httpStatus: http.StatusInternalServerError, callErr: errors.New("Something went wrong")}
	case "timeout":
		return outcome{errorCode: or(131000), httpStatus: http.StatusGatewayTimeout, callErr: context.DeadlineExceeded}
	default:
		return outcome{errorCode: or(131000), httpStatus: http.StatusInternalServerError, callErr: errors.New("mock error: " + kind)}
	}
}

func errorTitle(code int) string {
	switch code {
	case 131026:
		return "Message undeliverable"
	case 131049:
		return "Message not delivered to maintain healthy ecosystem engagement"
	case 131047:
		return "Re-engagement message"
	default:
		return "Something went wrong"
	}
}
