// Package abuse decides whether a send failure means the messaging identity
// has been banned or restricted by the network.
package abuse

import (
	"errors"
	"strings"

	"outreach/internal/transport"
)

type Source string

const (
	SourceStructured Source = "structured"
	SourceHeuristic  Source = "heuristic"
)

type Verdict struct {
	Banned bool
	Reason string
	Source Source
}

// indicators are matched against the lower-cased error text.
var indicators = []string{
	"temporarily banned",
	"account banned",
	"banned",
	"suspended",
	"suspension",
	"restricted",
	"restriction",
	"spam",
	"rate-overlimit",
	"rate overlimit",
	"blocked by whatsapp",
	"account disabled",
	"violat", // violates / violation
}

// Classify returns a ban verdict for err.
//
// Errors that carry a transport.Category are trusted: only CategoryBanned is
// a ban. Anything else falls back to keyword matching on the message, which
// can misfire both ways. An unrelated error mentioning "spam" in a recipient
// name trips it, and a ban reported with wording outside the list goes
// unnoticed. Transports should return categorized errors whenever the backend
// reports a reason code.
func Classify(err error) Verdict {
	if err == nil {
		return Verdict{}
	}
	var c transport.Categorized
	if errors.As(err, &c) {
		if c.Category() == transport.CategoryBanned {
			return Verdict{Banned: true, Reason: c.Error(), Source: SourceStructured}
		}
		return Verdict{Source: SourceStructured}
	}

	msg := strings.ToLower(err.Error())
	for _, ind := range indicators {
		if strings.Contains(msg, ind) {
			return Verdict{Banned: true, Reason: err.Error(), Source: SourceHeuristic}
		}
	}
	return Verdict{Source: SourceHeuristic}
}
