// Package classify labels message records.
package classify

import (
	"context"
	"regexp"
	"strings"

	"github.com/nhle/mailsync/internal/model"
)

// maxClassifyText bounds how much of the body is considered.
const maxClassifyText = 2000

// rule maps a keyword pattern to a label. Rules are checked in order.
type rule struct {
	pattern *regexp.Regexp
	label   model.Category
}

var heuristicRules = []rule{
	{regexp.MustCompile(`(?i)(out of office|\booo\b|on leave|vacation)`), model.CategoryOutOfOffice},
	{regexp.MustCompile(`(?i)(meeting booked|calendar invite|see you then)`), model.CategoryMeetingBooked},
	{regexp.MustCompile(`(?i)(not interested|no thanks|unsubscribe|\bstop\b)`), model.CategoryNotInterested},
	{regexp.MustCompile(`(?i)(interested|count me in|let's talk|keen to try|sounds good)`), model.CategoryInterested},
	{regexp.MustCompile(`(?i)(viagra|free money|lottery|casino)`), model.CategorySpam},
}

// Heuristic labels records by keyword rules. It never fails.
type Heuristic struct{}

// Classify implements ingest.Classifier.
func (Heuristic) Classify(_ context.Context, rec *model.MessageRecord) (model.Category, error) {
	return HeuristicLabel(classifyText(rec)), nil
}

// HeuristicLabel returns the label of the first matching rule, or
// Uncategorized.
func HeuristicLabel(text string) model.Category {
	for _, r := range heuristicRules {
		if r.pattern.MatchString(text) {
			return r.label
		}
	}
	return model.CategoryUncategorized
}

// classifyText is the subject followed by the start of the body.
func classifyText(rec *model.MessageRecord) string {
	body := rec.TextBody
	if body == "" {
		body = rec.HTMLBody
	}
	if len(body) > maxClassifyText {
		body = strings.ToValidUTF8(body[:maxClassifyText], "")
	}
	return rec.Subject + "\n\n" + body
}
