// Package render turns message templates into channel-ready content. It is a
// pure substitution step: placeholders like {first_name} are replaced from the
// personalization data, with no retries and no side effects.
package render

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/reviewly/dispatch/internal/core"
)

var placeholderRe = regexp.MustCompile(`\{[a-z_]+\}`)

// Data is the personalization context for one request.
type Data struct {
	FirstName    string
	LastName     string
	BusinessName string
	ReviewURL    string
	TrackingUUID string
}

func (d Data) vars() map[string]string {
	return map[string]string{
		"first_name":    d.FirstName,
		"last_name":     d.LastName,
		"business_name": d.BusinessName,
		"review_url":    d.ReviewURL,
		"tracking_uuid": d.TrackingUUID,
	}
}

// Message is the rendered output. Subject is set for EMAIL only.
type Message struct {
	Content string
	Subject string
}

// Render substitutes placeholders into the template. An unresolved placeholder
// is a render failure, not a silent passthrough: a message with a literal
// "{first_name}" in it must never reach a customer.
func Render(template string, data Data, ch core.Channel) (Message, error) {
	if strings.TrimSpace(template) == "" {
		return Message{}, fmt.Errorf("%w: empty template", core.ErrRenderFailure)
	}
	content := template
	for k, v := range data.vars() {
		content = strings.ReplaceAll(content, "{"+k+"}", v)
	}
	if left := placeholderRe.FindString(content); left != "" {
		return Message{}, fmt.Errorf("%w: unresolved placeholder %s", core.ErrRenderFailure, left)
	}
	msg := Message{Content: content}
	if ch == core.ChannelEmail {
		msg.Subject = fmt.Sprintf("%s would love your feedback", data.BusinessName)
	}
	return msg, nil
}

// TrackingLink builds the outbound click-through link for a request. The /r/
// path segment is what the webhook reconciler recognizes as a tracked click.
func TrackingLink(baseURL, trackingUUID string) string {
	return strings.TrimRight(baseURL, "/") + "/r/" + trackingUUID
}
