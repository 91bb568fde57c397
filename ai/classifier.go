package ai

import (
	"context"
	"strings"

	"Switchboard/lib/sl"
	"Switchboard/storage"
)

type Intent int

const (
	IntentText Intent = iota
	IntentImage
)

const intentInstruction = "Decide whether the user wants an image to be generated. " +
	"Reply with exactly one word: IMAGE if they want an image generated, TEXT otherwise."

// DetectImageIntent classifies one message with a single model round trip.
// The decision rule is substring containment on the normalized reply, and any
// failure of the call silently falls back to the conversational path.
func (c *Chat) DetectImageIntent(ctx context.Context, question string) Intent {
	messages := []Message{
		{Role: storage.RoleSystem, Content: intentInstruction},
		{Role: storage.RoleUser, Content: question},
	}

	reply, err := c.complete(ctx, messages)
	if err != nil {
		c.log.Warn("intent detection failed, assuming text", sl.Err(err))
		return IntentText
	}

	normalized := strings.ToUpper(strings.TrimSpace(reply))
	if strings.Contains(normalized, "IMAGE") {
		return IntentImage
	}
	return IntentText
}
