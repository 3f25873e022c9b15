// --- File: internal/pipeline/transformer.go ---
// Package pipeline turns Pub/Sub document events into dispatcher calls.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/illmade-knight/go-dataflow/pkg/messagepipeline"

	"github.com/tinywideclouds/go-push-relay/pkg/notification"
)

// DocumentEventTransformer is a dataflow Transformer that unmarshals a raw
// payload into a notification.DocumentEvent with Collection and DocumentID set.
//
// Both the short form {"collection","document_id"} and the Firestore resource
// name form {"document": "projects/.../documents/<collection>/<id>"} are
// accepted. Anything else is skipped so the StreamingService can dead-letter it.
func DocumentEventTransformer(
	_ context.Context,
	msg *messagepipeline.Message,
) (*notification.DocumentEvent, bool, error) {
	var event notification.DocumentEvent
	if err := json.Unmarshal(msg.Payload, &event); err != nil {
		return nil, true, fmt.Errorf("failed to unmarshal document event from message %s: %w", msg.ID, err)
	}

	if event.Document != "" && (event.Collection == "" || event.DocumentID == "") {
		collection, id, err := ParseDocumentName(event.Document)
		if err != nil {
			return nil, true, fmt.Errorf("message %s: %w", msg.ID, err)
		}
		event.Collection, event.DocumentID = collection, id
	}

	if event.Collection == "" || event.DocumentID == "" {
		return nil, true, fmt.Errorf("message %s: document event needs a collection and a document id", msg.ID)
	}

	return &event, false, nil
}

// ParseDocumentName extracts the collection ID and document ID from a full
// Firestore document resource name. For subcollections the innermost
// collection ID is returned.
func ParseDocumentName(name string) (string, string, error) {
	_, path, found := strings.Cut(name, "/documents/")
	if !found {
		return "", "", fmt.Errorf("invalid document name %q", name)
	}
	segments := strings.Split(strings.Trim(path, "/"), "/")
	if len(segments) < 2 || len(segments)%2 != 0 {
		return "", "", fmt.Errorf("invalid document path %q", path)
	}
	collection, id := segments[len(segments)-2], segments[len(segments)-1]
	if collection == "" || id == "" {
		return "", "", fmt.Errorf("invalid document path %q", path)
	}
	return collection, id, nil
}
