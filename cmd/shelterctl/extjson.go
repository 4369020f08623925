package main

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

var errNotDocument = errors.New("argument must be a JSON object")

// parseDocument decodes relaxed Extended JSON into a document. An empty
// argument yields a nil document.
func parseDocument(s string) (map[string]any, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	if !strings.HasPrefix(s, "{") {
		return nil, errNotDocument
	}
	var m bson.M
	if err := bson.UnmarshalExtJSON([]byte(s), false, &m); err != nil {
		return nil, fmt.Errorf("invalid JSON document: %w", err)
	}
	return map[string]any(m), nil
}

// writeDocument writes v as one line of relaxed Extended JSON.
func writeDocument(w io.Writer, v any) error {
	out, err := bson.MarshalExtJSON(v, false, false)
	if err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	_, err = fmt.Fprintf(w, "%s\n", out)
	return err
}
