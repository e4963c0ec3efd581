package main

import (
	"encoding/json"
	"io"
	"os"
	"time"

	"github.com/rendis/webforge/pkg/schema"
)

// readJSON decodes the JSON document at path into v. A path of "-" reads
// from stdin.
func readJSON(stdin io.Reader, path string, v any) error {
	var r io.Reader = stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return schema.NewErrorf(schema.ErrCodeValidation, "read %s: %v", path, err).WithCause(err)
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "parse %s: %v", path, err).WithCause(err)
	}
	return nil
}

// parseExpiry turns --expires-in or --expires-at into an absolute time. At
// most one may be given; neither means no expiry.
func parseExpiry(in time.Duration, at string, now time.Time) (*time.Time, error) {
	switch {
	case in != 0 && at != "":
		return nil, schema.NewError(schema.ErrCodeValidation, "use either --expires-in or --expires-at")
	case in < 0:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "--expires-in must be positive, got %s", in)
	case in > 0:
		t := now.Add(in).UTC()
		return &t, nil
	case at != "":
		t, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "--expires-at: %v", err)
		}
		t = t.UTC()
		return &t, nil
	}
	return nil, nil
}
