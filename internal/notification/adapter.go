// Package notification normalizes inbound "object created" notifications into
// a bucket/key pair. Two wire shapes are accepted: a structured event envelope
// nesting the fields under "data", and a raw JSON body with top-level fields.
package notification

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrBadRequest marks a payload the caller should reject with a 400. It will
// recur on redelivery until the upstream fixes the event.
var ErrBadRequest = errors.New("malformed notification")

// ObjectRef names one stored object.
type ObjectRef struct {
	Bucket string
	Name   string
}

type envelope struct {
	Data   *objectFields `json:"data"`
	Bucket string        `json:"bucket"`
	Name   string        `json:"name"`
}

type objectFields struct {
	Bucket string `json:"bucket"`
	Name   string `json:"name"`
}

// Adapter filters notifications down to the originals bucket.
type Adapter struct {
	OriginalsBucket string
}

// NewAdapter constructs an Adapter for the given originals bucket.
func NewAdapter(originalsBucket string) *Adapter {
	return &Adapter{OriginalsBucket: originalsBucket}
}

// Parse extracts the object reference from either wire shape. Missing bucket
// or name yields ErrBadRequest.
func (a *Adapter) Parse(body []byte) (ObjectRef, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return ObjectRef{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	ref := ObjectRef{Bucket: env.Bucket, Name: env.Name}
	if env.Data != nil {
		ref = ObjectRef{Bucket: env.Data.Bucket, Name: env.Data.Name}
	}
	if ref.Bucket == "" || ref.Name == "" {
		return ObjectRef{}, fmt.Errorf("%w: missing bucket or name", ErrBadRequest)
	}
	return ref, nil
}

// Match reports whether the notification concerns the originals bucket.
// Events for other buckets are normal traffic to ignore, not errors.
func (a *Adapter) Match(ref ObjectRef) bool {
	return ref.Bucket == a.OriginalsBucket
}
