// Package fetch performs one HTTP request and dispatches an event describing
// its outcome.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/on-the-ground/black_box_go/blackbox"
	"github.com/on-the-ground/black_box_go/store"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Response is the buffered HTTP response handed to the event mappers.
type Response struct {
	StatusCode int
	Status     string
	Header     http.Header
	Body       []byte
}

// OK reports a 2xx status.
func (r *Response) OK() bool {
	return r.StatusCode >= 200 && r.StatusCode < 300
}

// APIError is the payload of the failure event for a non-2xx response.
type APIError struct {
	StatusCode int
	Status     string
	Payload    any
}

func (e *APIError) Error() string {
	return e.Status
}

// SuccessFunc maps a 2xx response to an event.
type SuccessFunc func(res *Response) (blackbox.Event, error)

// FailureFunc maps a non-2xx response, or a transport error with a nil
// response, to an event.
type FailureFunc func(res *Response, err error) (blackbox.Event, error)

// Handle sends Request when it enters the state. Leaving the state aborts the
// request and drops its outcome.
type Handle struct {
	*blackbox.DeferredHandle

	Request *http.Request
}

// New uses http.DefaultClient when client is nil.
func New(client *http.Client, req *http.Request, onSuccess SuccessFunc, onFailure FailureFunc) *Handle {
	if client == nil {
		client = http.DefaultClient
	}
	h := &Handle{Request: req}
	h.DeferredHandle = blackbox.NewDeferredContext(func(signal context.Context) (blackbox.Deferred, error) {
		if req == nil {
			return nil, fmt.Errorf("fetch: nil request")
		}
		return blackbox.Go(func(ctx context.Context) (any, error) {
			reqCtx, cancel := context.WithCancel(ctx)
			defer cancel()
			stop := context.AfterFunc(signal, cancel)
			defer stop()
			return roundTrip(client, req.Clone(reqCtx), onSuccess, onFailure)
		}), nil
	})
	if req != nil {
		h.Rename("fetch:" + req.Method + " " + req.URL.String())
	}
	return h
}

// Get is New for a GET request mapped with SuccessType and FailureType.
func Get(client *http.Client, url, successType, failureType string) (*Handle, error) {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return New(client, req, SuccessType(successType), FailureType(failureType)), nil
}

func roundTrip(client *http.Client, req *http.Request, onSuccess SuccessFunc, onFailure FailureFunc) (any, error) {
	res, err := client.Do(req)
	if err != nil {
		return mapEvent(onFailure(nil, err))
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return mapEvent(onFailure(nil, fmt.Errorf("failed to read response body: %w", err)))
	}
	buffered := &Response{
		StatusCode: res.StatusCode,
		Status:     res.Status,
		Header:     res.Header,
		Body:       body,
	}
	if buffered.OK() {
		return mapEvent(onSuccess(buffered))
	}
	return mapEvent(onFailure(buffered, nil))
}

func mapEvent(ev blackbox.Event, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return nil, nil
	}
	return ev, nil
}

// SuccessType dispatches a store.Action of type t carrying the decoded body.
func SuccessType(t string) SuccessFunc {
	return func(res *Response) (blackbox.Event, error) {
		payload, err := Payload(res)
		if err != nil {
			return nil, err
		}
		return store.Action{Type: t, Payload: payload}, nil
	}
}

// FailureType dispatches a store.Action of type t carrying the transport
// error, or an *APIError for a non-2xx response.
func FailureType(t string) FailureFunc {
	return func(res *Response, err error) (blackbox.Event, error) {
		if err != nil || res == nil {
			return store.Action{Type: t, Payload: err}, nil
		}
		payload, perr := Payload(res)
		if perr != nil {
			payload = res.Body
		}
		return store.Action{
			Type: t,
			Payload: &APIError{
				StatusCode: res.StatusCode,
				Status:     res.Status,
				Payload:    payload,
			},
		}, nil
	}
}

// Decoded dispatches a store.Action of type t whose payload is the body
// decoded into T and checked against its validate tags.
func Decoded[T any](t string) SuccessFunc {
	return func(res *Response) (blackbox.Event, error) {
		var payload T
		if err := Decode(res, &payload); err != nil {
			return nil, err
		}
		return store.Action{Type: t, Payload: payload}, nil
	}
}

// Payload decodes a JSON or YAML body into generic values. Any other content
// type is returned as the raw string.
func Payload(res *Response) (any, error) {
	switch format(res) {
	case formatJSON, formatYAML:
		var v any
		if len(bytes.TrimSpace(res.Body)) == 0 {
			return nil, nil
		}
		if err := unmarshal(res, &v); err != nil {
			return nil, err
		}
		return v, nil
	default:
		return string(res.Body), nil
	}
}

// Decode unmarshals the body into v and validates it when v points to a struct.
func Decode(res *Response, v any) error {
	if err := unmarshal(res, v); err != nil {
		return err
	}
	if err := validate.Struct(v); err != nil {
		if _, invalid := err.(*validator.InvalidValidationError); invalid {
			return nil
		}
		return fmt.Errorf("validation failed: %w", err)
	}
	return nil
}

type bodyFormat int

const (
	formatRaw bodyFormat = iota
	formatJSON
	formatYAML
)

func format(res *Response) bodyFormat {
	contentType := strings.ToLower(res.Header.Get("Content-Type"))
	switch {
	case strings.Contains(contentType, "json"):
		return formatJSON
	case strings.Contains(contentType, "yaml"):
		return formatYAML
	default:
		return formatRaw
	}
}

func unmarshal(res *Response, v any) error {
	switch format(res) {
	case formatYAML:
		if err := yaml.Unmarshal(res.Body, v); err != nil {
			return fmt.Errorf("expected YAML: %w", err)
		}
		return nil
	case formatJSON:
		if err := json.Unmarshal(res.Body, v); err != nil {
			return fmt.Errorf("expected JSON: %w", err)
		}
		return nil
	default:
		trimmed := bytes.TrimSpace(res.Body)
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
			return json.Unmarshal(res.Body, v)
		}
		return yaml.Unmarshal(res.Body, v)
	}
}
