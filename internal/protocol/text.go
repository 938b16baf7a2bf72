package protocol

import (
	"fmt"
	"strings"
)

// Verb is the first token of a client request frame
type Verb string

const (
	VerbPut          Verb = "PUT"
	VerbGet          Verb = "GET"
	VerbKeyRange     Verb = "KEYRANGE"
	VerbKeyRangeRead Verb = "KEYRANGE_READ"
	VerbSubscribe    Verb = "SUBSCRIBE"
	VerbUnsubscribe  Verb = "UNSUBSCRIBE"
	// VerbTransfer switches the connection to the peer transfer protocol
	VerbTransfer Verb = "TRANSFER"
)

// Request is a parsed client frame
type Request struct {
	Verb  Verb
	Key   string
	Value string
	// Subscriber is the raw "address:port" of SUBSCRIBE and UNSUBSCRIBE
	Subscriber string
}

// String renders the request as a text frame without terminator
func (r Request) String() string {
	switch r.Verb {
	case VerbPut:
		return fmt.Sprintf("%s %s %s", r.Verb, r.Key, r.Value)
	case VerbGet:
		return fmt.Sprintf("%s %s", r.Verb, r.Key)
	case VerbSubscribe, VerbUnsubscribe:
		return fmt.Sprintf("%s %s %s", r.Verb, r.Key, r.Subscriber)
	default:
		return string(r.Verb)
	}
}

// ParseRequest parses a client frame. PUT takes the rest of the line after
// the key as its value, so values may contain spaces.
func ParseRequest(frame string) (Request, error) {
	verb, rest, _ := strings.Cut(frame, " ")
	req := Request{Verb: Verb(verb)}

	switch req.Verb {
	case VerbPut:
		key, value, ok := strings.Cut(rest, " ")
		if !ok || key == "" || value == "" {
			return req, fmt.Errorf("%w: PUT requires a key and a value", ErrMalformed)
		}
		req.Key, req.Value = key, value
	case VerbGet:
		if rest == "" || strings.Contains(rest, " ") {
			return req, fmt.Errorf("%w: GET requires exactly one key", ErrMalformed)
		}
		req.Key = rest
	case VerbSubscribe, VerbUnsubscribe:
		fields := strings.Fields(rest)
		if len(fields) != 2 {
			return req, fmt.Errorf("%w: %s requires a key and an address:port", ErrMalformed, verb)
		}
		req.Key, req.Subscriber = fields[0], fields[1]
	case VerbKeyRange, VerbKeyRangeRead, VerbTransfer:
		if rest != "" {
			return req, fmt.Errorf("%w: %s takes no arguments", ErrMalformed, verb)
		}
	default:
		return req, fmt.Errorf("%w: unknown command %q", ErrMalformed, verb)
	}
	return req, nil
}

// Status is the first token of a response frame
type Status string

const (
	StatusPutSuccess           Status = "PUT_SUCCESS"
	StatusPutUpdate            Status = "PUT_UPDATE"
	StatusPutError             Status = "PUT_ERROR"
	StatusGetSuccess           Status = "GET_SUCCESS"
	StatusGetError             Status = "GET_ERROR"
	StatusKeyRangeSuccess      Status = "KEYRANGE_SUCCESS"
	StatusKeyRangeReadSuccess  Status = "KEYRANGE_READ_SUCCESS"
	StatusSubscribeSuccess     Status = "SUBSCRIBE_SUCCESS"
	StatusUnsubscribeSuccess   Status = "UNSUBSCRIBE_SUCCESS"
	StatusSubscribeError       Status = "SUBSCRIBE_ERROR"
	StatusServerNotResponsible Status = "SERVER_NOT_RESPONSIBLE"
	StatusServerStopped        Status = "SERVER_STOPPED"
	StatusServerWriteLock      Status = "SERVER_WRITE_LOCK"
	StatusFailed               Status = "FAILED"
	StatusNotification         Status = "KV_NOTIFICATION"
)

// Response is a response frame. Key and Value are used by the key/value
// statuses; Value alone carries the ring CSV or a failure reason.
type Response struct {
	Status Status
	Key    string
	Value  string
}

// String renders the response without terminator
func (r Response) String() string {
	parts := []string{string(r.Status)}
	if r.Key != "" {
		parts = append(parts, r.Key)
	}
	if r.Value != "" {
		parts = append(parts, r.Value)
	}
	return strings.Join(parts, " ")
}

// ParseResponse parses a response frame
func ParseResponse(frame string) (Response, error) {
	status, rest, _ := strings.Cut(frame, " ")
	resp := Response{Status: Status(status)}

	switch resp.Status {
	case StatusPutSuccess, StatusPutUpdate, StatusPutError, StatusGetSuccess:
		resp.Key, resp.Value, _ = strings.Cut(rest, " ")
	case StatusGetError, StatusSubscribeSuccess, StatusUnsubscribeSuccess, StatusSubscribeError:
		resp.Key = rest
	case StatusKeyRangeSuccess, StatusKeyRangeReadSuccess, StatusFailed:
		resp.Value = rest
	case StatusServerNotResponsible, StatusServerStopped, StatusServerWriteLock:
	default:
		return resp, fmt.Errorf("%w: unknown status %q", ErrMalformed, status)
	}
	return resp, nil
}

// NotificationFrame renders a subscriber notification
func NotificationFrame(key, oldValue, newValue string) string {
	return fmt.Sprintf("%s %s %s %s", StatusNotification, key, oldValue, newValue)
}
