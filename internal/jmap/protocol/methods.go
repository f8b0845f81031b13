package protocol

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
)

// Request represents a JMAP API request.
// See RFC 8620 Section 3.3.
type Request struct {
	Using       []string     `json:"using"`
	MethodCalls []MethodCall `json:"methodCalls"`
	CreatedIds  map[Id]Id    `json:"createdIds,omitempty"`
}

// Response represents a JMAP API response.
type Response struct {
	MethodResponses []MethodResponse `json:"methodResponses"`
	CreatedIds      map[Id]Id        `json:"createdIds,omitempty"`
	SessionState    string           `json:"sessionState,omitempty"`
}

// MethodCall represents a single method invocation.
// Format: [name, arguments, methodCallId]
type MethodCall struct {
	Name      string
	Arguments any
	CallId    string
}

// MarshalJSON implements custom JSON marshaling for MethodCall.
func (m MethodCall) MarshalJSON() ([]byte, error) {
	args := m.Arguments
	if args == nil {
		args = struct{}{}
	}
	return json.Marshal([]any{m.Name, args, m.CallId})
}

// UnmarshalJSON implements custom JSON unmarshaling for MethodCall.
// Arguments are kept as json.RawMessage.
func (m *MethodCall) UnmarshalJSON(data []byte) error {
	name, args, id, err := decodeTriple(data)
	if err != nil {
		return err
	}
	m.Name, m.Arguments, m.CallId = name, args, id
	return nil
}

// MethodResponse represents a single method response.
// Format: [name, arguments, methodCallId]
type MethodResponse struct {
	Name      string
	Arguments json.RawMessage
	CallId    string
}

// MarshalJSON implements custom JSON marshaling for MethodResponse.
func (m MethodResponse) MarshalJSON() ([]byte, error) {
	args := m.Arguments
	if args == nil {
		args = json.RawMessage("{}")
	}
	return json.Marshal([]any{m.Name, args, m.CallId})
}

// UnmarshalJSON implements custom JSON unmarshaling for MethodResponse.
func (m *MethodResponse) UnmarshalJSON(data []byte) error {
	name, args, id, err := decodeTriple(data)
	if err != nil {
		return err
	}
	m.Name, m.Arguments, m.CallId = name, args, id
	return nil
}

func decodeTriple(data []byte) (string, json.RawMessage, string, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return "", nil, "", err
	}
	if len(raw) != 3 {
		return "", nil, "", fmt.Errorf("invocation has %d elements, want 3", len(raw))
	}
	var name, id string
	if err := json.Unmarshal(raw[0], &name); err != nil {
		return "", nil, "", fmt.Errorf("invocation name: %w", err)
	}
	if err := json.Unmarshal(raw[2], &id); err != nil {
		return "", nil, "", fmt.Errorf("invocation id: %w", err)
	}
	return name, raw[1], id, nil
}

// Decode unmarshals the arguments into v. An "error" response is returned
// as a *MethodError.
func (m *MethodResponse) Decode(v any) error {
	if IsErrorResponse(m.Name) {
		var me MethodError
		if err := json.Unmarshal(m.Arguments, &me); err != nil {
			return &MalformedResponseError{Err: err, Body: truncate(string(m.Arguments), maxErrorBody)}
		}
		me.CallId = m.CallId
		return &me
	}
	if err := json.Unmarshal(m.Arguments, v); err != nil {
		return &MalformedResponseError{Err: fmt.Errorf("%s arguments: %w", m.Name, err), Body: truncate(string(m.Arguments), maxErrorBody)}
	}
	return nil
}

// Find returns the first response with the given call id and method name.
// An "error" response with a matching call id is returned too.
func (r *Response) Find(callId, name string) (*MethodResponse, bool) {
	for i := range r.MethodResponses {
		mr := &r.MethodResponses[i]
		if mr.CallId != callId {
			continue
		}
		if mr.Name == name || IsErrorResponse(mr.Name) {
			return mr, true
		}
	}
	return nil, false
}

// Decode finds the response for callId/name and unmarshals it into v.
func (r *Response) Decode(callId, name string, v any) error {
	mr, ok := r.Find(callId, name)
	if !ok {
		return &MalformedResponseError{Err: fmt.Errorf("missing %s response for call %q", name, callId)}
	}
	return mr.Decode(v)
}

// ResultReference lets an argument refer to the result of an earlier call in
// the same request. See RFC 8620 Section 3.7.
type ResultReference struct {
	ResultOf string `json:"resultOf"`
	Name     string `json:"name"`
	Path     string `json:"path"`
}

// Ref builds a ResultReference.
func Ref(callId, name, path string) *ResultReference {
	return &ResultReference{ResultOf: callId, Name: name, Path: path}
}

// Capability URIs.
const (
	CoreCapability             = "urn:ietf:params:jmap:core"
	MailCapability             = "urn:ietf:params:jmap:mail"
	SubmissionCapability       = "urn:ietf:params:jmap:submission"
	QuotaCapability            = "urn:ietf:params:jmap:quota"
	VacationResponseCapability = "urn:ietf:params:jmap:vacationresponse"
)

// Method names.
const (
	MethodCoreEcho           = "Core/echo"
	MethodMailboxGet         = "Mailbox/get"
	MethodMailboxQuery       = "Mailbox/query"
	MethodMailboxSet         = "Mailbox/set"
	MethodEmailGet           = "Email/get"
	MethodEmailQuery         = "Email/query"
	MethodEmailSet           = "Email/set"
	MethodThreadGet          = "Thread/get"
	MethodIdentityGet        = "Identity/get"
	MethodEmailSubmissionSet = "EmailSubmission/set"
	MethodQuotaGet           = "Quota/get"
)

// GetRequest holds arguments for a /get method. IdsRef, when set, replaces
// Ids with a back-reference ("#ids").
type GetRequest struct {
	AccountId           Id               `json:"accountId"`
	Ids                 []Id             `json:"ids,omitempty"`
	IdsRef              *ResultReference `json:"#ids,omitempty"`
	Properties          []string         `json:"properties,omitempty"`
	BodyProperties      []string         `json:"bodyProperties,omitempty"`
	FetchTextBodyValues bool             `json:"fetchTextBodyValues,omitempty"`
	FetchHTMLBodyValues bool             `json:"fetchHTMLBodyValues,omitempty"`
	MaxBodyValueBytes   int              `json:"maxBodyValueBytes,omitempty"`
}

// QueryRequest holds arguments for a /query method.
type QueryRequest struct {
	AccountId       Id          `json:"accountId"`
	Filter          any         `json:"filter,omitempty"`
	Sort            []SortOrder `json:"sort,omitempty"`
	Position        int         `json:"position,omitempty"`
	Limit           *int        `json:"limit,omitempty"`
	CalculateTotal  bool        `json:"calculateTotal,omitempty"`
	CollapseThreads bool        `json:"collapseThreads,omitempty"`
}

// SortOrder specifies how to sort results.
type SortOrder struct {
	Property    string `json:"property"`
	IsAscending bool   `json:"isAscending"`
}

// EmailFilter is an Email/query FilterCondition.
type EmailFilter struct {
	InMailbox Id     `json:"inMailbox,omitempty"`
	Text      string `json:"text,omitempty"`
}

// PatchObject maps property paths to new values. A nil value removes the
// property, e.g. {"keywords/$seen": nil}.
type PatchObject map[string]any

// SetRequest holds arguments for a /set method.
type SetRequest struct {
	AccountId Id                 `json:"accountId"`
	IfInState string             `json:"ifInState,omitempty"`
	Create    map[string]any     `json:"create,omitempty"`
	Update    map[Id]PatchObject `json:"update,omitempty"`
	Destroy   []Id               `json:"destroy,omitempty"`

	// OnDestroyRemoveEmails applies to Mailbox/set only.
	OnDestroyRemoveEmails bool `json:"onDestroyRemoveEmails,omitempty"`
}

// SubmissionSetRequest holds EmailSubmission/set arguments.
// OnSuccessUpdateEmail keys are "#creationId" or a submission id.
type SubmissionSetRequest struct {
	AccountId            Id                     `json:"accountId"`
	Create               map[string]any         `json:"create,omitempty"`
	OnSuccessUpdateEmail map[string]PatchObject `json:"onSuccessUpdateEmail,omitempty"`
}

// EmailSubmissionCreate is the create object for EmailSubmission/set.
// EmailId may be "#creationId" to refer to an email created in the same request.
type EmailSubmissionCreate struct {
	IdentityId Id     `json:"identityId"`
	EmailId    string `json:"emailId"`
}

// CreatedObject is the server's reply for one created object.
type CreatedObject struct {
	Id       Id    `json:"id"`
	BlobId   Id    `json:"blobId,omitempty"`
	ThreadId Id    `json:"threadId,omitempty"`
	Size     int64 `json:"size,omitempty"`
}

// SetResponse represents the response from any /set method.
type SetResponse struct {
	AccountId    Id                       `json:"accountId"`
	OldState     string                   `json:"oldState,omitempty"`
	NewState     string                   `json:"newState"`
	Created      map[string]CreatedObject `json:"created,omitempty"`
	Updated      map[Id]json.RawMessage   `json:"updated,omitempty"`
	Destroyed    []Id                     `json:"destroyed,omitempty"`
	NotCreated   map[string]SetError      `json:"notCreated,omitempty"`
	NotUpdated   map[Id]SetError          `json:"notUpdated,omitempty"`
	NotDestroyed map[Id]SetError          `json:"notDestroyed,omitempty"`
}

// SetError is a per-object failure in a /set response.
type SetError struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Properties  []string `json:"properties,omitempty"`
}

// Err returns a *MutationError for the first failure in notCreated,
// notUpdated or notDestroyed (in that order, lowest id first), or nil.
func (r *SetResponse) Err() error {
	for _, id := range slices.Sorted(maps.Keys(r.NotCreated)) {
		se := r.NotCreated[id]
		return &MutationError{Id: id, Type: se.Type, Description: se.Description}
	}
	for _, failed := range []map[Id]SetError{r.NotUpdated, r.NotDestroyed} {
		for _, id := range slices.Sorted(maps.Keys(failed)) {
			se := failed[id]
			return &MutationError{Id: string(id), Type: se.Type, Description: se.Description}
		}
	}
	return nil
}

// FailedIds returns every id that failed to update or destroy.
func (r *SetResponse) FailedIds() map[Id]SetError {
	failed := make(map[Id]SetError, len(r.NotUpdated)+len(r.NotDestroyed))
	for id, se := range r.NotUpdated {
		failed[id] = se
	}
	for id, se := range r.NotDestroyed {
		failed[id] = se
	}
	return failed
}

// IsErrorResponse checks if a method response is an error.
func IsErrorResponse(name string) bool {
	return name == "error"
}
