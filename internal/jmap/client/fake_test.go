package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"jmapmail/internal/jmap/protocol"
)

const (
	testUser     = "user@example.com"
	testPassword = "secret"
	primaryAcct  = protocol.Id("A123")
	sharedAcct   = protocol.Id("acct-2")
)

// fakeServer is an in-memory JMAP server covering the calls the client makes.
type fakeServer struct {
	*httptest.Server
	t *testing.T

	mu          sync.Mutex
	mailboxes   map[protocol.Id][]protocol.Mailbox
	emails      map[protocol.Id]map[protocol.Id]*protocol.Email
	identities  []protocol.Identity
	blobs       map[protocol.Id][]byte
	submissions []protocol.EmailSubmissionCreate
	requests    []protocol.Request
	emailState  int
	nextId      int
	sessionHits int

	withQuota      bool
	nestedUpload   bool
	downloads      []downloadRequest
	failMethod     string
	failAccount    protocol.Id
	apiStatus      int
	rejectUpdateOf protocol.Id
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		t:         t,
		mailboxes: map[protocol.Id][]protocol.Mailbox{},
		emails:    map[protocol.Id]map[protocol.Id]*protocol.Email{},
		blobs:     map[protocol.Id][]byte{},
		identities: []protocol.Identity{
			{Id: "id-other", Name: "Other", Email: "other@example.com"},
			{Id: "id-user", Name: "User", Email: testUser},
		},
		emailState: 1,
	}

	f.addMailbox(primaryAcct, "INBOX", "Inbox", protocol.RoleInbox, 1)
	f.addMailbox(primaryAcct, "drafts", "Drafts", protocol.RoleDrafts, 2)
	f.addMailbox(primaryAcct, "sent", "Sent", protocol.RoleSent, 3)
	f.addMailbox(primaryAcct, "trash", "Trash", protocol.RoleTrash, 4)
	f.addMailbox(sharedAcct, "INBOX", "Shared Inbox", protocol.RoleInbox, 1)
	child := protocol.Id("INBOX")
	f.mailboxes[sharedAcct] = append(f.mailboxes[sharedAcct], protocol.Mailbox{Id: "team", Name: "Team", ParentId: &child})

	base := time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)
	for i := 1; i <= 5; i++ {
		f.addEmail(primaryAcct, &protocol.Email{
			Id:         protocol.Id(fmt.Sprintf("e%d", i)),
			ThreadId:   protocol.Id(fmt.Sprintf("t%d", (i+1)/2)),
			MailboxIds: map[protocol.Id]bool{"INBOX": true},
			Keywords:   map[string]bool{},
			ReceivedAt: base.Add(time.Duration(i) * time.Hour),
			From:       []protocol.EmailAddress{{Name: "Sender", Email: fmt.Sprintf("s%d@example.com", i)}},
			Subject:    fmt.Sprintf("Message %d", i),
		})
	}
	f.addEmail(sharedAcct, &protocol.Email{
		Id:         "s1",
		ThreadId:   "st1",
		MailboxIds: map[protocol.Id]bool{"INBOX": true},
		Keywords:   map[string]bool{protocol.KeywordSeen: true},
		ReceivedAt: base,
		Subject:    "Shared message",
	})

	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/jmap", f.handleSession)
	mux.HandleFunc("/api", f.handleAPI)
	mux.HandleFunc("/upload/", f.handleUpload)
	mux.HandleFunc("/download/", f.handleDownload)
	f.Server = httptest.NewServer(mux)
	t.Cleanup(f.Close)
	return f
}

func (f *fakeServer) addMailbox(acct, id protocol.Id, name, role string, sortOrder int) {
	r := role
	f.mailboxes[acct] = append(f.mailboxes[acct], protocol.Mailbox{
		Id: id, Name: name, Role: &r, SortOrder: sortOrder, MyRights: protocol.FullRights(),
	})
}

func (f *fakeServer) addEmail(acct protocol.Id, e *protocol.Email) {
	if f.emails[acct] == nil {
		f.emails[acct] = map[protocol.Id]*protocol.Email{}
	}
	f.emails[acct][e.Id] = e
}

func (f *fakeServer) email(acct, id protocol.Id) *protocol.Email {
	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok := f.emails[acct][id]; ok {
		return e.Clone()
	}
	return nil
}

func (f *fakeServer) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

// configure mutates server behaviour while holding the lock.
func (f *fakeServer) configure(fn func(f *fakeServer)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f)
}

func (f *fakeServer) sessionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessionHits
}

func (f *fakeServer) lastRequest() protocol.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1]
}

func (f *fakeServer) authorized(r *http.Request) bool {
	user, pass, ok := r.BasicAuth()
	if ok {
		return user == testUser && pass == testPassword
	}
	return r.Header.Get("Authorization") == "Bearer good-token"
}

func (f *fakeServer) handleSession(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.sessionHits++
	withQuota := f.withQuota
	f.mu.Unlock()
	if !f.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	caps := map[string]any{
		protocol.CoreCapability:       map[string]any{"maxSizeUpload": 1000000, "maxCallsInRequest": 16},
		protocol.MailCapability:       map[string]any{},
		protocol.SubmissionCapability: map[string]any{},
	}
	if withQuota {
		caps[protocol.QuotaCapability] = map[string]any{}
	}
	_ = json.NewEncoder(w).Encode(map[string]any{
		"capabilities": caps,
		"accounts": map[string]any{
			string(primaryAcct): map[string]any{"name": testUser, "isPersonal": true},
			string(sharedAcct):  map[string]any{"name": "team@example.com", "isPersonal": false},
		},
		"primaryAccounts": map[string]any{protocol.MailCapability: primaryAcct},
		"username":        testUser,
		"apiUrl":          f.URL + "/api",
		"uploadUrl":       f.URL + "/upload/{accountId}/",
		"downloadUrl":     f.URL + "/download/{accountId}/{blobId}/{name}?type={type}",
		"state":           "s1",
	})
}

func (f *fakeServer) handleAPI(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	f.mu.Lock()
	status := f.apiStatus
	f.mu.Unlock()
	if status != 0 {
		w.WriteHeader(status)
		_, _ = io.WriteString(w, "server exploded")
		return
	}

	var req protocol.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)

	results := map[string]map[string]any{}
	created := map[string]protocol.Id{}
	var out []protocol.MethodResponse
	for _, call := range req.MethodCalls {
		raw, _ := call.Arguments.(json.RawMessage)
		var args map[string]json.RawMessage
		_ = json.Unmarshal(raw, &args)

		name, result := f.dispatch(call.Name, args, results, created)
		results[call.CallId] = result
		data, _ := json.Marshal(result)
		out = append(out, protocol.MethodResponse{Name: name, Arguments: data, CallId: call.CallId})

		if implicit, ok := result["_implicit"]; ok {
			delete(result, "_implicit")
			data, _ = json.Marshal(result)
			out[len(out)-1].Arguments = data
			implicitData, _ := json.Marshal(implicit)
			out = append(out, protocol.MethodResponse{Name: protocol.MethodEmailSet, Arguments: implicitData, CallId: call.CallId})
		}
	}
	_ = json.NewEncoder(w).Encode(protocol.Response{MethodResponses: out, SessionState: "s1"})
}

func str(args map[string]json.RawMessage, key string) string {
	var s string
	_ = json.Unmarshal(args[key], &s)
	return s
}

// ids resolves "ids" or a "#ids" back-reference. The bool is false when
// neither is given (meaning "all").
func (f *fakeServer) ids(args map[string]json.RawMessage, results map[string]map[string]any) ([]protocol.Id, bool) {
	if raw, ok := args["#ids"]; ok {
		var ref protocol.ResultReference
		_ = json.Unmarshal(raw, &ref)
		res := results[ref.ResultOf]
		switch ref.Path {
		case "/ids":
			ids, _ := res["ids"].([]protocol.Id)
			return ids, true
		case "/list/*/emailIds":
			var ids []protocol.Id
			threads, _ := res["list"].([]protocol.Thread)
			for _, t := range threads {
				ids = append(ids, t.EmailIds...)
			}
			return ids, true
		}
		f.t.Errorf("unsupported reference path %q", ref.Path)
		return nil, true
	}
	raw, ok := args["ids"]
	if !ok || string(raw) == "null" {
		return nil, false
	}
	var ids []protocol.Id
	_ = json.Unmarshal(raw, &ids)
	return ids, true
}

func (f *fakeServer) dispatch(method string, args map[string]json.RawMessage, results map[string]map[string]any, created map[string]protocol.Id) (string, map[string]any) {
	acct := protocol.Id(str(args, "accountId"))
	if method == f.failMethod && (f.failAccount == "" || f.failAccount == acct) {
		return "error", map[string]any{"type": "serverFail", "description": "injected failure"}
	}
	state := fmt.Sprintf("es%d", f.emailState)

	switch method {
	case protocol.MethodCoreEcho:
		return method, map[string]any{"ping": true}

	case protocol.MethodMailboxGet:
		ids, filtered := f.ids(args, results)
		list := []protocol.Mailbox{}
		for _, mb := range f.mailboxes[acct] {
			if !filtered || containsId(ids, mb.Id) {
				list = append(list, mb)
			}
		}
		return method, map[string]any{"accountId": acct, "state": "ms1", "list": list}

	case protocol.MethodMailboxQuery:
		var filter struct {
			Role string `json:"role"`
		}
		_ = json.Unmarshal(args["filter"], &filter)
		mbs := append([]protocol.Mailbox{}, f.mailboxes[acct]...)
		sort.Slice(mbs, func(i, j int) bool { return mbs[i].SortOrder < mbs[j].SortOrder })
		ids := []protocol.Id{}
		for _, mb := range mbs {
			if filter.Role == "" || mb.HasRole(filter.Role) {
				ids = append(ids, mb.Id)
			}
		}
		return method, map[string]any{"accountId": acct, "ids": ids}

	case protocol.MethodMailboxSet:
		return method, f.mailboxSet(acct, args)

	case protocol.MethodEmailQuery:
		var q protocol.QueryRequest
		var filter protocol.EmailFilter
		_ = json.Unmarshal(args["filter"], &filter)
		_ = json.Unmarshal(args["position"], &q.Position)
		_ = json.Unmarshal(args["limit"], &q.Limit)

		var matched []*protocol.Email
		for _, e := range f.emails[acct] {
			if filter.InMailbox != "" && !e.InMailbox(filter.InMailbox) {
				continue
			}
			if filter.Text != "" && !strings.Contains(strings.ToLower(e.Subject), strings.ToLower(filter.Text)) {
				continue
			}
			matched = append(matched, e)
		}
		sort.Slice(matched, func(i, j int) bool { return matched[i].ReceivedAt.After(matched[j].ReceivedAt) })
		ids := []protocol.Id{}
		for i := q.Position; i < len(matched); i++ {
			if q.Limit != nil && len(ids) == *q.Limit {
				break
			}
			ids = append(ids, matched[i].Id)
		}
		return method, map[string]any{"accountId": acct, "ids": ids, "total": len(matched), "position": q.Position}

	case protocol.MethodEmailGet:
		ids, filtered := f.ids(args, results)
		list := []protocol.Email{}
		notFound := []protocol.Id{}
		if filtered {
			for _, id := range ids {
				if e, ok := f.emails[acct][id]; ok {
					list = append(list, *e)
				} else {
					notFound = append(notFound, id)
				}
			}
		}
		return method, map[string]any{"accountId": acct, "state": state, "list": list, "notFound": notFound}

	case protocol.MethodEmailSet:
		return method, f.emailSet(acct, args, created)

	case protocol.MethodThreadGet:
		ids, _ := f.ids(args, results)
		var threads []protocol.Thread
		for _, tid := range ids {
			var members []*protocol.Email
			for _, e := range f.emails[acct] {
				if e.ThreadId == tid {
					members = append(members, e)
				}
			}
			sort.Slice(members, func(i, j int) bool { return members[i].ReceivedAt.Before(members[j].ReceivedAt) })
			th := protocol.Thread{Id: tid}
			for _, e := range members {
				th.EmailIds = append(th.EmailIds, e.Id)
			}
			threads = append(threads, th)
		}
		return method, map[string]any{"accountId": acct, "list": threads}

	case protocol.MethodIdentityGet:
		return method, map[string]any{"accountId": acct, "list": f.identities}

	case protocol.MethodEmailSubmissionSet:
		return method, f.submissionSet(acct, args, created)

	case protocol.MethodQuotaGet:
		return method, map[string]any{"accountId": acct, "list": []protocol.Quota{
			{Id: "q0", ResourceType: "count", Used: 6, HardLimit: 1000},
			{Id: "q1", ResourceType: "octets", Used: 2048, HardLimit: 1 << 20},
		}}
	}
	return "error", map[string]any{"type": "unknownMethod"}
}

func (f *fakeServer) emailSet(acct protocol.Id, args map[string]json.RawMessage, created map[string]protocol.Id) map[string]any {
	var req struct {
		Create  map[string]map[string]json.RawMessage `json:"create"`
		Update  map[protocol.Id]map[string]any        `json:"update"`
		Destroy []protocol.Id                         `json:"destroy"`
	}
	raw, _ := json.Marshal(args)
	_ = json.Unmarshal(raw, &req)

	res := map[string]any{"accountId": acct}
	notUpdated := map[protocol.Id]protocol.SetError{}
	notDestroyed := map[protocol.Id]protocol.SetError{}

	for _, id := range req.Destroy {
		if _, ok := f.emails[acct][id]; !ok {
			notDestroyed[id] = protocol.SetError{Type: "notFound"}
			continue
		}
		delete(f.emails[acct], id)
		res["destroyed"] = append(asIds(res["destroyed"]), id)
	}

	createdOut := map[string]protocol.CreatedObject{}
	for key, obj := range req.Create {
		f.nextId++
		e := &protocol.Email{Id: protocol.Id(fmt.Sprintf("new%d", f.nextId)), ThreadId: "tnew", ReceivedAt: time.Now()}
		_ = json.Unmarshal(obj["mailboxIds"], &e.MailboxIds)
		_ = json.Unmarshal(obj["keywords"], &e.Keywords)
		_ = json.Unmarshal(obj["subject"], &e.Subject)
		_ = json.Unmarshal(obj["from"], &e.From)
		_ = json.Unmarshal(obj["to"], &e.To)
		f.addEmail(acct, e)
		created[key] = e.Id
		createdOut[key] = protocol.CreatedObject{Id: e.Id, ThreadId: e.ThreadId}
	}
	if len(createdOut) > 0 {
		res["created"] = createdOut
	}

	updated := map[protocol.Id]any{}
	for id, patch := range req.Update {
		e, ok := f.emails[acct][id]
		if !ok || id == f.rejectUpdateOf {
			notUpdated[id] = protocol.SetError{Type: "notFound", Description: "no such email " + string(id)}
			continue
		}
		applyPatch(e, patch)
		updated[id] = nil
	}
	if len(updated) > 0 {
		res["updated"] = updated
	}
	if len(notUpdated) > 0 {
		res["notUpdated"] = notUpdated
	}
	if len(notDestroyed) > 0 {
		res["notDestroyed"] = notDestroyed
	}
	f.emailState++
	res["newState"] = fmt.Sprintf("es%d", f.emailState)
	return res
}

func applyPatch(e *protocol.Email, patch map[string]any) {
	for path, v := range patch {
		switch {
		case strings.HasPrefix(path, "keywords/"):
			k := strings.TrimPrefix(path, "keywords/")
			if v == nil {
				delete(e.Keywords, k)
			} else {
				if e.Keywords == nil {
					e.Keywords = map[string]bool{}
				}
				e.Keywords[k] = true
			}
		case path == "mailboxIds":
			ids := map[protocol.Id]bool{}
			for k := range v.(map[string]any) {
				ids[protocol.Id(k)] = true
			}
			e.MailboxIds = ids
		}
	}
}

func (f *fakeServer) submissionSet(acct protocol.Id, args map[string]json.RawMessage, created map[string]protocol.Id) map[string]any {
	var req struct {
		Create               map[string]protocol.EmailSubmissionCreate `json:"create"`
		OnSuccessUpdateEmail map[string]map[string]any                 `json:"onSuccessUpdateEmail"`
	}
	raw, _ := json.Marshal(args)
	_ = json.Unmarshal(raw, &req)

	res := map[string]any{"accountId": acct}
	createdOut := map[string]protocol.CreatedObject{}
	notCreated := map[string]protocol.SetError{}
	for key, sub := range req.Create {
		emailId := protocol.Id(sub.EmailId)
		if strings.HasPrefix(sub.EmailId, "#") {
			emailId = created[strings.TrimPrefix(sub.EmailId, "#")]
		}
		if _, ok := f.emails[acct][emailId]; !ok {
			notCreated[key] = protocol.SetError{Type: "invalidEmail", Description: "email not found"}
			continue
		}
		sub.EmailId = string(emailId)
		f.submissions = append(f.submissions, sub)
		createdOut[key] = protocol.CreatedObject{Id: protocol.Id("sub-" + key)}

		if patch, ok := req.OnSuccessUpdateEmail["#"+key]; ok {
			applyPatch(f.emails[acct][emailId], patch)
			res["_implicit"] = map[string]any{"accountId": acct, "updated": map[protocol.Id]any{emailId: nil}}
		}
	}
	if len(createdOut) > 0 {
		res["created"] = createdOut
	}
	if len(notCreated) > 0 {
		res["notCreated"] = notCreated
	}
	return res
}

func (f *fakeServer) mailboxSet(acct protocol.Id, args map[string]json.RawMessage) map[string]any {
	var req struct {
		Create  map[string]struct{ Name string }      `json:"create"`
		Update  map[protocol.Id]struct{ Name string } `json:"update"`
		Destroy []protocol.Id                         `json:"destroy"`
	}
	raw, _ := json.Marshal(args)
	_ = json.Unmarshal(raw, &req)

	res := map[string]any{"accountId": acct}
	createdOut := map[string]protocol.CreatedObject{}
	for key, c := range req.Create {
		f.nextId++
		id := protocol.Id(fmt.Sprintf("mb%d", f.nextId))
		f.mailboxes[acct] = append(f.mailboxes[acct], protocol.Mailbox{Id: id, Name: c.Name})
		createdOut[key] = protocol.CreatedObject{Id: id}
	}
	res["created"] = createdOut
	for id, u := range req.Update {
		for i := range f.mailboxes[acct] {
			if f.mailboxes[acct][i].Id == id {
				f.mailboxes[acct][i].Name = u.Name
			}
		}
	}
	notDestroyed := map[protocol.Id]protocol.SetError{}
	for _, id := range req.Destroy {
		kept := f.mailboxes[acct][:0]
		found := false
		for _, mb := range f.mailboxes[acct] {
			if mb.Id == id {
				found = true
				continue
			}
			kept = append(kept, mb)
		}
		f.mailboxes[acct] = kept
		if !found {
			notDestroyed[id] = protocol.SetError{Type: "notFound"}
		}
	}
	if len(notDestroyed) > 0 {
		res["notDestroyed"] = notDestroyed
	}
	return res
}

func (f *fakeServer) handleUpload(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	acct := protocol.Id(strings.Trim(strings.TrimPrefix(r.URL.Path, "/upload/"), "/"))
	data, _ := io.ReadAll(r.Body)

	f.mu.Lock()
	f.nextId++
	blobId := protocol.Id(fmt.Sprintf("blob%d", f.nextId))
	f.blobs[blobId] = data
	nested := f.nestedUpload
	f.mu.Unlock()

	info := protocol.BlobInfo{AccountId: acct, BlobId: blobId, Type: r.Header.Get("Content-Type"), Size: int64(len(data))}
	if acct == "garbled" {
		_, _ = io.WriteString(w, `{"unexpected": true}`)
		return
	}
	if nested {
		info.AccountId = ""
		_ = json.NewEncoder(w).Encode(map[protocol.Id]protocol.BlobInfo{acct: info})
		return
	}
	_ = json.NewEncoder(w).Encode(info)
}

func (f *fakeServer) handleDownload(w http.ResponseWriter, r *http.Request) {
	if !f.authorized(r) {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	// Split the escaped path so an encoded "/" stays inside its segment.
	parts := strings.Split(strings.TrimPrefix(r.URL.EscapedPath(), "/download/"), "/")
	if len(parts) != 3 {
		http.NotFound(w, r)
		return
	}
	for i, p := range parts {
		parts[i], _ = url.PathUnescape(p)
	}
	query := r.URL.Query()
	f.mu.Lock()
	f.downloads = append(f.downloads, downloadRequest{
		BlobId: parts[1], Name: parts[2], Type: query.Get("type"), QueryKeys: len(query),
	})
	data, ok := f.blobs[protocol.Id(parts[1])]
	f.mu.Unlock()
	if !ok {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", r.URL.Query().Get("type"))
	_, _ = w.Write(data)
}

// downloadRequest is what the server decoded from one download URL.
type downloadRequest struct {
	BlobId, Name, Type string
	QueryKeys          int
}

func (f *fakeServer) submitted() []protocol.EmailSubmissionCreate {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]protocol.EmailSubmissionCreate(nil), f.submissions...)
}

// jsonUnmarshalArgs decodes the arguments of a recorded method call.
func jsonUnmarshalArgs(args any, v any) error {
	raw, ok := args.(json.RawMessage)
	if !ok {
		return fmt.Errorf("arguments are %T, want json.RawMessage", args)
	}
	return json.Unmarshal(raw, v)
}

func containsId(ids []protocol.Id, id protocol.Id) bool {
	for _, x := range ids {
		if x == id {
			return true
		}
	}
	return false
}

func asIds(v any) []protocol.Id {
	ids, _ := v.([]protocol.Id)
	return ids
}

// newTestClient connects a client with basic auth to f.
func newTestClient(t *testing.T, f *fakeServer) *Client {
	t.Helper()
	c, err := New(Credentials{ServerURL: f.URL, Username: testUser, Password: testPassword},
		Options{KeepAliveInterval: -1})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := c.Connect(t.Context()); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(c.Disconnect)
	return c
}
