package client

import (
	"context"

	"jmapmail/internal/common/logger"
	"jmapmail/internal/jmap/protocol"
	"jmapmail/internal/mailsec"
)

// ListProperties is the reduced property set fetched for list views.
var ListProperties = []string{
	"id", "blobId", "threadId", "mailboxIds", "keywords", "size",
	"receivedAt", "sentAt", "from", "to", "cc", "replyTo",
	"subject", "preview", "hasAttachment",
}

// FullProperties is fetched when a single email is opened.
var FullProperties = append(append([]string{}, ListProperties...),
	"sender", "bcc", "messageId", "inReplyTo", "references",
	"textBody", "htmlBody", "attachments", "bodyValues", "headers",
)

var receivedDesc = []protocol.SortOrder{{Property: "receivedAt", IsAscending: false}}

// EmailPage is one page of a query.
type EmailPage struct {
	Emails   []protocol.Email
	Total    int
	Position int
	HasMore  bool
}

// GetEmails queries a mailbox ("" for all mail) newest first and fetches the
// page in the same request. Errors are logged and yield an empty page.
func (c *Client) GetEmails(ctx context.Context, mailboxId, accountId protocol.Id, limit, position int) EmailPage {
	page, err := c.queryEmails(ctx, protocol.EmailFilter{InMailbox: mailboxId}, accountId, limit, position)
	if err != nil {
		logger.LogError(c.log, "Failed to get emails",
			"mailbox_id", mailboxId, "account_id", accountId, "error", err)
		return EmailPage{Position: position}
	}
	return page
}

// SearchEmails runs a full-text query, optionally within one mailbox. Errors
// are logged and yield an empty page.
func (c *Client) SearchEmails(ctx context.Context, text string, mailboxId, accountId protocol.Id, limit, position int) EmailPage {
	page, err := c.queryEmails(ctx, protocol.EmailFilter{InMailbox: mailboxId, Text: text}, accountId, limit, position)
	if err != nil {
		logger.LogError(c.log, "Failed to search emails",
			"mailbox_id", mailboxId, "account_id", accountId, "error", err)
		return EmailPage{Position: position}
	}
	return page
}

func (c *Client) queryEmails(ctx context.Context, filter protocol.EmailFilter, accountId protocol.Id, limit, position int) (EmailPage, error) {
	acct, err := c.account(accountId)
	if err != nil {
		return EmailPage{}, err
	}
	filter.InMailbox = stripNamespace(acct, filter.InMailbox)

	query := protocol.QueryRequest{
		AccountId:      acct,
		Sort:           receivedDesc,
		Position:       position,
		CalculateTotal: true,
	}
	if filter != (protocol.EmailFilter{}) {
		query.Filter = filter
	}
	if limit > 0 {
		query.Limit = &limit
	}

	resp, err := c.Request(ctx,
		protocol.MethodCall{Name: protocol.MethodEmailQuery, Arguments: query, CallId: "0"},
		protocol.MethodCall{
			Name: protocol.MethodEmailGet,
			Arguments: protocol.GetRequest{
				AccountId:  acct,
				IdsRef:     protocol.Ref("0", protocol.MethodEmailQuery, "/ids"),
				Properties: ListProperties,
			},
			CallId: "1",
		},
	)
	if err != nil {
		return EmailPage{}, err
	}

	var q protocol.QueryEmailsResponse
	if err := resp.Decode("0", protocol.MethodEmailQuery, &q); err != nil {
		return EmailPage{}, err
	}
	var g protocol.GetEmailsResponse
	if err := resp.Decode("1", protocol.MethodEmailGet, &g); err != nil {
		return EmailPage{}, err
	}

	emails := orderByIds(g.List, q.Ids)
	c.namespaceEmails(acct, emails)

	page := EmailPage{Emails: emails, Position: position}
	if q.Total != nil {
		page.Total = *q.Total
		page.HasMore = position+len(q.Ids) < *q.Total
	} else {
		page.Total = position + len(emails)
		page.HasMore = limit > 0 && len(emails) == limit
	}
	return page, nil
}

// GetEmail fetches one email with bodies, attachments and headers, and
// derives its security annotations. It returns nil on error or not-found.
func (c *Client) GetEmail(ctx context.Context, id, accountId protocol.Id) *protocol.Email {
	email, err := c.FetchEmail(ctx, id, accountId)
	if err != nil {
		logger.LogError(c.log, "Failed to get email", "email_id", id, "error", err)
		return nil
	}
	return email
}

// FetchEmail is GetEmail with the error returned. A missing email yields
// nil, nil.
func (c *Client) FetchEmail(ctx context.Context, id, accountId protocol.Id) (*protocol.Email, error) {
	acct, err := c.account(accountId)
	if err != nil {
		return nil, err
	}
	resp, err := c.Request(ctx, protocol.MethodCall{
		Name: protocol.MethodEmailGet,
		Arguments: protocol.GetRequest{
			AccountId:           acct,
			Ids:                 []protocol.Id{id},
			Properties:          FullProperties,
			FetchTextBodyValues: true,
			FetchHTMLBodyValues: true,
			MaxBodyValueBytes:   c.opts.BodyValueMaxBytes,
		},
		CallId: "0",
	})
	if err != nil {
		return nil, err
	}
	var g protocol.GetEmailsResponse
	if err := resp.Decode("0", protocol.MethodEmailGet, &g); err != nil {
		return nil, err
	}
	if len(g.List) == 0 {
		return nil, nil
	}

	email := &g.List[0]
	c.namespaceEmails(acct, g.List[:1])
	switch {
	case len(email.Headers) > 0:
		email.HeaderMap = mailsec.NormalizeHeaders(email.Headers)
	case email.BlobId != "":
		// Some servers omit the "headers" property; read the raw message instead.
		email.HeaderMap = c.blobHeaders(ctx, email.BlobId, acct)
	}
	if email.HeaderMap != nil {
		email.Security = mailsec.Analyze(email.HeaderMap)
	}
	return email, nil
}

// blobHeaders parses the header block of a message blob. Failures are
// logged and leave the email without header annotations.
func (c *Client) blobHeaders(ctx context.Context, blobId, accountId protocol.Id) map[string][]string {
	raw, err := c.HeaderBlock(ctx, blobId, accountId)
	if err == nil {
		var headers map[string][]string
		if headers, err = mailsec.ParseHeaderBlock(raw); err == nil {
			return headers
		}
	}
	logger.LogWarn(c.log, "Failed to read headers from message blob", "blob_id", blobId, "error", err)
	return nil
}

// GetThread fetches every email of a thread in one request, using Thread/get
// and a back-reference to its emailIds.
func (c *Client) GetThread(ctx context.Context, threadId, accountId protocol.Id) ([]protocol.Email, error) {
	acct, err := c.account(accountId)
	if err != nil {
		return nil, err
	}
	resp, err := c.Request(ctx,
		protocol.MethodCall{
			Name:      protocol.MethodThreadGet,
			Arguments: protocol.GetRequest{AccountId: acct, Ids: []protocol.Id{threadId}},
			CallId:    "0",
		},
		protocol.MethodCall{
			Name: protocol.MethodEmailGet,
			Arguments: protocol.GetRequest{
				AccountId:  acct,
				IdsRef:     protocol.Ref("0", protocol.MethodThreadGet, "/list/*/emailIds"),
				Properties: ListProperties,
			},
			CallId: "1",
		},
	)
	if err != nil {
		return nil, err
	}

	var t protocol.GetThreadsResponse
	if err := resp.Decode("0", protocol.MethodThreadGet, &t); err != nil {
		return nil, err
	}
	var g protocol.GetEmailsResponse
	if err := resp.Decode("1", protocol.MethodEmailGet, &g); err != nil {
		return nil, err
	}

	var ids []protocol.Id
	for _, th := range t.List {
		ids = append(ids, th.EmailIds...)
	}
	emails := orderByIds(g.List, ids)
	c.namespaceEmails(acct, emails)
	return emails, nil
}

// namespaceEmails rewrites mailbox membership keys of a shared account's
// emails into the "{accountId}:{mailboxId}" space.
func (c *Client) namespaceEmails(accountId protocol.Id, emails []protocol.Email) {
	if !c.IsShared(accountId) {
		return
	}
	for i := range emails {
		e := &emails[i]
		ids := make(map[protocol.Id]bool, len(e.MailboxIds))
		for id, in := range e.MailboxIds {
			ids[NamespacedId(accountId, id)] = in
		}
		e.MailboxIds = ids
	}
}

// orderByIds returns list in the order of ids. Emails not named in ids
// follow in their original order.
func orderByIds(list []protocol.Email, ids []protocol.Id) []protocol.Email {
	if len(list) == 0 {
		return []protocol.Email{}
	}
	byId := make(map[protocol.Id]int, len(list))
	for i := range list {
		byId[list[i].Id] = i
	}
	out := make([]protocol.Email, 0, len(list))
	used := make([]bool, len(list))
	for _, id := range ids {
		if i, ok := byId[id]; ok && !used[i] {
			out = append(out, list[i])
			used[i] = true
		}
	}
	for i := range list {
		if !used[i] {
			out = append(out, list[i])
		}
	}
	return out
}
