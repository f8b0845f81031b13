package client

import (
	"context"
	"fmt"
	"strings"

	"jmapmail/internal/jmap/protocol"
)

// UpdateEmails applies one patch per email in a single Email/set call.
func (c *Client) UpdateEmails(ctx context.Context, update map[protocol.Id]protocol.PatchObject, accountId protocol.Id) error {
	if len(update) == 0 {
		return nil
	}
	acct, err := c.account(accountId)
	if err != nil {
		return err
	}
	_, err = c.set(ctx, protocol.MethodEmailSet, protocol.SetRequest{AccountId: acct, Update: update})
	return err
}

// keywordPatch sets or removes one keyword without touching the others.
func keywordPatch(keyword string, on bool) protocol.PatchObject {
	if on {
		return protocol.PatchObject{"keywords/" + keyword: true}
	}
	return protocol.PatchObject{"keywords/" + keyword: nil}
}

func samePatch(ids []protocol.Id, patch protocol.PatchObject) map[protocol.Id]protocol.PatchObject {
	update := make(map[protocol.Id]protocol.PatchObject, len(ids))
	for _, id := range ids {
		update[id] = patch
	}
	return update
}

// MarkAsRead sets or clears $seen.
func (c *Client) MarkAsRead(ctx context.Context, id protocol.Id, read bool, accountId protocol.Id) error {
	return c.BatchMarkAsRead(ctx, []protocol.Id{id}, read, accountId)
}

// BatchMarkAsRead sets or clears $seen on every email in one call.
func (c *Client) BatchMarkAsRead(ctx context.Context, ids []protocol.Id, read bool, accountId protocol.Id) error {
	if err := c.UpdateEmails(ctx, samePatch(ids, keywordPatch(protocol.KeywordSeen, read)), accountId); err != nil {
		return fmt.Errorf("failed to mark emails as read=%t: %w", read, err)
	}
	return nil
}

// ToggleStar sets or clears $flagged.
func (c *Client) ToggleStar(ctx context.Context, id protocol.Id, starred bool, accountId protocol.Id) error {
	err := c.UpdateEmails(ctx, map[protocol.Id]protocol.PatchObject{id: keywordPatch(protocol.KeywordFlagged, starred)}, accountId)
	if err != nil {
		return fmt.Errorf("failed to set starred=%t: %w", starred, err)
	}
	return nil
}

// UpdateEmailKeywords sets and clears several keywords in one patch.
func (c *Client) UpdateEmailKeywords(ctx context.Context, id protocol.Id, set, clear []string, accountId protocol.Id) error {
	patch := protocol.PatchObject{}
	for _, k := range clear {
		patch["keywords/"+k] = nil
	}
	for _, k := range set {
		patch["keywords/"+k] = true
	}
	if len(patch) == 0 {
		return nil
	}
	if err := c.UpdateEmails(ctx, map[protocol.Id]protocol.PatchObject{id: patch}, accountId); err != nil {
		return fmt.Errorf("failed to update keywords: %w", err)
	}
	return nil
}

// MoveEmail replaces the email's mailbox membership with mailboxId.
func (c *Client) MoveEmail(ctx context.Context, id, mailboxId, accountId protocol.Id) error {
	return c.BatchMoveEmails(ctx, []protocol.Id{id}, mailboxId, accountId)
}

// MoveToTrash moves the email into trashId.
func (c *Client) MoveToTrash(ctx context.Context, id, trashId, accountId protocol.Id) error {
	if err := c.MoveEmail(ctx, id, trashId, accountId); err != nil {
		return fmt.Errorf("failed to move to trash: %w", err)
	}
	return nil
}

// BatchMoveEmails moves every email to mailboxId in one call.
func (c *Client) BatchMoveEmails(ctx context.Context, ids []protocol.Id, mailboxId, accountId protocol.Id) error {
	acct, err := c.account(accountId)
	if err != nil {
		return err
	}
	target := stripNamespace(acct, mailboxId)
	patch := protocol.PatchObject{"mailboxIds": map[protocol.Id]bool{target: true}}
	if err := c.UpdateEmails(ctx, samePatch(ids, patch), acct); err != nil {
		return fmt.Errorf("failed to move emails to %s: %w", target, err)
	}
	return nil
}

// DeleteEmail destroys the email permanently.
func (c *Client) DeleteEmail(ctx context.Context, id, accountId protocol.Id) error {
	return c.BatchDeleteEmails(ctx, []protocol.Id{id}, accountId)
}

// BatchDeleteEmails destroys every email in one call.
func (c *Client) BatchDeleteEmails(ctx context.Context, ids []protocol.Id, accountId protocol.Id) error {
	if len(ids) == 0 {
		return nil
	}
	acct, err := c.account(accountId)
	if err != nil {
		return err
	}
	if _, err := c.set(ctx, protocol.MethodEmailSet, protocol.SetRequest{AccountId: acct, Destroy: ids}); err != nil {
		return fmt.Errorf("failed to delete emails: %w", err)
	}
	return nil
}

// Draft is the content of an email being composed.
type Draft struct {
	From        []protocol.EmailAddress
	To          []protocol.EmailAddress
	Cc          []protocol.EmailAddress
	Bcc         []protocol.EmailAddress
	ReplyTo     []protocol.EmailAddress
	Subject     string
	TextBody    string
	HTMLBody    string
	InReplyTo   []string
	References  []string
	Attachments []protocol.EmailBodyPart // BlobId, Type and Name are required
}

// emailObject builds an Email/set create object.
func (d *Draft) emailObject(mailboxId protocol.Id, keywords map[string]bool) map[string]any {
	obj := map[string]any{
		"mailboxIds": map[protocol.Id]bool{mailboxId: true},
		"keywords":   keywords,
		"from":       d.From,
		"subject":    d.Subject,
	}
	for key, addrs := range map[string][]protocol.EmailAddress{"to": d.To, "cc": d.Cc, "bcc": d.Bcc, "replyTo": d.ReplyTo} {
		if len(addrs) > 0 {
			obj[key] = addrs
		}
	}
	if len(d.InReplyTo) > 0 {
		obj["inReplyTo"] = d.InReplyTo
	}
	if len(d.References) > 0 {
		obj["references"] = d.References
	}

	values := map[string]protocol.EmailBodyValue{}
	if d.TextBody != "" || d.HTMLBody == "" {
		obj["textBody"] = []protocol.EmailBodyPart{{PartId: "text", Type: "text/plain"}}
		values["text"] = protocol.EmailBodyValue{Value: d.TextBody}
	}
	if d.HTMLBody != "" {
		obj["htmlBody"] = []protocol.EmailBodyPart{{PartId: "html", Type: "text/html"}}
		values["html"] = protocol.EmailBodyValue{Value: d.HTMLBody}
	}
	obj["bodyValues"] = values

	if len(d.Attachments) > 0 {
		parts := make([]protocol.EmailBodyPart, len(d.Attachments))
		for i, a := range d.Attachments {
			parts[i] = protocol.EmailBodyPart{
				BlobId:      a.BlobId,
				Type:        a.Type,
				Name:        a.Name,
				Cid:         a.Cid,
				Disposition: "attachment",
			}
			if a.Cid != "" {
				parts[i].Disposition = "inline"
			}
		}
		obj["attachments"] = parts
	}
	return obj
}

// CreateDraft stores d in the Drafts mailbox. With existingId set the old
// draft is destroyed and the new one created in the same request. It returns
// the new draft's id.
func (c *Client) CreateDraft(ctx context.Context, d Draft, existingId protocol.Id) (protocol.Id, error) {
	acct, err := c.account("")
	if err != nil {
		return "", err
	}
	draftsId, err := c.FindRoleMailbox(ctx, protocol.RoleDrafts, acct)
	if err != nil {
		return "", fmt.Errorf("failed to find drafts mailbox: %w", err)
	}

	key := newCreationId()
	keywords := map[string]bool{protocol.KeywordDraft: true, protocol.KeywordSeen: true}
	var calls []protocol.MethodCall
	if existingId != "" {
		calls = append(calls, protocol.MethodCall{
			Name:      protocol.MethodEmailSet,
			Arguments: protocol.SetRequest{AccountId: acct, Destroy: []protocol.Id{existingId}},
			CallId:    "destroy",
		})
	}
	calls = append(calls, protocol.MethodCall{
		Name: protocol.MethodEmailSet,
		Arguments: protocol.SetRequest{
			AccountId: acct,
			Create:    map[string]any{key: d.emailObject(draftsId, keywords)},
		},
		CallId: "create",
	})

	resp, err := c.Request(ctx, calls...)
	if err != nil {
		return "", fmt.Errorf("failed to save draft: %w", err)
	}
	if existingId != "" {
		if err := decodeSet(resp, "destroy", protocol.MethodEmailSet, nil); err != nil {
			return "", fmt.Errorf("failed to replace draft: %w", err)
		}
	}
	var created protocol.SetResponse
	if err := decodeSet(resp, "create", protocol.MethodEmailSet, &created); err != nil {
		return "", fmt.Errorf("failed to save draft: %w", err)
	}
	obj, ok := created.Created[key]
	if !ok {
		return "", protocol.NewMalformedResponseError(fmt.Errorf("draft missing from created"), nil)
	}
	return obj.Id, nil
}

// SendEmail submits d. With draftId set the stored draft is submitted and,
// on success, loses $draft, gains $seen and moves to Sent. Otherwise a new
// email is created in Sent and submitted through a "#" back-reference. Both
// paths are one request. It returns the sent email's id.
func (c *Client) SendEmail(ctx context.Context, d Draft, draftId protocol.Id) (protocol.Id, error) {
	acct, err := c.account("")
	if err != nil {
		return "", err
	}
	identity, err := c.resolveIdentity(ctx, acct)
	if err != nil {
		return "", err
	}
	sentId, err := c.FindRoleMailbox(ctx, protocol.RoleSent, acct)
	if err != nil {
		return "", fmt.Errorf("failed to find sent mailbox: %w", err)
	}
	if len(d.From) == 0 {
		d.From = []protocol.EmailAddress{{Name: identity.Name, Email: identity.Email}}
	}

	subKey := newCreationId()
	submission := protocol.SubmissionSetRequest{AccountId: acct}
	var calls []protocol.MethodCall
	emailRef := string(draftId)
	emailKey := ""

	if draftId != "" {
		submission.OnSuccessUpdateEmail = map[string]protocol.PatchObject{"#" + subKey: {
			"keywords/" + protocol.KeywordDraft: nil,
			"keywords/" + protocol.KeywordSeen:  true,
			"mailboxIds":                        map[protocol.Id]bool{sentId: true},
		}}
	} else {
		emailKey = newCreationId()
		emailRef = "#" + emailKey
		calls = append(calls, protocol.MethodCall{
			Name: protocol.MethodEmailSet,
			Arguments: protocol.SetRequest{
				AccountId: acct,
				Create:    map[string]any{emailKey: d.emailObject(sentId, map[string]bool{protocol.KeywordSeen: true})},
			},
			CallId: "email",
		})
	}
	submission.Create = map[string]any{subKey: protocol.EmailSubmissionCreate{IdentityId: identity.Id, EmailId: emailRef}}
	calls = append(calls, protocol.MethodCall{
		Name:      protocol.MethodEmailSubmissionSet,
		Arguments: submission,
		CallId:    "submit",
	})

	resp, err := c.Request(ctx, calls...)
	if err != nil {
		return "", fmt.Errorf("failed to send email: %w", err)
	}

	sentEmail := draftId
	if emailKey != "" {
		var created protocol.SetResponse
		if err := decodeSet(resp, "email", protocol.MethodEmailSet, &created); err != nil {
			return "", fmt.Errorf("failed to create email: %w", err)
		}
		sentEmail = created.Created[emailKey].Id
	}
	if err := decodeSet(resp, "submit", protocol.MethodEmailSubmissionSet, nil); err != nil {
		return "", fmt.Errorf("failed to submit email: %w", err)
	}
	return sentEmail, nil
}

// GetIdentities lists the sending identities of an account.
func (c *Client) GetIdentities(ctx context.Context, accountId protocol.Id) ([]protocol.Identity, error) {
	acct, err := c.account(accountId)
	if err != nil {
		return nil, err
	}
	resp, err := c.Request(ctx, protocol.MethodCall{
		Name:      protocol.MethodIdentityGet,
		Arguments: protocol.GetRequest{AccountId: acct},
		CallId:    "0",
	})
	if err != nil {
		return nil, err
	}
	var result protocol.GetIdentitiesResponse
	if err := resp.Decode("0", protocol.MethodIdentityGet, &result); err != nil {
		return nil, err
	}
	return result.List, nil
}

// resolveIdentity picks the identity whose address matches the session
// username, falling back to the first one.
func (c *Client) resolveIdentity(ctx context.Context, accountId protocol.Id) (*protocol.Identity, error) {
	identities, err := c.GetIdentities(ctx, accountId)
	if err != nil {
		return nil, fmt.Errorf("failed to get identities: %w", err)
	}
	if len(identities) == 0 {
		return nil, fmt.Errorf("account %s has no sending identity", accountId)
	}
	username := c.Username()
	for i := range identities {
		if strings.EqualFold(identities[i].Email, username) {
			return &identities[i], nil
		}
	}
	return &identities[0], nil
}

// decodeSet decodes a /set response and returns its first per-object
// failure. Update and destroy failures come back as a
// *protocol.PartialSetError listing every rejected id.
func decodeSet(resp *protocol.Response, callId, method string, out *protocol.SetResponse) error {
	if out == nil {
		out = &protocol.SetResponse{}
	}
	if err := resp.Decode(callId, method, out); err != nil {
		return err
	}
	err := out.Err()
	if err == nil || len(out.NotCreated) > 0 {
		return err
	}
	me, _ := err.(*protocol.MutationError)
	return &protocol.PartialSetError{Failed: out.FailedIds(), Err: me}
}
